package policy

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/pesio-ai/be-command-gateway/internal/repository"
)

// RuleSet is an ordered rule list with every pattern compiled once. It is
// immutable and safe for concurrent use.
type RuleSet struct {
	entries []compiledRule
}

type compiledRule struct {
	rule *repository.Rule
	re   *regexp.Regexp
	err  error
}

// Compile compiles rules, which must already be sorted by priority then
// insertion order, as RuleStore.ListRules returns them. Invalid patterns are
// kept and reported by every Decide.
func Compile(rules []*repository.Rule) *RuleSet {
	rs := &RuleSet{entries: make([]compiledRule, 0, len(rules))}
	for _, rule := range rules {
		re, err := regexp.Compile(rule.Pattern)
		rs.entries = append(rs.entries, compiledRule{rule: rule, re: re, err: err})
	}
	return rs
}

// Len returns the number of rules in the set.
func (rs *RuleSet) Len() int {
	return len(rs.entries)
}

// Decide compiles rules and evaluates them once. See RuleSet.Decide.
func Decide(text string, requester *repository.User, now time.Time, rules []*repository.Rule) Decision {
	return Compile(rules).Decide(text, requester, now)
}

// Decide evaluates the rules in order and returns the first match, with the
// time and seniority modifiers applied in that order. now should be in the
// policy time zone.
func (rs *RuleSet) Decide(text string, requester *repository.User, now time.Time) Decision {
	var d Decision

	for _, entry := range rs.entries {
		rule := entry.rule
		if entry.err != nil {
			d.Skipped = append(d.Skipped, &PolicyMatchError{RuleID: rule.ID, Pattern: rule.Pattern, Err: entry.err})
			continue
		}
		if !entry.re.MatchString(text) {
			continue
		}

		d.Matched = true
		d.Rule = rule
		d.Action = rule.Action
		if !d.Action.Valid() {
			d.Action = repository.ActionRequireApproval
		}
		if rule.Threshold != nil && *rule.Threshold > 0 {
			d.Threshold = *rule.Threshold
		}

		if !withinActiveHours(rule, now) {
			d.Action = repository.ActionRequireApproval
			d.TimeRestricted = true
		}

		if requester != nil {
			if ov, ok := lookupOverride(rule.SeniorityOverrides, requester.Seniority); ok {
				if ov.action != "" {
					d.Action = ov.action
					d.SeniorityApplied = true
				}
				if ov.threshold > 0 {
					d.Threshold = ov.threshold
					d.SeniorityApplied = true
				}
			}
		}
		return d
	}

	return d
}

// withinActiveHours reports whether now falls inside the rule's inclusive
// "HH:MM" window. Rules without a complete window are always active.
func withinActiveHours(rule *repository.Rule, now time.Time) bool {
	if rule.ActiveHoursStart == nil || rule.ActiveHoursEnd == nil {
		return true
	}
	start, end := *rule.ActiveHoursStart, *rule.ActiveHoursEnd
	if start == "" || end == "" {
		return true
	}
	hhmm := now.Format("15:04")
	return start <= hhmm && hhmm <= end
}

type override struct {
	action    repository.Action
	threshold int
}

// lookupOverride reads the entry for seniority from raw. Anything malformed,
// whether the whole mapping or a single field, is treated as absent.
func lookupOverride(raw string, seniority repository.Seniority) (override, bool) {
	if raw == "" || seniority == "" {
		return override{}, false
	}

	var byLevel map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &byLevel); err != nil {
		return override{}, false
	}
	entry, ok := byLevel[string(seniority)]
	if !ok {
		return override{}, false
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(entry, &fields); err != nil {
		return override{}, false
	}

	var ov override
	if v, ok := fields["action"]; ok {
		var action repository.Action
		if json.Unmarshal(v, &action) == nil && action.Valid() {
			ov.action = action
		}
	}
	if v, ok := fields["threshold"]; ok {
		var threshold int
		if json.Unmarshal(v, &threshold) == nil && threshold > 0 {
			ov.threshold = threshold
		}
	}
	if ov.action == "" && ov.threshold == 0 {
		return override{}, false
	}
	return ov, true
}
