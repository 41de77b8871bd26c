package policy

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/pesio-ai/be-command-gateway/internal/platform/errors"
	"github.com/pesio-ai/be-command-gateway/internal/repository"
)

var hhmmPattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

// Validate checks a rule before it is stored. The returned error, if any,
// carries the VALIDATION code.
func Validate(rule *repository.Rule) error {
	if strings.TrimSpace(rule.Pattern) == "" {
		return errors.Validation("pattern is required", nil)
	}
	if _, err := regexp.Compile(rule.Pattern); err != nil {
		return errors.Validation("invalid regex", err)
	}
	if !rule.Action.Valid() {
		return errors.Validation(fmt.Sprintf("unknown action %q", rule.Action), nil)
	}
	if rule.Threshold != nil && *rule.Threshold < 1 {
		return errors.Validation(fmt.Sprintf("threshold must be positive, got %d", *rule.Threshold), nil)
	}
	if err := validateWindow(rule.ActiveHoursStart, rule.ActiveHoursEnd); err != nil {
		return err
	}
	if rule.SeniorityOverrides != "" {
		if err := validateOverrides(rule.SeniorityOverrides); err != nil {
			return err
		}
	}
	return nil
}

func validateWindow(start, end *string) error {
	if start == nil && end == nil {
		return nil
	}
	if start == nil || end == nil {
		return errors.Validation("active hours need both start and end", nil)
	}
	if !hhmmPattern.MatchString(*start) {
		return errors.Validation(fmt.Sprintf("active_hours_start %q is not HH:MM", *start), nil)
	}
	if !hhmmPattern.MatchString(*end) {
		return errors.Validation(fmt.Sprintf("active_hours_end %q is not HH:MM", *end), nil)
	}
	if *start > *end {
		return errors.Validation(fmt.Sprintf("active hours %s-%s span midnight", *start, *end), nil)
	}
	return nil
}

type overrideSpec struct {
	Action    *repository.Action `json:"action"`
	Threshold *int               `json:"threshold"`
}

func validateOverrides(raw string) error {
	var byLevel map[string]overrideSpec
	if err := json.Unmarshal([]byte(raw), &byLevel); err != nil {
		return errors.Validation("seniority_overrides is not a valid mapping", err)
	}
	for level, ov := range byLevel {
		if !repository.Seniority(level).Valid() {
			return errors.Validation(fmt.Sprintf("seniority_overrides: unknown seniority %q", level), nil)
		}
		if ov.Action != nil && !ov.Action.Valid() {
			return errors.Validation(fmt.Sprintf("seniority_overrides.%s: unknown action %q", level, *ov.Action), nil)
		}
		if ov.Threshold != nil && *ov.Threshold < 1 {
			return errors.Validation(fmt.Sprintf("seniority_overrides.%s: threshold must be positive", level), nil)
		}
	}
	return nil
}

// DetectConflicts returns the existing rules that, like candidate, match the
// canary command. It is an advisory smoke test, not a sound overlap analysis.
func DetectConflicts(candidate *repository.Rule, existing []*repository.Rule, canary string) []*repository.Rule {
	if canary == "" {
		canary = DefaultCanary
	}
	re, err := regexp.Compile(candidate.Pattern)
	if err != nil || !re.MatchString(canary) {
		return nil
	}

	var conflicts []*repository.Rule
	for _, entry := range Compile(existing).entries {
		r := entry.rule
		if r.ID != "" && r.ID == candidate.ID {
			continue
		}
		if entry.err == nil && entry.re.MatchString(canary) {
			conflicts = append(conflicts, r)
		}
	}
	return conflicts
}
