package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-command-gateway/internal/platform/errors"
	"github.com/pesio-ai/be-command-gateway/internal/platform/logger"
	"github.com/pesio-ai/be-command-gateway/internal/policy"
	"github.com/pesio-ai/be-command-gateway/internal/repository"
)

// DefaultPriority is the priority of rules created without one.
const DefaultPriority = 100

// RuleService validates and stores rules and reports canary conflicts.
type RuleService struct {
	rules  repository.RuleStore
	audit  *auditor
	canary string
	log    *logger.Logger
}

// NewRuleService creates a new RuleService.
func NewRuleService(rules repository.RuleStore, audit repository.AuditSink, opts PolicyOptions, log *logger.Logger) *RuleService {
	return &RuleService{
		rules:  rules,
		audit:  &auditor{sink: audit, log: log},
		canary: opts.ConflictCanary,
		log:    log,
	}
}

// CreateRuleResult is a stored rule plus the advisory conflicts found for it.
type CreateRuleResult struct {
	Rule      *repository.Rule   `json:"rule"`
	Conflicts []*repository.Rule `json:"conflicts"`
}

// CreateRule validates rule, stores it and reports existing rules that also
// match the conflict canary. Conflicts never block creation.
func (s *RuleService) CreateRule(ctx context.Context, actorID string, rule *repository.Rule) (*CreateRuleResult, error) {
	if err := policy.Validate(rule); err != nil {
		return nil, err
	}

	existing, err := s.rules.ListRules(ctx)
	if err != nil {
		return nil, err
	}

	if actorID != "" {
		rule.CreatedBy = &actorID
	}
	if err := s.rules.InsertRule(ctx, rule); err != nil {
		return nil, err
	}

	conflicts := policy.DetectConflicts(rule, existing, s.canary)

	s.audit.append(ctx, EventRuleCreated, actorID, map[string]any{
		"rule_id":  rule.ID,
		"pattern":  rule.Pattern,
		"action":   rule.Action,
		"priority": rule.Priority,
	})
	if len(conflicts) > 0 {
		ids := make([]string, 0, len(conflicts))
		for _, c := range conflicts {
			ids = append(ids, c.ID)
		}
		s.audit.append(ctx, EventRuleConflict, actorID, map[string]any{
			"rule_id":   rule.ID,
			"conflicts": ids,
			"canary":    s.canary,
		})
		s.log.Warn().
			Str("rule_id", rule.ID).
			Strs("conflicts_with", ids).
			Msg("Rule overlaps existing rules on the conflict canary")
	}

	s.log.Info().
		Str("rule_id", rule.ID).
		Str("action", string(rule.Action)).
		Int("priority", rule.Priority).
		Msg("Rule created")

	if conflicts == nil {
		conflicts = []*repository.Rule{}
	}
	return &CreateRuleResult{Rule: rule, Conflicts: conflicts}, nil
}

// ListRules returns every rule in evaluation order.
func (s *RuleService) ListRules(ctx context.Context) ([]*repository.Rule, error) {
	return s.rules.ListRules(ctx)
}

// SeedRules creates rules only when the store holds none. It returns how
// many were created.
func (s *RuleService) SeedRules(ctx context.Context, actorID string, rules []*repository.Rule) (int, error) {
	existing, err := s.rules.ListRules(ctx)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		s.log.Info().Int("existing", len(existing)).Msg("Rules already present, skipping seed")
		return 0, nil
	}

	created := 0
	for _, r := range rules {
		if _, err := s.CreateRule(ctx, actorID, r); err != nil {
			return created, fmt.Errorf("seed rule %q: %w", r.Name, err)
		}
		created++
	}
	return created, nil
}

// ── Rule files ───────────────────────────────────────────────────────────────

type ruleFile struct {
	Rules []ruleFileEntry `yaml:"rules"`
}

type ruleFileEntry struct {
	Name               string                    `yaml:"name"`
	Pattern            string                    `yaml:"pattern"`
	Action             string                    `yaml:"action"`
	Priority           *int                      `yaml:"priority"`
	Threshold          *int                      `yaml:"threshold"`
	ActiveHours        *activeHours              `yaml:"active_hours"`
	SeniorityOverrides map[string]map[string]any `yaml:"seniority_overrides"`
}

type activeHours struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// LoadRuleFile reads a YAML rule file:
//
//	rules:
//	  - name: Block recursive root delete
//	    pattern: 'rm\s+-rf\s+/'
//	    action: AUTO_REJECT
//	    priority: 1
//	    active_hours: {start: "09:00", end: "18:00"}
//	    seniority_overrides:
//	      junior: {action: REQUIRE_APPROVAL, threshold: 3}
func LoadRuleFile(path string) ([]*repository.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes the YAML rule file format. Each rule is validated.
func ParseRules(data []byte) ([]*repository.Rule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Validation("rule file is not valid YAML", err)
	}

	rules := make([]*repository.Rule, 0, len(f.Rules))
	for i, e := range f.Rules {
		rule := &repository.Rule{
			Name:      strings.TrimSpace(e.Name),
			Pattern:   e.Pattern,
			Action:    repository.Action(strings.ToUpper(strings.TrimSpace(e.Action))),
			Priority:  DefaultPriority,
			Threshold: e.Threshold,
		}
		if e.Priority != nil {
			rule.Priority = *e.Priority
		}
		if e.ActiveHours != nil {
			start, end := e.ActiveHours.Start, e.ActiveHours.End
			rule.ActiveHoursStart, rule.ActiveHoursEnd = &start, &end
		}
		if len(e.SeniorityOverrides) > 0 {
			raw, err := json.Marshal(e.SeniorityOverrides)
			if err != nil {
				return nil, errors.Validation(fmt.Sprintf("rule %d: seniority_overrides", i+1), err)
			}
			rule.SeniorityOverrides = string(raw)
		}
		if err := policy.Validate(rule); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i+1, rule.Name, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
