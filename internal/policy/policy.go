// Package policy classifies commands against the ordered rule set.
//
// Decide is a pure function of its inputs: it never mutates the rules it is
// given and it never fails. Patterns that do not compile are skipped and
// reported in Decision.Skipped.
package policy

import (
	"fmt"

	"github.com/pesio-ai/be-command-gateway/internal/repository"
)

// DefaultCanary is the command used by conflict detection.
const DefaultCanary = "rm -rf /"

// Decision is the outcome of evaluating one command.
type Decision struct {
	Matched bool
	Rule    *repository.Rule // nil when nothing matched
	Action  repository.Action
	// Threshold is the effective quorum. Zero means the policy default applies.
	Threshold int

	TimeRestricted   bool // the active-hours window forced review
	SeniorityApplied bool // a seniority override changed action or threshold

	Skipped []*PolicyMatchError
}

// OrDefault applies the policy default for unmatched commands and for rules
// that leave the threshold unset.
func (d Decision) OrDefault(defaultThreshold int) Decision {
	if !d.Matched {
		d.Action = repository.ActionRequireApproval
	}
	if d.Threshold <= 0 {
		d.Threshold = defaultThreshold
	}
	return d
}

// RuleID returns the matched rule's ID, or nil.
func (d Decision) RuleID() *string {
	if d.Rule == nil {
		return nil
	}
	id := d.Rule.ID
	return &id
}

// PolicyMatchError describes a rule skipped during evaluation.
type PolicyMatchError struct {
	RuleID  string
	Pattern string
	Err     error
}

func (e *PolicyMatchError) Error() string {
	return fmt.Sprintf("rule %s: pattern %q: %v", e.RuleID, e.Pattern, e.Err)
}

func (e *PolicyMatchError) Unwrap() error {
	return e.Err
}
