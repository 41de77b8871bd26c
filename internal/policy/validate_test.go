package policy

import (
	"testing"

	"github.com/pesio-ai/be-command-gateway/internal/platform/errors"
	"github.com/pesio-ai/be-command-gateway/internal/repository"
)

func TestValidate(t *testing.T) {
	valid := func() *repository.Rule {
		return &repository.Rule{Pattern: `^ls`, Action: repository.ActionAutoAccept, Priority: 10}
	}

	cases := []struct {
		name   string
		mutate func(r *repository.Rule)
		ok     bool
	}{
		{"valid", func(r *repository.Rule) {}, true},
		{"unbalanced paren", func(r *repository.Rule) { r.Pattern = "(" }, false},
		{"empty pattern", func(r *repository.Rule) { r.Pattern = "  " }, false},
		{"unknown action", func(r *repository.Rule) { r.Action = "ALLOW" }, false},
		{"zero threshold", func(r *repository.Rule) { r.Threshold = intPtr(0) }, false},
		{"window", func(r *repository.Rule) { r.ActiveHoursStart, r.ActiveHoursEnd = strPtr("09:00"), strPtr("18:00") }, true},
		{"half window", func(r *repository.Rule) { r.ActiveHoursStart = strPtr("09:00") }, false},
		{"bad clock", func(r *repository.Rule) { r.ActiveHoursStart, r.ActiveHoursEnd = strPtr("9:00"), strPtr("18:00") }, false},
		{"overnight", func(r *repository.Rule) { r.ActiveHoursStart, r.ActiveHoursEnd = strPtr("22:00"), strPtr("06:00") }, false},
		{"overrides", func(r *repository.Rule) { r.SeniorityOverrides = `{"junior":{"action":"REQUIRE_APPROVAL","threshold":3}}` }, true},
		{"overrides unknown level", func(r *repository.Rule) { r.SeniorityOverrides = `{"intern":{"threshold":3}}` }, false},
		{"overrides bad action", func(r *repository.Rule) { r.SeniorityOverrides = `{"junior":{"action":"NOPE"}}` }, false},
		{"overrides not json", func(r *repository.Rule) { r.SeniorityOverrides = `junior` }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := valid()
			tc.mutate(r)
			err := Validate(r)
			if tc.ok {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if !errors.IsCode(err, errors.ErrCodeValidation) {
				t.Fatalf("err = %v, want VALIDATION", err)
			}
		})
	}
}

func TestDetectConflicts(t *testing.T) {
	existing := []*repository.Rule{
		{ID: "rm", Pattern: `rm\s+-rf\s+/`, Action: repository.ActionAutoReject},
		{ID: "any", Pattern: `.*`, Action: repository.ActionRequireApproval},
		{ID: "git", Pattern: `^git`, Action: repository.ActionAutoAccept},
		{ID: "broken", Pattern: `(`, Action: repository.ActionAutoAccept},
	}

	candidate := &repository.Rule{ID: "new", Pattern: `^rm`, Action: repository.ActionAutoAccept}
	got := DetectConflicts(candidate, existing, "")
	if len(got) != 2 || got[0].ID != "rm" || got[1].ID != "any" {
		t.Fatalf("conflicts = %v", ids(got))
	}

	harmless := &repository.Rule{ID: "new", Pattern: `^echo`, Action: repository.ActionAutoAccept}
	if got := DetectConflicts(harmless, existing, DefaultCanary); len(got) != 0 {
		t.Fatalf("conflicts = %v, want none", ids(got))
	}
}

func TestDetectConflictsSkipsSelf(t *testing.T) {
	self := &repository.Rule{ID: "r1", Pattern: `rm`, Action: repository.ActionAutoReject}
	if got := DetectConflicts(self, []*repository.Rule{self}, ""); len(got) != 0 {
		t.Fatalf("conflicts = %v", ids(got))
	}
}

func ids(rules []*repository.Rule) []string {
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.ID)
	}
	return out
}
