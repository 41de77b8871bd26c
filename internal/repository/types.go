package repository

import "time"

// ── Enumerations ─────────────────────────────────────────────────────────────

// Action is what a rule decides for a matching command.
type Action string

const (
	ActionAutoAccept      Action = "AUTO_ACCEPT"
	ActionAutoReject      Action = "AUTO_REJECT"
	ActionRequireApproval Action = "REQUIRE_APPROVAL"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionAutoAccept, ActionAutoReject, ActionRequireApproval:
		return true
	}
	return false
}

// Role is a user's authorization role.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleApprover Role = "approver"
	RoleMember   Role = "member"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleApprover, RoleMember:
		return true
	}
	return false
}

// CanVote reports whether users with this role may vote on approvals.
func (r Role) CanVote() bool {
	return r == RoleAdmin || r == RoleApprover
}

// Seniority is a requester tier that rules may override on.
type Seniority string

const (
	SeniorityJunior Seniority = "junior"
	SeniorityMid    Seniority = "mid"
	SenioritySenior Seniority = "senior"
	SeniorityLead   Seniority = "lead"
)

func (s Seniority) Valid() bool {
	switch s {
	case SeniorityJunior, SeniorityMid, SenioritySenior, SeniorityLead:
		return true
	}
	return false
}

// CommandStatus is SUBMITTED until the command transitions, exactly once, to
// EXECUTED or REJECTED.
type CommandStatus string

const (
	CommandSubmitted CommandStatus = "SUBMITTED"
	CommandExecuted  CommandStatus = "EXECUTED"
	CommandRejected  CommandStatus = "REJECTED"
)

// VoteValue is an approver's ballot.
type VoteValue string

const (
	VoteApprove VoteValue = "APPROVE"
	VoteReject  VoteValue = "REJECT"
)

func (v VoteValue) Valid() bool {
	return v == VoteApprove || v == VoteReject
}

// Outcome is how an approval was resolved. Empty while unresolved.
type Outcome string

const (
	OutcomeNone     Outcome = ""
	OutcomeExecuted Outcome = "EXECUTED"
	OutcomeRejected Outcome = "REJECTED"
	OutcomeFailed   Outcome = "FAILED"
)

// ApprovalState is derived from an approval's flags.
type ApprovalState string

const (
	StateOpen             ApprovalState = "OPEN"
	StateEscalated        ApprovalState = "ESCALATED"
	StateResolvedExecuted ApprovalState = "RESOLVED_EXECUTED"
	StateResolvedRejected ApprovalState = "RESOLVED_REJECTED"
	StateResolvedFailed   ApprovalState = "RESOLVED_FAILED"
)

// ── Records ──────────────────────────────────────────────────────────────────

// Rule maps a command pattern to an authorization action.
type Rule struct {
	ID       string `json:"id"`
	Seq      int64  `json:"seq"` // insertion order; breaks priority ties
	Name     string `json:"name,omitempty"`
	Pattern  string `json:"pattern"`
	Action   Action `json:"action"`
	Priority int    `json:"priority"` // lower = evaluated first
	// Threshold is the approvals needed when this rule routes to review.
	// nil means the policy default.
	Threshold *int `json:"threshold,omitempty"`
	// SeniorityOverrides is a JSON object keyed by seniority, stored as text
	// so that malformed legacy data can be read and ignored.
	SeniorityOverrides string    `json:"seniority_overrides,omitempty"`
	ActiveHoursStart   *string   `json:"active_hours_start,omitempty"` // "HH:MM"
	ActiveHoursEnd     *string   `json:"active_hours_end,omitempty"`   // "HH:MM"
	CreatedBy          *string   `json:"created_by,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// User is an operator who submits commands and, depending on role, votes.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	APIKey    string    `json:"-"`
	Role      Role      `json:"role"`
	Seniority Seniority `json:"seniority"`
	Credits   int       `json:"credits"`
	CreatedAt time.Time `json:"created_at"`
}

// Command is one submission of command text.
type Command struct {
	ID         string        `json:"id"`
	UserID     string        `json:"user_id"`
	Text       string        `json:"command_text"`
	Status     CommandStatus `json:"status"`
	RuleID     *string       `json:"rule_triggered,omitempty"`
	Result     *string       `json:"result,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	ExecutedAt *time.Time    `json:"executed_at,omitempty"`
}

// Approval is the review record for a command routed to REQUIRE_APPROVAL.
type Approval struct {
	ID                string     `json:"id"`
	CommandID         string     `json:"command_id"`
	RequestedBy       string     `json:"requested_by"`
	ThresholdRequired int        `json:"threshold_required"`
	ExpiresAt         time.Time  `json:"expires_at"`
	Escalated         bool       `json:"escalated"`
	EscalatedAt       *time.Time `json:"escalated_at,omitempty"`
	Resolved          bool       `json:"resolved"`
	Outcome           Outcome    `json:"outcome,omitempty"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// State derives the workflow state from the persisted flags.
func (a *Approval) State() ApprovalState {
	if a.Resolved {
		switch a.Outcome {
		case OutcomeExecuted:
			return StateResolvedExecuted
		case OutcomeFailed:
			return StateResolvedFailed
		default:
			return StateResolvedRejected
		}
	}
	if a.Escalated {
		return StateEscalated
	}
	return StateOpen
}

// EscalationDue reports whether the escalation transition applies at now.
func (a *Approval) EscalationDue(now time.Time) bool {
	return !a.Resolved && !a.Escalated && !now.Before(a.ExpiresAt)
}

// TimeoutDue reports whether the auto-reject transition applies at now.
func (a *Approval) TimeoutDue(now time.Time, grace time.Duration) bool {
	return !a.Resolved && !now.Before(a.ExpiresAt.Add(grace))
}

// ApprovalVote is one ballot. Several ballots from one voter are tolerated.
type ApprovalVote struct {
	ID         string    `json:"id"`
	ApprovalID string    `json:"approval_id"`
	VoterID    string    `json:"voter_id"`
	Vote       VoteValue `json:"vote"`
	CreatedAt  time.Time `json:"created_at"`
}

// Event is one immutable audit log entry.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"event_type"`
	ActorID   string    `json:"actor_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
