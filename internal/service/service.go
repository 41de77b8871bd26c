package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pesio-ai/be-command-gateway/internal/client"
	"github.com/pesio-ai/be-command-gateway/internal/platform/logger"
	"github.com/pesio-ai/be-command-gateway/internal/policy"
	"github.com/pesio-ai/be-command-gateway/internal/repository"
)

// Audit event types.
const (
	EventCommandSubmitted       = "COMMAND_SUBMITTED"
	EventCommandExecuted        = "COMMAND_EXECUTED"
	EventCommandRejected        = "COMMAND_REJECTED"
	EventApprovalRequestCreated = "APPROVAL_REQUEST_CREATED"
	EventApprovalVoteCast       = "APPROVAL_VOTE_CAST"
	EventApprovalGranted        = "APPROVAL_GRANTED"
	EventApprovalRejected       = "APPROVAL_REJECTED"
	EventApprovalFailed         = "APPROVAL_FAILED"
	EventApprovalEscalated      = "APPROVAL_ESCALATED"
	EventApprovalAutoRejected   = "APPROVAL_AUTO_REJECTED"
	EventRuleCreated            = "RULE_CREATED"
	EventRuleConflict           = "RULE_CONFLICT"
	EventUserCreated            = "USER_CREATED"
)

// Command results recorded when a command is not executed.
const (
	ResultInsufficientCredits = "insufficient credits"
	ResultRejectedByPolicy    = "rejected by policy"
	ResultRejectedByVote      = "rejected by approvers"
	ResultApprovalTimedOut    = "approval timed out"
)

// PolicyOptions are the decision kernel's tunables.
type PolicyOptions struct {
	DefaultThreshold int
	ApprovalTTL      time.Duration
	GraceWindow      time.Duration
	ConflictCanary   string
	Location         *time.Location
}

// DefaultPolicyOptions returns the built-in policy defaults.
func DefaultPolicyOptions() PolicyOptions {
	return PolicyOptions{
		DefaultThreshold: 2,
		ApprovalTTL:      10 * time.Minute,
		GraceWindow:      60 * time.Minute,
		ConflictCanary:   policy.DefaultCanary,
		Location:         time.UTC,
	}
}

// Notifier accepts fire-and-forget notifications. client.Dispatcher
// implements it.
type Notifier interface {
	Notify(ctx context.Context, event *client.NotificationEvent)
}

// Executor runs an authorized command and returns its result payload.
type Executor interface {
	Execute(ctx context.Context, cmd *repository.Command) (string, error)
}

// MockExecutor reports what it would run without running anything.
type MockExecutor struct{}

func (MockExecutor) Execute(_ context.Context, cmd *repository.Command) (string, error) {
	return "[MOCK EXECUTION] Would run: " + cmd.Text, nil
}

// auditor appends audit events best-effort.
type auditor struct {
	sink repository.AuditSink
	log  *logger.Logger
}

// append writes an audit entry and logs a warning on failure (never returns error).
func (a *auditor) append(ctx context.Context, eventType, actorID string, detail map[string]any) {
	var raw string
	if detail != nil {
		data, err := json.Marshal(detail)
		if err != nil {
			a.log.Warn().Err(err).Str("event_type", eventType).Msg("Failed to marshal audit detail")
		} else {
			raw = string(data)
		}
	}

	entry := &repository.Event{Type: eventType, ActorID: actorID, Detail: raw}
	if err := a.sink.Append(ctx, entry); err != nil {
		a.log.Warn().Err(err).
			Str("event_type", eventType).
			Str("actor_id", actorID).
			Msg("Failed to write audit log entry")
	}
}

// nopNotifier drops every notification.
type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, *client.NotificationEvent) {}

func userIDs(users []*repository.User) []string {
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	return ids
}
