package client

import "context"

// Notification event types.
const (
	EventApprovalRequired  = "approval_required"
	EventApprovalEscalated = "approval_escalated"
	EventCommandExecuted   = "command_executed"
	EventCommandRejected   = "command_rejected"
	EventCommandFailed     = "command_failed"
)

// NotificationEvent is the JSON schema published to sinks.
type NotificationEvent struct {
	EventType    string         `json:"event_type"`
	ActorID      string         `json:"actor_id,omitempty"`
	Recipients   []string       `json:"recipients"`
	Subject      string         `json:"subject"`
	Body         string         `json:"body,omitempty"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	IsActionable bool           `json:"is_actionable,omitempty"`
	Severity     string         `json:"severity,omitempty"`
	Category     string         `json:"category,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// Sink delivers one notification. Implementations may block; the Dispatcher
// calls them from its own workers.
type Sink interface {
	Send(ctx context.Context, event *NotificationEvent) error
}
