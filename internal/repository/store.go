package repository

import (
	"context"
	"fmt"

	"github.com/pesio-ai/be-command-gateway/internal/platform/errors"
)

// RuleStore is the durable, ordered rule set.
type RuleStore interface {
	// ListRules returns every rule ordered by priority, then insertion order.
	ListRules(ctx context.Context) ([]*Rule, error)
	// InsertRule persists rule and fills ID, Seq and CreatedAt.
	InsertRule(ctx context.Context, rule *Rule) error
}

// AuditSink appends audit events. It is never read by decision logic.
type AuditSink interface {
	Append(ctx context.Context, event *Event) error
}

// Tx is the transactional view handed to Store.InTx. Lock* methods take the
// record's exclusive lock for the rest of the transaction; every state
// transition reads its record through them before writing.
type Tx interface {
	LockApproval(ctx context.Context, id string) (*Approval, error)
	LockCommand(ctx context.Context, id string) (*Command, error)

	CreateCommand(ctx context.Context, cmd *Command) error
	UpdateCommand(ctx context.Context, cmd *Command) error
	CreateApproval(ctx context.Context, approval *Approval) error
	UpdateApproval(ctx context.Context, approval *Approval) error

	InsertVote(ctx context.Context, vote *ApprovalVote) error
	ListVotes(ctx context.Context, approvalID string) ([]*ApprovalVote, error)

	// DebitCredit decrements the user's balance by one if it is positive and
	// returns the new balance. A non-positive balance yields an
	// INSUFFICIENT_CREDIT error and no change.
	DebitCredit(ctx context.Context, userID string) (int, error)
}

// Store is the record store for users, commands, approvals and votes, plus
// the rule store and audit sink.
type Store interface {
	RuleStore
	AuditSink

	// InTx runs fn atomically: all writes made through tx commit together
	// when fn returns nil, and none do otherwise.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByAPIKey(ctx context.Context, apiKey string) (*User, error)
	ListUsersByRole(ctx context.Context, roles ...Role) ([]*User, error)

	GetCommand(ctx context.Context, id string) (*Command, error)
	// ListCommands returns newest first; an empty userID lists every user's.
	ListCommands(ctx context.Context, userID string) ([]*Command, error)

	GetApproval(ctx context.Context, id string) (*Approval, error)
	ListOpenApprovals(ctx context.Context) ([]*Approval, error)
	ListVotes(ctx context.Context, approvalID string) ([]*ApprovalVote, error)

	// ListEvents returns the newest audit events for operators.
	ListEvents(ctx context.Context, limit int) ([]*Event, error)

	Close() error
}

// InsufficientCredit is the error DebitCredit returns for an empty balance.
func InsufficientCredit(userID string) error {
	return errors.New(errors.ErrCodeInsufficientCredit, fmt.Sprintf("user %q has no credits", userID))
}
