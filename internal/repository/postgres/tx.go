package postgres

import (
	"context"
	stderrors "errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-command-gateway/internal/platform/errors"
	"github.com/pesio-ai/be-command-gateway/internal/repository"
)

// txStore is the repository.Tx view of one pgx transaction.
type txStore struct {
	q querier
}

func (t *txStore) LockApproval(ctx context.Context, id string) (*repository.Approval, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE id = $1 FOR UPDATE`

	a, err := scanApproval(t.q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "approval", id)
	}
	return a, nil
}

func (t *txStore) LockCommand(ctx context.Context, id string) (*repository.Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands WHERE id = $1 FOR UPDATE`

	cmd, err := scanCommand(t.q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "command", id)
	}
	return cmd, nil
}

func (t *txStore) CreateCommand(ctx context.Context, cmd *repository.Command) error {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}

	query := `
		INSERT INTO commands (id, user_id, command_text, status, rule_triggered, result, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`

	err := t.q.QueryRow(ctx, query,
		cmd.ID,
		cmd.UserID,
		cmd.Text,
		cmd.Status,
		cmd.RuleID,
		cmd.Result,
		cmd.ExecutedAt,
	).Scan(&cmd.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create command")
	}
	return nil
}

func (t *txStore) UpdateCommand(ctx context.Context, cmd *repository.Command) error {
	query := `
		UPDATE commands
		SET status         = $2,
		    rule_triggered = $3,
		    result         = $4,
		    executed_at    = $5
		WHERE id = $1
	`

	tag, err := t.q.Exec(ctx, query, cmd.ID, cmd.Status, cmd.RuleID, cmd.Result, cmd.ExecutedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update command")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("command", cmd.ID)
	}
	return nil
}

func (t *txStore) CreateApproval(ctx context.Context, a *repository.Approval) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	query := `
		INSERT INTO approvals
		    (id, command_id, requested_by, threshold_required, expires_at,
		     escalated, escalated_at, resolved, outcome, resolved_at)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9, $10)
		RETURNING created_at
	`

	err := t.q.QueryRow(ctx, query,
		a.ID,
		a.CommandID,
		a.RequestedBy,
		a.ThresholdRequired,
		a.ExpiresAt,
		a.Escalated,
		a.EscalatedAt,
		a.Resolved,
		a.Outcome,
		a.ResolvedAt,
	).Scan(&a.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval")
	}
	return nil
}

func (t *txStore) UpdateApproval(ctx context.Context, a *repository.Approval) error {
	query := `
		UPDATE approvals
		SET escalated    = $2,
		    escalated_at = $3,
		    resolved     = $4,
		    outcome      = $5,
		    resolved_at  = $6
		WHERE id = $1
	`

	tag, err := t.q.Exec(ctx, query, a.ID, a.Escalated, a.EscalatedAt, a.Resolved, a.Outcome, a.ResolvedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("approval", a.ID)
	}
	return nil
}

func (t *txStore) InsertVote(ctx context.Context, v *repository.ApprovalVote) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}

	query := `
		INSERT INTO approval_votes (id, approval_id, voter_id, vote)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`

	if err := t.q.QueryRow(ctx, query, v.ID, v.ApprovalID, v.VoterID, v.Vote).Scan(&v.CreatedAt); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to insert vote")
	}
	return nil
}

func (t *txStore) ListVotes(ctx context.Context, approvalID string) ([]*repository.ApprovalVote, error) {
	return listVotes(ctx, t.q, approvalID)
}

// DebitCredit is a single conditional decrement; the row lock it takes holds
// until the transaction ends.
func (t *txStore) DebitCredit(ctx context.Context, userID string) (int, error) {
	query := `
		UPDATE users
		SET credits = credits - 1
		WHERE id = $1 AND credits > 0
		RETURNING credits
	`

	var balance int
	err := t.q.QueryRow(ctx, query, userID).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if stderrors.Is(err, pgx.ErrNoRows) {
		return 0, repository.InsufficientCredit(userID)
	}
	return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to debit credit")
}
