package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	apperrors "github.com/pesio-ai/be-command-gateway/internal/platform/errors"
	"github.com/pesio-ai/be-command-gateway/internal/repository"
)

// txStore is the repository.Tx view of one SQLite transaction. The store's
// single connection already serializes writers, so Lock* are plain reads.
type txStore struct {
	q querier
}

func (t *txStore) LockApproval(ctx context.Context, id string) (*repository.Approval, error) {
	return getApproval(ctx, t.q, id)
}

func (t *txStore) LockCommand(ctx context.Context, id string) (*repository.Command, error) {
	return getCommand(ctx, t.q, id)
}

func (t *txStore) CreateCommand(ctx context.Context, cmd *repository.Command) error {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = nowMillis()
	}

	_, err := t.q.ExecContext(ctx,
		`INSERT INTO commands (id, user_id, command_text, status, rule_triggered, result, created_at, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cmd.ID, cmd.UserID, cmd.Text, string(cmd.Status), cmd.RuleID, cmd.Result,
		toMillis(cmd.CreatedAt), toNullMillis(cmd.ExecutedAt),
	)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create command")
	}
	return nil
}

func (t *txStore) UpdateCommand(ctx context.Context, cmd *repository.Command) error {
	res, err := t.q.ExecContext(ctx,
		`UPDATE commands SET status = ?, rule_triggered = ?, result = ?, executed_at = ? WHERE id = ?`,
		string(cmd.Status), cmd.RuleID, cmd.Result, toNullMillis(cmd.ExecutedAt), cmd.ID,
	)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to update command")
	}
	return requireRow(res, "command", cmd.ID)
}

func (t *txStore) CreateApproval(ctx context.Context, a *repository.Approval) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = nowMillis()
	}

	_, err := t.q.ExecContext(ctx,
		`INSERT INTO approvals (
		   id, command_id, requested_by, threshold_required, expires_at,
		   escalated, escalated_at, resolved, outcome, resolved_at, created_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.CommandID, a.RequestedBy, a.ThresholdRequired, toMillis(a.ExpiresAt),
		a.Escalated, toNullMillis(a.EscalatedAt), a.Resolved, string(a.Outcome), toNullMillis(a.ResolvedAt),
		toMillis(a.CreatedAt),
	)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create approval")
	}
	return nil
}

func (t *txStore) UpdateApproval(ctx context.Context, a *repository.Approval) error {
	res, err := t.q.ExecContext(ctx,
		`UPDATE approvals SET escalated = ?, escalated_at = ?, resolved = ?, outcome = ?, resolved_at = ? WHERE id = ?`,
		a.Escalated, toNullMillis(a.EscalatedAt), a.Resolved, string(a.Outcome), toNullMillis(a.ResolvedAt), a.ID,
	)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to update approval")
	}
	return requireRow(res, "approval", a.ID)
}

func (t *txStore) InsertVote(ctx context.Context, v *repository.ApprovalVote) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = nowMillis()
	}

	_, err := t.q.ExecContext(ctx,
		`INSERT INTO approval_votes (id, approval_id, voter_id, vote, created_at) VALUES (?, ?, ?, ?, ?)`,
		v.ID, v.ApprovalID, v.VoterID, string(v.Vote), toMillis(v.CreatedAt),
	)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to insert vote")
	}
	return nil
}

func (t *txStore) ListVotes(ctx context.Context, approvalID string) ([]*repository.ApprovalVote, error) {
	return listVotes(ctx, t.q, approvalID)
}

func (t *txStore) DebitCredit(ctx context.Context, userID string) (int, error) {
	var balance int
	err := t.q.QueryRowContext(ctx,
		`UPDATE users SET credits = credits - 1 WHERE id = ? AND credits > 0 RETURNING credits`, userID,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, repository.InsufficientCredit(userID)
	}
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to debit credit")
	}
	return balance, nil
}

func requireRow(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to read affected rows")
	}
	if n == 0 {
		return apperrors.NotFound(resource, id)
	}
	return nil
}
