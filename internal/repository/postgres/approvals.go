package postgres

import (
	"context"

	"github.com/pesio-ai/be-command-gateway/internal/platform/errors"
	"github.com/pesio-ai/be-command-gateway/internal/repository"
)

const (
	commandColumns = `id, user_id, command_text, status, rule_triggered, result, created_at, executed_at`

	approvalColumns = `id, command_id, requested_by, threshold_required, expires_at,
		       escalated, escalated_at, resolved, outcome, resolved_at, created_at`

	voteColumns = `id, approval_id, voter_id, vote, created_at`
)

// GetCommand retrieves a command by primary key.
func (s *Store) GetCommand(ctx context.Context, id string) (*repository.Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands WHERE id = $1`

	cmd, err := scanCommand(s.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "command", id)
	}
	return cmd, nil
}

// ListCommands returns commands newest first, for one user or for everyone.
func (s *Store) ListCommands(ctx context.Context, userID string) ([]*repository.Command, error) {
	query := `
		SELECT ` + commandColumns + `
		FROM commands
		WHERE ($1 = '' OR user_id = $1)
		ORDER BY created_at DESC
	`

	rows, err := s.db.Query(ctx, query, userID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list commands")
	}
	defer rows.Close()

	var cmds []*repository.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan command")
		}
		cmds = append(cmds, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate commands")
	}
	return cmds, nil
}

// GetApproval retrieves an approval without locking it.
func (s *Store) GetApproval(ctx context.Context, id string) (*repository.Approval, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE id = $1`

	a, err := scanApproval(s.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "approval", id)
	}
	return a, nil
}

// ListOpenApprovals returns unresolved approvals, soonest expiry first.
func (s *Store) ListOpenApprovals(ctx context.Context) ([]*repository.Approval, error) {
	query := `
		SELECT ` + approvalColumns + `
		FROM approvals
		WHERE NOT resolved
		ORDER BY expires_at ASC
	`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list open approvals")
	}
	defer rows.Close()

	var approvals []*repository.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval")
		}
		approvals = append(approvals, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate approvals")
	}
	return approvals, nil
}

// ListVotes returns an approval's ballots in cast order.
func (s *Store) ListVotes(ctx context.Context, approvalID string) ([]*repository.ApprovalVote, error) {
	return listVotes(ctx, s.db, approvalID)
}

const listVotesQuery = `
	SELECT ` + voteColumns + `
	FROM approval_votes
	WHERE approval_id = $1
	ORDER BY seq ASC
`

func listVotes(ctx context.Context, q querier, approvalID string) ([]*repository.ApprovalVote, error) {
	rows, err := q.Query(ctx, listVotesQuery, approvalID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list votes")
	}
	defer rows.Close()

	var votes []*repository.ApprovalVote
	for rows.Next() {
		v := &repository.ApprovalVote{}
		if err := rows.Scan(&v.ID, &v.ApprovalID, &v.VoterID, &v.Vote, &v.CreatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan vote")
		}
		votes = append(votes, v)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate votes")
	}
	return votes, nil
}

func scanCommand(row rowScanner) (*repository.Command, error) {
	c := &repository.Command{}
	err := row.Scan(
		&c.ID,
		&c.UserID,
		&c.Text,
		&c.Status,
		&c.RuleID,
		&c.Result,
		&c.CreatedAt,
		&c.ExecutedAt,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func scanApproval(row rowScanner) (*repository.Approval, error) {
	a := &repository.Approval{}
	err := row.Scan(
		&a.ID,
		&a.CommandID,
		&a.RequestedBy,
		&a.ThresholdRequired,
		&a.ExpiresAt,
		&a.Escalated,
		&a.EscalatedAt,
		&a.Resolved,
		&a.Outcome,
		&a.ResolvedAt,
		&a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}
