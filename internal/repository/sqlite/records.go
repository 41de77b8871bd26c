package sqlite

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/pesio-ai/be-command-gateway/internal/platform/errors"
	"github.com/pesio-ai/be-command-gateway/internal/repository"
)

const (
	ruleColumns = `id, seq, name, pattern, action, priority, threshold,
		seniority_overrides, active_hours_start, active_hours_end, created_by, created_at`
	userColumns     = `id, name, api_key, role, seniority, credits, created_at`
	commandColumns  = `id, user_id, command_text, status, rule_triggered, result, created_at, executed_at`
	approvalColumns = `id, command_id, requested_by, threshold_required, expires_at,
		escalated, escalated_at, resolved, outcome, resolved_at, created_at`
)

// ── Rules ────────────────────────────────────────────────────────────────────

func (s *Store) ListRules(ctx context.Context) ([]*repository.Rule, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT `+ruleColumns+` FROM rules ORDER BY priority ASC, seq ASC`)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list rules")
	}
	defer rows.Close()

	var rules []*repository.Rule
	for rows.Next() {
		r := &repository.Rule{}
		var createdAt int64
		if err := rows.Scan(
			&r.ID, &r.Seq, &r.Name, &r.Pattern, &r.Action, &r.Priority, &r.Threshold,
			&r.SeniorityOverrides, &r.ActiveHoursStart, &r.ActiveHoursEnd, &r.CreatedBy, &createdAt,
		); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan rule")
		}
		r.CreatedAt = fromMillis(createdAt)
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to iterate rules")
	}
	return rules, nil
}

func (s *Store) InsertRule(ctx context.Context, rule *repository.Rule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = nowMillis()
	}

	res, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO rules (
		   id, name, pattern, action, priority, threshold,
		   seniority_overrides, active_hours_start, active_hours_end, created_by, created_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID,
		rule.Name,
		rule.Pattern,
		string(rule.Action),
		rule.Priority,
		rule.Threshold,
		rule.SeniorityOverrides,
		rule.ActiveHoursStart,
		rule.ActiveHoursEnd,
		rule.CreatedBy,
		toMillis(rule.CreatedAt),
	)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to insert rule")
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to read rule sequence")
	}
	rule.Seq = seq
	return nil
}

// ── Audit ────────────────────────────────────────────────────────────────────

func (s *Store) Append(ctx context.Context, event *repository.Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = nowMillis()
	}

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO event_log (id, event_type, actor_id, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		event.ID, event.Type, event.ActorID, event.Detail, toMillis(event.CreatedAt),
	)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to append audit event")
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, limit int) ([]*repository.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, event_type, actor_id, detail, created_at FROM event_log ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list events")
	}
	defer rows.Close()

	var events []*repository.Event
	for rows.Next() {
		e := &repository.Event{}
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.Type, &e.ActorID, &e.Detail, &createdAt); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan event")
		}
		e.CreatedAt = fromMillis(createdAt)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to iterate events")
	}
	return events, nil
}

// ── Users ────────────────────────────────────────────────────────────────────

func (s *Store) CreateUser(ctx context.Context, user *repository.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = nowMillis()
	}

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO users (id, name, api_key, role, seniority, credits, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		user.ID, user.Name, user.APIKey, string(user.Role), string(user.Seniority), user.Credits, toMillis(user.CreatedAt),
	)
	if isUniqueViolation(err) {
		return apperrors.Wrap(err, apperrors.ErrCodeConflict, "user already exists")
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create user")
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*repository.User, error) {
	u, err := scanUser(s.sqlDB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "user", id)
	}
	return u, nil
}

func (s *Store) GetUserByAPIKey(ctx context.Context, apiKey string) (*repository.User, error) {
	u, err := scanUser(s.sqlDB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE api_key = ?`, apiKey))
	if err != nil {
		return nil, notFound(err, "user", "api key")
	}
	return u, nil
}

func (s *Store) ListUsersByRole(ctx context.Context, roles ...repository.Role) ([]*repository.User, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(roles)), ", ")
	args := make([]any, 0, len(roles))
	for _, r := range roles {
		args = append(args, string(r))
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE role IN (`+placeholders+`) ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list users")
	}
	defer rows.Close()

	var users []*repository.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan user")
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to iterate users")
	}
	return users, nil
}

func scanUser(row rowScanner) (*repository.User, error) {
	u := &repository.User{}
	var createdAt int64
	if err := row.Scan(&u.ID, &u.Name, &u.APIKey, &u.Role, &u.Seniority, &u.Credits, &createdAt); err != nil {
		return nil, err
	}
	u.CreatedAt = fromMillis(createdAt)
	return u, nil
}

// ── Commands ─────────────────────────────────────────────────────────────────

func (s *Store) GetCommand(ctx context.Context, id string) (*repository.Command, error) {
	return getCommand(ctx, s.sqlDB, id)
}

func getCommand(ctx context.Context, q querier, id string) (*repository.Command, error) {
	cmd, err := scanCommand(q.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM commands WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "command", id)
	}
	return cmd, nil
}

func (s *Store) ListCommands(ctx context.Context, userID string) ([]*repository.Command, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+commandColumns+` FROM commands WHERE (? = '' OR user_id = ?) ORDER BY created_at DESC, rowid DESC`,
		userID, userID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list commands")
	}
	defer rows.Close()

	var cmds []*repository.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan command")
		}
		cmds = append(cmds, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to iterate commands")
	}
	return cmds, nil
}

func scanCommand(row rowScanner) (*repository.Command, error) {
	c := &repository.Command{}
	var createdAt int64
	var executedAt sql.NullInt64
	if err := row.Scan(&c.ID, &c.UserID, &c.Text, &c.Status, &c.RuleID, &c.Result, &createdAt, &executedAt); err != nil {
		return nil, err
	}
	c.CreatedAt = fromMillis(createdAt)
	c.ExecutedAt = fromNullMillis(executedAt)
	return c, nil
}

// ── Approvals and votes ──────────────────────────────────────────────────────

func (s *Store) GetApproval(ctx context.Context, id string) (*repository.Approval, error) {
	return getApproval(ctx, s.sqlDB, id)
}

func getApproval(ctx context.Context, q querier, id string) (*repository.Approval, error) {
	a, err := scanApproval(q.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "approval", id)
	}
	return a, nil
}

func (s *Store) ListOpenApprovals(ctx context.Context) ([]*repository.Approval, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE resolved = 0 ORDER BY expires_at ASC`)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list open approvals")
	}
	defer rows.Close()

	var approvals []*repository.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan approval")
		}
		approvals = append(approvals, a)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to iterate approvals")
	}
	return approvals, nil
}

func scanApproval(row rowScanner) (*repository.Approval, error) {
	a := &repository.Approval{}
	var expiresAt, createdAt int64
	var escalatedAt, resolvedAt sql.NullInt64
	if err := row.Scan(
		&a.ID, &a.CommandID, &a.RequestedBy, &a.ThresholdRequired, &expiresAt,
		&a.Escalated, &escalatedAt, &a.Resolved, &a.Outcome, &resolvedAt, &createdAt,
	); err != nil {
		return nil, err
	}
	a.ExpiresAt = fromMillis(expiresAt)
	a.EscalatedAt = fromNullMillis(escalatedAt)
	a.ResolvedAt = fromNullMillis(resolvedAt)
	a.CreatedAt = fromMillis(createdAt)
	return a, nil
}

func (s *Store) ListVotes(ctx context.Context, approvalID string) ([]*repository.ApprovalVote, error) {
	return listVotes(ctx, s.sqlDB, approvalID)
}

func listVotes(ctx context.Context, q querier, approvalID string) ([]*repository.ApprovalVote, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, approval_id, voter_id, vote, created_at FROM approval_votes WHERE approval_id = ? ORDER BY seq ASC`,
		approvalID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list votes")
	}
	defer rows.Close()

	var votes []*repository.ApprovalVote
	for rows.Next() {
		v := &repository.ApprovalVote{}
		var createdAt int64
		if err := rows.Scan(&v.ID, &v.ApprovalID, &v.VoterID, &v.Vote, &createdAt); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan vote")
		}
		v.CreatedAt = fromMillis(createdAt)
		votes = append(votes, v)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to iterate votes")
	}
	return votes, nil
}
