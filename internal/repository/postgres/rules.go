package postgres

import (
	"context"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-command-gateway/internal/platform/errors"
	"github.com/pesio-ai/be-command-gateway/internal/repository"
)

// ListRules returns rules in evaluation order.
func (s *Store) ListRules(ctx context.Context) ([]*repository.Rule, error) {
	query := `
		SELECT id, seq, name, pattern, action, priority, threshold,
		       seniority_overrides, active_hours_start, active_hours_end,
		       created_by, created_at
		FROM rules
		ORDER BY priority ASC, seq ASC
	`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list rules")
	}
	defer rows.Close()

	var rules []*repository.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan rule")
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate rules")
	}
	return rules, nil
}

// InsertRule stores a validated rule.
func (s *Store) InsertRule(ctx context.Context, rule *repository.Rule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}

	query := `
		INSERT INTO rules
		    (id, name, pattern, action, priority, threshold,
		     seniority_overrides, active_hours_start, active_hours_end,
		     created_by)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9,
		        $10)
		RETURNING seq, created_at
	`

	err := s.db.QueryRow(ctx, query,
		rule.ID,
		rule.Name,
		rule.Pattern,
		rule.Action,
		rule.Priority,
		rule.Threshold,
		rule.SeniorityOverrides,
		rule.ActiveHoursStart,
		rule.ActiveHoursEnd,
		rule.CreatedBy,
	).Scan(&rule.Seq, &rule.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to insert rule")
	}
	return nil
}

func scanRule(row rowScanner) (*repository.Rule, error) {
	r := &repository.Rule{}
	err := row.Scan(
		&r.ID,
		&r.Seq,
		&r.Name,
		&r.Pattern,
		&r.Action,
		&r.Priority,
		&r.Threshold,
		&r.SeniorityOverrides,
		&r.ActiveHoursStart,
		&r.ActiveHoursEnd,
		&r.CreatedBy,
		&r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}
