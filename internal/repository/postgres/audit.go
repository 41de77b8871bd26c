package postgres

import (
	"context"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-command-gateway/internal/platform/errors"
	"github.com/pesio-ai/be-command-gateway/internal/repository"
)

// Append inserts one audit entry. Entries are never updated or deleted.
func (s *Store) Append(ctx context.Context, event *repository.Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	query := `
		INSERT INTO event_log (id, event_type, actor_id, detail)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`

	err := s.db.QueryRow(ctx, query,
		event.ID,
		event.Type,
		event.ActorID,
		event.Detail,
	).Scan(&event.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append audit event")
	}
	return nil
}

const listEventsQuery = `
	SELECT id, event_type, actor_id, detail, created_at
	FROM event_log
	ORDER BY seq DESC
	LIMIT $1
`

// ListEvents returns the newest limit entries.
func (s *Store) ListEvents(ctx context.Context, limit int) ([]*repository.Event, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(ctx, listEventsQuery, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list events")
	}
	defer rows.Close()

	var events []*repository.Event
	for rows.Next() {
		e := &repository.Event{}
		if err := rows.Scan(&e.ID, &e.Type, &e.ActorID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan event")
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate events")
	}
	return events, nil
}
