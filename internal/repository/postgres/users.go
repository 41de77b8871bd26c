package postgres

import (
	"context"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-command-gateway/internal/platform/errors"
	"github.com/pesio-ai/be-command-gateway/internal/repository"
)

const userColumns = `id, name, api_key, role, seniority, credits, created_at`

// CreateUser inserts a user. Name and API key are unique.
func (s *Store) CreateUser(ctx context.Context, user *repository.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}

	query := `
		INSERT INTO users (id, name, api_key, role, seniority, credits)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`

	err := s.db.QueryRow(ctx, query,
		user.ID,
		user.Name,
		user.APIKey,
		user.Role,
		user.Seniority,
		user.Credits,
	).Scan(&user.CreatedAt)
	if isUniqueViolation(err) {
		return errors.Wrap(err, errors.ErrCodeConflict, "user already exists")
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create user")
	}
	return nil
}

// GetUser retrieves a user by primary key.
func (s *Store) GetUser(ctx context.Context, id string) (*repository.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	u, err := scanUser(s.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "user", id)
	}
	return u, nil
}

// GetUserByAPIKey resolves the caller of an API request.
func (s *Store) GetUserByAPIKey(ctx context.Context, apiKey string) (*repository.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE api_key = $1`

	u, err := scanUser(s.db.QueryRow(ctx, query, apiKey))
	if err != nil {
		// Never echo the key back in the error.
		return nil, notFound(err, "user", "api key")
	}
	return u, nil
}

// ListUsersByRole returns users holding any of roles, oldest first.
func (s *Store) ListUsersByRole(ctx context.Context, roles ...repository.Role) ([]*repository.User, error) {
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, string(r))
	}

	query := `SELECT ` + userColumns + ` FROM users WHERE role = ANY($1) ORDER BY created_at ASC`

	rows, err := s.db.Query(ctx, query, names)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list users")
	}
	defer rows.Close()

	var users []*repository.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan user")
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate users")
	}
	return users, nil
}

func scanUser(row rowScanner) (*repository.User, error) {
	u := &repository.User{}
	err := row.Scan(
		&u.ID,
		&u.Name,
		&u.APIKey,
		&u.Role,
		&u.Seniority,
		&u.Credits,
		&u.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return u, nil
}
