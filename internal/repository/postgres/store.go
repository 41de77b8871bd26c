// Package postgres implements repository.Store on a pgx connection pool.
//
// Record locks are row locks: Tx.LockApproval and Tx.LockCommand read with
// SELECT ... FOR UPDATE, so concurrent transitions on one approval queue on
// the row while transitions on different approvals proceed in parallel.
package postgres

import (
	"context"
	_ "embed"
	stderrors "errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-command-gateway/internal/platform/database"
	"github.com/pesio-ai/be-command-gateway/internal/platform/errors"
	"github.com/pesio-ai/be-command-gateway/internal/repository"
)

//go:embed schema.sql
var schema string

// querier is satisfied by both the pool and a pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the Postgres-backed record store, rule store and audit sink.
type Store struct {
	db *database.DB
}

var _ repository.Store = (*Store)(nil)

// New creates a Store on an open pool.
func New(db *database.DB) *Store {
	return &Store{db: db}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to apply schema")
	}
	return nil
}

func (s *Store) Close() error {
	s.db.Close()
	return nil
}

// InTx runs fn in one database transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		return fn(&txStore{q: tx})
	})
}

// isUniqueViolation reports a unique constraint failure (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func notFound(err error, resource, id string) error {
	if stderrors.Is(err, pgx.ErrNoRows) {
		return errors.NotFound(resource, id)
	}
	return errors.Wrap(err, errors.ErrCodeInternal, "failed to get "+resource)
}
