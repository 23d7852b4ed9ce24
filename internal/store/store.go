// Package store is the persistence layer: listings, image fingerprints,
// and scheduled-job rows on Postgres via sqlx.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Caller-visible sentinel errors, checked with errors.Is.
var (
	ErrListingNotFound = errors.New("listing not found")
	ErrJobNotFound     = errors.New("job not found")
	ErrNameTaken       = errors.New("job name already taken")
)

// querier is satisfied by both *sqlx.DB and *sqlx.Tx, so every operation
// works inside or outside a transaction.
type querier interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

// Store bundles all persistence operations.
type Store struct {
	db     *sqlx.DB
	q      querier
	logger *zap.Logger
	inTx   bool
	echo   bool
}

func New(db *sqlx.DB, logger *zap.Logger) *Store {
	return &Store{db: db, q: db, logger: logger}
}

// EnableEcho logs every statement at debug level. Driven by the
// database.echo config flag.
func (s *Store) EnableEcho() {
	s.echo = true
	s.q = echoQuerier{q: s.q, logger: s.logger}
}

// echoQuerier wraps a querier and logs each statement before running it.
type echoQuerier struct {
	q      querier
	logger *zap.Logger
}

func (e echoQuerier) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	e.logger.Debug("exec", zap.String("query", query))
	return e.q.ExecContext(ctx, query, args...)
}

func (e echoQuerier) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	e.logger.Debug("query", zap.String("query", query))
	return e.q.QueryContext(ctx, query, args...)
}

func (e echoQuerier) QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error) {
	e.logger.Debug("query", zap.String("query", query))
	return e.q.QueryxContext(ctx, query, args...)
}

func (e echoQuerier) QueryRowxContext(ctx context.Context, query string, args ...any) *sqlx.Row {
	e.logger.Debug("query", zap.String("query", query))
	return e.q.QueryRowxContext(ctx, query, args...)
}

func (e echoQuerier) GetContext(ctx context.Context, dest any, query string, args ...any) error {
	e.logger.Debug("get", zap.String("query", query))
	return e.q.GetContext(ctx, dest, query, args...)
}

func (e echoQuerier) SelectContext(ctx context.Context, dest any, query string, args ...any) error {
	e.logger.Debug("select", zap.String("query", query))
	return e.q.SelectContext(ctx, dest, query, args...)
}

func (e echoQuerier) BindNamed(query string, arg any) (string, []any, error) {
	return e.q.BindNamed(query, arg)
}

func (e echoQuerier) DriverName() string { return e.q.DriverName() }

func (e echoQuerier) Rebind(query string) string { return e.q.Rebind(query) }

// WithTx runs fn against a transaction-scoped view of the store,
// committing on nil and rolling back on error. Nested calls join the
// enclosing transaction.
func (s *Store) WithTx(ctx context.Context, fn func(*Store) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	var q querier = tx
	if s.echo {
		q = echoQuerier{q: tx, logger: s.logger}
	}
	txStore := &Store{db: s.db, q: q, logger: s.logger, inTx: true, echo: s.echo}
	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Ping verifies database connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
