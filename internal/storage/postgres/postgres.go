package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"curve-market/internal/storage"
	"curve-market/internal/storage/migrations"
)

// Pool wraps pgxpool.Pool for dependency injection.
type Pool struct {
	*pgxpool.Pool
}

// NewPool creates a new Postgres connection pool.
func NewPool(ctx context.Context, dsn string) (*Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

// Close closes the connection pool.
func (p *Pool) Close() {
	p.Pool.Close()
}

// Migrate applies the embedded schema.
func (p *Pool) Migrate(ctx context.Context) error {
	return migrations.ApplyPostgres(ctx, p.Pool)
}

// PostgreSQL error codes
const (
	pgErrUniqueViolation      = "23505" // unique_violation
	pgErrCheckViolation       = "23514" // check_violation
	pgErrSerializationFailure = "40001" // serialization_failure
	pgErrDeadlockDetected     = "40P01" // deadlock_detected
	pgErrLockNotAvailable     = "55P03" // lock_not_available
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// isDuplicateKeyError checks if error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	return pgCode(err) == pgErrUniqueViolation
}

// isNotFoundError checks if error indicates no rows found.
func isNotFoundError(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// isConflictError checks if the transaction lost a race and may be retried.
func isConflictError(err error) bool {
	switch pgCode(err) {
	case pgErrSerializationFailure, pgErrDeadlockDetected, pgErrLockNotAvailable:
		return true
	}
	return false
}

// mapError translates driver errors into storage sentinels.
func mapError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case isNotFoundError(err):
		return storage.ErrNotFound
	case isDuplicateKeyError(err):
		return storage.ErrDuplicateKey
	case pgCode(err) == pgErrCheckViolation:
		return fmt.Errorf("%s: %w", op, storage.ErrInvalidInput)
	case isConflictError(err):
		return fmt.Errorf("%s: %w: %v", op, storage.ErrConflict, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
