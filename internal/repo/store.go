package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/signalix/keyserver/internal/errs"
)

// Querier is the subset of pgx shared by *pgxpool.Pool, pgx.Tx and pgxmock.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgxPool is a minimal abstraction over a Postgres connection pool.
// It is implemented by *pgxpool.Pool and pgxmock.PgxPoolIface.
type PgxPool interface {
	Querier
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Close()
}

// Store groups the repositories and runs them inside a transaction on demand
type Store interface {
	Users() UserRepo
	Codes() VerificationRepo
	Devices() DeviceRepo
	Messages() MessageRepo

	// WithTx runs fn against a Store bound to a single transaction.
	// The transaction commits when fn returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(tx Store) error) error
}

type pgStore struct {
	pool PgxPool
	q    Querier
	inTx bool
}

// NewStore creates a Store backed by the given pool
func NewStore(pool PgxPool) Store {
	return &pgStore{pool: pool, q: pool}
}

func (s *pgStore) Users() UserRepo { return &userRepo{q: s.q} }
func (s *pgStore) Codes() VerificationRepo { return &verificationRepo{q: s.q} }
func (s *pgStore) Devices() DeviceRepo { return &deviceRepo{q: s.q} }
func (s *pgStore) Messages() MessageRepo { return &messageRepo{q: s.q} }

// WithTx begins a transaction on the pool. Nested calls reuse the open transaction.
func (s *pgStore) WithTx(ctx context.Context, fn func(tx Store) error) (err error) {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = fmt.Errorf("commit: %w", e)
		}
	}()

	return fn(&pgStore{pool: s.pool, q: tx, inTx: true})
}

// isUniqueViolation reports whether the error is a unique constraint violation.
func isUniqueViolation(err error) bool {
	var pg *pgconn.PgError
	return errors.As(err, &pg) && pg.Code == "23505"
}

// notFound maps pgx.ErrNoRows to errs.ErrNotFound and wraps anything else
func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, errs.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}
