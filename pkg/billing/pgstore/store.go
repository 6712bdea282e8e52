// Package pgstore implements the billing stores on PostgreSQL with pgx.
//
// Every write is a single conditional statement, so concurrent workers
// sharing one database keep the ledger and history idempotent without
// cross-table transactions. Only the account merge steps use transactions,
// one per step.
//
// The schema ships as goose migrations:
//
//	err := pg.Migrate(ctx, pool, pgstore.Migrations(), cfg.Postgres, log)
package pgstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/billingsync/pkg/billing"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrations returns the goose migrations with the files at the root.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements every billing store interface.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var (
	_ billing.Ledger            = (*Store)(nil)
	_ billing.AccountStore      = (*Store)(nil)
	_ billing.SubscriptionStore = (*Store)(nil)
	_ billing.HistoryRecorder   = (*Store)(nil)
	_ billing.OrphanQueue       = (*Store)(nil)
	_ billing.AccountMergeStore = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now for lease and bookkeeping timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func New(pool *pgxpool.Pool, opts ...Option) *Store {
	if pool == nil {
		panic("pgstore: pool is required")
	}
	s := &Store{pool: pool, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stores returns s wired into every slot of billing.Stores.
func (s *Store) Stores() billing.Stores {
	return billing.Stores{Ledger: s, Accounts: s, Subscriptions: s, History: s, Orphans: s}
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

// storeErr marks a database failure as retryable.
func storeErr(op string, err error) error {
	return errors.Join(billing.ErrTransient, fmt.Errorf("pgstore: %s: %w", op, err))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
