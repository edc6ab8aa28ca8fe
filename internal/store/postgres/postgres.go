// Package postgres implements store.Store on PostgreSQL through pgx.
//
// Every unit of work is a READ COMMITTED transaction. Entities read for
// update are locked with SELECT ... FOR UPDATE and accounts are locked in
// ascending user id order. Transactions aborted by a serialization failure
// or a deadlock are retried with exponential backoff.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mbd888/combinado/internal/domain"
	"github.com/mbd888/combinado/internal/store"
)

const defaultMaxRetries = 3

// Store is the PostgreSQL store.
type Store struct {
	pool       *pgxpool.Pool
	logger     *slog.Logger
	maxRetries uint64
	newBackOff func() backoff.BackOff
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used to report retried transactions.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithRetry overrides the retry policy for aborted transactions.
func WithRetry(maxRetries uint64, f func() backoff.BackOff) Option {
	return func(s *Store) {
		s.maxRetries = maxRetries
		s.newBackOff = f
	}
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:       pool,
		logger:     slog.Default(),
		maxRetries: defaultMaxRetries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 20 * time.Millisecond
			b.MaxInterval = 250 * time.Millisecond
			return b
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects a pool to databaseURL and verifies it with a ping.
func Open(ctx context.Context, databaseURL string, maxConns int32, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return New(pool, opts...), nil
}

// Pool exposes the underlying pool for metrics and migrations.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) Close() { s.pool.Close() }

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// WithinTx runs fn in a transaction, retrying it from the start when
// PostgreSQL aborts the transaction for a serialization failure or deadlock.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	attempt := 0
	op := func() error {
		attempt++
		err := s.runTx(ctx, fn)
		if err != nil && !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("retrying aborted transaction", "attempt", attempt, "wait", wait, "error", err)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), s.maxRetries), ctx)
	return backoff.RetryNotify(op, b, notify)
}

func (s *Store) runTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = pgTx.Rollback(ctx) }()

	if err := fn(ctx, &tx{q: pgTx}); err != nil {
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", translate(err))
	}
	return nil
}

type tx struct{ q pgx.Tx }

func (t *tx) Accounts() store.AccountRepo       { return accountRepo{q: t.q} }
func (t *tx) Invitations() store.InvitationRepo { return invitationRepo{q: t.q} }
func (t *tx) PreOrders() store.PreOrderRepo     { return preOrderRepo{q: t.q} }
func (t *tx) Proposals() store.ProposalRepo     { return proposalRepo{q: t.q} }
func (t *tx) Orders() store.OrderRepo           { return orderRepo{q: t.q} }
func (t *tx) History() store.HistoryRepo        { return historyRepo{q: t.q} }

func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
}

// translate maps constraint violations onto the errors callers test for.
func translate(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, store.ErrDuplicate)
	case pgerrcode.CheckViolation:
		if pgErr.TableName == "accounts" {
			return fmt.Errorf("%s: %w", pgErr.ConstraintName, domain.ErrInsufficientFunds)
		}
	}
	return err
}

// limitArg turns a non-positive limit into NULL, which LIMIT treats as none.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func placeholders(n int) string {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(i))
	}
	return b.String()
}

// table describes the column layout shared by INSERT, UPDATE and SELECT.
type table struct {
	name    string
	columns string
	values  string
}

func newTable(name string, columns ...string) table {
	return table{
		name:    name,
		columns: strings.Join(columns, ", "),
		values:  placeholders(len(columns)),
	}
}

func (t table) insert() string {
	return `INSERT INTO ` + t.name + ` (` + t.columns + `) VALUES (` + t.values + `)`
}

// update rewrites every column of the row whose id is $1.
func (t table) update() string {
	return `UPDATE ` + t.name + ` SET (` + t.columns + `) = (` + t.values + `) WHERE id = $1`
}

func (t table) selectFrom() string {
	return `SELECT ` + t.columns + ` FROM ` + t.name
}

func execOne(ctx context.Context, q pgx.Tx, what, id, sql string, args ...any) error {
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s %s: %w", what, id, translate(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", what, id, domain.ErrNotFound)
	}
	return nil
}

func notFound(err error, what, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, domain.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", what, id, err)
}
