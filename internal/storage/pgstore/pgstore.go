// Package pgstore is the PostgreSQL storage backend. Transactions run at READ
// COMMITTED; a book read inside a transaction is locked with FOR UPDATE so
// every change to one book is serialized. Serialization failures, deadlocks
// and journal version conflicts are retried with exponential backoff.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"lendtrack/internal/catalog"
	"lendtrack/internal/journal"
	"lendtrack/internal/ledger"
	"lendtrack/internal/storage"
)

const (
	DriverPQ  = "postgres"
	DriverPGX = "pgx"

	defaultMaxTries        = 5
	defaultMaxOpenConns    = 50
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = time.Hour
	defaultConnMaxIdleTime = 5 * time.Minute
)

// PostgreSQL error codes the store reacts to.
const (
	codeUniqueViolation      = "23505"
	codeCheckViolation       = "23514"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

var dialect = goqu.Dialect("postgres")

var _ storage.Store = (*Store)(nil)

// Store implements storage.Store on top of a *sqlx.DB.
type Store struct {
	db       *sqlx.DB
	maxTries uint
	now      func() time.Time
	logger   *zap.Logger
	tracer   trace.Tracer
}

// Option configures a Store.
type Option func(*Store)

// WithMaxTries bounds how many times a transaction is attempted.
func WithMaxTries(n uint) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxTries = n
		}
	}
}

// WithClock sets the clock used for book timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Open connects with the given driver ("postgres" for lib/pq, "pgx" for the
// pgx stdlib adapter) and verifies the connection.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Store, error) {
	switch driver {
	case DriverPQ, DriverPGX:
	default:
		return nil, fmt.Errorf("unsupported postgres driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxIdleConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return New(db, opts...), nil
}

// New wraps an existing connection pool.
func New(db *sqlx.DB, opts ...Option) *Store {
	s := &Store{
		db:       db,
		maxTries: defaultMaxTries,
		now:      time.Now,
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("lendtrack/pgstore"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Books() catalog.Store {
	return bookStore{q: s.db, now: s.now}
}

func (s *Store) Loans() ledger.Ledger {
	return loanLedger{q: s.db}
}

func (s *Store) Journal() journal.Journal {
	return entryLog{q: s.db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// InTx runs fn in a database transaction, retrying transient conflicts.
func (s *Store) InTx(ctx context.Context, fn storage.TxFunc) error {
	ctx, span := s.tracer.Start(ctx, "pgstore.tx")
	defer span.End()

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := s.runTx(ctx, fn)
		if err == nil {
			return struct{}{}, nil
		}
		if !retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}

		s.logger.Debug("retrying transaction",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return struct{}{}, err
	},
		backoff.WithBackOff(newBackOff()),
		backoff.WithMaxTries(s.maxTries),
	)

	span.SetAttributes(attribute.Int("tx.attempts", attempt))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn storage.TxFunc) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(ctx, &txn{tx: tx, now: s.now}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

type txn struct {
	tx  *sqlx.Tx
	now func() time.Time
}

func (t *txn) Books() catalog.Store {
	return bookStore{q: t.tx, now: t.now, lock: true}
}

func (t *txn) Loans() ledger.Ledger {
	return loanLedger{q: t.tx}
}

func (t *txn) Journal() journal.Journal {
	return entryLog{q: t.tx}
}

func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	return b
}

func retryable(err error) bool {
	if errors.Is(err, journal.ErrConcurrencyConflict) {
		return true
	}
	switch pgCode(err) {
	case codeSerializationFailure, codeDeadlockDetected:
		return true
	}
	return false
}

// pgCode extracts the SQLSTATE from either driver's error type.
func pgCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
