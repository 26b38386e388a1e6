// Package memstore is an in-process storage backend. A transaction holds the
// store's write lock for its whole duration and undoes its mutations on error.
package memstore

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"lendtrack/internal/catalog"
	"lendtrack/internal/journal"
	"lendtrack/internal/ledger"
	"lendtrack/internal/storage"
)

var _ storage.Store = (*Store)(nil)

// Store keeps books, loans and journal entries in memory.
type Store struct {
	mu sync.RWMutex

	books     map[uuid.UUID]*catalog.Book
	bookOrder []uuid.UUID
	loans     map[uuid.UUID]*ledger.Loan
	loanOrder []uuid.UUID
	entries   []journal.Entry

	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for book timestamps and journal ids.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		books: make(map[uuid.UUID]*catalog.Book),
		loans: make(map[uuid.UUID]*ledger.Loan),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Books() catalog.Store     { return bookStore{s: s} }
func (s *Store) Loans() ledger.Ledger     { return loanLedger{s: s} }
func (s *Store) Journal() journal.Journal { return entryLog{s: s} }

func (s *Store) Close() error {
	return nil
}

// InTx runs fn as a single writer. Mutations are rolled back if fn returns an
// error or panics.
func (s *Store) InTx(ctx context.Context, fn storage.TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := &txn{s: s}
	committed := false
	defer func() {
		if !committed {
			t.rollback()
		}
	}()

	if err := fn(ctx, t); err != nil {
		return err
	}
	committed = true
	return nil
}

// txn is a running transaction. undo holds the inverse of every mutation.
type txn struct {
	s    *Store
	undo []func()
}

func (t *txn) Books() catalog.Store     { return bookStore{s: t.s, tx: t} }
func (t *txn) Loans() ledger.Ledger     { return loanLedger{s: t.s, tx: t} }
func (t *txn) Journal() journal.Journal { return entryLog{s: t.s, tx: t} }

func (t *txn) onRollback(f func()) {
	t.undo = append(t.undo, f)
}

func (t *txn) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

// autoCommit runs a single mutation in its own transaction.
func autoCommit[T any](ctx context.Context, s *Store, fn func(t *txn) (T, error)) (T, error) {
	var out T
	err := s.InTx(ctx, func(_ context.Context, tx storage.Tx) error {
		var err error
		out, err = fn(tx.(*txn))
		return err
	})
	return out, err
}

func removeID(ids []uuid.UUID, id uuid.UUID) ([]uuid.UUID, int) {
	i := slices.Index(ids, id)
	if i < 0 {
		return ids, -1
	}
	return slices.Delete(ids, i, i+1), i
}
