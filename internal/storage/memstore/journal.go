package memstore

import (
	"context"

	"github.com/google/uuid"

	"lendtrack/internal/journal"
)

type entryLog struct {
	s  *Store
	tx *txn
}

func (e entryLog) Append(ctx context.Context, entry journal.Entry) error {
	if e.tx == nil {
		_, err := autoCommit(ctx, e.s, func(t *txn) (struct{}, error) {
			return struct{}{}, t.Journal().Append(ctx, entry)
		})
		return err
	}

	if entry.Version < 1 {
		return journal.ErrInvalidVersion
	}
	for _, existing := range e.s.entries {
		if existing.BookID == entry.BookID && existing.Version == entry.Version {
			return journal.ErrConcurrencyConflict
		}
	}

	entry.ID = int64(len(e.s.entries) + 1)
	e.s.entries = append(e.s.entries, entry)
	e.tx.onRollback(func() {
		e.s.entries = e.s.entries[:len(e.s.entries)-1]
	})
	return nil
}

func (e entryLog) ForBook(ctx context.Context, bookID uuid.UUID) ([]journal.Entry, error) {
	if e.tx == nil {
		e.s.mu.RLock()
		defer e.s.mu.RUnlock()
	}

	entries := make([]journal.Entry, 0)
	for _, entry := range e.s.entries {
		if entry.BookID == bookID {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}
