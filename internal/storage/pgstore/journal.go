package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"lendtrack/internal/journal"
)

const tableJournal = "book_journal"

type entryLog struct {
	q sqlx.ExtContext
}

// entryRow mirrors book_journal. JSONB is scanned as bytes since drivers
// differ in how they hand it back.
type entryRow struct {
	ID         int64     `db:"id"`
	BookID     uuid.UUID `db:"book_id"`
	Kind       string    `db:"kind"`
	Payload    []byte    `db:"payload"`
	Version    int       `db:"version"`
	RecordedAt time.Time `db:"recorded_at"`
}

func (e entryLog) Append(ctx context.Context, entry journal.Entry) error {
	if entry.Version < 1 {
		return journal.ErrInvalidVersion
	}

	query, args, err := dialect.Insert(tableJournal).Prepared(true).
		Rows(goqu.Record{
			"book_id":     entry.BookID,
			"kind":        string(entry.Kind),
			"payload":     string(entry.Payload),
			"version":     entry.Version,
			"recorded_at": entry.RecordedAt.UTC().Truncate(time.Microsecond),
		}).
		ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build journal insert: %w", err)
	}

	if _, err := e.q.ExecContext(ctx, query, args...); err != nil {
		if pgCode(err) == codeUniqueViolation {
			return journal.ErrConcurrencyConflict
		}
		return fmt.Errorf("failed to append journal entry: %w", err)
	}
	return nil
}

func (e entryLog) ForBook(ctx context.Context, bookID uuid.UUID) ([]journal.Entry, error) {
	query, args, err := dialect.From(tableJournal).Prepared(true).
		Select("id", "book_id", "kind", "payload", "version", "recorded_at").
		Where(goqu.C("book_id").Eq(bookID)).
		Order(goqu.C("version").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build journal query: %w", err)
	}

	var rows []entryRow
	if err := sqlx.SelectContext(ctx, e.q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to load journal: %w", err)
	}

	entries := make([]journal.Entry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, journal.Entry{
			ID:         r.ID,
			BookID:     r.BookID,
			Kind:       journal.Kind(r.Kind),
			Payload:    r.Payload,
			Version:    r.Version,
			RecordedAt: r.RecordedAt,
		})
	}
	return entries, nil
}
