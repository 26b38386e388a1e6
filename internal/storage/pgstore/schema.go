package pgstore

import (
	"context"
	"fmt"
)

// Loans carry no foreign key to books: deleting a book removes its open
// loans explicitly and keeps the returned ones as history.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS books (
		id UUID PRIMARY KEY,
		title TEXT NOT NULL CHECK (title <> ''),
		author TEXT NOT NULL CHECK (author <> ''),
		genre TEXT NOT NULL CHECK (genre <> ''),
		total_copies INTEGER NOT NULL CHECK (total_copies >= 0),
		available_copies INTEGER NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT books_available_in_range CHECK (available_copies BETWEEN 0 AND total_copies)
	)`,
	`CREATE TABLE IF NOT EXISTS loans (
		seq BIGSERIAL UNIQUE,
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL,
		book_id UUID NOT NULL,
		borrowed_at TIMESTAMPTZ NOT NULL,
		returned_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS loans_one_open_per_pair
		ON loans (user_id, book_id) WHERE returned_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS loans_open_by_book
		ON loans (book_id) WHERE returned_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS book_journal (
		id BIGSERIAL PRIMARY KEY,
		book_id UUID NOT NULL,
		kind TEXT NOT NULL,
		payload JSONB NOT NULL,
		version INTEGER NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL,
		UNIQUE (book_id, version)
	)`,
}

// Migrate creates the tables and indexes if they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
