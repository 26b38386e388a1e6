// Package journal is an append-only, per-book log of lending activity.
package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict: version mismatch")
	ErrInvalidVersion      = errors.New("invalid version number")
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Kind names what happened to a book.
type Kind string

const (
	KindBookAdded    Kind = "BookAdded"
	KindBookUpdated  Kind = "BookUpdated"
	KindBookRemoved  Kind = "BookRemoved"
	KindBookBorrowed Kind = "BookBorrowed"
	KindBookReturned Kind = "BookReturned"
)

// Entry is one recorded change. Version is the book's version after the change,
// so (BookID, Version) is unique.
type Entry struct {
	ID         int64               `json:"id"`
	BookID     uuid.UUID           `json:"book_id"`
	Kind       Kind                `json:"kind"`
	Payload    jsoniter.RawMessage `json:"payload"`
	Version    int                 `json:"version"`
	RecordedAt time.Time           `json:"recorded_at"`
}

// Journal stores entries. Append fails with ErrConcurrencyConflict when the
// (book, version) slot is already taken.
type Journal interface {
	Append(ctx context.Context, entry Entry) error
	ForBook(ctx context.Context, bookID uuid.UUID) ([]Entry, error)
}

// BookAdded is the payload of KindBookAdded.
type BookAdded struct {
	Title       string `json:"title"`
	Author      string `json:"author"`
	Genre       string `json:"genre"`
	TotalCopies int    `json:"total_copies"`
}

// BookUpdated is the payload of KindBookUpdated.
type BookUpdated struct {
	Title           string `json:"title"`
	Author          string `json:"author"`
	Genre           string `json:"genre"`
	TotalCopies     int    `json:"total_copies"`
	AvailableCopies int    `json:"available_copies"`
}

// BookRemoved is the payload of KindBookRemoved.
type BookRemoved struct {
	ClosedLoans int `json:"closed_loans"`
}

// LoanChanged is the payload of KindBookBorrowed and KindBookReturned.
type LoanChanged struct {
	LoanID          uuid.UUID `json:"loan_id"`
	UserID          uuid.UUID `json:"user_id"`
	AvailableCopies int       `json:"available_copies"`
}

// NewEntry marshals payload and builds an entry for the given book version.
func NewEntry(bookID uuid.UUID, version int, kind Kind, payload any, recordedAt time.Time) (Entry, error) {
	if version < 1 {
		return Entry{}, ErrInvalidVersion
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}

	return Entry{
		BookID:     bookID,
		Kind:       kind,
		Payload:    data,
		Version:    version,
		RecordedAt: recordedAt.UTC(),
	}, nil
}

// Decode unmarshals the entry payload into v.
func (e Entry) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", e.Kind, err)
	}
	return nil
}
