package memstore

import (
	"context"
	"slices"

	"github.com/google/uuid"

	"lendtrack/internal/apperr"
	"lendtrack/internal/catalog"
)

type bookStore struct {
	s  *Store
	tx *txn // nil outside a transaction
}

func (b bookStore) Get(ctx context.Context, id uuid.UUID) (*catalog.Book, error) {
	if b.tx == nil {
		b.s.mu.RLock()
		defer b.s.mu.RUnlock()
	}

	book, ok := b.s.books[id]
	if !ok {
		return nil, catalog.NotFoundError(id)
	}
	cp := *book
	return &cp, nil
}

func (b bookStore) List(ctx context.Context) ([]*catalog.Book, error) {
	if b.tx == nil {
		b.s.mu.RLock()
		defer b.s.mu.RUnlock()
	}

	books := make([]*catalog.Book, 0, len(b.s.bookOrder))
	for _, id := range b.s.bookOrder {
		cp := *b.s.books[id]
		books = append(books, &cp)
	}
	return books, nil
}

func (b bookStore) Create(ctx context.Context, nb catalog.NewBook) (*catalog.Book, error) {
	if b.tx == nil {
		return autoCommit(ctx, b.s, func(t *txn) (*catalog.Book, error) {
			return t.Books().Create(ctx, nb)
		})
	}

	nb, err := nb.Normalize()
	if err != nil {
		return nil, err
	}

	now := b.s.now().UTC()
	book := &catalog.Book{
		ID:              uuid.New(),
		Title:           nb.Title,
		Author:          nb.Author,
		Genre:           nb.Genre,
		TotalCopies:     nb.Copies(),
		AvailableCopies: nb.Copies(),
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	b.s.books[book.ID] = book
	b.s.bookOrder = append(b.s.bookOrder, book.ID)
	b.tx.onRollback(func() {
		delete(b.s.books, book.ID)
		b.s.bookOrder, _ = removeID(b.s.bookOrder, book.ID)
	})

	cp := *book
	return &cp, nil
}

func (b bookStore) Update(ctx context.Context, id uuid.UUID, changes catalog.BookChanges) (*catalog.Book, error) {
	if b.tx == nil {
		return autoCommit(ctx, b.s, func(t *txn) (*catalog.Book, error) {
			return t.Books().Update(ctx, id, changes)
		})
	}

	changes, err := changes.Normalize()
	if err != nil {
		return nil, err
	}

	current, ok := b.s.books[id]
	if !ok {
		return nil, catalog.NotFoundError(id)
	}

	next := changes.Apply(*current)
	if next.AvailableCopies < 0 {
		return nil, apperr.InvariantViolation(
			"book %s: total copies %d is below the %d copies on loan", id, next.TotalCopies, current.BorrowedCopies())
	}
	return b.replace(current, next), nil
}

func (b bookStore) Delete(ctx context.Context, id uuid.UUID) error {
	if b.tx == nil {
		_, err := autoCommit(ctx, b.s, func(t *txn) (struct{}, error) {
			return struct{}{}, t.Books().Delete(ctx, id)
		})
		return err
	}

	book, ok := b.s.books[id]
	if !ok {
		return catalog.NotFoundError(id)
	}

	var pos int
	delete(b.s.books, id)
	b.s.bookOrder, pos = removeID(b.s.bookOrder, id)
	b.tx.onRollback(func() {
		b.s.books[id] = book
		b.s.bookOrder = slices.Insert(b.s.bookOrder, pos, id)
	})
	return nil
}

func (b bookStore) AdjustAvailable(ctx context.Context, id uuid.UUID, delta int) (*catalog.Book, error) {
	if b.tx == nil {
		return autoCommit(ctx, b.s, func(t *txn) (*catalog.Book, error) {
			return t.Books().AdjustAvailable(ctx, id, delta)
		})
	}

	current, ok := b.s.books[id]
	if !ok {
		return nil, catalog.NotFoundError(id)
	}

	next := *current
	next.AvailableCopies += delta
	if next.AvailableCopies < 0 || next.AvailableCopies > next.TotalCopies {
		return nil, apperr.InvariantViolation(
			"book %s: available copies would become %d (total %d)", id, next.AvailableCopies, next.TotalCopies)
	}
	return b.replace(current, next), nil
}

// replace swaps in a new version of a book and registers the inverse swap.
func (b bookStore) replace(current *catalog.Book, next catalog.Book) *catalog.Book {
	next.Version = current.Version + 1
	next.UpdatedAt = b.s.now().UTC()

	stored := &next
	b.s.books[next.ID] = stored
	b.tx.onRollback(func() {
		b.s.books[current.ID] = current
	})

	cp := *stored
	return &cp
}
