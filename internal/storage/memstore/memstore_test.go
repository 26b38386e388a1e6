package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lendtrack/internal/apperr"
	"lendtrack/internal/catalog"
	"lendtrack/internal/journal"
	"lendtrack/internal/storage"
)

func addBook(t *testing.T, s *Store, title string, copies int) *catalog.Book {
	t.Helper()

	book, err := s.Books().Create(context.Background(), catalog.NewBook{
		Title:       title,
		Author:      "Frank Herbert",
		Genre:       "sci-fi",
		TotalCopies: catalog.Copies(copies),
	})
	require.NoError(t, err)
	return book
}

func TestBooksCRUD(t *testing.T) {
	ctx := context.Background()
	s := New()

	dune := addBook(t, s, "Dune", 2)
	assert.Equal(t, 2, dune.AvailableCopies)
	assert.Equal(t, 1, dune.Version)

	addBook(t, s, "Children of Dune", 1)
	addBook(t, s, "Dune Messiah", 1)

	books, err := s.Books().List(ctx)
	require.NoError(t, err)
	require.Len(t, books, 3)
	assert.Equal(t, []string{"Dune", "Children of Dune", "Dune Messiah"},
		[]string{books[0].Title, books[1].Title, books[2].Title})

	genre := "classic"
	updated, err := s.Books().Update(ctx, dune.ID, catalog.BookChanges{Genre: &genre})
	require.NoError(t, err)
	assert.Equal(t, "classic", updated.Genre)
	assert.Equal(t, "Dune", updated.Title)
	assert.Equal(t, 2, updated.Version)

	require.NoError(t, s.Books().Delete(ctx, dune.ID))
	_, err = s.Books().Get(ctx, dune.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.ErrorIs(t, s.Books().Delete(ctx, dune.ID), apperr.ErrNotFound)

	_, err = s.Books().Update(ctx, uuid.New(), catalog.BookChanges{Genre: &genre})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCreateValidates(t *testing.T) {
	s := New()

	_, err := s.Books().Create(context.Background(), catalog.NewBook{Title: "Dune", Author: "Frank Herbert", TotalCopies: catalog.Copies(1)})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	books, err := s.Books().List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, books)
}

func TestReturnedBooksAreCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	dune := addBook(t, s, "Dune", 2)

	dune.AvailableCopies = 99
	got, err := s.Books().Get(ctx, dune.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.AvailableCopies)
}

func TestAdjustAvailableBounds(t *testing.T) {
	ctx := context.Background()
	s := New()
	dune := addBook(t, s, "Dune", 1)

	book, err := s.Books().AdjustAvailable(ctx, dune.ID, -1)
	require.NoError(t, err)
	assert.Equal(t, 0, book.AvailableCopies)

	_, err = s.Books().AdjustAvailable(ctx, dune.ID, -1)
	assert.ErrorIs(t, err, apperr.ErrInvariantViolation)

	_, err = s.Books().AdjustAvailable(ctx, dune.ID, 2)
	assert.ErrorIs(t, err, apperr.ErrInvariantViolation)

	_, err = s.Books().AdjustAvailable(ctx, uuid.New(), 1)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	book, err = s.Books().Get(ctx, dune.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, book.AvailableCopies)
}

func TestUpdateTotalCopiesKeepsBorrowedCount(t *testing.T) {
	ctx := context.Background()
	s := New()
	dune := addBook(t, s, "Dune", 3)
	_, err := s.Books().AdjustAvailable(ctx, dune.ID, -2)
	require.NoError(t, err)

	four := 4
	book, err := s.Books().Update(ctx, dune.ID, catalog.BookChanges{TotalCopies: &four})
	require.NoError(t, err)
	assert.Equal(t, 2, book.AvailableCopies)

	one := 1
	_, err = s.Books().Update(ctx, dune.ID, catalog.BookChanges{TotalCopies: &one})
	assert.ErrorIs(t, err, apperr.ErrInvariantViolation)
}

func TestLoans(t *testing.T) {
	ctx := context.Background()
	s := New()
	bookID := uuid.New()
	userID := uuid.New()
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	open, err := s.Loans().FindOpenLoan(ctx, userID, bookID)
	require.NoError(t, err)
	assert.Nil(t, open)

	loan, err := s.Loans().Create(ctx, userID, bookID, now)
	require.NoError(t, err)
	assert.True(t, loan.IsOpen())

	_, err = s.Loans().Create(ctx, userID, bookID, now)
	assert.ErrorIs(t, err, apperr.ErrInvariantViolation)

	open, err = s.Loans().FindOpenLoan(ctx, userID, bookID)
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, loan.ID, open.ID)

	closed, err := s.Loans().CloseLoan(ctx, loan.ID, now.Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, closed.ReturnedAt)
	assert.Equal(t, now.Add(time.Hour), *closed.ReturnedAt)

	_, err = s.Loans().CloseLoan(ctx, loan.ID, now.Add(2*time.Hour))
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = s.Loans().CloseLoan(ctx, uuid.New(), now)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	// a closed loan frees the pair for a new one
	_, err = s.Loans().Create(ctx, userID, bookID, now.Add(3*time.Hour))
	require.NoError(t, err)
}

func TestOpenLoanQueriesAndCascade(t *testing.T) {
	ctx := context.Background()
	s := New()
	dune, messiah := uuid.New(), uuid.New()
	alice, bob := uuid.New(), uuid.New()
	now := time.Now()

	a1, err := s.Loans().Create(ctx, alice, dune, now)
	require.NoError(t, err)
	_, err = s.Loans().Create(ctx, bob, dune, now)
	require.NoError(t, err)
	a2, err := s.Loans().Create(ctx, alice, messiah, now)
	require.NoError(t, err)
	_, err = s.Loans().CloseLoan(ctx, a1.ID, now)
	require.NoError(t, err)

	forDune, err := s.Loans().OpenLoansForBook(ctx, dune)
	require.NoError(t, err)
	require.Len(t, forDune, 1)
	assert.Equal(t, bob, forDune[0].UserID)

	forAlice, err := s.Loans().OpenLoansForUser(ctx, alice)
	require.NoError(t, err)
	require.Len(t, forAlice, 1)
	assert.Equal(t, a2.ID, forAlice[0].ID)

	removed, err := s.Loans().DeleteOpenLoansForBook(ctx, dune)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	forDune, err = s.Loans().OpenLoansForBook(ctx, dune)
	require.NoError(t, err)
	assert.Empty(t, forDune)

	// the returned loan is history and stays
	assert.Contains(t, s.loans, a1.ID)
}

func TestInTxRollsBackEveryMutation(t *testing.T) {
	ctx := context.Background()
	s := New()
	dune := addBook(t, s, "Dune", 2)
	userID := uuid.New()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.Books().AdjustAvailable(ctx, dune.ID, -1); err != nil {
			return err
		}
		if _, err := tx.Loans().Create(ctx, userID, dune.ID, time.Now()); err != nil {
			return err
		}
		if _, err := tx.Books().Create(ctx, catalog.NewBook{Title: "Emma", Author: "Jane Austen", Genre: "novel", TotalCopies: catalog.Copies(1)}); err != nil {
			return err
		}
		entry, err := journal.NewEntry(dune.ID, 2, journal.KindBookBorrowed, journal.LoanChanged{UserID: userID}, time.Now())
		if err != nil {
			return err
		}
		if err := tx.Journal().Append(ctx, entry); err != nil {
			return err
		}
		if err := tx.Books().Delete(ctx, dune.ID); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	book, err := s.Books().Get(ctx, dune.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, book.AvailableCopies)
	assert.Equal(t, 1, book.Version)

	books, err := s.Books().List(ctx)
	require.NoError(t, err)
	assert.Len(t, books, 1)

	open, err := s.Loans().FindOpenLoan(ctx, userID, dune.ID)
	require.NoError(t, err)
	assert.Nil(t, open)

	entries, err := s.Journal().ForBook(ctx, dune.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInTxRollsBackOnPanic(t *testing.T) {
	ctx := context.Background()
	s := New()
	dune := addBook(t, s, "Dune", 1)

	assert.Panics(t, func() {
		_ = s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			if _, err := tx.Books().AdjustAvailable(ctx, dune.ID, -1); err != nil {
				return err
			}
			panic("crash between the two steps")
		})
	})

	book, err := s.Books().Get(ctx, dune.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, book.AvailableCopies)
}

func TestInTxHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := New().InTx(ctx, func(context.Context, storage.Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestJournalVersionsAreUnique(t *testing.T) {
	ctx := context.Background()
	s := New()
	bookID := uuid.New()

	first, err := journal.NewEntry(bookID, 1, journal.KindBookAdded, journal.BookAdded{Title: "Dune"}, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.Journal().Append(ctx, first))
	assert.ErrorIs(t, s.Journal().Append(ctx, first), journal.ErrConcurrencyConflict)

	entries, err := s.Journal().ForBook(ctx, bookID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(1), entries[0].ID)
}

func TestConcurrentAdjustNeverGoesNegative(t *testing.T) {
	ctx := context.Background()
	s := New()
	dune := addBook(t, s, "Dune", 5)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Books().AdjustAvailable(ctx, dune.ID, -1); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, succeeded)
	book, err := s.Books().Get(ctx, dune.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, book.AvailableCopies)
}
