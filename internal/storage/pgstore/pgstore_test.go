package pgstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lendtrack/internal/apperr"
	"lendtrack/internal/catalog"
	"lendtrack/internal/journal"
	"lendtrack/internal/storage"
)

// setupTestStore connects to PostgreSQL for testing and skips the test if the
// connection cannot be established.
func setupTestStore(t *testing.T, driver string) *Store {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := envOr("PGHOST", "localhost")
		port := envOr("PGPORT", "5432")
		user := envOr("PGUSER", "user")
		password := envOr("PGPASSWORD", "password")
		name := envOr("PGDATABASE", "testdb")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, name)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	s, err := Open(ctx, driver, dsn)
	if err != nil {
		t.Skipf("skipping postgres tests: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Migrate(context.Background()))
	_, err = s.db.Exec("TRUNCATE TABLE books, loans, book_journal")
	require.NoError(t, err)

	return s
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func forEachDriver(t *testing.T, test func(t *testing.T, s *Store)) {
	for _, driver := range []string{DriverPQ, DriverPGX} {
		t.Run(driver, func(t *testing.T) {
			test(t, setupTestStore(t, driver))
		})
	}
}

func addBook(t *testing.T, s *Store, title string, copies int) *catalog.Book {
	t.Helper()

	book, err := s.Books().Create(context.Background(), catalog.NewBook{
		Title:       title,
		Author:      "Ursula K. Le Guin",
		Genre:       "fantasy",
		TotalCopies: catalog.Copies(copies),
	})
	require.NoError(t, err)
	return book
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "whatever")
	assert.Error(t, err)
}

func TestRetryable(t *testing.T) {
	assert.True(t, retryable(journal.ErrConcurrencyConflict))
	assert.True(t, retryable(fmt.Errorf("failed to commit transaction: %w", &pq.Error{Code: codeSerializationFailure})))
	assert.True(t, retryable(&pgconn.PgError{Code: codeDeadlockDetected}))
	assert.False(t, retryable(&pq.Error{Code: codeUniqueViolation}))
	assert.False(t, retryable(apperr.Conflict("no copies available")))
	assert.False(t, retryable(errors.New("connection refused")))
}

func TestBooks(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store) {
		ctx := context.Background()

		earthsea := addBook(t, s, "A Wizard of Earthsea", 2)
		assert.Equal(t, 2, earthsea.AvailableCopies)
		assert.Equal(t, 1, earthsea.Version)
		addBook(t, s, "The Tombs of Atuan", 1)

		books, err := s.Books().List(ctx)
		require.NoError(t, err)
		require.Len(t, books, 2)
		assert.Equal(t, earthsea.ID, books[0].ID)

		_, err = s.Books().AdjustAvailable(ctx, earthsea.ID, -2)
		require.NoError(t, err)
		_, err = s.Books().AdjustAvailable(ctx, earthsea.ID, -1)
		assert.ErrorIs(t, err, apperr.ErrInvariantViolation)
		_, err = s.Books().AdjustAvailable(ctx, uuid.New(), -1)
		assert.ErrorIs(t, err, apperr.ErrNotFound)

		three := 3
		book, err := s.Books().Update(ctx, earthsea.ID, catalog.BookChanges{TotalCopies: &three})
		require.NoError(t, err)
		assert.Equal(t, 1, book.AvailableCopies)
		assert.Equal(t, 3, book.TotalCopies)
		assert.Equal(t, 4, book.Version)

		one := 1
		_, err = s.Books().Update(ctx, earthsea.ID, catalog.BookChanges{TotalCopies: &one})
		assert.ErrorIs(t, err, apperr.ErrInvariantViolation)

		empty := "  "
		_, err = s.Books().Update(ctx, earthsea.ID, catalog.BookChanges{Title: &empty})
		assert.ErrorIs(t, err, apperr.ErrValidation)

		require.NoError(t, s.Books().Delete(ctx, earthsea.ID))
		assert.ErrorIs(t, s.Books().Delete(ctx, earthsea.ID), apperr.ErrNotFound)
		_, err = s.Books().Get(ctx, earthsea.ID)
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})
}

func TestLoans(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		bookID, userID := uuid.New(), uuid.New()
		now := time.Now()

		loan, err := s.Loans().Create(ctx, userID, bookID, now)
		require.NoError(t, err)
		assert.True(t, loan.IsOpen())

		_, err = s.Loans().Create(ctx, userID, bookID, now)
		assert.ErrorIs(t, err, apperr.ErrInvariantViolation)

		open, err := s.Loans().OpenLoansForBook(ctx, bookID)
		require.NoError(t, err)
		require.Len(t, open, 1)

		closed, err := s.Loans().CloseLoan(ctx, loan.ID, now)
		require.NoError(t, err)
		assert.NotNil(t, closed.ReturnedAt)
		_, err = s.Loans().CloseLoan(ctx, loan.ID, now)
		assert.ErrorIs(t, err, apperr.ErrNotFound)

		found, err := s.Loans().FindOpenLoan(ctx, userID, bookID)
		require.NoError(t, err)
		assert.Nil(t, found)

		_, err = s.Loans().Create(ctx, userID, bookID, now)
		require.NoError(t, err)
		removed, err := s.Loans().DeleteOpenLoansForBook(ctx, bookID)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)
	})
}

func TestJournal(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		bookID := uuid.New()

		entry, err := journal.NewEntry(bookID, 1, journal.KindBookAdded, journal.BookAdded{Title: "Tehanu", TotalCopies: 1}, time.Now())
		require.NoError(t, err)
		require.NoError(t, s.Journal().Append(ctx, entry))
		assert.ErrorIs(t, s.Journal().Append(ctx, entry), journal.ErrConcurrencyConflict)

		entries, err := s.Journal().ForBook(ctx, bookID)
		require.NoError(t, err)
		require.Len(t, entries, 1)

		var payload journal.BookAdded
		require.NoError(t, entries[0].Decode(&payload))
		assert.Equal(t, "Tehanu", payload.Title)
	})
}

func TestInTxRollsBack(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		book := addBook(t, s, "The Farthest Shore", 1)
		boom := errors.New("boom")

		err := s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			if _, err := tx.Books().AdjustAvailable(ctx, book.ID, -1); err != nil {
				return err
			}
			if _, err := tx.Loans().Create(ctx, uuid.New(), book.ID, time.Now()); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := s.Books().Get(ctx, book.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.AvailableCopies)

		open, err := s.Loans().OpenLoansForBook(ctx, book.ID)
		require.NoError(t, err)
		assert.Empty(t, open)
	})
}

func TestLockedReadSerializesLastCopy(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		book := addBook(t, s, "Tales from Earthsea", 1)

		const borrowers = 8
		var wg sync.WaitGroup
		results := make(chan error, borrowers)
		for i := 0; i < borrowers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results <- s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
					current, err := tx.Books().Get(ctx, book.ID)
					if err != nil {
						return err
					}
					if current.AvailableCopies <= 0 {
						return apperr.Conflict("no copies available")
					}
					if _, err := tx.Books().AdjustAvailable(ctx, book.ID, -1); err != nil {
						return err
					}
					_, err = tx.Loans().Create(ctx, uuid.New(), book.ID, time.Now())
					return err
				})
			}()
		}
		wg.Wait()
		close(results)

		succeeded := 0
		for err := range results {
			if err == nil {
				succeeded++
				continue
			}
			assert.ErrorIs(t, err, apperr.ErrConflict)
		}
		assert.Equal(t, 1, succeeded)

		open, err := s.Loans().OpenLoansForBook(ctx, book.ID)
		require.NoError(t, err)
		assert.Len(t, open, 1)
	})
}
