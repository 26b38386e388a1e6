// internal/lending/implementation.go
package lending

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"lendtrack/internal/apperr"
	"lendtrack/internal/catalog"
	"lendtrack/internal/journal"
	"lendtrack/internal/ledger"
	"lendtrack/internal/membership"
	"lendtrack/internal/storage"
)

// service implements the Service interface.
type service struct {
	store   storage.Store
	members membership.Directory
	logger  *zap.Logger
	now     func() time.Time
	meters  metric.MeterProvider

	tracer   trace.Tracer
	opened   metric.Int64Counter
	closed   metric.Int64Counter
	refusals metric.Int64Counter
}

// Option configures the service.
type Option func(*service)

// WithClock sets the clock used for loan and journal timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *service) {
		s.now = now
	}
}

// WithMeterProvider sets the provider the lending counters are created from.
// The global provider is used otherwise.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *service) {
		s.meters = mp
	}
}

// NewService creates a new lending service instance.
func NewService(store storage.Store, members membership.Directory, logger *zap.Logger, opts ...Option) Service {
	s := &service{
		store:   store,
		members: members,
		logger:  logger,
		now:     time.Now,
		meters:  otel.GetMeterProvider(),
		tracer:  otel.Tracer("lendtrack/lending"),
	}
	for _, opt := range opts {
		opt(s)
	}

	meter := s.meters.Meter("lendtrack/lending")
	s.opened = counter(meter, logger, "lending.loans.opened", "Loans opened by borrow")
	s.closed = counter(meter, logger, "lending.loans.closed", "Loans closed by return")
	s.refusals = counter(meter, logger, "lending.refusals", "Borrow and return requests refused")
	return s
}

func counter(meter metric.Meter, logger *zap.Logger, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		logger.Warn("failed to create counter", zap.String("counter", name), zap.Error(err))
		return noop.Int64Counter{}
	}
	return c
}

func (s *service) ListBooks(ctx context.Context) ([]*catalog.Book, error) {
	books, err := s.store.Books().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list books: %w", err)
	}
	return books, nil
}

func (s *service) GetBook(ctx context.Context, id uuid.UUID) (*catalog.Book, error) {
	return s.store.Books().Get(ctx, id)
}

// AddBook creates a book with all copies available.
func (s *service) AddBook(ctx context.Context, nb catalog.NewBook) (*catalog.Book, error) {
	ctx, span := s.tracer.Start(ctx, "lending.add_book")
	defer span.End()

	var book *catalog.Book
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		book, err = tx.Books().Create(ctx, nb)
		if err != nil {
			return err
		}
		return s.record(ctx, tx, book.ID, book.Version, journal.KindBookAdded, journal.BookAdded{
			Title:       book.Title,
			Author:      book.Author,
			Genre:       book.Genre,
			TotalCopies: book.TotalCopies,
		})
	})
	if err != nil {
		return nil, s.fail(span, "add book", err)
	}

	span.SetAttributes(attribute.String("book.id", book.ID.String()))
	s.logger.Info("book added",
		zap.Stringer("book_id", book.ID),
		zap.String("title", book.Title),
		zap.Int("total_copies", book.TotalCopies),
	)
	return book, nil
}

// UpdateBook applies an administrator edit. A total copies change keeps the
// borrowed count and is refused if it would drop below it.
func (s *service) UpdateBook(ctx context.Context, id uuid.UUID, changes catalog.BookChanges) (*catalog.Book, error) {
	ctx, span := s.tracer.Start(ctx, "lending.update_book",
		trace.WithAttributes(attribute.String("book.id", id.String())),
	)
	defer span.End()

	if changes.IsEmpty() {
		return nil, s.fail(span, "update book", apperr.Validation("no fields to update"))
	}
	changes, err := changes.Normalize()
	if err != nil {
		return nil, s.fail(span, "update book", err)
	}

	var book *catalog.Book
	err = s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		current, err := tx.Books().Get(ctx, id)
		if err != nil {
			return err
		}
		if changes.TotalCopies != nil && *changes.TotalCopies-current.BorrowedCopies() < 0 {
			return apperr.Conflict(MsgTotalBelowLoaned)
		}

		book, err = tx.Books().Update(ctx, id, changes)
		if err != nil {
			return err
		}
		return s.record(ctx, tx, book.ID, book.Version, journal.KindBookUpdated, journal.BookUpdated{
			Title:           book.Title,
			Author:          book.Author,
			Genre:           book.Genre,
			TotalCopies:     book.TotalCopies,
			AvailableCopies: book.AvailableCopies,
		})
	})
	if err != nil {
		return nil, s.fail(span, "update book", err)
	}

	s.logger.Info("book updated",
		zap.Stringer("book_id", id),
		zap.Int("total_copies", book.TotalCopies),
		zap.Int("available_copies", book.AvailableCopies),
	)
	return book, nil
}

// DeleteBook removes a book together with its open loans. Returned loans and
// the book's journal are kept.
func (s *service) DeleteBook(ctx context.Context, id uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "lending.delete_book",
		trace.WithAttributes(attribute.String("book.id", id.String())),
	)
	defer span.End()

	var removed int
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		book, err := tx.Books().Get(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.Books().Delete(ctx, id); err != nil {
			return err
		}
		removed, err = tx.Loans().DeleteOpenLoansForBook(ctx, id)
		if err != nil {
			return err
		}
		return s.record(ctx, tx, id, book.Version+1, journal.KindBookRemoved, journal.BookRemoved{
			ClosedLoans: removed,
		})
	})
	if err != nil {
		return s.fail(span, "delete book", err)
	}

	span.SetAttributes(attribute.Int("loans.removed", removed))
	s.logger.Info("book removed", zap.Stringer("book_id", id), zap.Int("open_loans_removed", removed))
	return nil
}

// Borrow lends one copy of a book to a user. The availability check and both
// mutations run in one transaction holding the book.
func (s *service) Borrow(ctx context.Context, userID, bookID uuid.UUID) (*ledger.Loan, error) {
	ctx, span := s.tracer.Start(ctx, "lending.borrow",
		trace.WithAttributes(
			attribute.String("user.id", userID.String()),
			attribute.String("book.id", bookID.String()),
		),
	)
	defer span.End()

	var loan *ledger.Loan
	var available int
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		book, err := tx.Books().Get(ctx, bookID)
		if err != nil {
			return err
		}
		if book.AvailableCopies <= 0 {
			return apperr.Conflict(MsgNoCopiesAvailable)
		}

		open, err := tx.Loans().FindOpenLoan(ctx, userID, bookID)
		if err != nil {
			return err
		}
		if open != nil {
			return apperr.Conflict(MsgAlreadyBorrowed)
		}

		now := s.now()
		book, err = tx.Books().AdjustAvailable(ctx, bookID, -1)
		if err != nil {
			return err
		}
		loan, err = tx.Loans().Create(ctx, userID, bookID, now)
		if err != nil {
			return err
		}
		available = book.AvailableCopies

		return s.record(ctx, tx, bookID, book.Version, journal.KindBookBorrowed, journal.LoanChanged{
			LoanID:          loan.ID,
			UserID:          userID,
			AvailableCopies: book.AvailableCopies,
		})
	})
	if err != nil {
		s.countRefusal(ctx, "borrow", err)
		return nil, s.fail(span, "borrow book", err)
	}

	s.opened.Add(ctx, 1)
	span.SetAttributes(attribute.String("loan.id", loan.ID.String()))
	s.logger.Info("book borrowed",
		zap.Stringer("book_id", bookID),
		zap.Stringer("user_id", userID),
		zap.Stringer("loan_id", loan.ID),
		zap.Int("available_copies", available),
	)
	return loan, nil
}

// Return closes the user's open loan of a book and frees the copy.
func (s *service) Return(ctx context.Context, userID, bookID uuid.UUID) (*ledger.Loan, error) {
	ctx, span := s.tracer.Start(ctx, "lending.return",
		trace.WithAttributes(
			attribute.String("user.id", userID.String()),
			attribute.String("book.id", bookID.String()),
		),
	)
	defer span.End()

	var loan *ledger.Loan
	var available int
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		// The book is locked first so borrow and return agree on lock order.
		if _, err := tx.Books().Get(ctx, bookID); err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				return apperr.Conflict(MsgNotBorrowed)
			}
			return err
		}

		open, err := tx.Loans().FindOpenLoan(ctx, userID, bookID)
		if err != nil {
			return err
		}
		if open == nil {
			return apperr.Conflict(MsgNotBorrowed)
		}

		loan, err = tx.Loans().CloseLoan(ctx, open.ID, s.now())
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				return apperr.Conflict(MsgNotBorrowed)
			}
			return err
		}

		book, err := tx.Books().AdjustAvailable(ctx, bookID, 1)
		if err != nil {
			return err
		}
		available = book.AvailableCopies

		return s.record(ctx, tx, bookID, book.Version, journal.KindBookReturned, journal.LoanChanged{
			LoanID:          loan.ID,
			UserID:          userID,
			AvailableCopies: book.AvailableCopies,
		})
	})
	if err != nil {
		s.countRefusal(ctx, "return", err)
		return nil, s.fail(span, "return book", err)
	}

	s.closed.Add(ctx, 1)
	s.logger.Info("book returned",
		zap.Stringer("book_id", bookID),
		zap.Stringer("user_id", userID),
		zap.Stringer("loan_id", loan.ID),
		zap.Int("available_copies", available),
	)
	return loan, nil
}

// ListOpenLoansOf returns the user's open loans with their books, in borrow
// order. Loans whose book vanished in between are skipped.
func (s *service) ListOpenLoansOf(ctx context.Context, userID uuid.UUID) ([]BorrowedBook, error) {
	loans, err := s.store.Loans().OpenLoansForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list open loans: %w", err)
	}

	borrowed := make([]BorrowedBook, 0, len(loans))
	for _, loan := range loans {
		book, err := s.store.Books().Get(ctx, loan.BookID)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("failed to load borrowed book: %w", err)
		}
		borrowed = append(borrowed, BorrowedBook{Loan: loan, Book: book})
	}
	return borrowed, nil
}

// ListBorrowersOf returns the open loans of a book with the members holding
// them. Members unknown to the directory are reported by id only.
func (s *service) ListBorrowersOf(ctx context.Context, bookID uuid.UUID) ([]Borrower, error) {
	if _, err := s.store.Books().Get(ctx, bookID); err != nil {
		return nil, err
	}

	loans, err := s.store.Loans().OpenLoansForBook(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("failed to list open loans: %w", err)
	}

	borrowers := make([]Borrower, 0, len(loans))
	for _, loan := range loans {
		member, err := s.members.GetMember(ctx, loan.UserID)
		if err != nil {
			if !errors.Is(err, apperr.ErrNotFound) {
				return nil, fmt.Errorf("failed to resolve member %s: %w", loan.UserID, err)
			}
			member = &membership.Member{ID: loan.UserID}
		}
		borrowers = append(borrowers, Borrower{Loan: loan, Member: member})
	}
	return borrowers, nil
}

// History returns the journal of a book, oldest first. It stays readable
// after the book is deleted.
func (s *service) History(ctx context.Context, bookID uuid.UUID) ([]journal.Entry, error) {
	entries, err := s.store.Journal().ForBook(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	if len(entries) == 0 {
		if _, err := s.store.Books().Get(ctx, bookID); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// Audit checks the copy accounting of every book while holding it.
func (s *service) Audit(ctx context.Context) ([]Discrepancy, error) {
	ctx, span := s.tracer.Start(ctx, "lending.audit")
	defer span.End()

	var found []Discrepancy
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		found = make([]Discrepancy, 0)

		books, err := tx.Books().List(ctx)
		if err != nil {
			return err
		}
		for _, listed := range books {
			book, err := tx.Books().Get(ctx, listed.ID)
			if err != nil {
				if errors.Is(err, apperr.ErrNotFound) {
					continue
				}
				return err
			}
			loans, err := tx.Loans().OpenLoansForBook(ctx, book.ID)
			if err != nil {
				return err
			}
			found = append(found, checkBook(book, loans)...)
		}
		return nil
	})
	if err != nil {
		return nil, s.fail(span, "audit", err)
	}

	span.SetAttributes(attribute.Int("audit.discrepancies", len(found)))
	if len(found) > 0 {
		s.logger.Warn("copy accounting discrepancies found", zap.Int("count", len(found)))
	}
	return found, nil
}

func checkBook(book *catalog.Book, open []*ledger.Loan) []Discrepancy {
	var out []Discrepancy

	if book.AvailableCopies < 0 || book.AvailableCopies > book.TotalCopies {
		out = append(out, Discrepancy{
			BookID: book.ID,
			Kind:   DiscrepancyAvailableOutOfRange,
			Detail: fmt.Sprintf("available %d outside [0, %d]", book.AvailableCopies, book.TotalCopies),
		})
	}
	if want := book.TotalCopies - len(open); book.AvailableCopies != want {
		out = append(out, Discrepancy{
			BookID: book.ID,
			Kind:   DiscrepancyAvailableMismatch,
			Detail: fmt.Sprintf("available %d but %d total with %d open loans", book.AvailableCopies, book.TotalCopies, len(open)),
		})
	}

	holders := make(map[uuid.UUID]int, len(open))
	for _, loan := range open {
		holders[loan.UserID]++
		if holders[loan.UserID] == 2 {
			out = append(out, Discrepancy{
				BookID: book.ID,
				Kind:   DiscrepancyDuplicateOpenLoan,
				Detail: fmt.Sprintf("user %s holds more than one open loan", loan.UserID),
			})
		}
	}
	return out
}

func (s *service) record(ctx context.Context, tx storage.Tx, bookID uuid.UUID, version int, kind journal.Kind, payload any) error {
	entry, err := journal.NewEntry(bookID, version, kind, payload, s.now())
	if err != nil {
		return err
	}
	if err := tx.Journal().Append(ctx, entry); err != nil {
		return fmt.Errorf("failed to append %s entry: %w", kind, err)
	}
	return nil
}

func (s *service) countRefusal(ctx context.Context, op string, err error) {
	if msg, ok := apperr.Message(err); ok && errors.Is(err, apperr.ErrConflict) {
		s.refusals.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", op),
			attribute.String("reason", msg),
		))
	}
}

// fail records err on the span. Caller-facing errors are returned as they
// are; anything else is wrapped with the operation name.
func (s *service) fail(span trace.Span, op string, err error) error {
	span.RecordError(err)

	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		span.SetAttributes(attribute.String("refusal", appErr.Message))
		s.logger.Debug(op+" refused", zap.String("reason", appErr.Message))
		return err
	}

	span.SetStatus(codes.Error, err.Error())
	return fmt.Errorf("failed to %s: %w", op, err)
}
