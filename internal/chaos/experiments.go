package chaos

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"lendtrack/internal/apperr"
	"lendtrack/internal/catalog"
	"lendtrack/internal/lending"
)

// Settings tunes the size and pace of the lending experiments.
type Settings struct {
	Concurrency    int
	Duration       time.Duration
	SampleInterval time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.Concurrency <= 0 {
		s.Concurrency = 32
	}
	if s.Duration <= 0 {
		s.Duration = 2 * time.Second
	}
	if s.SampleInterval <= 0 {
		s.SampleInterval = 250 * time.Millisecond
	}
	return s
}

// LendingExperiments returns the standard suite against a lending service.
func LendingExperiments(svc lending.Service, s Settings) []Experiment {
	return []Experiment{
		LastCopyRace(svc, s),
		DuplicateReturn(svc, s),
		BorrowReturnChurn(svc, s),
	}
}

// auditMetric counts discrepancies between the copy counters and the loans.
func auditMetric(svc lending.Service) Metric {
	return Metric{
		Name: "audit_discrepancies",
		Query: func(ctx context.Context) (float64, error) {
			found, err := svc.Audit(ctx)
			if err != nil {
				return 0, err
			}
			return float64(len(found)), nil
		},
		Threshold: Threshold{Operator: "==", Value: 0},
	}
}

// availableMetric reports the available copies of the target book, or zero
// before the book exists.
func availableMetric(svc lending.Service, target *atomic.Pointer[uuid.UUID]) Metric {
	return Metric{
		Name: "available_copies",
		Query: func(ctx context.Context) (float64, error) {
			id := target.Load()
			if id == nil {
				return 0, nil
			}
			book, err := svc.GetBook(ctx, *id)
			if err != nil {
				return 0, err
			}
			return float64(book.AvailableCopies), nil
		},
		Threshold: Threshold{Operator: ">=", Value: 0},
	}
}

func counterMetric(name string, counter *atomic.Int64, threshold Threshold) Metric {
	return Metric{
		Name: name,
		Query: func(context.Context) (float64, error) {
			return float64(counter.Load()), nil
		},
		Threshold: threshold,
	}
}

func addBook(ctx context.Context, svc lending.Service, title string, copies int) (*catalog.Book, error) {
	return svc.AddBook(ctx, catalog.NewBook{
		Title:       title,
		Author:      "Chaos Monkey",
		Genre:       "chaos",
		TotalCopies: catalog.Copies(copies),
	})
}

// fanOut runs fn once per worker and waits for all of them.
func fanOut(n int, fn func(i int)) {
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			fn(i)
		}(i)
	}
	close(start)
	wg.Wait()
}

// LastCopyRace has many members race for a single copy. Exactly one borrow
// may succeed.
func LastCopyRace(svc lending.Service, s Settings) Experiment {
	s = s.withDefaults()
	var (
		target    atomic.Pointer[uuid.UUID]
		succeeded atomic.Int64
	)

	cleanup := func(ctx context.Context) error {
		id := target.Load()
		if id == nil {
			return nil
		}
		return svc.DeleteBook(ctx, *id)
	}

	return Experiment{
		Name:       "last-copy-race",
		Hypothesis: "concurrent borrowers of the last copy produce exactly one loan and never a negative count",
		SteadyState: []Metric{
			auditMetric(svc),
			availableMetric(svc, &target),
			counterMetric("successful_borrows", &succeeded, Threshold{Operator: "<=", Value: 1}),
		},
		Method: []Action{
			{
				Type:   "concurrent_borrow",
				Target: "lending.Borrow",
				Execute: func(ctx context.Context) error {
					book, err := addBook(ctx, svc, "The Last Copy", 1)
					if err != nil {
						return err
					}
					target.Store(&book.ID)

					fanOut(s.Concurrency, func(int) {
						if _, err := svc.Borrow(ctx, uuid.New(), book.ID); err == nil {
							succeeded.Add(1)
						}
					})
					return nil
				},
			},
		},
		Rollback: []Action{{Type: "delete_book", Target: "lending.DeleteBook", Execute: cleanup}},
		Validation: []Assertion{
			{
				Metric:    "successful_borrows",
				Condition: func(v float64) bool { return v == 1 },
				Message:   "exactly one borrow of the last copy should succeed",
			},
			{
				Metric:    "available_copies",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "the book should end with no available copies",
			},
			{
				Metric:    "audit_discrepancies",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "audit should find no discrepancies",
			},
		},
		Duration:       s.Duration,
		SampleInterval: s.SampleInterval,
	}
}

// DuplicateReturn replays the return of one loan from many goroutines. Only
// one return may close the loan and restore the copy.
func DuplicateReturn(svc lending.Service, s Settings) Experiment {
	s = s.withDefaults()
	var (
		target    atomic.Pointer[uuid.UUID]
		succeeded atomic.Int64
	)

	return Experiment{
		Name:       "duplicate-return",
		Hypothesis: "a loan returned many times at once is closed once and restores a single copy",
		SteadyState: []Metric{
			auditMetric(svc),
			availableMetric(svc, &target),
			counterMetric("successful_returns", &succeeded, Threshold{Operator: "<=", Value: 1}),
		},
		Method: []Action{
			{
				Type:   "concurrent_return",
				Target: "lending.Return",
				Execute: func(ctx context.Context) error {
					book, err := addBook(ctx, svc, "The Returned Copy", 2)
					if err != nil {
						return err
					}
					target.Store(&book.ID)

					member := uuid.New()
					if _, err := svc.Borrow(ctx, member, book.ID); err != nil {
						return fmt.Errorf("borrow before returns: %w", err)
					}

					fanOut(s.Concurrency, func(int) {
						if _, err := svc.Return(ctx, member, book.ID); err == nil {
							succeeded.Add(1)
						}
					})
					return nil
				},
			},
		},
		Rollback: []Action{{
			Type:   "delete_book",
			Target: "lending.DeleteBook",
			Execute: func(ctx context.Context) error {
				if id := target.Load(); id != nil {
					return svc.DeleteBook(ctx, *id)
				}
				return nil
			},
		}},
		Validation: []Assertion{
			{
				Metric:    "successful_returns",
				Condition: func(v float64) bool { return v == 1 },
				Message:   "exactly one return should close the loan",
			},
			{
				Metric:    "available_copies",
				Condition: func(v float64) bool { return v == 2 },
				Message:   "both copies should be available after the return",
			},
			{
				Metric:    "audit_discrepancies",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "audit should find no discrepancies",
			},
		},
		Duration:       s.Duration,
		SampleInterval: s.SampleInterval,
	}
}

// BorrowReturnChurn keeps a small shelf under random borrow, return and
// resize traffic while the audit is sampled.
func BorrowReturnChurn(svc lending.Service, s Settings) Experiment {
	const shelf = 3
	s = s.withDefaults()

	var (
		books    []uuid.UUID
		failures atomic.Int64
	)

	members := make([]uuid.UUID, s.Concurrency)
	for i := range members {
		members[i] = uuid.New()
	}

	return Experiment{
		Name:       "borrow-return-churn",
		Hypothesis: "random borrow, return and resize traffic keeps every counter consistent with the open loans",
		SteadyState: []Metric{
			auditMetric(svc),
			counterMetric("unexpected_errors", &failures, Threshold{Operator: "==", Value: 0}),
		},
		Method: []Action{
			{
				Type:   "churn",
				Target: "lending.Service",
				Execute: func(ctx context.Context) error {
					books = books[:0]
					for i := 0; i < shelf; i++ {
						book, err := addBook(ctx, svc, fmt.Sprintf("Churn %d", i+1), 2)
						if err != nil {
							return err
						}
						books = append(books, book.ID)
					}

					fanOut(s.Concurrency, func(i int) {
						member := members[i]
						for round := 0; round < 20; round++ {
							if err := churnStep(ctx, svc, member, books); err != nil {
								failures.Add(1)
							}
						}
					})
					return nil
				},
			},
		},
		Rollback: []Action{{
			Type:   "delete_books",
			Target: "lending.DeleteBook",
			Execute: func(ctx context.Context) error {
				var errs []error
				for _, id := range books {
					errs = append(errs, svc.DeleteBook(ctx, id))
				}
				return errors.Join(errs...)
			},
		}},
		Validation: []Assertion{
			{
				Metric:    "audit_discrepancies",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "audit should find no discrepancies",
			},
			{
				Metric:    "unexpected_errors",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "only business refusals are expected under churn",
			},
		},
		Duration:       s.Duration,
		SampleInterval: s.SampleInterval,
	}
}

// churnStep performs one random operation. Business refusals are expected and
// swallowed; anything else is reported.
func churnStep(ctx context.Context, svc lending.Service, member uuid.UUID, books []uuid.UUID) error {
	book := books[rand.IntN(len(books))]

	var err error
	switch rand.IntN(5) {
	case 0, 1:
		_, err = svc.Borrow(ctx, member, book)
	case 2, 3:
		_, err = svc.Return(ctx, member, book)
	default:
		total := 1 + rand.IntN(4)
		_, err = svc.UpdateBook(ctx, book, catalog.BookChanges{TotalCopies: &total})
	}
	if isRefusal(err) {
		return nil
	}
	return err
}

func isRefusal(err error) bool {
	return err == nil || errors.Is(err, apperr.ErrConflict)
}
