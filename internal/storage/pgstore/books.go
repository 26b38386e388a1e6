package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"lendtrack/internal/apperr"
	"lendtrack/internal/catalog"
)

const tableBooks = "books"

var bookColumns = []any{
	"id", "title", "author", "genre",
	"total_copies", "available_copies", "version",
	"created_at", "updated_at",
}

type bookStore struct {
	q    sqlx.ExtContext
	now  func() time.Time
	lock bool // inside a transaction: Get locks the row
}

func (b bookStore) Get(ctx context.Context, id uuid.UUID) (*catalog.Book, error) {
	ds := dialect.From(tableBooks).Prepared(true).
		Select(bookColumns...).
		Where(goqu.C("id").Eq(id))
	if b.lock {
		ds = ds.ForUpdate(exp.Wait)
	}

	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build book query: %w", err)
	}

	var book catalog.Book
	if err := sqlx.GetContext(ctx, b.q, &book, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, catalog.NotFoundError(id)
		}
		return nil, fmt.Errorf("failed to get book: %w", err)
	}
	return &book, nil
}

func (b bookStore) List(ctx context.Context) ([]*catalog.Book, error) {
	query, args, err := dialect.From(tableBooks).Prepared(true).
		Select(bookColumns...).
		Order(goqu.C("created_at").Asc(), goqu.C("id").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build book list query: %w", err)
	}

	books := make([]*catalog.Book, 0)
	if err := sqlx.SelectContext(ctx, b.q, &books, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list books: %w", err)
	}
	return books, nil
}

func (b bookStore) Create(ctx context.Context, nb catalog.NewBook) (*catalog.Book, error) {
	nb, err := nb.Normalize()
	if err != nil {
		return nil, err
	}

	now := b.now().UTC().Truncate(time.Microsecond)
	query, args, err := dialect.Insert(tableBooks).Prepared(true).
		Rows(goqu.Record{
			"id":               uuid.New(),
			"title":            nb.Title,
			"author":           nb.Author,
			"genre":            nb.Genre,
			"total_copies":     nb.Copies(),
			"available_copies": nb.Copies(),
			"version":          1,
			"created_at":       now,
			"updated_at":       now,
		}).
		Returning(bookColumns...).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build book insert: %w", err)
	}

	var book catalog.Book
	if err := sqlx.GetContext(ctx, b.q, &book, query, args...); err != nil {
		return nil, fmt.Errorf("failed to create book: %w", err)
	}
	return &book, nil
}

// Update applies the changes in one statement. The borrowed count is
// preserved by moving available_copies with total_copies, and the row is only
// touched if that keeps available_copies non-negative.
func (b bookStore) Update(ctx context.Context, id uuid.UUID, changes catalog.BookChanges) (*catalog.Book, error) {
	changes, err := changes.Normalize()
	if err != nil {
		return nil, err
	}

	set := b.bumpRecord()
	conds := []exp.Expression{goqu.C("id").Eq(id)}
	if changes.Title != nil {
		set["title"] = *changes.Title
	}
	if changes.Author != nil {
		set["author"] = *changes.Author
	}
	if changes.Genre != nil {
		set["genre"] = *changes.Genre
	}
	if changes.TotalCopies != nil {
		total := *changes.TotalCopies
		set["total_copies"] = total
		set["available_copies"] = goqu.L("available_copies + (? - total_copies)", total)
		conds = append(conds, goqu.L("available_copies + (? - total_copies) >= 0", total))
	}

	query, args, err := dialect.Update(tableBooks).Prepared(true).
		Set(set).
		Where(conds...).
		Returning(bookColumns...).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build book update: %w", err)
	}

	var book catalog.Book
	if err := sqlx.GetContext(ctx, b.q, &book, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, b.explainMiss(ctx, id, func(current *catalog.Book) error {
				return apperr.InvariantViolation(
					"book %s: total copies %d is below the %d copies on loan", id, *changes.TotalCopies, current.BorrowedCopies())
			})
		}
		return nil, fmt.Errorf("failed to update book: %w", err)
	}
	return &book, nil
}

func (b bookStore) Delete(ctx context.Context, id uuid.UUID) error {
	query, args, err := dialect.Delete(tableBooks).Prepared(true).
		Where(goqu.C("id").Eq(id)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build book delete: %w", err)
	}

	res, err := b.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to delete book: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return catalog.NotFoundError(id)
	}
	return nil
}

func (b bookStore) AdjustAvailable(ctx context.Context, id uuid.UUID, delta int) (*catalog.Book, error) {
	set := b.bumpRecord()
	set["available_copies"] = goqu.L("available_copies + ?", delta)

	query, args, err := dialect.Update(tableBooks).Prepared(true).
		Set(set).
		Where(
			goqu.C("id").Eq(id),
			goqu.L("available_copies + ? BETWEEN 0 AND total_copies", delta),
		).
		Returning(bookColumns...).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build availability update: %w", err)
	}

	var book catalog.Book
	if err := sqlx.GetContext(ctx, b.q, &book, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, b.explainMiss(ctx, id, func(current *catalog.Book) error {
				return apperr.InvariantViolation(
					"book %s: available copies would become %d (total %d)",
					id, current.AvailableCopies+delta, current.TotalCopies)
			})
		}
		return nil, fmt.Errorf("failed to adjust available copies: %w", err)
	}
	return &book, nil
}

func (b bookStore) bumpRecord() goqu.Record {
	return goqu.Record{
		"version":    goqu.L("version + 1"),
		"updated_at": b.now().UTC().Truncate(time.Microsecond),
	}
}

// explainMiss turns a conditional update that matched no row into NotFound or
// the error built by violation.
func (b bookStore) explainMiss(ctx context.Context, id uuid.UUID, violation func(*catalog.Book) error) error {
	current, err := bookStore{q: b.q, now: b.now}.Get(ctx, id)
	if err != nil {
		return err
	}
	return violation(current)
}
