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

	"lendtrack/internal/ledger"
)

const tableLoans = "loans"

var loanColumns = []any{"id", "user_id", "book_id", "borrowed_at", "returned_at"}

type loanLedger struct {
	q sqlx.ExtContext
}

func openLoan() exp.Expression {
	return goqu.C("returned_at").IsNull()
}

func (l loanLedger) FindOpenLoan(ctx context.Context, userID, bookID uuid.UUID) (*ledger.Loan, error) {
	query, args, err := dialect.From(tableLoans).Prepared(true).
		Select(loanColumns...).
		Where(goqu.C("user_id").Eq(userID), goqu.C("book_id").Eq(bookID), openLoan()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build open loan query: %w", err)
	}

	var loan ledger.Loan
	if err := sqlx.GetContext(ctx, l.q, &loan, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find open loan: %w", err)
	}
	return &loan, nil
}

func (l loanLedger) OpenLoansForBook(ctx context.Context, bookID uuid.UUID) ([]*ledger.Loan, error) {
	return l.openWhere(ctx, goqu.C("book_id").Eq(bookID))
}

func (l loanLedger) OpenLoansForUser(ctx context.Context, userID uuid.UUID) ([]*ledger.Loan, error) {
	return l.openWhere(ctx, goqu.C("user_id").Eq(userID))
}

func (l loanLedger) openWhere(ctx context.Context, cond exp.Expression) ([]*ledger.Loan, error) {
	query, args, err := dialect.From(tableLoans).Prepared(true).
		Select(loanColumns...).
		Where(cond, openLoan()).
		Order(goqu.C("seq").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build open loans query: %w", err)
	}

	loans := make([]*ledger.Loan, 0)
	if err := sqlx.SelectContext(ctx, l.q, &loans, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list open loans: %w", err)
	}
	return loans, nil
}

func (l loanLedger) Create(ctx context.Context, userID, bookID uuid.UUID, borrowedAt time.Time) (*ledger.Loan, error) {
	query, args, err := dialect.Insert(tableLoans).Prepared(true).
		Rows(goqu.Record{
			"id":          uuid.New(),
			"user_id":     userID,
			"book_id":     bookID,
			"borrowed_at": borrowedAt.UTC().Truncate(time.Microsecond),
		}).
		Returning(loanColumns...).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build loan insert: %w", err)
	}

	var loan ledger.Loan
	if err := sqlx.GetContext(ctx, l.q, &loan, query, args...); err != nil {
		if pgCode(err) == codeUniqueViolation {
			return nil, ledger.DuplicateOpenLoanError(userID, bookID)
		}
		return nil, fmt.Errorf("failed to create loan: %w", err)
	}
	return &loan, nil
}

func (l loanLedger) CloseLoan(ctx context.Context, loanID uuid.UUID, returnedAt time.Time) (*ledger.Loan, error) {
	query, args, err := dialect.Update(tableLoans).Prepared(true).
		Set(goqu.Record{"returned_at": returnedAt.UTC().Truncate(time.Microsecond)}).
		Where(goqu.C("id").Eq(loanID), openLoan()).
		Returning(loanColumns...).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build loan close: %w", err)
	}

	var loan ledger.Loan
	if err := sqlx.GetContext(ctx, l.q, &loan, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.NotFoundError(loanID)
		}
		return nil, fmt.Errorf("failed to close loan: %w", err)
	}
	return &loan, nil
}

func (l loanLedger) DeleteOpenLoansForBook(ctx context.Context, bookID uuid.UUID) (int, error) {
	query, args, err := dialect.Delete(tableLoans).Prepared(true).
		Where(goqu.C("book_id").Eq(bookID), openLoan()).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("failed to build loan delete: %w", err)
	}

	res, err := l.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete open loans: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(n), nil
}
