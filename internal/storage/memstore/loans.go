package memstore

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"lendtrack/internal/ledger"
)

type loanLedger struct {
	s  *Store
	tx *txn
}

func (l loanLedger) rlock() func() {
	if l.tx != nil {
		return func() {}
	}
	l.s.mu.RLock()
	return l.s.mu.RUnlock
}

func (l loanLedger) FindOpenLoan(ctx context.Context, userID, bookID uuid.UUID) (*ledger.Loan, error) {
	defer l.rlock()()

	if loan := l.findOpen(userID, bookID); loan != nil {
		cp := *loan
		return &cp, nil
	}
	return nil, nil
}

func (l loanLedger) OpenLoansForBook(ctx context.Context, bookID uuid.UUID) ([]*ledger.Loan, error) {
	defer l.rlock()()

	return l.openWhere(func(loan *ledger.Loan) bool { return loan.BookID == bookID }), nil
}

func (l loanLedger) OpenLoansForUser(ctx context.Context, userID uuid.UUID) ([]*ledger.Loan, error) {
	defer l.rlock()()

	return l.openWhere(func(loan *ledger.Loan) bool { return loan.UserID == userID }), nil
}

func (l loanLedger) Create(ctx context.Context, userID, bookID uuid.UUID, borrowedAt time.Time) (*ledger.Loan, error) {
	if l.tx == nil {
		return autoCommit(ctx, l.s, func(t *txn) (*ledger.Loan, error) {
			return t.Loans().Create(ctx, userID, bookID, borrowedAt)
		})
	}

	if l.findOpen(userID, bookID) != nil {
		return nil, ledger.DuplicateOpenLoanError(userID, bookID)
	}

	loan := &ledger.Loan{
		ID:         uuid.New(),
		UserID:     userID,
		BookID:     bookID,
		BorrowedAt: borrowedAt.UTC(),
	}
	l.s.loans[loan.ID] = loan
	l.s.loanOrder = append(l.s.loanOrder, loan.ID)
	l.tx.onRollback(func() {
		delete(l.s.loans, loan.ID)
		l.s.loanOrder, _ = removeID(l.s.loanOrder, loan.ID)
	})

	cp := *loan
	return &cp, nil
}

func (l loanLedger) CloseLoan(ctx context.Context, loanID uuid.UUID, returnedAt time.Time) (*ledger.Loan, error) {
	if l.tx == nil {
		return autoCommit(ctx, l.s, func(t *txn) (*ledger.Loan, error) {
			return t.Loans().CloseLoan(ctx, loanID, returnedAt)
		})
	}

	current, ok := l.s.loans[loanID]
	if !ok || !current.IsOpen() {
		return nil, ledger.NotFoundError(loanID)
	}

	at := returnedAt.UTC()
	next := *current
	next.ReturnedAt = &at
	l.s.loans[loanID] = &next
	l.tx.onRollback(func() {
		l.s.loans[loanID] = current
	})

	cp := next
	return &cp, nil
}

func (l loanLedger) DeleteOpenLoansForBook(ctx context.Context, bookID uuid.UUID) (int, error) {
	if l.tx == nil {
		return autoCommit(ctx, l.s, func(t *txn) (int, error) {
			return t.Loans().DeleteOpenLoansForBook(ctx, bookID)
		})
	}

	removed := 0
	for _, loan := range l.openWhere(func(loan *ledger.Loan) bool { return loan.BookID == bookID }) {
		stored := l.s.loans[loan.ID]
		var pos int
		delete(l.s.loans, loan.ID)
		l.s.loanOrder, pos = removeID(l.s.loanOrder, loan.ID)
		l.tx.onRollback(func() {
			l.s.loans[stored.ID] = stored
			l.s.loanOrder = slices.Insert(l.s.loanOrder, pos, stored.ID)
		})
		removed++
	}
	return removed, nil
}

func (l loanLedger) findOpen(userID, bookID uuid.UUID) *ledger.Loan {
	for _, id := range l.s.loanOrder {
		loan := l.s.loans[id]
		if loan.IsOpen() && loan.UserID == userID && loan.BookID == bookID {
			return loan
		}
	}
	return nil
}

// openWhere returns copies of the open loans matching keep, in borrow order.
func (l loanLedger) openWhere(keep func(*ledger.Loan) bool) []*ledger.Loan {
	loans := make([]*ledger.Loan, 0)
	for _, id := range l.s.loanOrder {
		loan := l.s.loans[id]
		if loan.IsOpen() && keep(loan) {
			cp := *loan
			loans = append(loans, &cp)
		}
	}
	return loans
}
