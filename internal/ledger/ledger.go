// internal/ledger/ledger.go
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Ledger defines durable storage of Loan records. At most one loan per
// (user, book) pair is open at any time.
type Ledger interface {
	FindOpenLoan(ctx context.Context, userID, bookID uuid.UUID) (*Loan, error)
	OpenLoansForBook(ctx context.Context, bookID uuid.UUID) ([]*Loan, error)
	OpenLoansForUser(ctx context.Context, userID uuid.UUID) ([]*Loan, error)
	Create(ctx context.Context, userID, bookID uuid.UUID, borrowedAt time.Time) (*Loan, error)
	CloseLoan(ctx context.Context, loanID uuid.UUID, returnedAt time.Time) (*Loan, error)
	DeleteOpenLoansForBook(ctx context.Context, bookID uuid.UUID) (int, error)
}
