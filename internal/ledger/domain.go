// internal/ledger/domain.go
package ledger

import (
	"time"

	"github.com/google/uuid"

	"lendtrack/internal/apperr"
)

// Loan represents one borrowing of a book copy by a user.
type Loan struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	UserID     uuid.UUID  `json:"user_id" db:"user_id"`
	BookID     uuid.UUID  `json:"book_id" db:"book_id"`
	BorrowedAt time.Time  `json:"borrowed_at" db:"borrowed_at"`
	ReturnedAt *time.Time `json:"returned_at" db:"returned_at"`
}

// IsOpen reports whether the loan has not been returned yet.
func (l *Loan) IsOpen() bool {
	return l.ReturnedAt == nil
}

// NotFoundError is returned when a loan is absent or already closed.
func NotFoundError(id uuid.UUID) error {
	return apperr.NotFound("open loan %s not found", id)
}

// DuplicateOpenLoanError is returned when a pair already holds an open loan.
func DuplicateOpenLoanError(userID, bookID uuid.UUID) error {
	return apperr.InvariantViolation("user %s already has an open loan for book %s", userID, bookID)
}
