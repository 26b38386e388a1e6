// internal/lending/domain.go
package lending

import (
	"github.com/google/uuid"

	"lendtrack/internal/catalog"
	"lendtrack/internal/ledger"
	"lendtrack/internal/membership"
)

// Refusal messages returned as Conflict errors.
const (
	MsgNoCopiesAvailable = "no copies available"
	MsgAlreadyBorrowed   = "already borrowed"
	MsgNotBorrowed       = "not borrowed"
	MsgTotalBelowLoaned  = "total copies cannot be less than borrowed copies"
)

// BorrowedBook is one of a user's open loans joined with its book.
type BorrowedBook struct {
	Loan *ledger.Loan  `json:"loan"`
	Book *catalog.Book `json:"book"`
}

// Borrower is an open loan of a book joined with the member holding it.
type Borrower struct {
	Loan   *ledger.Loan       `json:"loan"`
	Member *membership.Member `json:"member"`
}

// Discrepancy kinds reported by Audit.
const (
	DiscrepancyAvailableOutOfRange = "available_out_of_range"
	DiscrepancyAvailableMismatch   = "available_mismatch"
	DiscrepancyDuplicateOpenLoan   = "duplicate_open_loan"
)

// Discrepancy is a broken copy-accounting invariant found by Audit.
type Discrepancy struct {
	BookID uuid.UUID `json:"book_id"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail"`
}
