// internal/lending/service.go
package lending

import (
	"context"

	"github.com/google/uuid"

	"lendtrack/internal/catalog"
	"lendtrack/internal/journal"
	"lendtrack/internal/ledger"
)

// Service defines the interface for the lending service. It is the only
// writer of available copy counts and loan closure.
type Service interface {
	ListBooks(ctx context.Context) ([]*catalog.Book, error)
	GetBook(ctx context.Context, id uuid.UUID) (*catalog.Book, error)
	AddBook(ctx context.Context, nb catalog.NewBook) (*catalog.Book, error)
	UpdateBook(ctx context.Context, id uuid.UUID, changes catalog.BookChanges) (*catalog.Book, error)
	DeleteBook(ctx context.Context, id uuid.UUID) error

	Borrow(ctx context.Context, userID, bookID uuid.UUID) (*ledger.Loan, error)
	Return(ctx context.Context, userID, bookID uuid.UUID) (*ledger.Loan, error)

	ListOpenLoansOf(ctx context.Context, userID uuid.UUID) ([]BorrowedBook, error)
	ListBorrowersOf(ctx context.Context, bookID uuid.UUID) ([]Borrower, error)
	History(ctx context.Context, bookID uuid.UUID) ([]journal.Entry, error)
	Audit(ctx context.Context) ([]Discrepancy, error)
}
