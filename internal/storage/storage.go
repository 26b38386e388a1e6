// Package storage defines the transaction boundary shared by the catalog, the
// loan ledger and the journal.
package storage

import (
	"context"

	"lendtrack/internal/catalog"
	"lendtrack/internal/journal"
	"lendtrack/internal/ledger"
)

// Tx exposes the stores bound to one atomic unit of work.
type Tx interface {
	Books() catalog.Store
	Loans() ledger.Ledger
	Journal() journal.Journal
}

// TxFunc is the body of a transaction. Returning an error rolls back every
// mutation it made. The Tx must not be used after the function returns.
type TxFunc func(ctx context.Context, tx Tx) error

// Store is a storage backend. Its own Books/Loans/Journal run each call as a
// separate, auto-committed unit.
type Store interface {
	Tx
	InTx(ctx context.Context, fn TxFunc) error
	Close() error
}
