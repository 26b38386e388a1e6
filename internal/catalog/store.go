// internal/catalog/store.go
package catalog

import (
	"context"

	"github.com/google/uuid"
)

// Store defines durable storage of Book records.
//
// AdjustAvailable is the only path that moves copies in and out of circulation;
// every other field change goes through Update.
type Store interface {
	Get(ctx context.Context, id uuid.UUID) (*Book, error)
	List(ctx context.Context) ([]*Book, error)
	Create(ctx context.Context, nb NewBook) (*Book, error)
	Update(ctx context.Context, id uuid.UUID, changes BookChanges) (*Book, error)
	Delete(ctx context.Context, id uuid.UUID) error
	AdjustAvailable(ctx context.Context, id uuid.UUID, delta int) (*Book, error)
}
