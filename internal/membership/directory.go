// internal/membership/directory.go
package membership

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Directory resolves member display data by id.
type Directory interface {
	GetMember(ctx context.Context, id uuid.UUID) (*Member, error)
}

// StaticDirectory is an in-memory Directory, used when no membership service
// is configured and in tests.
type StaticDirectory struct {
	mu      sync.RWMutex
	members map[uuid.UUID]Member
}

// NewStaticDirectory creates a directory holding the given members.
func NewStaticDirectory(members ...Member) *StaticDirectory {
	d := &StaticDirectory{members: make(map[uuid.UUID]Member, len(members))}
	for _, m := range members {
		d.members[m.ID] = m
	}
	return d
}

// Put adds or replaces a member.
func (d *StaticDirectory) Put(m Member) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.members[m.ID] = m
}

func (d *StaticDirectory) GetMember(ctx context.Context, id uuid.UUID) (*Member, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	m, ok := d.members[id]
	if !ok {
		return nil, NotFoundError(id)
	}
	return &m, nil
}
