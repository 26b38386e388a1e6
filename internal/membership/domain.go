// internal/membership/domain.go
package membership

import (
	"github.com/google/uuid"

	"lendtrack/internal/apperr"
)

// Member is the display data of a registered user. Accounts and credentials
// live in an external identity service.
type Member struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name,omitempty"`
	Email string    `json:"email,omitempty"`
}

// NotFoundError is returned by directories for an unknown member id.
func NotFoundError(id uuid.UUID) error {
	return apperr.NotFound("member %s not found", id)
}
