// internal/catalog/domain.go
package catalog

import (
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"lendtrack/internal/apperr"
)

// Book represents a catalog title and its copy counts.
type Book struct {
	ID              uuid.UUID `json:"id" db:"id"`
	Title           string    `json:"title" db:"title"`
	Author          string    `json:"author" db:"author"`
	Genre           string    `json:"genre" db:"genre"`
	TotalCopies     int       `json:"total_copies" db:"total_copies"`
	AvailableCopies int       `json:"available_copies" db:"available_copies"`
	Version         int       `json:"version" db:"version"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// BorrowedCopies is the number of copies currently out on loan.
func (b *Book) BorrowedCopies() int {
	return b.TotalCopies - b.AvailableCopies
}

// NewBook holds the fields an administrator supplies when adding a book.
type NewBook struct {
	Title       string `json:"title" validate:"required"`
	Author      string `json:"author" validate:"required"`
	Genre       string `json:"genre" validate:"required"`
	TotalCopies *int   `json:"total_copies" validate:"required,min=0"`
}

// Copies returns a pointer to n, for filling NewBook.TotalCopies.
func Copies(n int) *int {
	return &n
}

// Copies returns the requested number of copies. Call it on a normalized
// NewBook only.
func (nb NewBook) Copies() int {
	if nb.TotalCopies == nil {
		return 0
	}
	return *nb.TotalCopies
}

// BookChanges enumerates the fields an update may change. Nil fields are left as they are.
type BookChanges struct {
	Title       *string `json:"title,omitempty"`
	Author      *string `json:"author,omitempty"`
	Genre       *string `json:"genre,omitempty"`
	TotalCopies *int    `json:"total_copies,omitempty"`
}

// IsEmpty reports whether no field is set.
func (c BookChanges) IsEmpty() bool {
	return c.Title == nil && c.Author == nil && c.Genre == nil && c.TotalCopies == nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// Normalize trims the text fields and validates the result.
func (nb NewBook) Normalize() (NewBook, error) {
	nb.Title = strings.TrimSpace(nb.Title)
	nb.Author = strings.TrimSpace(nb.Author)
	nb.Genre = strings.TrimSpace(nb.Genre)

	if err := validate.Struct(nb); err != nil {
		return NewBook{}, validationError(err)
	}
	return nb, nil
}

// Normalize trims the provided text fields and validates every provided field.
func (c BookChanges) Normalize() (BookChanges, error) {
	out := BookChanges{TotalCopies: c.TotalCopies}

	text := []struct {
		name string
		in   *string
		out  **string
	}{
		{"title", c.Title, &out.Title},
		{"author", c.Author, &out.Author},
		{"genre", c.Genre, &out.Genre},
	}
	for _, f := range text {
		if f.in == nil {
			continue
		}
		v := strings.TrimSpace(*f.in)
		if err := validate.Var(v, "required"); err != nil {
			return BookChanges{}, apperr.Validation("%s must not be empty", f.name)
		}
		*f.out = &v
	}

	if c.TotalCopies != nil {
		if err := validate.Var(*c.TotalCopies, "min=0"); err != nil {
			return BookChanges{}, apperr.Validation("total_copies must not be negative")
		}
	}

	return out, nil
}

// Apply returns a copy of b with the changes applied. A TotalCopies change moves
// AvailableCopies by the same delta so the borrowed count is preserved.
func (c BookChanges) Apply(b Book) Book {
	if c.Title != nil {
		b.Title = *c.Title
	}
	if c.Author != nil {
		b.Author = *c.Author
	}
	if c.Genre != nil {
		b.Genre = *c.Genre
	}
	if c.TotalCopies != nil {
		b.AvailableCopies += *c.TotalCopies - b.TotalCopies
		b.TotalCopies = *c.TotalCopies
	}
	return b
}

// NotFoundError is returned by stores for an unknown book id.
func NotFoundError(id uuid.UUID) error {
	return apperr.NotFound("book %s not found", id)
}

func validationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return apperr.Validation("invalid book: %v", err)
	}

	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return apperr.Validation("%s is required", fe.Field())
	case "min":
		return apperr.Validation("%s must not be negative", fe.Field())
	default:
		return apperr.Validation("%s is invalid", fe.Field())
	}
}
