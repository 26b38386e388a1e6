// internal/lending/handler.go
package lending

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"lendtrack/internal/apperr"
	"lendtrack/internal/catalog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Identity headers set by the upstream gateway after authentication.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"

	RoleAdmin = "admin"

	maxBodyBytes = 1 << 20
)

type callerKey struct{}

type caller struct {
	ID    uuid.UUID
	Admin bool
}

type Handler struct {
	service Service
	limiter *RateLimiter
	logger  *zap.Logger
}

func NewHandler(service Service, limiter *RateLimiter, logger *zap.Logger) *Handler {
	return &Handler{service: service, limiter: limiter, logger: logger}
}

// Routes builds the HTTP surface.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.handleHealth)
	r.Get("/books", h.handleListBooks)

	r.Group(func(r chi.Router) {
		r.Use(h.requireUser)

		r.Get("/books/borrowed", h.handleBorrowed)
		r.Get("/books/{id}", h.handleGetBook)
		r.With(h.rateLimited).Post("/books/{id}/borrow", h.handleBorrow)
		r.With(h.rateLimited).Post("/books/{id}/return", h.handleReturn)

		r.Group(func(r chi.Router) {
			r.Use(h.requireAdmin)

			r.Post("/books", h.handleAddBook)
			r.Put("/books/{id}", h.handleUpdateBook)
			r.Delete("/books/{id}", h.handleDeleteBook)
			r.Get("/books/{id}/borrowers", h.handleBorrowers)
			r.Get("/books/{id}/history", h.handleHistory)
			r.Get("/audit", h.handleAudit)
		})
	})

	return r
}

func (h *Handler) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(HeaderUserID))
		if raw == "" {
			writeMessage(w, http.StatusUnauthorized, "not authorized, no user")
			return
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			writeMessage(w, http.StatusUnauthorized, "not authorized, invalid user")
			return
		}

		c := caller{
			ID:    id,
			Admin: strings.EqualFold(r.Header.Get(HeaderUserRole), RoleAdmin),
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, c)))
	})
}

func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !callerFrom(r).Admin {
			writeMessage(w, http.StatusForbidden, "not authorized as an admin")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.Allow(callerFrom(r).ID) {
			writeMessage(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func callerFrom(r *http.Request) caller {
	c, _ := r.Context().Value(callerKey{}).(caller)
	return c
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleListBooks(w http.ResponseWriter, r *http.Request) {
	books, err := h.service.ListBooks(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, books)
}

func (h *Handler) handleGetBook(w http.ResponseWriter, r *http.Request) {
	id, ok := bookID(w, r)
	if !ok {
		return
	}
	book, err := h.service.GetBook(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (h *Handler) handleAddBook(w http.ResponseWriter, r *http.Request) {
	var req catalog.NewBook
	if !decode(w, r, &req) {
		return
	}
	book, err := h.service.AddBook(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, book)
}

func (h *Handler) handleUpdateBook(w http.ResponseWriter, r *http.Request) {
	id, ok := bookID(w, r)
	if !ok {
		return
	}
	var req catalog.BookChanges
	if !decode(w, r, &req) {
		return
	}
	book, err := h.service.UpdateBook(r.Context(), id, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (h *Handler) handleDeleteBook(w http.ResponseWriter, r *http.Request) {
	id, ok := bookID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteBook(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, "book removed")
}

func (h *Handler) handleBorrow(w http.ResponseWriter, r *http.Request) {
	id, ok := bookID(w, r)
	if !ok {
		return
	}
	loan, err := h.service.Borrow(r.Context(), callerFrom(r).ID, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "book borrowed successfully", "loan": loan})
}

func (h *Handler) handleReturn(w http.ResponseWriter, r *http.Request) {
	id, ok := bookID(w, r)
	if !ok {
		return
	}
	loan, err := h.service.Return(r.Context(), callerFrom(r).ID, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "book returned successfully", "loan": loan})
}

func (h *Handler) handleBorrowed(w http.ResponseWriter, r *http.Request) {
	borrowed, err := h.service.ListOpenLoansOf(r.Context(), callerFrom(r).ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, borrowed)
}

func (h *Handler) handleBorrowers(w http.ResponseWriter, r *http.Request) {
	id, ok := bookID(w, r)
	if !ok {
		return
	}
	borrowers, err := h.service.ListBorrowersOf(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, borrowers)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := bookID(w, r)
	if !ok {
		return
	}
	entries, err := h.service.History(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	found, err := h.service.Audit(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func bookID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid book id")
		return uuid.Nil, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeError maps the error taxonomy onto status codes. Unexpected errors are
// logged and answered with a generic message.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	msg, _ := apperr.Message(err)

	switch {
	case errors.Is(err, apperr.ErrNotFound):
		writeMessage(w, http.StatusNotFound, msg)
	case errors.Is(err, apperr.ErrValidation),
		errors.Is(err, apperr.ErrConflict),
		errors.Is(err, apperr.ErrInvariantViolation):
		writeMessage(w, http.StatusBadRequest, msg)
	default:
		h.logger.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeMessage(w, http.StatusInternalServerError, "server error")
	}
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
