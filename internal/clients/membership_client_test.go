package clients

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lendtrack/internal/apperr"
	"lendtrack/internal/membership"
)

func TestMembershipClientGetMember(t *testing.T) {
	known := membership.Member{ID: uuid.New(), Name: "Grace Hopper", Email: "grace@example.com"}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/members/"+known.ID.String() {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(known)
	}))
	defer srv.Close()

	c := NewMembershipClient(srv.URL, time.Second)

	got, err := c.GetMember(context.Background(), known.ID)
	require.NoError(t, err)
	assert.Equal(t, known, *got)

	_, err = c.GetMember(context.Background(), uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestMembershipClientBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewMembershipClient(srv.URL, time.Second)
	for i := 0; i < 5; i++ {
		_, err := c.GetMember(context.Background(), uuid.New())
		require.Error(t, err)
	}

	_, err := c.GetMember(context.Background(), uuid.New())
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(5), calls.Load())
}

func TestMembershipClientNotFoundKeepsBreakerClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewMembershipClient(srv.URL, time.Second)
	for i := 0; i < 10; i++ {
		_, err := c.GetMember(context.Background(), uuid.New())
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	}
}
