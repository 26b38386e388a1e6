// internal/clients/membership_client.go
package clients

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/sony/gobreaker"

	"lendtrack/internal/apperr"
	"lendtrack/internal/membership"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var _ membership.Directory = (*MembershipClient)(nil)

// MembershipClient resolves members through the membership service's
// GET /members/{id} endpoint. Calls go through a circuit breaker so a failing
// service does not stall every borrowers listing.
type MembershipClient struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewMembershipClient creates a client for the service at baseURL.
func NewMembershipClient(baseURL string, timeout time.Duration) *MembershipClient {
	return &MembershipClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "membership",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			// An unknown member is an answer, not a failure of the service.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, apperr.ErrNotFound)
			},
		}),
	}
}

func (c *MembershipClient) GetMember(ctx context.Context, id uuid.UUID) (*membership.Member, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return res.(*membership.Member), nil
}

func (c *MembershipClient) fetch(ctx context.Context, id uuid.UUID) (*membership.Member, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/members/%s", c.baseURL, id), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build member request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch member: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, membership.NotFoundError(id)
	default:
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var member membership.Member
	if err := json.NewDecoder(resp.Body).Decode(&member); err != nil {
		return nil, fmt.Errorf("failed to decode member: %w", err)
	}
	return &member, nil
}
