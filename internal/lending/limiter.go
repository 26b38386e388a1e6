package lending

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const minIdle = time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter hands every user an own token bucket. Buckets idle long enough
// to have refilled are evicted, so the map only holds recently active users.
type RateLimiter struct {
	mu        sync.Mutex
	visitors  map[uuid.UUID]*visitor
	limit     rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// NewRateLimiter allows perMinute requests per user with the given burst.
// A non-positive perMinute disables limiting.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(float64(perMinute) / 60)
	}
	if burst < 1 {
		burst = 1
	}

	idle := minIdle
	if perMinute > 0 {
		if refill := time.Duration(burst) * time.Minute / time.Duration(perMinute); refill > idle {
			idle = refill
		}
	}

	return &RateLimiter{
		visitors: make(map[uuid.UUID]*visitor),
		limit:    limit,
		burst:    burst,
		idle:     idle,
		now:      time.Now,
	}
}

// Allow reports whether userID may make a request now.
func (l *RateLimiter) Allow(userID uuid.UUID) bool {
	if l.limit == rate.Inf {
		return true
	}

	l.mu.Lock()
	now := l.now()
	l.sweep(now)

	v, ok := l.visitors[userID]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[userID] = v
	}
	v.lastSeen = now
	l.mu.Unlock()

	return v.limiter.AllowN(now, 1)
}

// sweep drops visitors idle for longer than a full refill. It runs at most
// once per idle period. Callers hold mu.
func (l *RateLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.idle {
		return
	}
	l.lastSweep = now

	for id, v := range l.visitors {
		if now.Sub(v.lastSeen) >= l.idle {
			delete(l.visitors, id)
		}
	}
}
