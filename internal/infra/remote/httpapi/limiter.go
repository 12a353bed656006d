package httpapi

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// requestLimiter caps the rate of outgoing calls so polling loops across many
// scans cannot overwhelm the backend. Limits may be adjusted at runtime, e.g.
// after the backend starts answering 429.
type requestLimiter struct {
	mu      sync.RWMutex
	limiter *rate.Limiter
}

// newRequestLimiter allows rps requests per second with the given burst. A
// non-positive rps disables limiting.
func newRequestLimiter(rps float64, burst int) *requestLimiter {
	return &requestLimiter{limiter: rate.NewLimiter(toLimit(rps), max(burst, 1))}
}

func toLimit(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

// Wait blocks until a request may be sent or ctx is done.
func (l *requestLimiter) Wait(ctx context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.limiter.Wait(ctx)
}

// UpdateLimits changes the rate and burst.
func (l *requestLimiter) UpdateLimits(rps float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiter.SetLimit(toLimit(rps))
	l.limiter.SetBurst(max(burst, 1))
}
