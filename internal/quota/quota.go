// Package quota limits how many executions a caller may start.
package quota

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration // set when Allowed is false
}

// Store is the quota interface. Allow consumes one execution for key when
// the caller still has budget.
type Store interface {
	Allow(ctx context.Context, key string) (Decision, error)
	Close() error
}

// Pruner is implemented by stores that accumulate per-caller state and can
// drop what has expired.
type Pruner interface {
	Prune(ctx context.Context) (int, error)
}

// Maintain calls p.Prune every interval until ctx is done. report, when set,
// receives each result.
func Maintain(ctx context.Context, p Pruner, interval time.Duration, report func(int, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.Prune(ctx)
			if report != nil {
				report(n, err)
			}
		}
	}
}

// Memory is an in-process token bucket per key: limit executions per window,
// refilled continuously.
type Memory struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	every    rate.Limit
	burst    int
	now      func() time.Time
	idleTime time.Duration
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewMemory allows limit executions per window for each key.
func NewMemory(limit int, window time.Duration) *Memory {
	if limit < 1 {
		limit = 1
	}
	return &Memory{
		buckets:  make(map[string]*bucket),
		every:    rate.Every(window / time.Duration(limit)),
		burst:    limit,
		now:      time.Now,
		idleTime: 2 * window,
	}
}

func (m *Memory) Allow(ctx context.Context, key string) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(m.every, m.burst)}
		m.buckets[key] = b
	}
	b.lastSeen = now

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return Decision{Allowed: false}, nil
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Decision{Allowed: false, RetryAfter: delay}, nil
	}
	return Decision{Allowed: true, Remaining: int(b.limiter.TokensAt(now))}, nil
}

// Prune drops buckets that have been idle long enough to be full again.
func (m *Memory) Prune(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, b := range m.buckets {
		if now.Sub(b.lastSeen) > m.idleTime {
			delete(m.buckets, key)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) Close() error {
	return nil
}
