package llm

import (
	"context"
	"sync"
	"time"
)

// Limiter is a token bucket shared by all LLM and embedding calls.
// Worker count times per-document parallelism bounds the callers, the
// bucket bounds the rate.
type Limiter struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	perSec   float64
	last     time.Time
}

// NewLimiter creates a token bucket refilling at rps tokens per second
// with the given burst capacity. The bucket starts full.
func NewLimiter(rps float64, burst int) *Limiter {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		tokens:   float64(burst),
		capacity: float64(burst),
		perSec:   rps,
		last:     time.Now(),
	}
}

// Wait blocks until a token is available or the context is done.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		wait := l.reserve()
		if wait <= 0 {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Allow takes a token without waiting. Used where dropping is preferable
// to queueing.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill(time.Now())
	if l.tokens >= 1 {
		l.tokens--
		return true
	}
	return false
}

// reserve takes a token if available, otherwise returns how long until the
// next one arrives.
func (l *Limiter) reserve() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.refill(now)

	if l.tokens >= 1 {
		l.tokens--
		return 0
	}
	deficit := 1 - l.tokens
	return time.Duration(deficit / l.perSec * float64(time.Second))
}

// refill must be called with the mutex held.
func (l *Limiter) refill(now time.Time) {
	elapsed := now.Sub(l.last).Seconds()
	if elapsed <= 0 {
		return
	}
	l.last = now
	l.tokens += elapsed * l.perSec
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
}
