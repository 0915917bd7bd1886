package inoreader

import (
	"context"
	"sync"
	"time"
)

// limiter caps concurrent API requests and spaces them out, since the API
// is rate limited per application key.
type limiter struct {
	mu          sync.Mutex
	sem         chan struct{}
	gap         time.Duration
	lastRequest time.Time
}

func newLimiter(concurrency int, gap time.Duration) *limiter {
	if concurrency < 1 {
		concurrency = 1
	}
	return &limiter{sem: make(chan struct{}, concurrency), gap: gap}
}

// acquire gets a slot, blocking if necessary.
// It also enforces the minimum delay since the previous request.
func (l *limiter) acquire(ctx context.Context) error {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		l.mu.Lock()
		wait := l.gap - time.Since(l.lastRequest)
		if l.lastRequest.IsZero() || wait <= 0 {
			l.lastRequest = time.Now()
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			// Release the semaphore on cancel
			<-l.sem
			return ctx.Err()
		}
	}
}

// release returns a slot.
func (l *limiter) release() {
	<-l.sem
}
