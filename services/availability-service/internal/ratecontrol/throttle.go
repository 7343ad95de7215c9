package ratecontrol

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttler runs fn at most once per interval. The first call in a quiet
// period runs immediately; calls arriving inside the interval collapse into a
// single trailing run carrying the latest value.
type Throttler[T any] struct {
	fn      func(T)
	limiter *rate.Limiter

	mu        sync.Mutex
	trailing  *time.Timer
	latest    T
	cancelled bool
}

func NewThrottler[T any](interval time.Duration, fn func(T)) *Throttler[T] {
	if interval <= 0 {
		interval = time.Second
	}
	return &Throttler[T]{
		fn:      fn,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

func (t *Throttler[T]) Call(v T) {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return
	}
	t.latest = v
	if t.trailing != nil {
		t.mu.Unlock()
		return
	}

	if delay := t.limiter.Reserve().Delay(); delay > 0 {
		t.trailing = time.AfterFunc(delay, t.fireTrailing)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	t.fn(v)
}

// Cancel stops a scheduled trailing run; later calls are ignored.
func (t *Throttler[T]) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = true
	if t.trailing != nil {
		t.trailing.Stop()
		t.trailing = nil
	}
}

func (t *Throttler[T]) fireTrailing() {
	t.mu.Lock()
	if t.cancelled || t.trailing == nil {
		t.mu.Unlock()
		return
	}
	t.trailing = nil
	v := t.latest
	t.mu.Unlock()

	t.fn(v)
}
