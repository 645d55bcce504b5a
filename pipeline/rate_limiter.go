package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LLMRateLimiter bounds access to the shared language-model backend. It is
// constructed once per process and injected into every component that calls
// the model; there is no ambient global instance.
//
// Three tunables: maximum concurrent requests, minimum interval between
// request starts, and a per-request timeout. Saturated callers wait rather
// than fail, up to the request timeout, after which the call fails with
// ErrRateLimited.
type LLMRateLimiter struct {
	sem            chan struct{}
	minInterval    time.Duration
	requestTimeout time.Duration

	mu        sync.Mutex
	lastStart time.Time
}

// NewLLMRateLimiter creates a limiter. Non-positive maxConcurrent defaults
// to 1; a non-positive timeout disables the per-request deadline.
func NewLLMRateLimiter(maxConcurrent int, minInterval, requestTimeout time.Duration) *LLMRateLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &LLMRateLimiter{
		sem:            make(chan struct{}, maxConcurrent),
		minInterval:    minInterval,
		requestTimeout: requestTimeout,
	}
}

// Do runs fn under the limiter. The context passed to fn carries the
// per-request deadline; fn must respect it.
func (l *LLMRateLimiter) Do(ctx context.Context, fn func(context.Context) error) error {
	callCtx := ctx
	var cancel context.CancelFunc
	if l.requestTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, l.requestTimeout)
		defer cancel()
	}

	select {
	case l.sem <- struct{}{}:
	case <-callCtx.Done():
		return fmt.Errorf("%w: %v", ErrRateLimited, callCtx.Err())
	}
	defer func() { <-l.sem }()

	if err := l.waitInterval(callCtx); err != nil {
		return err
	}

	return fn(callCtx)
}

// waitInterval enforces the minimum spacing between request starts.
func (l *LLMRateLimiter) waitInterval(ctx context.Context) error {
	if l.minInterval <= 0 {
		l.markStart()
		return nil
	}

	for {
		l.mu.Lock()
		now := time.Now()
		next := l.lastStart.Add(l.minInterval)
		if !now.Before(next) {
			l.lastStart = now
			l.mu.Unlock()
			return nil
		}
		wait := next.Sub(now)
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %v", ErrRateLimited, ctx.Err())
		}
	}
}

func (l *LLMRateLimiter) markStart() {
	l.mu.Lock()
	l.lastStart = time.Now()
	l.mu.Unlock()
}
