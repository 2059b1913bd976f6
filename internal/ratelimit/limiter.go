// Package ratelimit throttles calls to a provider API. A [Limiter] bounds the
// number of in-flight calls, the number of calls started within a sliding
// window, and pauses dispatch after the provider signals throttling.
//
// Waiting calls are served strictly in FIFO order.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Config controls a Limiter. Zero fields take the defaults below.
type Config struct {
	// Concurrency is the maximum number of calls executing at once.
	Concurrency int

	// RequestsPerMinute is the maximum number of calls started within any
	// rolling Window.
	RequestsPerMinute int

	// Window is the length of the sliding window. Defaults to one minute.
	Window time.Duration

	// InitialBackoff is the pause applied after the first reported rate
	// limit. Each further report doubles it up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

const (
	defaultConcurrency       = 5
	defaultRequestsPerMinute = 300
	defaultInitialBackoff    = time.Second
	defaultMaxBackoff        = time.Minute
)

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = defaultRequestsPerMinute
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = max(defaultMaxBackoff, c.InitialBackoff)
	}
	return c
}

type waiter struct {
	ready   chan struct{}
	granted bool
}

// Limiter is safe for concurrent use.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu           sync.Mutex
	queue        []*waiter
	active       int
	starts       []time.Time // start times inside the current window, oldest first
	backoff      time.Duration
	backoffUntil time.Time
	timer        *time.Timer
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	cfg = cfg.withDefaults()
	return &Limiter{
		cfg:     cfg,
		now:     time.Now,
		backoff: cfg.InitialBackoff,
	}
}

// Execute waits for a slot and runs fn. A nil error from fn resets the
// backoff to its initial value. If ctx ends while waiting, fn is not run and
// the context error is returned.
func (l *Limiter) Execute(ctx context.Context, fn func(context.Context) error) error {
	w := &waiter{ready: make(chan struct{})}

	l.mu.Lock()
	l.queue = append(l.queue, w)
	l.dispatchLocked()
	l.mu.Unlock()

	select {
	case <-w.ready:
	case <-ctx.Done():
		l.mu.Lock()
		if w.granted {
			// Granted concurrently with cancellation: give the slot back.
			l.active--
			l.dispatchLocked()
		} else {
			l.removeLocked(w)
		}
		l.mu.Unlock()
		return ctx.Err()
	}

	err := fn(ctx)
	l.finish(err == nil)
	return err
}

// Do runs fn through l and returns its value.
func Do[T any](ctx context.Context, l *Limiter, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := l.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	return out, err
}

// ReportRateLimit pauses dispatch for the current backoff and doubles the
// backoff for the next report, capped at MaxBackoff. Adapters call it when a
// provider response indicates throttling.
func (l *Limiter) ReportRateLimit() {
	l.mu.Lock()
	defer l.mu.Unlock()

	until := l.now().Add(l.backoff)
	if until.After(l.backoffUntil) {
		l.backoffUntil = until
	}
	l.backoff = min(l.backoff*2, l.cfg.MaxBackoff)
}

// Backoff returns the pause the next ReportRateLimit will apply.
func (l *Limiter) Backoff() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.backoff
}

// Stats reports the number of executing and queued calls.
func (l *Limiter) Stats() (active, queued int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active, len(l.queue)
}

func (l *Limiter) finish(success bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.active--
	if success {
		l.backoff = l.cfg.InitialBackoff
	}
	l.dispatchLocked()
}

// dispatchLocked grants slots to queued waiters while every bound allows it.
// When the window or a backoff blocks dispatch, a timer re-runs it once the
// earliest blocker has passed; completions re-run it directly.
func (l *Limiter) dispatchLocked() {
	now := l.now()
	l.pruneLocked(now)

	for len(l.queue) > 0 {
		if l.active >= l.cfg.Concurrency {
			return
		}
		if now.Before(l.backoffUntil) {
			l.scheduleLocked(l.backoffUntil.Sub(now))
			return
		}
		if len(l.starts) >= l.cfg.RequestsPerMinute {
			l.scheduleLocked(l.starts[0].Add(l.cfg.Window).Sub(now))
			return
		}

		w := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.active++
		l.starts = append(l.starts, now)
		w.granted = true
		close(w.ready)
	}
}

func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.cfg.Window)
	i := 0
	for i < len(l.starts) && !l.starts[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.starts = append(l.starts[:0], l.starts[i:]...)
	}
}

func (l *Limiter) scheduleLocked(d time.Duration) {
	if d <= 0 {
		d = time.Millisecond
	}
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = time.AfterFunc(d, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.timer = nil
		l.dispatchLocked()
	})
}

func (l *Limiter) removeLocked(w *waiter) {
	for i, q := range l.queue {
		if q == w {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			return
		}
	}
}
