// Package provider defines the contract every destination adapter implements
// and the helpers adapters share: one rate limiter per provider type and a
// jittered retry for transient failures.
package provider

import (
	"context"
	"sync"
	"time"

	"github.com/ridafkih/keeper.sh-sub000/internal/model"
	"github.com/ridafkih/keeper.sh-sub000/internal/ratelimit"
)

// Provider is a destination calendar. Implementations report per-item
// outcomes in the returned slices; the error return is reserved for failures
// that affect the whole batch.
type Provider interface {
	PushEvents(ctx context.Context, events []model.SyncableEvent) ([]PushResult, error)
	DeleteEvents(ctx context.Context, deleteIDs []string) ([]DeleteResult, error)
	ListRemoteEvents(ctx context.Context, until time.Time) ([]model.RemoteEvent, error)
}

// PushResult is the outcome of pushing one event.
type PushResult struct {
	Success bool

	// RemoteID is the destination's identifier for the created event.
	RemoteID string

	// DeleteID is set when the provider deletes by a different handle.
	DeleteID string

	Err error

	// ShouldStop asks the caller to abandon the run; the destination needs
	// reauthentication.
	ShouldStop bool
}

// DeleteResult is the outcome of deleting one event.
type DeleteResult struct {
	Success    bool
	Err        error
	ShouldStop bool
}

// Limiters hands out one shared limiter per provider type.
type Limiters struct {
	cfg ratelimit.Config

	mu sync.Mutex
	m  map[string]*ratelimit.Limiter
}

// NewLimiters returns a registry creating limiters with cfg.
func NewLimiters(cfg ratelimit.Config) *Limiters {
	return &Limiters{cfg: cfg, m: make(map[string]*ratelimit.Limiter)}
}

// For returns the limiter for provider, creating it on first use.
func (l *Limiters) For(provider string) *ratelimit.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.m[provider]
	if !ok {
		lim = ratelimit.New(l.cfg)
		l.m[provider] = lim
	}
	return lim
}
