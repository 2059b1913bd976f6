// Package coordinator issues sync generations. Every trigger for a user bumps
// a shared counter; a run stays current only while the counter still holds
// the value it was issued, so a newer trigger supersedes older runs without
// any locking. Runs check [SyncContext.IsCurrent] between operations and stop
// on their own.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ridafkih/keeper.sh-sub000/internal/model"
)

// DefaultTTL bounds how long an idle user's generation counter is kept.
const DefaultTTL = 24 * time.Hour

// Counter is an atomically incrementable store with expiry, shared by every
// process that triggers syncs.
type Counter interface {
	// Incr increments key and returns the new value. A missing key starts at 0.
	Incr(ctx context.Context, key string) (int64, error)
	// Expire sets key to expire after ttl.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Get returns the current value and whether key exists.
	Get(ctx context.Context, key string) (int64, bool, error)
}

// Coordinator hands out SyncContexts.
type Coordinator struct {
	counter Counter
	ttl     time.Duration
	log     *slog.Logger
}

// New creates a Coordinator. A non-positive ttl selects DefaultTTL.
func New(counter Counter, ttl time.Duration, logger *slog.Logger) *Coordinator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Coordinator{counter: counter, ttl: ttl, log: logger}
}

// SyncContext identifies one sync trigger for a user. It is shared by every
// destination synced for that trigger.
type SyncContext struct {
	UserID     string
	Generation int64

	// Logger carries user_id and generation attributes.
	Logger *slog.Logger

	// OnDestinationSync and OnSyncProgress are optional notification hooks.
	// They must not block.
	OnDestinationSync func(model.DestinationSyncStatus)
	OnSyncProgress    func(model.SyncProgress)

	isCurrent func(ctx context.Context) bool
}

// IsCurrent reports whether no newer trigger has been issued for the user
// since this context was created.
func (sc *SyncContext) IsCurrent(ctx context.Context) bool {
	if sc == nil || sc.isCurrent == nil {
		return true
	}
	return sc.isCurrent(ctx)
}

// NotifyDestinationSync calls OnDestinationSync if set.
func (sc *SyncContext) NotifyDestinationSync(s model.DestinationSyncStatus) {
	if sc == nil || sc.OnDestinationSync == nil {
		return
	}
	s.UserID = sc.UserID
	sc.OnDestinationSync(s)
}

// NotifyProgress calls OnSyncProgress if set.
func (sc *SyncContext) NotifyProgress(p model.SyncProgress) {
	if sc == nil || sc.OnSyncProgress == nil {
		return
	}
	p.UserID = sc.UserID
	p.Generation = sc.Generation
	sc.OnSyncProgress(p)
}

// StaticContext returns a SyncContext whose IsCurrent always reports true.
// It is used for one-off runs that are never superseded.
func StaticContext(userID string, logger *slog.Logger) *SyncContext {
	return &SyncContext{
		UserID:    userID,
		Logger:    logger.With("user_id", userID),
		isCurrent: func(context.Context) bool { return true },
	}
}

// StartSync issues the next generation for userID.
func (c *Coordinator) StartSync(ctx context.Context, userID string) (*SyncContext, error) {
	key := generationKey(userID)

	gen, err := c.counter.Incr(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("incrementing generation for %q: %w", userID, err)
	}
	if err := c.counter.Expire(ctx, key, c.ttl); err != nil {
		return nil, fmt.Errorf("refreshing generation expiry for %q: %w", userID, err)
	}

	logger := c.log.With("user_id", userID, "generation", gen)
	logger.Debug("sync generation issued")

	return &SyncContext{
		UserID:     userID,
		Generation: gen,
		Logger:     logger,
		isCurrent: func(ctx context.Context) bool {
			current, ok, err := c.counter.Get(ctx, key)
			if err != nil {
				// An unreadable counter cannot prove this run is still the
				// latest; stop and let the next trigger retry.
				logger.Warn("reading sync generation failed", "error", err)
				return false
			}
			return ok && current == gen
		},
	}, nil
}

// IsSyncCurrent delegates to sc.IsCurrent.
func (c *Coordinator) IsSyncCurrent(ctx context.Context, sc *SyncContext) bool {
	return sc.IsCurrent(ctx)
}

func generationKey(userID string) string {
	return "sync:generation:" + userID
}
