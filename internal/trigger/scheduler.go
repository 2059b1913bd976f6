// Package trigger starts sync runs: periodically from a cron schedule for
// every configured user, and on demand for a single user. Runs may overlap;
// the coordinator's generations make the newest one win.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/ridafkih/keeper.sh-sub000/internal/model"
)

// DefaultSchedule runs every 15 minutes.
const DefaultSchedule = "*/15 * * * *"

var (
	// ErrUnknownUser is returned by Trigger for users that are not configured.
	ErrUnknownUser = errors.New("unknown user")

	// ErrStopped is returned by Trigger after Stop.
	ErrStopped = errors.New("scheduler stopped")
)

// Syncer runs one sync trigger for a user. Implemented by [sync.Engine].
type Syncer interface {
	SyncUser(ctx context.Context, userID string) (model.SyncResult, error)
}

// Scheduler owns the cron loop and the in-flight runs.
type Scheduler struct {
	syncer Syncer
	users  []string
	known  map[string]bool
	cron   *cron.Cron
	log    *slog.Logger

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup

	// base is the context runs execute under. It is detached from the
	// caller's cancellation so Stop can let runs finish.
	base context.Context
}

// New creates a Scheduler firing on spec, a standard five-field cron
// expression or descriptor such as "@hourly".
func New(syncer Syncer, users []string, spec string, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		syncer: syncer,
		users:  users,
		known:  make(map[string]bool, len(users)),
		cron:   cron.New(),
		log:    logger,
		base:   context.Background(),
	}
	for _, u := range users {
		s.known[u] = true
	}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("parsing schedule %q: %w", spec, err)
	}
	return s, nil
}

// Run starts the schedule, triggers every user once immediately, and blocks
// until ctx ends. It then stops and waits for in-flight runs.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.base = context.WithoutCancel(ctx)
	s.mu.Unlock()

	s.cron.Start()
	s.log.Info("scheduler started", "users", len(s.users))
	s.tick()

	<-ctx.Done()
	s.log.Info("scheduler stopping, waiting for in-flight syncs")
	s.Stop()
}

// Trigger starts a run for userID in the background.
func (s *Scheduler) Trigger(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if !s.known[userID] {
		return ErrUnknownUser
	}

	ctx := s.base
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res, err := s.syncer.SyncUser(ctx, userID)
		if err != nil {
			s.log.Error("sync failed", "user_id", userID, "error", err)
			return
		}
		s.log.Debug("sync finished", "user_id", userID,
			"added", res.Added, "removed", res.Removed,
			"add_failed", res.AddFailed, "remove_failed", res.RemoveFailed)
	}()
	return nil
}

// Stop halts the schedule, rejects new triggers, and waits for in-flight
// runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	already := s.stopped
	s.stopped = true
	s.mu.Unlock()

	if !already {
		<-s.cron.Stop().Done()
	}
	s.wg.Wait()
}

func (s *Scheduler) tick() {
	for _, u := range s.users {
		if err := s.Trigger(u); err != nil && !errors.Is(err, ErrStopped) {
			s.log.Error("scheduling sync", "user_id", u, "error", err)
		}
	}
}
