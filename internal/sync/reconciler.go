package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ridafkih/keeper.sh-sub000/internal/coordinator"
	"github.com/ridafkih/keeper.sh-sub000/internal/model"
	"github.com/ridafkih/keeper.sh-sub000/internal/provider"
)

// DefaultRemoteHorizon bounds how far ahead remote events are listed.
const DefaultRemoteHorizon = 2 * 365 * 24 * time.Hour

// Options tune reconciliation.
type Options struct {
	// RemoteHorizon defaults to DefaultRemoteHorizon.
	RemoteHorizon time.Duration

	// IsOwned recognises remote events created by this system. Defaults to
	// matching model.DefaultUIDMarker.
	IsOwned model.UIDMatcher

	// Now defaults to time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.RemoteHorizon <= 0 {
		o.RemoteHorizon = DefaultRemoteHorizon
	}
	if o.IsOwned == nil {
		o.IsOwned = model.MarkerMatcher(model.DefaultUIDMarker)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Reconciler syncs one destination. It keeps no state between calls; all
// persistent state lives in the [MappingStore].
type Reconciler struct {
	dest     model.Destination
	provider provider.Provider
	store    MappingStore
	opts     Options
	log      *slog.Logger
}

// NewReconciler creates a Reconciler for dest.
func NewReconciler(dest model.Destination, p provider.Provider, store MappingStore, opts Options, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		dest:     dest,
		provider: p,
		store:    store,
		opts:     opts.withDefaults(),
		log:      logger,
	}
}

// Sync brings the destination in line with local. Operations run strictly
// one after another; before each one sc is checked, and a superseded run
// returns its partial result without error. Individual push and delete
// failures are counted, not returned. Store and listing failures are
// returned.
func (r *Reconciler) Sync(ctx context.Context, local []model.SyncableEvent, sc *coordinator.SyncContext) (model.SyncResult, error) {
	var result model.SyncResult
	destID := r.dest.ID
	log := r.log
	if sc != nil && sc.Logger != nil {
		log = sc.Logger
	}
	log = log.With("destination_id", destID)

	sc.NotifyProgress(model.SyncProgress{DestinationID: destID, Stage: model.StageFetching})

	now := r.opts.Now()
	var (
		mappings []model.EventMapping
		remote   []model.RemoteEvent
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		mappings, err = r.store.GetEventMappingsForDestination(gctx, destID)
		if err != nil {
			return fmt.Errorf("loading mappings: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		remote, err = r.provider.ListRemoteEvents(gctx, now.Add(r.opts.RemoteHorizon))
		if err != nil {
			return fmt.Errorf("listing remote events: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return result, fmt.Errorf("syncing destination %q: %w", destID, err)
	}

	sc.NotifyProgress(model.SyncProgress{DestinationID: destID, Stage: model.StageComparing})

	plan := ComputeOperations(local, remote, mappings, now, r.opts.IsOwned)

	for _, m := range plan.StaleMappings {
		log.Info("remote event vanished, re-adding", "event_id", m.EventStateID, "remote_uid", m.DestinationEventUID)
		if err := r.store.DeleteEventMapping(ctx, m.ID); err != nil {
			return result, fmt.Errorf("deleting stale mapping %q: %w", m.ID, err)
		}
	}

	mappedUIDs := make(map[string]bool, len(mappings))
	for _, m := range mappings {
		mappedUIDs[m.DestinationEventUID] = true
	}
	remoteCount := len(mappings) - len(plan.StaleMappings)

	ops := plan.Operations
	if len(ops) == 0 {
		log.Debug("destination up to date", "local", len(local), "remote", remoteCount)
		sc.NotifyDestinationSync(model.DestinationSyncStatus{
			DestinationID:    destID,
			LocalEventCount:  len(local),
			RemoteEventCount: remoteCount,
			Broadcast:        true,
		})
		return result, nil
	}

	log.Info("processing operations", "count", len(ops), "stale", len(plan.StaleMappings))

	stopped := false
	for i, op := range ops {
		if !sc.IsCurrent(ctx) {
			log.Info("sync superseded by a newer trigger", "processed", i, "total", len(ops))
			return result, nil
		}

		var delta int
		var err error
		switch op.Kind {
		case model.OperationAdd:
			delta, stopped, err = r.add(ctx, log, op, &result)
		case model.OperationRemove:
			delta, stopped, err = r.remove(ctx, log, op, mappedUIDs, &result)
		}
		if err != nil {
			return result, err
		}
		remoteCount += delta

		sc.NotifyProgress(model.SyncProgress{
			DestinationID: destID,
			Stage:         model.StageProcessing,
			Progress:      &model.Progress{Current: i + 1, Total: len(ops)},
			LastOperation: &model.LastOperation{
				Type:      op.Kind.String(),
				EventTime: op.EventTime().UTC().Format(time.RFC3339),
			},
		})
		sc.NotifyDestinationSync(model.DestinationSyncStatus{
			DestinationID:    destID,
			LocalEventCount:  len(local),
			RemoteEventCount: remoteCount,
		})

		if stopped {
			log.Warn("stopping sync, destination requires reauthentication", "processed", i+1, "total", len(ops))
			break
		}
	}

	count, err := r.store.CountMappingsForDestination(ctx, destID)
	if err != nil {
		return result, fmt.Errorf("counting mappings for %q: %w", destID, err)
	}
	sc.NotifyDestinationSync(model.DestinationSyncStatus{
		DestinationID:         destID,
		LocalEventCount:       len(local),
		RemoteEventCount:      count,
		NeedsReauthentication: stopped,
		Broadcast:             true,
	})

	log.Info("destination synced",
		"added", result.Added, "add_failed", result.AddFailed,
		"removed", result.Removed, "remove_failed", result.RemoveFailed)
	return result, nil
}

// add pushes one event and records its mapping. delta is the change in the
// number of mapped remote events.
func (r *Reconciler) add(ctx context.Context, log *slog.Logger, op model.SyncOperation, result *model.SyncResult) (delta int, stop bool, err error) {
	ev := op.Event
	results, err := r.provider.PushEvents(ctx, []model.SyncableEvent{ev})
	if err != nil || len(results) == 0 {
		result.AddFailed++
		log.Warn("pushing event failed", "event_id", ev.ID, "error", err)
		return 0, false, nil
	}

	res := results[0]
	if !res.Success {
		result.AddFailed++
		if !res.ShouldStop {
			log.Warn("pushing event failed", "event_id", ev.ID, "error", res.Err)
		}
		return 0, res.ShouldStop, nil
	}

	result.Added++
	if res.RemoteID == "" {
		log.Warn("provider returned no remote id, event will not be tracked", "event_id", ev.ID)
		return 0, res.ShouldStop, nil
	}

	err = r.store.CreateEventMapping(ctx, &model.EventMapping{
		EventStateID:        ev.ID,
		DestinationID:       r.dest.ID,
		DestinationEventUID: res.RemoteID,
		DeleteIdentifier:    res.DeleteID,
		StartTime:           ev.StartTime,
		EndTime:             ev.EndTime,
	})
	if err != nil {
		return 0, false, fmt.Errorf("recording mapping for event %q: %w", ev.ID, err)
	}
	return 1, res.ShouldStop, nil
}

// remove deletes one remote event and its mapping.
func (r *Reconciler) remove(ctx context.Context, log *slog.Logger, op model.SyncOperation, mappedUIDs map[string]bool, result *model.SyncResult) (delta int, stop bool, err error) {
	results, err := r.provider.DeleteEvents(ctx, []string{op.DeleteID})
	if err != nil || len(results) == 0 {
		result.RemoveFailed++
		log.Warn("deleting remote event failed", "remote_uid", op.UID, "error", err)
		return 0, false, nil
	}

	res := results[0]
	if !res.Success {
		result.RemoveFailed++
		if !res.ShouldStop {
			log.Warn("deleting remote event failed", "remote_uid", op.UID, "error", res.Err)
		}
		return 0, res.ShouldStop, nil
	}

	if err := r.store.DeleteEventMappingByDestinationUID(ctx, r.dest.ID, op.UID); err != nil {
		return 0, false, fmt.Errorf("deleting mapping for %q: %w", op.UID, err)
	}
	result.Removed++
	if mappedUIDs[op.UID] {
		return -1, res.ShouldStop, nil
	}
	return 0, res.ShouldStop, nil
}
