package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ridafkih/keeper.sh-sub000/internal/coordinator"
	"github.com/ridafkih/keeper.sh-sub000/internal/model"
)

const (
	otelScope          = "keeper/sync"
	spanUser           = "sync.user"
	spanDestination    = "sync.destination"
	metricAdded        = "keeper.sync.events.added"
	metricAddFailed    = "keeper.sync.events.add_failed"
	metricRemoved      = "keeper.sync.events.removed"
	metricRemoveFailed = "keeper.sync.events.remove_failed"
	metricSuperseded   = "keeper.sync.superseded"
)

// Engine runs sync triggers. Create one with [NewEngine]; it is safe for
// concurrent use, and overlapping triggers for the same user are resolved by
// the coordinator's generations.
type Engine struct {
	coord     *coordinator.Coordinator
	store     Store
	source    EventSource
	providers ProviderFactory
	sink      StatusSink
	opts      Options
	log       *slog.Logger

	// OTel instruments, always non-nil (no-op when telemetry is disabled).
	tracer          trace.Tracer
	cntAdded        metric.Int64Counter
	cntAddFailed    metric.Int64Counter
	cntRemoved      metric.Int64Counter
	cntRemoveFailed metric.Int64Counter
	cntSuperseded   metric.Int64Counter
}

// NewEngine creates an Engine. sink may be nil.
func NewEngine(coord *coordinator.Coordinator, store Store, source EventSource, providers ProviderFactory, sink StatusSink, opts Options, logger *slog.Logger) *Engine {
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Engine{
		coord:     coord,
		store:     store,
		source:    source,
		providers: providers,
		sink:      sink,
		opts:      opts,
		log:       logger,

		tracer:          tracer,
		cntAdded:        mustCounter(metricAdded, "Number of events pushed to destinations"),
		cntAddFailed:    mustCounter(metricAddFailed, "Number of event pushes that failed"),
		cntRemoved:      mustCounter(metricRemoved, "Number of events removed from destinations"),
		cntRemoveFailed: mustCounter(metricRemoveFailed, "Number of event removals that failed"),
		cntSuperseded:   mustCounter(metricSuperseded, "Number of sync runs superseded by a newer trigger"),
	}
}

// SyncUser starts a new generation for userID and reconciles every
// destination of the user concurrently. All destinations run to completion;
// their failures are joined into the returned error and the results of the
// others are still summed.
func (e *Engine) SyncUser(ctx context.Context, userID string) (model.SyncResult, error) {
	ctx, span := e.tracer.Start(ctx, spanUser, trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	var total model.SyncResult

	sc, err := e.coord.StartSync(ctx, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return total, err
	}
	if e.sink != nil {
		sc.OnDestinationSync = e.sink.DestinationSynced
		sc.OnSyncProgress = e.sink.SyncProgressed
	}
	span.SetAttributes(attribute.Int64("sync.generation", sc.Generation))

	dests, err := e.store.ListDestinationsForUser(ctx, userID)
	if err != nil {
		err = fmt.Errorf("listing destinations for %q: %w", userID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return total, err
	}

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, dest := range dests {
		if dest.NeedsReauthentication {
			sc.Logger.Info("skipping destination awaiting reauthentication", "destination_id", dest.ID)
			sc.NotifyDestinationSync(model.DestinationSyncStatus{
				UserID:                userID,
				DestinationID:         dest.ID,
				NeedsReauthentication: true,
				Broadcast:             true,
			})
			continue
		}

		g.Go(func() error {
			res, err := e.syncDestination(ctx, sc, dest)

			mu.Lock()
			defer mu.Unlock()
			total.Add(res)
			if err != nil {
				sc.Logger.Error("destination sync failed", "destination_id", dest.ID, "error", err)
				errs = append(errs, fmt.Errorf("destination %q: %w", dest.ID, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	e.record(ctx, total)
	superseded := !sc.IsCurrent(ctx)
	if superseded {
		e.cntSuperseded.Add(ctx, 1)
	}

	span.SetAttributes(
		attribute.Int("sync.destinations", len(dests)),
		attribute.Int("sync.added", total.Added),
		attribute.Int("sync.add_failed", total.AddFailed),
		attribute.Int("sync.removed", total.Removed),
		attribute.Int("sync.remove_failed", total.RemoveFailed),
		attribute.Bool("sync.superseded", superseded),
	)

	err = errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	sc.Logger.Info("user sync finished",
		"destinations", len(dests), "added", total.Added, "removed", total.Removed,
		"add_failed", total.AddFailed, "remove_failed", total.RemoveFailed, "superseded", superseded)
	return total, err
}

// SyncUsers runs SyncUser for each user in turn, continuing past failures.
func (e *Engine) SyncUsers(ctx context.Context, userIDs []string) (model.SyncResult, error) {
	var total model.SyncResult
	var errs []error
	for _, id := range userIDs {
		res, err := e.SyncUser(ctx, id)
		total.Add(res)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

func (e *Engine) syncDestination(ctx context.Context, sc *coordinator.SyncContext, dest model.Destination) (model.SyncResult, error) {
	ctx, span := e.tracer.Start(ctx, spanDestination, trace.WithAttributes(
		attribute.String("destination.id", dest.ID),
		attribute.String("destination.provider", dest.Provider),
	))
	defer span.End()

	res, err := e.reconcile(ctx, sc, dest)

	span.SetAttributes(
		attribute.Int("sync.added", res.Added),
		attribute.Int("sync.add_failed", res.AddFailed),
		attribute.Int("sync.removed", res.Removed),
		attribute.Int("sync.remove_failed", res.RemoveFailed),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (e *Engine) reconcile(ctx context.Context, sc *coordinator.SyncContext, dest model.Destination) (model.SyncResult, error) {
	local, err := e.source.EventsForDestination(ctx, dest)
	if err != nil {
		return model.SyncResult{}, fmt.Errorf("loading local events: %w", err)
	}
	p, err := e.providers.ProviderFor(ctx, dest, sc)
	if err != nil {
		return model.SyncResult{}, fmt.Errorf("building provider: %w", err)
	}
	return NewReconciler(dest, p, e.store, e.opts, e.log).Sync(ctx, local, sc)
}

// record adds a run's counts to the metrics. Safe even if telemetry is off.
func (e *Engine) record(ctx context.Context, r model.SyncResult) {
	if r.Added > 0 {
		e.cntAdded.Add(ctx, int64(r.Added))
	}
	if r.AddFailed > 0 {
		e.cntAddFailed.Add(ctx, int64(r.AddFailed))
	}
	if r.Removed > 0 {
		e.cntRemoved.Add(ctx, int64(r.Removed))
	}
	if r.RemoveFailed > 0 {
		e.cntRemoveFailed.Add(ctx, int64(r.RemoveFailed))
	}
}
