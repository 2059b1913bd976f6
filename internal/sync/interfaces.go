// Package sync reconciles destination calendars with the local busy blocks.
//
// The package contains two main components:
//
//   - [Reconciler] brings one destination in line with the local events:
//     it diffs local events, remote events and stored mappings with
//     [ComputeOperations], then applies the operations one at a time.
//   - [Engine] runs a sync trigger for a user, reconciling all of the user's
//     destinations concurrently under one coordinator generation.
package sync

import (
	"context"

	"github.com/ridafkih/keeper.sh-sub000/internal/coordinator"
	"github.com/ridafkih/keeper.sh-sub000/internal/model"
	"github.com/ridafkih/keeper.sh-sub000/internal/provider"
)

// MappingStore persists local event to remote event correspondences.
// Implemented by [state.Store].
type MappingStore interface {
	GetEventMappingsForDestination(ctx context.Context, destinationID string) ([]model.EventMapping, error)
	CreateEventMapping(ctx context.Context, m *model.EventMapping) error
	DeleteEventMapping(ctx context.Context, id string) error
	DeleteEventMappingByDestinationUID(ctx context.Context, destinationID, uid string) error
	CountMappingsForDestination(ctx context.Context, destinationID string) (int, error)
}

// Store is everything the Engine reads and writes.
// Implemented by [state.Store].
type Store interface {
	MappingStore
	ListDestinationsForUser(ctx context.Context, userID string) ([]model.Destination, error)
}

// EventSource supplies the busy blocks a destination should contain.
// Implemented by [ics.Source].
type EventSource interface {
	EventsForDestination(ctx context.Context, dest model.Destination) ([]model.SyncableEvent, error)
}

// ProviderFactory builds the adapter for a destination for one sync run.
type ProviderFactory interface {
	ProviderFor(ctx context.Context, dest model.Destination, sc *coordinator.SyncContext) (provider.Provider, error)
}

// StatusSink receives status and progress notifications. Calls must not
// block. Implemented by [broadcast.Hub].
type StatusSink interface {
	DestinationSynced(s model.DestinationSyncStatus)
	SyncProgressed(p model.SyncProgress)
}
