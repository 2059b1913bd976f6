package sync

import (
	"sort"
	"time"

	"github.com/ridafkih/keeper.sh-sub000/internal/model"
)

// Plan is the outcome of comparing a destination with the local events.
type Plan struct {
	// Operations are ordered by event time, removes before adds at the same
	// instant, then by key.
	Operations []model.SyncOperation

	// StaleMappings point at remote events that disappeared while their
	// local event still exists. Their events are re-added.
	StaleMappings []model.EventMapping
}

// ComputeOperations diffs local events against remote events and the stored
// mappings. It has no side effects.
//
// A remote event without a mapping is only removed if isOwned recognises it
// or it ended before now; other events at the destination are never touched.
func ComputeOperations(
	local []model.SyncableEvent,
	remote []model.RemoteEvent,
	mappings []model.EventMapping,
	now time.Time,
	isOwned model.UIDMatcher,
) Plan {
	localIDs := make(map[string]bool, len(local))
	for _, ev := range local {
		localIDs[ev.ID] = true
	}
	remoteUIDs := make(map[string]bool, len(remote))
	for _, r := range remote {
		remoteUIDs[r.UID] = true
	}

	var plan Plan
	mapped := make(map[string]bool, len(mappings))
	mappedUIDs := make(map[string]bool, len(mappings))
	stale := make(map[string]bool)
	removing := make(map[string]bool)

	for _, m := range mappings {
		mappedUIDs[m.DestinationEventUID] = true

		if !localIDs[m.EventStateID] {
			if !removing[m.DestinationEventUID] {
				removing[m.DestinationEventUID] = true
				plan.Operations = append(plan.Operations,
					model.NewRemoveOperation(m.DestinationEventUID, m.DeleteIdentifier, m.StartTime))
			}
			continue
		}
		if !remoteUIDs[m.DestinationEventUID] {
			plan.StaleMappings = append(plan.StaleMappings, m)
			stale[m.EventStateID] = true
			continue
		}
		mapped[m.EventStateID] = true
	}

	added := make(map[string]bool, len(local))
	for _, ev := range local {
		if added[ev.ID] || (mapped[ev.ID] && !stale[ev.ID]) {
			continue
		}
		added[ev.ID] = true
		plan.Operations = append(plan.Operations, model.NewAddOperation(ev))
	}

	for _, r := range remote {
		if mappedUIDs[r.UID] || removing[r.UID] {
			continue
		}
		if !isOwned(r.UID) && !endedBefore(r, now) {
			continue
		}
		removing[r.UID] = true
		plan.Operations = append(plan.Operations, model.NewRemoveOperation(r.UID, r.DeleteID, r.StartTime))
	}

	sortOperations(plan.Operations)
	return plan
}

func endedBefore(r model.RemoteEvent, now time.Time) bool {
	end := r.EndTime
	if end.IsZero() {
		end = r.StartTime
	}
	return end.Before(now)
}

func sortOperations(ops []model.SyncOperation) {
	sort.SliceStable(ops, func(i, j int) bool {
		a, b := ops[i], ops[j]
		if ta, tb := a.EventTime(), b.EventTime(); !ta.Equal(tb) {
			return ta.Before(tb)
		}
		if a.Kind != b.Kind {
			return a.Kind == model.OperationRemove
		}
		return a.Key() < b.Key()
	})
}
