// Package model defines the event, mapping, and result types shared by the
// sync engine, the mapping store, and the provider adapters.
package model

import (
	"strings"
	"time"
)

// DefaultUIDMarker is appended to every event UID generated for a
// destination so that events created by this system can be recognised
// again when listing the destination calendar.
const DefaultUIDMarker = "@keeper.busy"

// SyncableEvent is a local busy block that should exist on every destination
// of its owner. It is produced by the event source and never mutated here.
type SyncableEvent struct {
	// ID is the stable local identifier (the "event state" id) used as the
	// mapping key.
	ID string

	// SourceEventUID is the UID of the event in the originating calendar.
	SourceEventUID string

	StartTime time.Time
	EndTime   time.Time

	// Summary is the already-anonymised title pushed to destinations.
	Summary string

	SourceID   string
	SourceName string
	SourceURL  string
}

// RemoteEvent is an event observed on a destination calendar. UID is the
// destination's identifier; DeleteID is the handle required to delete it and
// equals UID for providers without a separate handle.
type RemoteEvent struct {
	UID       string
	DeleteID  string
	StartTime time.Time
	EndTime   time.Time
}

// EventMapping is the persisted link between a local event and the remote
// event pushed for it on one destination.
type EventMapping struct {
	ID                  string
	EventStateID        string
	DestinationID       string
	DestinationEventUID string
	DeleteIdentifier    string
	StartTime           time.Time
	EndTime             time.Time
}

// Destination is a calendar account events are pushed to.
type Destination struct {
	ID         string
	UserID     string
	Provider   string
	CalendarID string

	// NeedsReauthentication is set when the provider rejected the stored
	// credentials. Sync is skipped until the user authorises again.
	NeedsReauthentication bool
}

// UIDMatcher reports whether a destination UID was generated by this system.
type UIDMatcher func(uid string) bool

// MarkerMatcher returns a UIDMatcher recognising UIDs that end in marker.
func MarkerMatcher(marker string) UIDMatcher {
	if marker == "" {
		marker = DefaultUIDMarker
	}
	return func(uid string) bool {
		return strings.HasSuffix(uid, marker)
	}
}
