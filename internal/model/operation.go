package model

import "time"

// OperationKind distinguishes the two mutations a sync pass can perform.
type OperationKind int

const (
	OperationAdd OperationKind = iota
	OperationRemove
)

// String returns the lower-case label used in logs and progress payloads.
func (k OperationKind) String() string {
	switch k {
	case OperationAdd:
		return "add"
	case OperationRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// SyncOperation is one planned mutation against a destination. For adds only
// Event is set; for removes UID, DeleteID and StartTime are set.
type SyncOperation struct {
	Kind OperationKind

	Event SyncableEvent

	UID       string
	DeleteID  string
	StartTime time.Time
}

// NewAddOperation returns an operation that pushes ev to the destination.
func NewAddOperation(ev SyncableEvent) SyncOperation {
	return SyncOperation{Kind: OperationAdd, Event: ev}
}

// NewRemoveOperation returns an operation that deletes a remote event.
func NewRemoveOperation(uid, deleteID string, start time.Time) SyncOperation {
	if deleteID == "" {
		deleteID = uid
	}
	return SyncOperation{Kind: OperationRemove, UID: uid, DeleteID: deleteID, StartTime: start}
}

// EventTime is the instant used to order operations.
func (o SyncOperation) EventTime() time.Time {
	if o.Kind == OperationAdd {
		return o.Event.StartTime
	}
	return o.StartTime
}

// Key identifies the operation's subject: the local event id for adds and the
// remote UID for removes.
func (o SyncOperation) Key() string {
	if o.Kind == OperationAdd {
		return o.Event.ID
	}
	return o.UID
}

// SyncResult counts the outcome of one or more sync passes.
type SyncResult struct {
	Added        int
	AddFailed    int
	Removed      int
	RemoveFailed int
}

// Add accumulates other into r.
func (r *SyncResult) Add(other SyncResult) {
	r.Added += other.Added
	r.AddFailed += other.AddFailed
	r.Removed += other.Removed
	r.RemoveFailed += other.RemoveFailed
}

// IsZero reports whether nothing was attempted.
func (r SyncResult) IsZero() bool {
	return r == SyncResult{}
}
