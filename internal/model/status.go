package model

// SyncStage names the phase a destination sync is in.
type SyncStage string

const (
	StageFetching   SyncStage = "fetching"
	StageComparing  SyncStage = "comparing"
	StageProcessing SyncStage = "processing"
)

// Progress is the position within the operation list.
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// LastOperation describes the most recently processed operation.
type LastOperation struct {
	Type      string `json:"type"`
	EventTime string `json:"eventTime"`
}

// SyncProgress is emitted while a destination is being reconciled.
type SyncProgress struct {
	UserID        string         `json:"userId"`
	DestinationID string         `json:"destinationId"`
	Generation    int64          `json:"generation"`
	Stage         SyncStage      `json:"stage"`
	Progress      *Progress      `json:"progress,omitempty"`
	LastOperation *LastOperation `json:"lastOperation,omitempty"`
}

// DestinationSyncStatus reports event counts for a destination. Broadcast
// marks updates that should be fanned out to connected clients; the others
// only refresh the stored status.
type DestinationSyncStatus struct {
	UserID                string `json:"userId"`
	DestinationID         string `json:"destinationId"`
	LocalEventCount       int    `json:"localEventCount"`
	RemoteEventCount      int    `json:"remoteEventCount"`
	NeedsReauthentication bool   `json:"needsReauthentication,omitempty"`
	Broadcast             bool   `json:"-"`
}
