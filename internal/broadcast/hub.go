// Package broadcast is the status sink of the sync engine. The [Hub] keeps
// the latest status of every destination and streams status and progress
// updates to the WebSocket clients of the owning user.
package broadcast

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/ridafkih/keeper.sh-sub000/internal/model"
)

// Message types.
const (
	TypeStatus   = "status"
	TypeProgress = "progress"
)

// Message is one update sent to clients.
type Message struct {
	Type     string                       `json:"type"`
	Status   *model.DestinationSyncStatus `json:"status,omitempty"`
	Progress *model.SyncProgress          `json:"progress,omitempty"`
}

// Hub maintains the connected clients and the latest destination statuses.
// Sends never block: a client whose buffer is full misses the update.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*Client]struct{}
	statuses map[string]model.DestinationSyncStatus // by destination ID
	logger   *slog.Logger
}

// NewHub creates a new Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:  make(map[*Client]struct{}),
		statuses: make(map[string]model.DestinationSyncStatus),
		logger:   logger,
	}
}

// Register adds a client and queues the user's current statuses to it.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	for _, s := range h.statusesLocked(c.userID) {
		h.enqueue(c, Message{Type: TypeStatus, Status: &s})
	}
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// DestinationSynced records s. Only updates marked Broadcast reach clients.
func (h *Hub) DestinationSynced(s model.DestinationSyncStatus) {
	h.mu.Lock()
	h.statuses[s.DestinationID] = s
	h.mu.Unlock()

	if s.Broadcast {
		h.send(s.UserID, Message{Type: TypeStatus, Status: &s})
	}
}

// SyncProgressed forwards p to the user's clients.
func (h *Hub) SyncProgressed(p model.SyncProgress) {
	h.send(p.UserID, Message{Type: TypeProgress, Progress: &p})
}

// ReauthenticationRequired flags d in its stored status, keeping the last
// known counts, and broadcasts it.
func (h *Hub) ReauthenticationRequired(d model.Destination) {
	h.mu.Lock()
	s := h.statuses[d.ID]
	s.UserID = d.UserID
	s.DestinationID = d.ID
	s.NeedsReauthentication = true
	s.Broadcast = true
	h.statuses[d.ID] = s
	h.mu.Unlock()

	h.send(d.UserID, Message{Type: TypeStatus, Status: &s})
}

// Statuses returns the latest status of each of the user's destinations,
// ordered by destination ID.
func (h *Hub) Statuses(userID string) []model.DestinationSyncStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.statusesLocked(userID)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) statusesLocked(userID string) []model.DestinationSyncStatus {
	out := make([]model.DestinationSyncStatus, 0)
	for _, s := range h.statuses {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DestinationID < out[j].DestinationID })
	return out
}

func (h *Hub) send(userID string, msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.userID == userID {
			h.enqueue(c, msg)
		}
	}
}

// enqueue must be called with h.mu held.
func (h *Hub) enqueue(c *Client, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast", "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		h.logger.Debug("client buffer full, dropping update", "user_id", c.userID, "type", msg.Type)
	}
}
