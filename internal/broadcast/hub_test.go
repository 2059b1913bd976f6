package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/coder/websocket"

	"github.com/ridafkih/keeper.sh-sub000/internal/model"
)

// mockClient creates a Client with a send channel but no real connection.
func mockClient(hub *Hub, userID string) *Client {
	return &Client{hub: hub, userID: userID, send: make(chan []byte, sendBufferSize)}
}

func receive(t *testing.T, c *Client) Message {
	t.Helper()
	select {
	case data := <-c.send:
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return msg
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for message")
		return Message{}
	}
}

func expectNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Errorf("unexpected message %s", data)
	default:
	}
}

func TestRegisterUnregister(t *testing.T) {
	hub := NewHub(slog.Default())
	c := mockClient(hub, "u1")

	hub.Register(c)
	if got := hub.ClientCount(); got != 1 {
		t.Fatalf("expected 1 client, got %d", got)
	}
	hub.Unregister(c)
	hub.Unregister(c) // must not panic
	if got := hub.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}

func TestDestinationSynced_OnlyBroadcastFansOut(t *testing.T) {
	hub := NewHub(slog.Default())
	c := mockClient(hub, "u1")
	hub.Register(c)

	hub.DestinationSynced(model.DestinationSyncStatus{UserID: "u1", DestinationID: "d1", RemoteEventCount: 1})
	expectNothing(t, c)

	hub.DestinationSynced(model.DestinationSyncStatus{UserID: "u1", DestinationID: "d1", RemoteEventCount: 2, Broadcast: true})
	msg := receive(t, c)
	if msg.Type != TypeStatus || msg.Status == nil || msg.Status.RemoteEventCount != 2 {
		t.Errorf("message = %+v", msg)
	}

	// Incremental updates still refresh the stored status.
	hub.DestinationSynced(model.DestinationSyncStatus{UserID: "u1", DestinationID: "d1", RemoteEventCount: 3})
	if got := hub.Statuses("u1"); len(got) != 1 || got[0].RemoteEventCount != 3 {
		t.Errorf("statuses = %+v", got)
	}
}

func TestSend_ScopedToUser(t *testing.T) {
	hub := NewHub(slog.Default())
	mine := mockClient(hub, "u1")
	theirs := mockClient(hub, "u2")
	hub.Register(mine)
	hub.Register(theirs)

	hub.SyncProgressed(model.SyncProgress{UserID: "u1", DestinationID: "d1", Stage: model.StageFetching})

	msg := receive(t, mine)
	if msg.Type != TypeProgress || msg.Progress.Stage != model.StageFetching {
		t.Errorf("message = %+v", msg)
	}
	expectNothing(t, theirs)
}

func TestRegister_SendsSnapshot(t *testing.T) {
	hub := NewHub(slog.Default())
	hub.DestinationSynced(model.DestinationSyncStatus{UserID: "u1", DestinationID: "b", RemoteEventCount: 2})
	hub.DestinationSynced(model.DestinationSyncStatus{UserID: "u1", DestinationID: "a", RemoteEventCount: 1})
	hub.DestinationSynced(model.DestinationSyncStatus{UserID: "u2", DestinationID: "c"})

	c := mockClient(hub, "u1")
	hub.Register(c)

	first, second := receive(t, c), receive(t, c)
	if first.Status.DestinationID != "a" || second.Status.DestinationID != "b" {
		t.Errorf("snapshot order = %s, %s", first.Status.DestinationID, second.Status.DestinationID)
	}
	expectNothing(t, c)
}

func TestReauthenticationRequired_KeepsCounts(t *testing.T) {
	hub := NewHub(slog.Default())
	hub.DestinationSynced(model.DestinationSyncStatus{UserID: "u1", DestinationID: "d1", LocalEventCount: 4, RemoteEventCount: 4})
	c := mockClient(hub, "u1")
	hub.Register(c)
	_ = receive(t, c) // snapshot

	hub.ReauthenticationRequired(model.Destination{ID: "d1", UserID: "u1"})

	msg := receive(t, c)
	if !msg.Status.NeedsReauthentication || msg.Status.RemoteEventCount != 4 {
		t.Errorf("status = %+v", msg.Status)
	}
}

func TestSend_FullBufferDrops(t *testing.T) {
	hub := NewHub(slog.Default())
	c := mockClient(hub, "u1")
	hub.Register(c)

	for i := 0; i < sendBufferSize+5; i++ {
		hub.SyncProgressed(model.SyncProgress{UserID: "u1"})
	}
	if got := len(c.send); got != sendBufferSize {
		t.Errorf("buffered = %d, want %d", got, sendBufferSize)
	}
}

func TestHandleWebSocket(t *testing.T) {
	hub := NewHub(slog.Default())
	hub.DestinationSynced(model.DestinationSyncStatus{UserID: "u1", DestinationID: "d1", RemoteEventCount: 7})

	srv := httptest.NewServer(HandleWebSocket(hub, slog.Default()))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"?user=u1", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.CloseNow() }()

	read := func() Message {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return msg
	}

	if snap := read(); snap.Status == nil || snap.Status.RemoteEventCount != 7 {
		t.Fatalf("snapshot = %+v", snap)
	}

	hub.SyncProgressed(model.SyncProgress{UserID: "u1", DestinationID: "d1", Stage: model.StageComparing})
	if msg := read(); msg.Type != TypeProgress || msg.Progress.Stage != model.StageComparing {
		t.Errorf("message = %+v", msg)
	}
}

func TestHandleWebSocket_RequiresUser(t *testing.T) {
	rec := httptest.NewRecorder()
	HandleWebSocket(NewHub(slog.Default()), slog.Default()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
