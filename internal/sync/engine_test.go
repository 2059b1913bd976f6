package sync

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ridafkih/keeper.sh-sub000/internal/coordinator"
	"github.com/ridafkih/keeper.sh-sub000/internal/model"
)

func newTestEngine(store *mockStore, source *mockSource, factory *mockFactory, sink StatusSink) *Engine {
	coord := coordinator.New(coordinator.NewMemoryCounter(nil), time.Hour, testLogger)
	return NewEngine(coord, store, source, factory, sink, testOptions(), testLogger)
}

func TestSyncUser_AllDestinations(t *testing.T) {
	store := newMockStore()
	store.destinations = []model.Destination{
		{ID: "a", UserID: "user-1"},
		{ID: "b", UserID: "user-1"},
		{ID: "other", UserID: "user-2"},
	}
	source := &mockSource{events: map[string][]model.SyncableEvent{
		"a": {localEvent("e1", 0), localEvent("e2", time.Hour)},
		"b": {localEvent("e1", 0)},
	}}
	factory := &mockFactory{providers: map[string]*mockProvider{
		"a":     newMockProvider(),
		"b":     newMockProvider(),
		"other": newMockProvider(),
	}}
	sink := &recordingSink{}

	res, err := newTestEngine(store, source, factory, sink).SyncUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("SyncUser: %v", err)
	}
	if res != (model.SyncResult{Added: 3}) {
		t.Errorf("result = %+v, want {Added:3}", res)
	}
	if len(factory.providers["other"].pushed) != 0 {
		t.Error("another user's destination was synced")
	}
	if len(sink.broadcasts()) != 2 {
		t.Errorf("broadcasts = %+v, want one per destination", sink.broadcasts())
	}
	for _, p := range sink.progress {
		if p.UserID != "user-1" || p.Generation != 1 {
			t.Errorf("progress = %+v", p)
		}
	}
}

func TestSyncUser_FailureDoesNotAbortOthers(t *testing.T) {
	store := newMockStore()
	store.destinations = []model.Destination{
		{ID: "broken", UserID: "user-1"},
		{ID: "ok", UserID: "user-1"},
	}
	source := &mockSource{
		events: map[string][]model.SyncableEvent{"ok": {localEvent("e1", 0)}},
		errs:   map[string]error{"broken": errors.New("feed down")},
	}
	factory := &mockFactory{providers: map[string]*mockProvider{
		"broken": newMockProvider(),
		"ok":     newMockProvider(),
	}}

	res, err := newTestEngine(store, source, factory, nil).SyncUser(context.Background(), "user-1")
	if err == nil || !strings.Contains(err.Error(), `"broken"`) {
		t.Errorf("err = %v, want the broken destination named", err)
	}
	if res.Added != 1 {
		t.Errorf("result = %+v, healthy destination should still sync", res)
	}
}

func TestSyncUser_SkipsDestinationsAwaitingReauth(t *testing.T) {
	store := newMockStore()
	store.destinations = []model.Destination{{ID: "a", UserID: "user-1", NeedsReauthentication: true}}
	source := &mockSource{events: map[string][]model.SyncableEvent{"a": {localEvent("e1", 0)}}}
	factory := &mockFactory{providers: map[string]*mockProvider{"a": newMockProvider()}}
	sink := &recordingSink{}

	res, err := newTestEngine(store, source, factory, sink).SyncUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("SyncUser: %v", err)
	}
	if !res.IsZero() || len(factory.providers["a"].pushed) != 0 {
		t.Errorf("flagged destination was synced: %+v", res)
	}
	b := sink.broadcasts()
	if len(b) != 1 || !b[0].NeedsReauthentication {
		t.Errorf("broadcasts = %+v", b)
	}
}

func TestSyncUser_ProviderUnavailable(t *testing.T) {
	store := newMockStore()
	store.destinations = []model.Destination{{ID: "a", UserID: "user-1"}}
	source := &mockSource{events: map[string][]model.SyncableEvent{"a": {localEvent("e1", 0)}}}

	_, err := newTestEngine(store, source, &mockFactory{}, nil).SyncUser(context.Background(), "user-1")
	if err == nil {
		t.Fatal("expected error when no provider can be built")
	}
}

func TestSyncUsers_SumsAcrossUsers(t *testing.T) {
	store := newMockStore()
	store.destinations = []model.Destination{{ID: "a", UserID: "u1"}, {ID: "b", UserID: "u2"}}
	source := &mockSource{events: map[string][]model.SyncableEvent{
		"a": {localEvent("e1", 0)},
		"b": {localEvent("e1", 0)},
	}}
	factory := &mockFactory{providers: map[string]*mockProvider{"a": newMockProvider(), "b": newMockProvider()}}

	res, err := newTestEngine(store, source, factory, nil).SyncUsers(context.Background(), []string{"u1", "u2"})
	if err != nil {
		t.Fatalf("SyncUsers: %v", err)
	}
	if res.Added != 2 {
		t.Errorf("result = %+v", res)
	}
}
