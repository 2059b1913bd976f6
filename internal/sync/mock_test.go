package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ridafkih/keeper.sh-sub000/internal/coordinator"
	"github.com/ridafkih/keeper.sh-sub000/internal/model"
	"github.com/ridafkih/keeper.sh-sub000/internal/provider"
)

// --- Mock Store ----------------------------------------------------------------

type mockStore struct {
	mu           sync.Mutex
	mappings     map[string]model.EventMapping // ID → mapping
	destinations []model.Destination
	nextID       int

	createErr error
	listErr   error
}

func newMockStore(mappings ...model.EventMapping) *mockStore {
	s := &mockStore{mappings: make(map[string]model.EventMapping)}
	for _, m := range mappings {
		if m.ID == "" {
			s.nextID++
			m.ID = fmt.Sprintf("m%d", s.nextID)
		}
		s.mappings[m.ID] = m
	}
	return s
}

func (s *mockStore) GetEventMappingsForDestination(_ context.Context, destID string) ([]model.EventMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []model.EventMapping
	for _, m := range s.mappings {
		if m.DestinationID == destID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *mockStore) CreateEventMapping(_ context.Context, m *model.EventMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	for _, existing := range s.mappings {
		if existing.DestinationID == m.DestinationID && existing.EventStateID == m.EventStateID {
			return nil
		}
	}
	s.nextID++
	cp := *m
	cp.ID = fmt.Sprintf("m%d", s.nextID)
	if cp.DeleteIdentifier == "" {
		cp.DeleteIdentifier = cp.DestinationEventUID
	}
	s.mappings[cp.ID] = cp
	return nil
}

func (s *mockStore) DeleteEventMapping(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mappings, id)
	return nil
}

func (s *mockStore) DeleteEventMappingByDestinationUID(_ context.Context, destID, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range s.mappings {
		if m.DestinationID == destID && m.DestinationEventUID == uid {
			delete(s.mappings, id)
		}
	}
	return nil
}

func (s *mockStore) CountMappingsForDestination(_ context.Context, destID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.mappings {
		if m.DestinationID == destID {
			n++
		}
	}
	return n, nil
}

func (s *mockStore) ListDestinationsForUser(_ context.Context, userID string) ([]model.Destination, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Destination
	for _, d := range s.destinations {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *mockStore) mappingFor(destID, eventID string) (model.EventMapping, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.mappings {
		if m.DestinationID == destID && m.EventStateID == eventID {
			return m, true
		}
	}
	return model.EventMapping{}, false
}

// --- Mock Provider -------------------------------------------------------------

type mockProvider struct {
	mu     sync.Mutex
	remote map[string]model.RemoteEvent // UID → event
	nextID int

	pushResults   map[string]provider.PushResult // event ID → forced result
	deleteResults map[string]provider.DeleteResult
	listErr       error

	// onPush runs before each push, outside the lock.
	onPush func(ev model.SyncableEvent)

	pushed  []string // event IDs in call order
	deleted []string // delete IDs in call order
}

func newMockProvider(remote ...model.RemoteEvent) *mockProvider {
	p := &mockProvider{
		remote:        make(map[string]model.RemoteEvent),
		pushResults:   make(map[string]provider.PushResult),
		deleteResults: make(map[string]provider.DeleteResult),
	}
	for _, r := range remote {
		p.remote[r.UID] = r
	}
	return p
}

func (p *mockProvider) PushEvents(_ context.Context, events []model.SyncableEvent) ([]provider.PushResult, error) {
	var out []provider.PushResult
	for _, ev := range events {
		if p.onPush != nil {
			p.onPush(ev)
		}

		p.mu.Lock()
		p.pushed = append(p.pushed, ev.ID)
		if res, ok := p.pushResults[ev.ID]; ok {
			out = append(out, res)
			p.mu.Unlock()
			continue
		}
		p.nextID++
		uid := fmt.Sprintf("r%d%s", p.nextID, model.DefaultUIDMarker)
		p.remote[uid] = model.RemoteEvent{UID: uid, DeleteID: "del-" + uid, StartTime: ev.StartTime, EndTime: ev.EndTime}
		out = append(out, provider.PushResult{Success: true, RemoteID: uid, DeleteID: "del-" + uid})
		p.mu.Unlock()
	}
	return out, nil
}

func (p *mockProvider) DeleteEvents(_ context.Context, ids []string) ([]provider.DeleteResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []provider.DeleteResult
	for _, id := range ids {
		p.deleted = append(p.deleted, id)
		if res, ok := p.deleteResults[id]; ok {
			out = append(out, res)
			continue
		}
		for uid, r := range p.remote {
			if r.DeleteID == id || uid == id {
				delete(p.remote, uid)
			}
		}
		out = append(out, provider.DeleteResult{Success: true})
	}
	return out, nil
}

func (p *mockProvider) ListRemoteEvents(_ context.Context, until time.Time) ([]model.RemoteEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listErr != nil {
		return nil, p.listErr
	}
	var out []model.RemoteEvent
	for _, r := range p.remote {
		if r.StartTime.Before(until) {
			out = append(out, r)
		}
	}
	return out, nil
}

// --- Mock Sink -----------------------------------------------------------------

type recordingSink struct {
	mu       sync.Mutex
	statuses []model.DestinationSyncStatus
	progress []model.SyncProgress
}

func (s *recordingSink) DestinationSynced(st model.DestinationSyncStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, st)
}

func (s *recordingSink) SyncProgressed(p model.SyncProgress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, p)
}

func (s *recordingSink) broadcasts() []model.DestinationSyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.DestinationSyncStatus
	for _, st := range s.statuses {
		if st.Broadcast {
			out = append(out, st)
		}
	}
	return out
}

func (s *recordingSink) stages() []model.SyncStage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.SyncStage, 0, len(s.progress))
	for _, p := range s.progress {
		out = append(out, p.Stage)
	}
	return out
}

// attach wires the sink into sc.
func (s *recordingSink) attach(sc *coordinator.SyncContext) *coordinator.SyncContext {
	sc.OnDestinationSync = s.DestinationSynced
	sc.OnSyncProgress = s.SyncProgressed
	return sc
}

// --- Mock Source & Factory -----------------------------------------------------

type mockSource struct {
	events map[string][]model.SyncableEvent // destination ID → events
	errs   map[string]error
}

func (s *mockSource) EventsForDestination(_ context.Context, d model.Destination) ([]model.SyncableEvent, error) {
	if err := s.errs[d.ID]; err != nil {
		return nil, err
	}
	return s.events[d.ID], nil
}

type mockFactory struct {
	providers map[string]*mockProvider
}

func (f *mockFactory) ProviderFor(_ context.Context, d model.Destination, _ *coordinator.SyncContext) (provider.Provider, error) {
	p, ok := f.providers[d.ID]
	if !ok {
		return nil, errors.New("no provider configured")
	}
	return p, nil
}
