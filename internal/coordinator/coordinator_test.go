package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ridafkih/keeper.sh-sub000/internal/model"
)

var testLogger = slog.Default()

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newRedisCounter(t *testing.T) (*RedisCounter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCounter(client), mr
}

func TestStartSync_GenerationsIncrease(t *testing.T) {
	c := New(NewMemoryCounter(nil), time.Hour, testLogger)
	ctx := context.Background()

	first, err := c.StartSync(ctx, "user-1")
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}
	second, err := c.StartSync(ctx, "user-1")
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}

	if second.Generation <= first.Generation {
		t.Errorf("generation %d not greater than %d", second.Generation, first.Generation)
	}
	if first.IsCurrent(ctx) {
		t.Error("first context still current after a newer trigger")
	}
	if !second.IsCurrent(ctx) {
		t.Error("latest context not current")
	}
	if !c.IsSyncCurrent(ctx, second) {
		t.Error("IsSyncCurrent disagrees with IsCurrent")
	}
}

func TestStartSync_UsersIndependent(t *testing.T) {
	c := New(NewMemoryCounter(nil), time.Hour, testLogger)
	ctx := context.Background()

	alice, _ := c.StartSync(ctx, "alice")
	if _, err := c.StartSync(ctx, "bob"); err != nil {
		t.Fatalf("StartSync: %v", err)
	}
	if !alice.IsCurrent(ctx) {
		t.Error("another user's trigger superseded alice's run")
	}
}

func TestIsCurrent_FalseAfterExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(NewMemoryCounter(clock.Now), time.Minute, testLogger)
	ctx := context.Background()

	sc, err := c.StartSync(ctx, "user-1")
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}
	clock.Advance(59 * time.Second)
	if !sc.IsCurrent(ctx) {
		t.Fatal("context not current before expiry")
	}
	clock.Advance(2 * time.Second)
	if sc.IsCurrent(ctx) {
		t.Error("context current after the counter expired")
	}

	// A new trigger after expiry restarts the counter.
	next, _ := c.StartSync(ctx, "user-1")
	if next.Generation != 1 {
		t.Errorf("generation after expiry = %d, want 1", next.Generation)
	}
}

type failingCounter struct{ *MemoryCounter }

func (f *failingCounter) Get(context.Context, string) (int64, bool, error) {
	return 0, false, errors.New("store unavailable")
}

func TestIsCurrent_FalseOnStoreError(t *testing.T) {
	counter := &failingCounter{MemoryCounter: NewMemoryCounter(nil)}
	c := New(counter, time.Hour, testLogger)

	sc, err := c.StartSync(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}
	if sc.IsCurrent(context.Background()) {
		t.Error("context reported current although the counter could not be read")
	}
}

func TestNotifyHooks(t *testing.T) {
	c := New(NewMemoryCounter(nil), time.Hour, testLogger)
	sc, _ := c.StartSync(context.Background(), "user-1")

	var status model.DestinationSyncStatus
	var progress model.SyncProgress
	sc.OnDestinationSync = func(s model.DestinationSyncStatus) { status = s }
	sc.OnSyncProgress = func(p model.SyncProgress) { progress = p }

	sc.NotifyDestinationSync(model.DestinationSyncStatus{DestinationID: "dest-1", RemoteEventCount: 3})
	sc.NotifyProgress(model.SyncProgress{DestinationID: "dest-1", Stage: model.StageFetching})

	if status.UserID != "user-1" || status.RemoteEventCount != 3 {
		t.Errorf("status = %+v", status)
	}
	if progress.UserID != "user-1" || progress.Generation != sc.Generation {
		t.Errorf("progress = %+v", progress)
	}

	// Nil hooks are ignored.
	var empty SyncContext
	empty.NotifyDestinationSync(model.DestinationSyncStatus{})
	empty.NotifyProgress(model.SyncProgress{})
}

func TestStaticContext_AlwaysCurrent(t *testing.T) {
	sc := StaticContext("user-1", testLogger)
	if !sc.IsCurrent(context.Background()) {
		t.Error("static context not current")
	}
}

func TestRedisCounter_Generations(t *testing.T) {
	counter, _ := newRedisCounter(t)
	c := New(counter, time.Hour, testLogger)
	ctx := context.Background()

	first, err := c.StartSync(ctx, "user-1")
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}
	second, err := c.StartSync(ctx, "user-1")
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}

	if first.Generation != 1 || second.Generation != 2 {
		t.Errorf("generations = %d, %d; want 1, 2", first.Generation, second.Generation)
	}
	if first.IsCurrent(ctx) {
		t.Error("first context still current")
	}
	if !second.IsCurrent(ctx) {
		t.Error("second context not current")
	}
}

func TestRedisCounter_ExpirySetAndHonoured(t *testing.T) {
	counter, mr := newRedisCounter(t)
	c := New(counter, time.Minute, testLogger)
	ctx := context.Background()

	sc, err := c.StartSync(ctx, "user-1")
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}
	if ttl := mr.TTL(generationKey("user-1")); ttl != time.Minute {
		t.Errorf("TTL = %v, want 1m", ttl)
	}

	mr.FastForward(2 * time.Minute)
	if sc.IsCurrent(ctx) {
		t.Error("context current after the redis key expired")
	}
}

func TestRedisCounter_GetMissing(t *testing.T) {
	counter, _ := newRedisCounter(t)
	v, ok, err := counter.Get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok || v != 0 {
		t.Errorf("Get(absent) = %d, %v; want 0, false", v, ok)
	}
}
