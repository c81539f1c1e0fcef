package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"fleet-control-plane/backend/internal/lock/store"
)

type recordingAuditor struct {
	mu      sync.Mutex
	actions []string
}

func (a *recordingAuditor) LogEvent(ctx context.Context, userID, action, resource, metadata string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, action)
}

func newManager(t *testing.T) (*Manager, *recordingAuditor) {
	t.Helper()
	auditor := &recordingAuditor{}
	return NewManager(store.NewMemoryStore(), time.Minute, auditor), auditor
}

func TestAcquireRelease(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	acquired, holder, err := m.Acquire(ctx, "M1", "user-1", "Ada", "sess-1", 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !acquired || holder != nil {
		t.Fatalf("first acquire: acquired=%v holder=%v", acquired, holder)
	}

	lock, err := m.Get(ctx, "M1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if lock == nil || lock.OwnerID != "user-1" || lock.OwnerName != "Ada" {
		t.Fatalf("lock = %+v", lock)
	}
	if !lock.ExpiresAt.After(time.Now()) {
		t.Error("lock should not be expired")
	}

	released, err := m.Release(ctx, "M1", "user-1")
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !released {
		t.Fatal("owner release should succeed")
	}
	lock, err = m.Get(ctx, "M1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if lock != nil {
		t.Error("machine should be unlocked after release")
	}
}

func TestAcquireConflictReportsHolder(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	if ok, _, err := m.Acquire(ctx, "M1", "user-1", "Ada", "sess-1", 0); err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, holder, err := m.Acquire(ctx, "M1", "user-2", "Bob", "sess-2", 0)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatal("second acquire should fail")
	}
	if holder == nil || holder.OwnerID != "user-1" {
		t.Fatalf("holder = %+v, want user-1", holder)
	}
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, _, err := m.Acquire(ctx, "M1", "user", "User", "sess", 0)
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
}

func TestReleaseByNonOwnerIsNoop(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	if ok, _, err := m.Acquire(ctx, "M1", "user-1", "Ada", "sess-1", 0); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	released, err := m.Release(ctx, "M1", "user-2")
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if released {
		t.Fatal("non-owner release should return false")
	}
	lock, _ := m.Get(ctx, "M1")
	if lock == nil || lock.OwnerID != "user-1" {
		t.Fatalf("lock should be untouched, got %+v", lock)
	}
}

func TestExtendOwnerOnly(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	if ok, _, err := m.Acquire(ctx, "M1", "user-1", "Ada", "sess-1", 50*time.Millisecond); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if ok, err := m.Extend(ctx, "M1", "user-2", time.Minute); err != nil || ok {
		t.Fatalf("non-owner extend: ok=%v err=%v", ok, err)
	}
	before, _ := m.Get(ctx, "M1")
	if ok, err := m.Extend(ctx, "M1", "user-1", time.Minute); err != nil || !ok {
		t.Fatalf("owner extend: ok=%v err=%v", ok, err)
	}
	after, _ := m.Get(ctx, "M1")
	if !after.ExpiresAt.After(before.ExpiresAt) {
		t.Error("extend should push the expiry forward")
	}
	if after.OwnerID != before.OwnerID || !after.AcquiredAt.Equal(before.AcquiredAt) {
		t.Error("extend must not change other lock fields")
	}
}

func TestLockExpires(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	if ok, _, err := m.Acquire(ctx, "M1", "user-1", "Ada", "sess-1", 10*time.Millisecond); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	time.Sleep(20 * time.Millisecond)
	lock, err := m.Get(ctx, "M1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if lock != nil {
		t.Fatal("expired lock should read as unlocked")
	}
	// Expired means a new owner can take it.
	if ok, _, err := m.Acquire(ctx, "M1", "user-2", "Bob", "sess-2", 0); err != nil || !ok {
		t.Fatalf("acquire after expiry: ok=%v err=%v", ok, err)
	}
}

func TestForceReleaseAuditsDistinctAction(t *testing.T) {
	m, auditor := newManager(t)
	ctx := context.Background()

	if ok, _, err := m.Acquire(ctx, "M1", "user-1", "Ada", "sess-1", 0); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if err := m.ForceRelease(ctx, "M1", "admin-1"); err != nil {
		t.Fatalf("ForceRelease: %v", err)
	}
	lock, _ := m.Get(ctx, "M1")
	if lock != nil {
		t.Fatal("machine should be unlocked after force release")
	}

	auditor.mu.Lock()
	defer auditor.mu.Unlock()
	found := false
	for _, a := range auditor.actions {
		if a == "control.force_release" {
			found = true
		}
		if a == "control.release" {
			t.Error("force release must not be recorded as a normal release")
		}
	}
	if !found {
		t.Error("force release should emit control.force_release audit event")
	}
}
