package client

import (
	"sync"
	"testing"
	"time"

	"github.com/harborview/taskhub/internal/realtime/protocol"
)

// sendRecorder captures outgoing intents in place of a live connection.
type sendRecorder struct {
	mu    sync.Mutex
	types []string
}

func (r *sendRecorder) send(msgType string, _ any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, msgType)
	return nil
}

func (r *sendRecorder) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.types...)
}

func (r *sendRecorder) count(msgType string) int {
	n := 0
	for _, sent := range r.sent() {
		if sent == msgType {
			n++
		}
	}
	return n
}

func testCoordinator(recorder *sendRecorder, connected bool, extendInterval time.Duration) *LockCoordinator {
	if extendInterval <= 0 {
		extendInterval = time.Hour
	}
	return newLockCoordinator("me", recorder.send, func() bool { return connected }, extendInterval, func(string, ...any) {})
}

func heldLock(taskID string, userID string) protocol.Lock {
	now := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
	return protocol.Lock{TaskID: taskID, UserID: userID, AcquiredAt: now, ExpiresAt: now.Add(5 * time.Minute)}
}

func TestLockRejectedOffline(t *testing.T) {
	recorder := &sendRecorder{}
	locks := testCoordinator(recorder, false, 0)

	if locks.Lock("T1") {
		t.Fatal("offline lock request should be rejected locally")
	}
	if len(recorder.sent()) != 0 {
		t.Fatalf("offline rejection should not touch the network, sent %v", recorder.sent())
	}
}

func TestLockRejectedWhenHeldByOther(t *testing.T) {
	recorder := &sendRecorder{}
	locks := testCoordinator(recorder, true, 0)

	locks.ApplyLocked(protocol.LockPayload{Lock: heldLock("T1", "other")})
	if locks.Lock("T1") {
		t.Fatal("lock held by another user should be rejected locally")
	}
	if len(recorder.sent()) != 0 {
		t.Fatalf("rejection should not touch the network, sent %v", recorder.sent())
	}
}

func TestLockRejectedWhileInFlight(t *testing.T) {
	recorder := &sendRecorder{}
	locks := testCoordinator(recorder, true, 0)

	if !locks.Lock("T1") {
		t.Fatal("first request should go out")
	}
	if locks.Lock("T1") {
		t.Fatal("second request should be rejected while the first is in flight")
	}
	if got := recorder.count(protocol.TypeLockAcquire); got != 1 {
		t.Fatalf("acquire intents = %d, want 1", got)
	}
}

func TestLockSuccessStartsRenewal(t *testing.T) {
	recorder := &sendRecorder{}
	locks := testCoordinator(recorder, true, 20*time.Millisecond)

	if !locks.Lock("T1") {
		t.Fatal("lock request should go out")
	}
	granted := heldLock("T1", "me")
	locks.ApplyResult(protocol.LockResultPayload{TaskID: "T1", Status: protocol.LockResultSuccess, Lock: &granted})

	if !locks.HeldByMe("T1") {
		t.Fatal("granted lock should be held locally")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if recorder.count(protocol.TypeLockExtend) >= 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected periodic extends, sent %v", recorder.sent())
}

func TestLockFailureRecordsHolder(t *testing.T) {
	recorder := &sendRecorder{}
	locks := testCoordinator(recorder, true, 0)

	if !locks.Lock("T1") {
		t.Fatal("lock request should go out")
	}
	holder := heldLock("T1", "other")
	locks.ApplyResult(protocol.LockResultPayload{TaskID: "T1", Status: protocol.LockResultFailure, Lock: &holder})

	if locks.HeldByMe("T1") {
		t.Fatal("failed acquire must not grant the lock")
	}
	lock, ok := locks.Get("T1")
	if !ok || lock.UserID != "other" {
		t.Fatalf("holder = %+v, want other", lock)
	}
	// The pending slot is released, and the holder check now rejects locally.
	if locks.Lock("T1") {
		t.Fatal("retry against a known holder should be rejected")
	}
}

func TestUnlockHolderOnly(t *testing.T) {
	recorder := &sendRecorder{}
	locks := testCoordinator(recorder, true, 0)

	locks.ApplyLocked(protocol.LockPayload{Lock: heldLock("T1", "other")})
	if locks.Unlock("T1") {
		t.Fatal("unlock of someone else's lock should be rejected")
	}

	locks.ApplyLocked(protocol.LockPayload{Lock: heldLock("T2", "me")})
	if !locks.Unlock("T2") {
		t.Fatal("unlock of own lock should succeed")
	}
	if _, ok := locks.Get("T2"); ok {
		t.Fatal("unlocked task should leave the table")
	}
	if got := recorder.count(protocol.TypeLockRelease); got != 1 {
		t.Fatalf("release intents = %d, want 1", got)
	}
}

func TestUnlockedStopsRenewal(t *testing.T) {
	recorder := &sendRecorder{}
	locks := testCoordinator(recorder, true, 10*time.Millisecond)

	locks.Lock("T1")
	granted := heldLock("T1", "me")
	locks.ApplyResult(protocol.LockResultPayload{TaskID: "T1", Status: protocol.LockResultSuccess, Lock: &granted})

	locks.ApplyUnlocked(protocol.UnlockPayload{TaskID: "T1", UserID: "me"})

	time.Sleep(30 * time.Millisecond)
	baseline := recorder.count(protocol.TypeLockExtend)
	time.Sleep(50 * time.Millisecond)
	if got := recorder.count(protocol.TypeLockExtend); got != baseline {
		t.Fatalf("renewal kept running after unlock: %d -> %d", baseline, got)
	}
}

func TestLockResetClearsEverything(t *testing.T) {
	recorder := &sendRecorder{}
	locks := testCoordinator(recorder, true, 10*time.Millisecond)

	locks.Lock("T1")
	granted := heldLock("T1", "me")
	locks.ApplyResult(protocol.LockResultPayload{TaskID: "T1", Status: protocol.LockResultSuccess, Lock: &granted})
	locks.ApplyLocked(protocol.LockPayload{Lock: heldLock("T2", "other")})

	locks.Reset()

	if len(locks.State()) != 0 {
		t.Fatalf("state = %+v, want empty", locks.State())
	}
	time.Sleep(30 * time.Millisecond)
	baseline := recorder.count(protocol.TypeLockExtend)
	time.Sleep(50 * time.Millisecond)
	if got := recorder.count(protocol.TypeLockExtend); got != baseline {
		t.Fatalf("renewal survived reset: %d -> %d", baseline, got)
	}
}
