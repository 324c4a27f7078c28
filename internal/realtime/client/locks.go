package client

import (
	"strings"
	"sync"
	"time"

	"github.com/harborview/taskhub/internal/realtime/protocol"
)

// LockCoordinator tracks task edit locks as reduced from the server's lock
// events and drives the local user's acquire, extend and release intents.
// Every lease the local user holds is renewed on a timer shorter than the
// lease so it survives as long as the user keeps the task open.
type LockCoordinator struct {
	userID         string
	send           func(msgType string, data any) error
	connected      func() bool
	extendInterval time.Duration
	logf           func(string, ...any)

	mu          sync.Mutex
	locks       map[string]protocol.Lock
	pending     map[string]struct{}
	extendStops map[string]chan struct{}
}

func newLockCoordinator(userID string, send func(string, any) error, connected func() bool, extendInterval time.Duration, logf func(string, ...any)) *LockCoordinator {
	return &LockCoordinator{
		userID:         userID,
		send:           send,
		connected:      connected,
		extendInterval: extendInterval,
		logf:           logf,
		locks:          make(map[string]protocol.Lock),
		pending:        make(map[string]struct{}),
		extendStops:    make(map[string]chan struct{}),
	}
}

// Lock requests the edit lock for taskID. It reports false without any
// network round trip when the session is offline, when another user already
// holds the lock, or when a request for the task is still in flight.
func (l *LockCoordinator) Lock(taskID string) bool {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" || !l.connected() {
		return false
	}

	l.mu.Lock()
	if _, inFlight := l.pending[taskID]; inFlight {
		l.mu.Unlock()
		return false
	}
	if lock, ok := l.locks[taskID]; ok && lock.UserID != l.userID {
		l.mu.Unlock()
		return false
	}
	l.pending[taskID] = struct{}{}
	l.mu.Unlock()

	if err := l.send(protocol.TypeLockAcquire, protocol.LockRequestPayload{TaskID: taskID}); err != nil {
		l.mu.Lock()
		delete(l.pending, taskID)
		l.mu.Unlock()
		return false
	}
	return true
}

// Unlock releases the edit lock for taskID if the local user holds it.
func (l *LockCoordinator) Unlock(taskID string) bool {
	taskID = strings.TrimSpace(taskID)

	l.mu.Lock()
	lock, ok := l.locks[taskID]
	if !ok || lock.UserID != l.userID {
		l.mu.Unlock()
		return false
	}
	delete(l.locks, taskID)
	l.stopExtendLocked(taskID)
	l.mu.Unlock()

	if err := l.send(protocol.TypeLockRelease, protocol.LockRequestPayload{TaskID: taskID}); err != nil {
		l.logf("realtime client: release lock %s: %v", taskID, err)
	}
	return true
}

// ApplyResult resolves one in-flight acquire. A failure result carries the
// winning holder's lock, which is recorded so the UI can show who has it.
func (l *LockCoordinator) ApplyResult(payload protocol.LockResultPayload) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.pending, payload.TaskID)

	if payload.Lock != nil {
		l.locks[payload.TaskID] = *payload.Lock
	}
	if payload.Status == protocol.LockResultSuccess {
		l.startExtendLocked(payload.TaskID)
	}
}

// ApplyLocked records a lock broadcast.
func (l *LockCoordinator) ApplyLocked(payload protocol.LockPayload) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locks[payload.Lock.TaskID] = payload.Lock
}

// ApplyUnlocked removes a released or expired lock. When it was the local
// user's own lease the renewal timer stops with it.
func (l *LockCoordinator) ApplyUnlocked(payload protocol.UnlockPayload) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.locks, payload.TaskID)
	l.stopExtendLocked(payload.TaskID)
}

// ApplyExtended records a renewed lease.
func (l *LockCoordinator) ApplyExtended(payload protocol.LockPayload) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locks[payload.Lock.TaskID] = payload.Lock
}

// Get returns the lock on taskID, if any.
func (l *LockCoordinator) Get(taskID string) (protocol.Lock, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.locks[taskID]
	return lock, ok
}

// HeldByMe reports whether the local user holds the lock on taskID.
func (l *LockCoordinator) HeldByMe(taskID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.locks[taskID]
	return ok && lock.UserID == l.userID
}

// State returns a copy of the full lock table keyed by task id.
func (l *LockCoordinator) State() map[string]protocol.Lock {
	l.mu.Lock()
	defer l.mu.Unlock()

	state := make(map[string]protocol.Lock, len(l.locks))
	for taskID, lock := range l.locks {
		state[taskID] = lock
	}
	return state
}

// Reset drops every lock, pending request and renewal timer, used when the
// connection drops. The server forfeits the leases on its side.
func (l *LockCoordinator) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.locks = make(map[string]protocol.Lock)
	l.pending = make(map[string]struct{})
	for taskID, stop := range l.extendStops {
		close(stop)
		delete(l.extendStops, taskID)
	}
}

func (l *LockCoordinator) startExtendLocked(taskID string) {
	l.stopExtendLocked(taskID)

	stop := make(chan struct{})
	l.extendStops[taskID] = stop

	go func() {
		ticker := time.NewTicker(l.extendInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := l.send(protocol.TypeLockExtend, protocol.LockRequestPayload{TaskID: taskID}); err != nil {
					l.logf("realtime client: extend lock %s: %v", taskID, err)
					return
				}
			}
		}
	}()
}

func (l *LockCoordinator) stopExtendLocked(taskID string) {
	if stop, ok := l.extendStops[taskID]; ok {
		close(stop)
		delete(l.extendStops, taskID)
	}
}
