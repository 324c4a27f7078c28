package client

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harborview/taskhub/internal/realtime/protocol"
)

// typingKey identifies one remote user composing on one task.
type typingKey struct {
	userID string
	taskID string
}

type remoteTyper struct {
	name      string
	startedAt time.Time
	expire    *time.Timer
}

// TypingAggregator handles both halves of the typing indicator: it debounces
// the local user's keystrokes into typing_start/typing_stop intents, and it
// tracks remote typers with a hard expiry so a peer that vanished mid-keystroke
// never leaves a stuck indicator.
type TypingAggregator struct {
	userID   string
	send     func(msgType string, data any) error
	debounce time.Duration
	idleStop time.Duration
	expiry   time.Duration

	mu         sync.Mutex
	lastSent   map[string]time.Time
	idleTimers map[string]*time.Timer
	remote     map[typingKey]*remoteTyper
	clock      func() time.Time
	closed     bool
}

func newTypingAggregator(userID string, send func(string, any) error, debounce, idleStop, expiry time.Duration) *TypingAggregator {
	return &TypingAggregator{
		userID:     userID,
		send:       send,
		debounce:   debounce,
		idleStop:   idleStop,
		expiry:     expiry,
		lastSent:   make(map[string]time.Time),
		idleTimers: make(map[string]*time.Timer),
		remote:     make(map[typingKey]*remoteTyper),
		clock:      time.Now,
	}
}

// InputChanged registers a local keystroke on taskID. A typing_start goes
// out at most once per debounce window per task; every call pushes back the
// idle timer that eventually emits typing_stop.
func (a *TypingAggregator) InputChanged(taskID string) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	now := a.clock()
	sendStart := now.Sub(a.lastSent[taskID]) >= a.debounce
	if sendStart {
		a.lastSent[taskID] = now
	}

	if timer, ok := a.idleTimers[taskID]; ok {
		timer.Reset(a.idleStop)
	} else {
		a.idleTimers[taskID] = time.AfterFunc(a.idleStop, func() { a.idleStopped(taskID) })
	}
	a.mu.Unlock()

	if sendStart {
		_ = a.send(protocol.TypeTypingStart, protocol.TypingPayload{UserID: a.userID, TaskID: taskID})
	}
}

// StopTyping ends the local typing session on taskID immediately, as when
// the input is blurred or the edit submitted.
func (a *TypingAggregator) StopTyping(taskID string) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return
	}

	a.mu.Lock()
	_, active := a.idleTimers[taskID]
	a.clearLocalLocked(taskID)
	a.mu.Unlock()

	if active {
		_ = a.send(protocol.TypeTypingStop, protocol.TypingPayload{UserID: a.userID, TaskID: taskID})
	}
}

func (a *TypingAggregator) idleStopped(taskID string) {
	a.mu.Lock()
	_, active := a.idleTimers[taskID]
	a.clearLocalLocked(taskID)
	a.mu.Unlock()

	if active {
		_ = a.send(protocol.TypeTypingStop, protocol.TypingPayload{UserID: a.userID, TaskID: taskID})
	}
}

func (a *TypingAggregator) clearLocalLocked(taskID string) {
	if timer, ok := a.idleTimers[taskID]; ok {
		timer.Stop()
		delete(a.idleTimers, taskID)
	}
	delete(a.lastSent, taskID)
}

// ApplyRemoteStart records a remote typer. A refresh keeps the original
// start time, so display ordering stays stable, and re-arms the expiry.
func (a *TypingAggregator) ApplyRemoteStart(payload protocol.TypingPayload) {
	if payload.UserID == a.userID {
		return
	}
	key := typingKey{userID: payload.UserID, taskID: payload.TaskID}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	if typer, ok := a.remote[key]; ok {
		typer.name = payload.Name
		typer.expire.Reset(a.expiry)
		return
	}
	a.remote[key] = &remoteTyper{
		name:      payload.Name,
		startedAt: a.clock(),
		expire:    time.AfterFunc(a.expiry, func() { a.expireRemote(key) }),
	}
}

// ApplyRemoteStop removes a remote typer.
func (a *TypingAggregator) ApplyRemoteStop(payload protocol.TypingPayload) {
	key := typingKey{userID: payload.UserID, taskID: payload.TaskID}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.removeRemoteLocked(key)
}

func (a *TypingAggregator) expireRemote(key typingKey) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.removeRemoteLocked(key)
}

func (a *TypingAggregator) removeRemoteLocked(key typingKey) {
	typer, ok := a.remote[key]
	if !ok {
		return
	}
	typer.expire.Stop()
	delete(a.remote, key)
}

// Typers returns the names of remote users typing on taskID, ordered by
// when they started.
func (a *TypingAggregator) Typers(taskID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	type entry struct {
		name      string
		startedAt time.Time
		userID    string
	}
	var entries []entry
	for key, typer := range a.remote {
		if key.taskID != taskID {
			continue
		}
		name := typer.name
		if name == "" {
			name = key.userID
		}
		entries = append(entries, entry{name: name, startedAt: typer.startedAt, userID: key.userID})
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].startedAt.Equal(entries[j].startedAt) {
			return entries[i].startedAt.Before(entries[j].startedAt)
		}
		return entries[i].userID < entries[j].userID
	})

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.name)
	}
	return names
}

// TypingText renders the indicator line for taskID: nothing, one name, two
// names, or a count once more than two users type at once.
func (a *TypingAggregator) TypingText(taskID string) string {
	names := a.Typers(taskID)
	switch len(names) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("%s is typing...", names[0])
	case 2:
		return fmt.Sprintf("%s and %s are typing...", names[0], names[1])
	default:
		return fmt.Sprintf("%d people are typing...", len(names))
	}
}

// Reset drops all local and remote typing state without emitting stops,
// used when the connection drops. The aggregator stays usable.
func (a *TypingAggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for taskID := range a.idleTimers {
		a.clearLocalLocked(taskID)
	}
	for key := range a.remote {
		a.removeRemoteLocked(key)
	}
}

// Close resets and marks the aggregator unusable so no timer fires after
// the owning session is gone.
func (a *TypingAggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closed = true
	for taskID := range a.idleTimers {
		a.clearLocalLocked(taskID)
	}
	for key := range a.remote {
		a.removeRemoteLocked(key)
	}
}
