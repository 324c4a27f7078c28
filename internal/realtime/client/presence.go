package client

import (
	"sort"
	"sync"

	"github.com/harborview/taskhub/internal/realtime/protocol"
)

// PresenceTracker keeps the project roster as reduced from the server's
// presence events. The online count always comes from the server; a list
// snapshot replaces everything accumulated before it.
type PresenceTracker struct {
	mu          sync.Mutex
	users       map[string]protocol.PresenceUser
	onlineCount int
}

func newPresenceTracker() *PresenceTracker {
	return &PresenceTracker{users: make(map[string]protocol.PresenceUser)}
}

// ApplyList replaces the roster with the authoritative snapshot.
func (t *PresenceTracker) ApplyList(payload protocol.PresenceListPayload) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.users = make(map[string]protocol.PresenceUser, len(payload.Users))
	for _, user := range payload.Users {
		t.users[user.UserID] = user
	}
	t.onlineCount = payload.OnlineCount
}

// ApplyJoined adds or replaces one roster member.
func (t *PresenceTracker) ApplyJoined(payload protocol.PresenceJoinedPayload) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.users[payload.User.UserID] = payload.User
	t.onlineCount = payload.OnlineCount
}

// ApplyLeft removes one roster member.
func (t *PresenceTracker) ApplyLeft(payload protocol.PresenceLeftPayload) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.users, payload.UserID)
	t.onlineCount = payload.OnlineCount
}

// ApplyUpdated records a status change for a known roster member. Updates
// for unknown users are dropped; the next snapshot reconciles.
func (t *PresenceTracker) ApplyUpdated(payload protocol.PresenceUpdatedPayload) {
	t.mu.Lock()
	defer t.mu.Unlock()

	user, ok := t.users[payload.UserID]
	if !ok {
		return
	}
	user.Status = payload.Status
	user.LastActiveAt = payload.LastActiveAt
	t.users[payload.UserID] = user
}

// ApplyWorkingOnChanged records a working-on change for a known member.
func (t *PresenceTracker) ApplyWorkingOnChanged(payload protocol.WorkingOnChangedPayload) {
	t.mu.Lock()
	defer t.mu.Unlock()

	user, ok := t.users[payload.UserID]
	if !ok {
		return
	}
	user.WorkingOn = payload.WorkingOn
	t.users[payload.UserID] = user
}

// Get returns one roster member by user id.
func (t *PresenceTracker) Get(userID string) (protocol.PresenceUser, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	user, ok := t.users[userID]
	return user, ok
}

// IsOnline reports whether the user is on the roster with a non-offline
// status.
func (t *PresenceTracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	user, ok := t.users[userID]
	return ok && user.Status != protocol.StatusOffline
}

// WorkingOn returns the task the user is working on, or nil.
func (t *PresenceTracker) WorkingOn(userID string) *protocol.WorkingOn {
	t.mu.Lock()
	defer t.mu.Unlock()

	user, ok := t.users[userID]
	if !ok {
		return nil
	}
	return user.WorkingOn
}

// List returns the roster ordered by connection time, then user id for
// stability when two users connected in the same instant.
func (t *PresenceTracker) List() []protocol.PresenceUser {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := make([]protocol.PresenceUser, 0, len(t.users))
	for _, user := range t.users {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool {
		if !users[i].ConnectedAt.Equal(users[j].ConnectedAt) {
			return users[i].ConnectedAt.Before(users[j].ConnectedAt)
		}
		return users[i].UserID < users[j].UserID
	})
	return users
}

// OnlineCount returns the server-reported participant count.
func (t *PresenceTracker) OnlineCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onlineCount
}

// Clear empties the roster, used when the connection drops.
func (t *PresenceTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.users = make(map[string]protocol.PresenceUser)
	t.onlineCount = 0
}
