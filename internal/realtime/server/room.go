package server

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/harborview/taskhub/internal/platform/timeouts"
	"github.com/harborview/taskhub/internal/realtime/protocol"
)

// wsPeer serializes frame writes onto one websocket connection.
type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeEnvelope(env protocol.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(env)
}

// roomHub tracks one room per project identifier.
type roomHub struct {
	mu    sync.Mutex
	rooms map[string]*projectRoom
	clock func() time.Time
}

func newRoomHub(clock func() time.Time) *roomHub {
	if clock == nil {
		clock = time.Now
	}
	return &roomHub{rooms: make(map[string]*projectRoom), clock: clock}
}

func (h *roomHub) room(projectID string) *projectRoom {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[projectID]
	if ok {
		return room
	}

	room = newProjectRoom(projectID, h.clock)
	h.rooms[projectID] = room
	return room
}

func (h *roomHub) allRooms() []*projectRoom {
	h.mu.Lock()
	defer h.mu.Unlock()

	rooms := make([]*projectRoom, 0, len(h.rooms))
	for _, room := range h.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// presenceEntry aggregates every open connection of one user in one room.
// The roster and the online count stay keyed by user, so a second browser
// tab never shows up as a second participant.
type presenceEntry struct {
	user  protocol.PresenceUser
	peers map[*wsPeer]struct{}
}

// projectRoom holds the shared realtime state of one project: the presence
// roster and the task lock lease table. Typing signals are relayed without
// server-side state; clients expire them on their own.
type projectRoom struct {
	mu        sync.Mutex
	projectID string
	clock     func() time.Time
	users     map[string]*presenceEntry
	locks     map[string]protocol.Lock
}

func newProjectRoom(projectID string, clock func() time.Time) *projectRoom {
	return &projectRoom{
		projectID: projectID,
		clock:     clock,
		users:     make(map[string]*presenceEntry),
		locks:     make(map[string]protocol.Lock),
	}
}

// join registers peer under identity and returns the snapshot frames owed to
// the new connection plus the presence_joined broadcast owed to everyone else
// (nil when the user was already present through another connection).
func (r *projectRoom) join(peer *wsPeer, identity protocol.PresenceUser) (snapshot protocol.PresenceListPayload, locks []protocol.Lock, joined *protocol.PresenceJoinedPayload, others []*wsPeer) {
	now := r.clock().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.users[identity.UserID]
	if !ok {
		identity.Status = protocol.StatusOnline
		identity.ConnectedAt = now
		identity.LastActiveAt = now
		entry = &presenceEntry{user: identity, peers: make(map[*wsPeer]struct{})}
		r.users[identity.UserID] = entry
	}
	entry.peers[peer] = struct{}{}

	snapshot = r.rosterLocked()
	locks = make([]protocol.Lock, 0, len(r.locks))
	for _, lock := range r.locks {
		locks = append(locks, lock)
	}

	if !ok {
		joined = &protocol.PresenceJoinedPayload{User: entry.user, OnlineCount: len(r.users)}
		others = r.peersLocked(peer, "")
	}
	return snapshot, locks, joined, others
}

// leave removes peer. When it was the user's last connection the user drops
// off the roster and every lease they held is forfeited.
func (r *projectRoom) leave(peer *wsPeer, userID string) (left *protocol.PresenceLeftPayload, released []protocol.UnlockPayload, others []*wsPeer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.users[userID]
	if !ok {
		return nil, nil, nil
	}
	delete(entry.peers, peer)
	if len(entry.peers) > 0 {
		return nil, nil, nil
	}
	delete(r.users, userID)

	for taskID, lock := range r.locks {
		if lock.UserID != userID {
			continue
		}
		delete(r.locks, taskID)
		released = append(released, protocol.UnlockPayload{TaskID: taskID, UserID: userID})
	}

	left = &protocol.PresenceLeftPayload{UserID: userID, OnlineCount: len(r.users)}
	return left, released, r.peersLocked(nil, "")
}

// acquire arbitrates one lock_acquire intent. First arrival wins; a second
// request for a held task gets a failure result carrying the current holder.
// Re-acquiring a task the caller already holds refreshes the lease.
func (r *projectRoom) acquire(identity protocol.PresenceUser, taskID string) (result protocol.LockResultPayload, broadcast *protocol.LockPayload, others []*wsPeer) {
	now := r.clock().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.locks[taskID]; ok && existing.UserID != identity.UserID {
		held := existing
		return protocol.LockResultPayload{TaskID: taskID, Status: protocol.LockResultFailure, Lock: &held}, nil, nil
	}

	lock := protocol.Lock{
		TaskID:     taskID,
		UserID:     identity.UserID,
		UserName:   identity.Name,
		AcquiredAt: now,
		ExpiresAt:  now.Add(timeouts.LockLease),
	}
	if existing, ok := r.locks[taskID]; ok {
		lock.AcquiredAt = existing.AcquiredAt
	}
	r.locks[taskID] = lock

	granted := lock
	return protocol.LockResultPayload{TaskID: taskID, Status: protocol.LockResultSuccess, Lock: &granted},
		&protocol.LockPayload{Lock: lock},
		r.peersLocked(nil, "")
}

// extend renews the caller's lease. Extends from anyone but the holder are
// dropped; the client retries acquisition after its local state catches up.
func (r *projectRoom) extend(userID string, taskID string) (*protocol.LockPayload, []*wsPeer) {
	now := r.clock().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.locks[taskID]
	if !ok || lock.UserID != userID {
		return nil, nil
	}
	lock.ExpiresAt = now.Add(timeouts.LockLease)
	r.locks[taskID] = lock
	return &protocol.LockPayload{Lock: lock}, r.peersLocked(nil, "")
}

// release drops the caller's lease. Releases from anyone but the holder are
// dropped.
func (r *projectRoom) release(userID string, taskID string) (*protocol.UnlockPayload, []*wsPeer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.locks[taskID]
	if !ok || lock.UserID != userID {
		return nil, nil
	}
	delete(r.locks, taskID)
	return &protocol.UnlockPayload{TaskID: taskID, UserID: userID}, r.peersLocked(nil, "")
}

// expireLocks forfeits every lease whose horizon passed and returns the
// unlock broadcasts owed per expired lease.
func (r *projectRoom) expireLocks(now time.Time) (expired []protocol.UnlockPayload, others []*wsPeer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for taskID, lock := range r.locks {
		if lock.ExpiresAt.After(now) {
			continue
		}
		delete(r.locks, taskID)
		expired = append(expired, protocol.UnlockPayload{TaskID: taskID, UserID: lock.UserID})
	}
	if len(expired) == 0 {
		return nil, nil
	}
	return expired, r.peersLocked(nil, "")
}

// setStatus updates one roster member's presence status.
func (r *projectRoom) setStatus(userID string, status string) (*protocol.PresenceUpdatedPayload, []*wsPeer) {
	now := r.clock().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.users[userID]
	if !ok {
		return nil, nil
	}
	entry.user.Status = status
	entry.user.LastActiveAt = now
	return &protocol.PresenceUpdatedPayload{UserID: userID, Status: status, LastActiveAt: now}, r.peersLocked(nil, "")
}

// setWorkingOn updates one roster member's working-on task; nil clears it.
func (r *projectRoom) setWorkingOn(userID string, workingOn *protocol.WorkingOn) (*protocol.WorkingOnChangedPayload, []*wsPeer) {
	now := r.clock().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.users[userID]
	if !ok {
		return nil, nil
	}
	if workingOn != nil && workingOn.StartedAt.IsZero() {
		workingOn.StartedAt = now
	}
	entry.user.WorkingOn = workingOn
	entry.user.LastActiveAt = now
	return &protocol.WorkingOnChangedPayload{UserID: userID, WorkingOn: workingOn}, r.peersLocked(nil, "")
}

// peers returns every connection in the room except the one given, and
// except any connection belonging to exceptUserID.
func (r *projectRoom) peers(except *wsPeer, exceptUserID string) []*wsPeer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peersLocked(except, exceptUserID)
}

// peersOf returns every connection of one user, for targeted pushes.
func (r *projectRoom) peersOf(userID string) []*wsPeer {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.users[userID]
	if !ok {
		return nil
	}
	peers := make([]*wsPeer, 0, len(entry.peers))
	for peer := range entry.peers {
		peers = append(peers, peer)
	}
	return peers
}

func (r *projectRoom) peersLocked(except *wsPeer, exceptUserID string) []*wsPeer {
	var peers []*wsPeer
	for userID, entry := range r.users {
		if exceptUserID != "" && userID == exceptUserID {
			continue
		}
		for peer := range entry.peers {
			if peer == except {
				continue
			}
			peers = append(peers, peer)
		}
	}
	return peers
}

func (r *projectRoom) rosterLocked() protocol.PresenceListPayload {
	users := make([]protocol.PresenceUser, 0, len(r.users))
	for _, entry := range r.users {
		users = append(users, entry.user)
	}
	return protocol.PresenceListPayload{Users: users, OnlineCount: len(r.users)}
}

func trimTaskID(raw string) string {
	return strings.TrimSpace(raw)
}
