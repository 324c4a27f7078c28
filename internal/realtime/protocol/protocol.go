// Package protocol defines the message envelope and payload shapes carried
// over the realtime duplex connection. Both the server and the client session
// layer speak exactly these types; the envelope is purpose-built for the
// presence, lock and typing event families rather than general pub/sub.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Server-to-client message types.
const (
	TypeConnected        = "connected"
	TypePresenceList     = "presence_list"
	TypePresenceJoined   = "presence_joined"
	TypePresenceLeft     = "presence_left"
	TypePresenceUpdated  = "presence_updated"
	TypeWorkingOnChanged = "working_on_changed"
	TypeTaskLocked       = "task_locked"
	TypeTaskUnlocked     = "task_unlocked"
	TypeTaskLockExtended = "task_lock_extended"
	TypeLockResult       = "lock_result"
	TypeTypingStart      = "typing_start"
	TypeTypingStop       = "typing_stop"
	TypeTaskUpdated      = "task_updated"
	TypeTasksSynced      = "tasks_synced"
	TypeProjectUpdated   = "project_updated"
	TypeNotification     = "notification"
	TypePong             = "pong"
)

// Client-to-server intent types. typing_start and typing_stop are symmetric:
// the server relays them to the other subscribers of the project.
const (
	TypePing           = "ping"
	TypeLockAcquire    = "lock_acquire"
	TypeLockExtend     = "lock_extend"
	TypeLockRelease    = "lock_release"
	TypePresenceUpdate = "presence_update"
	TypeWorkingOn      = "working_on"
)

// Presence status values.
const (
	StatusOnline  = "online"
	StatusIdle    = "idle"
	StatusAway    = "away"
	StatusOffline = "offline"
)

// Lock result statuses.
const (
	LockResultSuccess = "success"
	LockResultFailure = "failure"
)

// Envelope frames every realtime message in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	ProjectID string          `json:"projectId"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope builds an envelope for msgType stamped with the current UTC
// time. A nil data payload produces an envelope without a data field.
func NewEnvelope(msgType string, projectID string, data any) (Envelope, error) {
	msgType = strings.TrimSpace(msgType)
	if msgType == "" {
		return Envelope{}, errors.New("message type is required")
	}
	env := Envelope{
		Type:      msgType,
		ProjectID: strings.TrimSpace(projectID),
		Timestamp: time.Now().UTC(),
	}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	env.Data = raw
	return env, nil
}

// Decode unmarshals the envelope payload into target.
func (e Envelope) Decode(target any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, target); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// WorkingOn describes the task a user currently has open for editing.
type WorkingOn struct {
	TaskID    string    `json:"taskId"`
	TaskTitle string    `json:"taskTitle"`
	StartedAt time.Time `json:"startedAt"`
}

// PresenceUser is one participant on the project roster.
type PresenceUser struct {
	UserID       string     `json:"userId"`
	Name         string     `json:"name"`
	Email        string     `json:"email,omitempty"`
	Status       string     `json:"status"`
	ConnectedAt  time.Time  `json:"connectedAt"`
	LastActiveAt time.Time  `json:"lastActiveAt"`
	WorkingOn    *WorkingOn `json:"workingOn,omitempty"`
}

// ConnectedPayload greets a freshly accepted connection.
type ConnectedPayload struct {
	UserID     string    `json:"userId"`
	ServerTime time.Time `json:"serverTime"`
}

// PresenceListPayload is the authoritative roster snapshot sent on every
// (re)connect. It replaces any roster the client accumulated before a gap.
type PresenceListPayload struct {
	Users       []PresenceUser `json:"users"`
	OnlineCount int            `json:"onlineCount"`
}

// PresenceJoinedPayload announces one user joining. OnlineCount is the
// server-side aggregate, never derived locally.
type PresenceJoinedPayload struct {
	User        PresenceUser `json:"user"`
	OnlineCount int          `json:"onlineCount"`
}

// PresenceLeftPayload announces one user leaving.
type PresenceLeftPayload struct {
	UserID      string `json:"userId"`
	OnlineCount int    `json:"onlineCount"`
}

// PresenceUpdatedPayload announces a status change for a roster member.
type PresenceUpdatedPayload struct {
	UserID       string    `json:"userId"`
	Status       string    `json:"status"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

// WorkingOnChangedPayload announces a working-on change. A nil WorkingOn
// clears the previous value.
type WorkingOnChangedPayload struct {
	UserID    string     `json:"userId"`
	WorkingOn *WorkingOn `json:"workingOn"`
}

// Lock is a pessimistic, lease-based claim on one task.
type Lock struct {
	TaskID     string    `json:"taskId"`
	UserID     string    `json:"userId"`
	UserName   string    `json:"userName"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// LockPayload carries a lock for task_locked and task_lock_extended events.
type LockPayload struct {
	Lock Lock `json:"lock"`
}

// UnlockPayload announces a released or expired lock.
type UnlockPayload struct {
	TaskID string `json:"taskId"`
	UserID string `json:"userId"`
}

// LockResultPayload resolves one lock_acquire intent. On failure the Lock
// field carries the winning holder when one exists.
type LockResultPayload struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
	Lock   *Lock  `json:"lock,omitempty"`
}

// LockRequestPayload is the acquire/extend/release intent payload.
type LockRequestPayload struct {
	TaskID string `json:"taskId"`
}

// TypingPayload marks one user composing input for one task. Name is filled
// by the server from the authenticated identity before relaying.
type TypingPayload struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
	TaskID string `json:"taskId"`
}

// TaskUpdatedPayload identifies the task whose cached queries are stale.
type TaskUpdatedPayload struct {
	TaskID string `json:"taskId"`
}

// PresenceUpdatePayload is the client intent to change its own status.
type PresenceUpdatePayload struct {
	Status string `json:"status"`
}

// WorkingOnPayload is the client intent to set or clear its working-on task.
type WorkingOnPayload struct {
	WorkingOn *WorkingOn `json:"workingOn"`
}

// NotificationPayload is one push-delivered notification event.
type NotificationPayload struct {
	ID               string    `json:"id"`
	NotificationType string    `json:"notificationType"`
	Title            string    `json:"title"`
	Body             string    `json:"body,omitempty"`
	Link             string    `json:"link,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}
