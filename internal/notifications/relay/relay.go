// Package relay merges push-delivered notification events with the polled
// authoritative inbox. Pushes land instantly in a short-lived buffer and
// bump the unread count optimistically; every completed poll replaces the
// buffer with the server's truth.
package relay

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/harborview/taskhub/internal/platform/timeouts"
	"github.com/harborview/taskhub/internal/realtime/protocol"
)

// Notification is one inbox item as the relay exposes it.
type Notification struct {
	ID        string
	Type      string
	Title     string
	Body      string
	Link      string
	CreatedAt time.Time
	Read      bool
}

// ListResult is one authoritative poll outcome.
type ListResult struct {
	Notifications []Notification
	UnreadCount   int
}

// Lister is the poll collaborator, typically the notifications HTTP API.
type Lister interface {
	List(ctx context.Context) (ListResult, error)
	MarkRead(ctx context.Context, notificationID string) error
	MarkAllRead(ctx context.Context) error
}

// Relay layers the push buffer over the last poll result.
type Relay struct {
	lister Lister
	logf   func(string, ...any)

	mu     sync.Mutex
	buffer []Notification
	polled []Notification
	unread int
}

// New builds a relay over the given poll collaborator.
func New(lister Lister, logf func(string, ...any)) *Relay {
	if logf == nil {
		logf = log.Printf
	}
	return &Relay{lister: lister, logf: logf}
}

// Push merges one push-delivered event. Events already known from the
// buffer or the last poll are dropped; new ones are prepended and counted
// as unread until the next poll reconciles.
func (r *Relay) Push(payload protocol.NotificationPayload) {
	if payload.ID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, known := range r.buffer {
		if known.ID == payload.ID {
			return
		}
	}
	for _, known := range r.polled {
		if known.ID == payload.ID {
			return
		}
	}

	r.buffer = append([]Notification{{
		ID:        payload.ID,
		Type:      payload.NotificationType,
		Title:     payload.Title,
		Body:      payload.Body,
		Link:      payload.Link,
		CreatedAt: payload.CreatedAt,
	}}, r.buffer...)
	r.unread++
}

// Poll fetches the authoritative list, replacing the push buffer and the
// optimistic unread count.
func (r *Relay) Poll(ctx context.Context) error {
	result, err := r.lister.List(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.polled = result.Notifications
	r.buffer = nil
	r.unread = result.UnreadCount
	r.mu.Unlock()
	return nil
}

// MarkRead acknowledges one notification and re-polls so the list and
// counter reflect the server's view. The acknowledgement itself is best
// effort.
func (r *Relay) MarkRead(ctx context.Context, notificationID string) {
	if err := r.lister.MarkRead(ctx, notificationID); err != nil {
		r.logf("notification relay: mark read %s: %v", notificationID, err)
	}
	if err := r.Poll(ctx); err != nil {
		r.logf("notification relay: poll after mark read: %v", err)
	}
}

// MarkAllRead acknowledges everything and re-polls.
func (r *Relay) MarkAllRead(ctx context.Context) {
	if err := r.lister.MarkAllRead(ctx); err != nil {
		r.logf("notification relay: mark all read: %v", err)
	}
	if err := r.Poll(ctx); err != nil {
		r.logf("notification relay: poll after mark all read: %v", err)
	}
}

// List returns the merged view: pushed-but-not-yet-polled events first,
// then the last authoritative page.
func (r *Relay) List() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()

	merged := make([]Notification, 0, len(r.buffer)+len(r.polled))
	merged = append(merged, r.buffer...)
	merged = append(merged, r.polled...)
	return merged
}

// Unread returns the current unread count, optimistic between polls.
func (r *Relay) Unread() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unread
}

// Run polls on a fixed cadence until the context ends. Poll failures are
// logged; the previous state stays visible.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(timeouts.NotificationPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Poll(ctx); err != nil {
				r.logf("notification relay: poll: %v", err)
			}
		}
	}
}
