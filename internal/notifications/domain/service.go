// Package domain holds the notification inbox use-cases: producers append
// user-targeted events, recipients list and acknowledge them. Delivery to an
// open realtime session happens upstream; this package owns the durable
// inbox the relay reconciles against.
package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/harborview/taskhub/internal/platform/id"
)

var (
	// ErrNotFound indicates a notification record was not found.
	ErrNotFound = errors.New("notification not found")
	// ErrConflict indicates a write conflicted with existing uniqueness constraints.
	ErrConflict = errors.New("notification conflict")
	// ErrStoreNotConfigured indicates the service is missing persistence wiring.
	ErrStoreNotConfigured = errors.New("notification store is not configured")
	// ErrRecipientRequired indicates recipient identity is required.
	ErrRecipientRequired = errors.New("recipient user id is required")
	// ErrTypeRequired indicates a notification type is required.
	ErrTypeRequired = errors.New("notification type is required")
	// ErrTitleRequired indicates a notification title is required.
	ErrTitleRequired = errors.New("notification title is required")
	// ErrNotificationIDRequired indicates a notification id is required.
	ErrNotificationIDRequired = errors.New("notification id is required")
	// ErrBadPageToken indicates a page token the store cannot decode.
	ErrBadPageToken = errors.New("page token is malformed")
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Notification is one user-targeted inbox item.
type Notification struct {
	ID              string
	RecipientUserID string
	Type            string
	Title           string
	Body            string
	Link            string
	DedupeKey       string
	Source          string
	CreatedAt       time.Time
	ReadAt          *time.Time
}

// Page is a paged inbox view, newest first.
type Page struct {
	Notifications []Notification
	NextPageToken string
}

// CreateInput describes one producer notification request.
type CreateInput struct {
	RecipientUserID string
	Type            string
	Title           string
	Body            string
	Link            string
	DedupeKey       string
	Source          string
}

// ListInput configures recipient inbox listing.
type ListInput struct {
	RecipientUserID string
	PageSize        int
	PageToken       string
}

// Store is the persistence boundary for inbox state.
type Store interface {
	Put(ctx context.Context, notification Notification) error
	GetByRecipientAndDedupeKey(ctx context.Context, recipientUserID string, dedupeKey string) (Notification, error)
	ListByRecipient(ctx context.Context, recipientUserID string, pageSize int, pageToken string) (Page, error)
	CountUnread(ctx context.Context, recipientUserID string) (int, error)
	MarkRead(ctx context.Context, recipientUserID string, notificationID string, readAt time.Time) (Notification, error)
	MarkAllRead(ctx context.Context, recipientUserID string, readAt time.Time) (int, error)
}

// Service orchestrates inbox lifecycle behavior.
type Service struct {
	store Store
	clock func() time.Time
	newID func() (string, error)
}

// NewService constructs the inbox use-cases.
func NewService(store Store, clock func() time.Time, newID func() (string, error)) *Service {
	if clock == nil {
		clock = time.Now
	}
	if newID == nil {
		newID = id.NewID
	}
	return &Service{store: store, clock: clock, newID: newID}
}

// Create appends one notification, de-duplicating by recipient+dedupe key.
// A repeated dedupe key returns the existing item instead of a new one.
func (s *Service) Create(ctx context.Context, input CreateInput) (Notification, error) {
	if s == nil || s.store == nil {
		return Notification{}, ErrStoreNotConfigured
	}
	recipient := strings.TrimSpace(input.RecipientUserID)
	if recipient == "" {
		return Notification{}, ErrRecipientRequired
	}
	notificationType := strings.TrimSpace(input.Type)
	if notificationType == "" {
		return Notification{}, ErrTypeRequired
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return Notification{}, ErrTitleRequired
	}

	dedupeKey := strings.TrimSpace(input.DedupeKey)
	if dedupeKey != "" {
		existing, err := s.store.GetByRecipientAndDedupeKey(ctx, recipient, dedupeKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Notification{}, err
		}
	}

	notificationID, err := s.newID()
	if err != nil {
		return Notification{}, err
	}
	notification := Notification{
		ID:              notificationID,
		RecipientUserID: recipient,
		Type:            notificationType,
		Title:           title,
		Body:            strings.TrimSpace(input.Body),
		Link:            strings.TrimSpace(input.Link),
		DedupeKey:       dedupeKey,
		Source:          strings.TrimSpace(input.Source),
		CreatedAt:       s.nowUTC(),
	}
	if err := s.store.Put(ctx, notification); err != nil {
		// A concurrent producer may have won the dedupe race.
		if dedupeKey != "" && errors.Is(err, ErrConflict) {
			existing, lookupErr := s.store.GetByRecipientAndDedupeKey(ctx, recipient, dedupeKey)
			if lookupErr == nil {
				return existing, nil
			}
			return Notification{}, err
		}
		return Notification{}, err
	}
	return notification, nil
}

// List returns recipient inbox notifications newest first.
func (s *Service) List(ctx context.Context, input ListInput) (Page, error) {
	if s == nil || s.store == nil {
		return Page{}, ErrStoreNotConfigured
	}
	recipient := strings.TrimSpace(input.RecipientUserID)
	if recipient == "" {
		return Page{}, ErrRecipientRequired
	}
	pageSize := input.PageSize
	switch {
	case pageSize <= 0:
		pageSize = defaultPageSize
	case pageSize > maxPageSize:
		pageSize = maxPageSize
	}
	return s.store.ListByRecipient(ctx, recipient, pageSize, strings.TrimSpace(input.PageToken))
}

// UnreadCount returns the recipient's unread notification count.
func (s *Service) UnreadCount(ctx context.Context, recipientUserID string) (int, error) {
	if s == nil || s.store == nil {
		return 0, ErrStoreNotConfigured
	}
	recipient := strings.TrimSpace(recipientUserID)
	if recipient == "" {
		return 0, ErrRecipientRequired
	}
	return s.store.CountUnread(ctx, recipient)
}

// MarkRead acknowledges one recipient notification.
func (s *Service) MarkRead(ctx context.Context, recipientUserID string, notificationID string) (Notification, error) {
	if s == nil || s.store == nil {
		return Notification{}, ErrStoreNotConfigured
	}
	recipient := strings.TrimSpace(recipientUserID)
	if recipient == "" {
		return Notification{}, ErrRecipientRequired
	}
	notificationID = strings.TrimSpace(notificationID)
	if notificationID == "" {
		return Notification{}, ErrNotificationIDRequired
	}
	return s.store.MarkRead(ctx, recipient, notificationID, s.nowUTC())
}

// MarkAllRead acknowledges every unread notification for the recipient and
// returns how many were affected.
func (s *Service) MarkAllRead(ctx context.Context, recipientUserID string) (int, error) {
	if s == nil || s.store == nil {
		return 0, ErrStoreNotConfigured
	}
	recipient := strings.TrimSpace(recipientUserID)
	if recipient == "" {
		return 0, ErrRecipientRequired
	}
	return s.store.MarkAllRead(ctx, recipient, s.nowUTC())
}

func (s *Service) nowUTC() time.Time {
	if s == nil || s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock().UTC()
}
