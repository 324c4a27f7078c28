// Package sqlite persists the notification inbox in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/harborview/taskhub/internal/notifications/domain"
)

// Store implements domain.Store over SQLite.
type Store struct {
	db *sqlx.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS notifications (
	id TEXT PRIMARY KEY,
	recipient_user_id TEXT NOT NULL,
	type TEXT NOT NULL,
	title TEXT NOT NULL,
	body TEXT NOT NULL DEFAULT '',
	link TEXT NOT NULL DEFAULT '',
	dedupe_key TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL DEFAULT '',
	created_at_ms INTEGER NOT NULL,
	read_at_ms INTEGER
);
CREATE INDEX IF NOT EXISTS idx_notifications_recipient_created
	ON notifications (recipient_user_id, created_at_ms DESC, id DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_notifications_recipient_dedupe
	ON notifications (recipient_user_id, dedupe_key)
	WHERE dedupe_key != '';
`

// Open opens (or creates) the inbox database at path and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path is required")
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type notificationRow struct {
	ID              string        `db:"id"`
	RecipientUserID string        `db:"recipient_user_id"`
	Type            string        `db:"type"`
	Title           string        `db:"title"`
	Body            string        `db:"body"`
	Link            string        `db:"link"`
	DedupeKey       string        `db:"dedupe_key"`
	Source          string        `db:"source"`
	CreatedAtMs     int64         `db:"created_at_ms"`
	ReadAtMs        sql.NullInt64 `db:"read_at_ms"`
}

func (r notificationRow) toDomain() domain.Notification {
	notification := domain.Notification{
		ID:              r.ID,
		RecipientUserID: r.RecipientUserID,
		Type:            r.Type,
		Title:           r.Title,
		Body:            r.Body,
		Link:            r.Link,
		DedupeKey:       r.DedupeKey,
		Source:          r.Source,
		CreatedAt:       fromMillis(r.CreatedAtMs),
	}
	if r.ReadAtMs.Valid {
		readAt := fromMillis(r.ReadAtMs.Int64)
		notification.ReadAt = &readAt
	}
	return notification
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Put persists one inbox row.
func (s *Store) Put(ctx context.Context, notification domain.Notification) error {
	if s == nil || s.db == nil {
		return domain.ErrStoreNotConfigured
	}
	if strings.TrimSpace(notification.ID) == "" {
		return domain.ErrNotificationIDRequired
	}
	if strings.TrimSpace(notification.RecipientUserID) == "" {
		return domain.ErrRecipientRequired
	}

	var readAt sql.NullInt64
	if notification.ReadAt != nil {
		readAt = sql.NullInt64{Int64: toMillis(*notification.ReadAt), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (
			id, recipient_user_id, type, title, body, link,
			dedupe_key, source, created_at_ms, read_at_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		notification.ID, notification.RecipientUserID, notification.Type,
		notification.Title, notification.Body, notification.Link,
		notification.DedupeKey, notification.Source,
		toMillis(notification.CreatedAt), readAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// GetByRecipientAndDedupeKey loads one recipient notification by dedupe key.
func (s *Store) GetByRecipientAndDedupeKey(ctx context.Context, recipientUserID string, dedupeKey string) (domain.Notification, error) {
	if s == nil || s.db == nil {
		return domain.Notification{}, domain.ErrStoreNotConfigured
	}

	var row notificationRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM notifications
		WHERE recipient_user_id = ? AND dedupe_key = ?`,
		recipientUserID, dedupeKey,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Notification{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Notification{}, fmt.Errorf("load notification by dedupe key: %w", err)
	}
	return row.toDomain(), nil
}

// ListByRecipient pages recipient notifications newest first. The page token
// encodes the creation time and id of the last item of the previous page.
func (s *Store) ListByRecipient(ctx context.Context, recipientUserID string, pageSize int, pageToken string) (domain.Page, error) {
	if s == nil || s.db == nil {
		return domain.Page{}, domain.ErrStoreNotConfigured
	}
	if pageSize <= 0 {
		pageSize = 50
	}

	query := `
		SELECT * FROM notifications
		WHERE recipient_user_id = ?`
	args := []any{recipientUserID}
	if pageToken != "" {
		createdAtMs, lastID, err := decodePageToken(pageToken)
		if err != nil {
			return domain.Page{}, err
		}
		query += ` AND (created_at_ms < ? OR (created_at_ms = ? AND id < ?))`
		args = append(args, createdAtMs, createdAtMs, lastID)
	}
	query += ` ORDER BY created_at_ms DESC, id DESC LIMIT ?`
	args = append(args, pageSize+1)

	var rows []notificationRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return domain.Page{}, fmt.Errorf("list notifications: %w", err)
	}

	page := domain.Page{}
	hasMore := len(rows) > pageSize
	if hasMore {
		rows = rows[:pageSize]
	}
	for _, row := range rows {
		page.Notifications = append(page.Notifications, row.toDomain())
	}
	if hasMore && len(rows) > 0 {
		last := rows[len(rows)-1]
		page.NextPageToken = encodePageToken(last.CreatedAtMs, last.ID)
	}
	return page, nil
}

// CountUnread counts recipient notifications without a read acknowledgement.
func (s *Store) CountUnread(ctx context.Context, recipientUserID string) (int, error) {
	if s == nil || s.db == nil {
		return 0, domain.ErrStoreNotConfigured
	}

	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM notifications
		WHERE recipient_user_id = ? AND read_at_ms IS NULL`,
		recipientUserID,
	)
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return count, nil
}

// MarkRead stamps one recipient notification as read. Marking an already
// read notification keeps the original read time.
func (s *Store) MarkRead(ctx context.Context, recipientUserID string, notificationID string, readAt time.Time) (domain.Notification, error) {
	if s == nil || s.db == nil {
		return domain.Notification{}, domain.ErrStoreNotConfigured
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read_at_ms = ?
		WHERE recipient_user_id = ? AND id = ? AND read_at_ms IS NULL`,
		toMillis(readAt), recipientUserID, notificationID,
	)
	if err != nil {
		return domain.Notification{}, fmt.Errorf("mark notification read: %w", err)
	}

	var row notificationRow
	err = s.db.GetContext(ctx, &row, `
		SELECT * FROM notifications
		WHERE recipient_user_id = ? AND id = ?`,
		recipientUserID, notificationID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Notification{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Notification{}, fmt.Errorf("load notification: %w", err)
	}
	return row.toDomain(), nil
}

// MarkAllRead stamps every unread recipient notification as read.
func (s *Store) MarkAllRead(ctx context.Context, recipientUserID string, readAt time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, domain.ErrStoreNotConfigured
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read_at_ms = ?
		WHERE recipient_user_id = ? AND read_at_ms IS NULL`,
		toMillis(readAt), recipientUserID,
	)
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count marked notifications: %w", err)
	}
	return int(affected), nil
}

func encodePageToken(createdAtMs int64, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(createdAtMs, 10) + "|" + id))
}

func decodePageToken(token string) (int64, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", domain.ErrBadPageToken, err)
	}
	createdAt, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return 0, "", domain.ErrBadPageToken
	}
	createdAtMs, err := strconv.ParseInt(createdAt, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", domain.ErrBadPageToken, err)
	}
	return createdAtMs, id, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
