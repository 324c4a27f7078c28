package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPLister polls the notifications service API.
type HTTPLister struct {
	baseURL string
	token   func() (string, error)
	client  *http.Client
}

// NewHTTPLister builds a lister for the service at baseURL. The token
// callback supplies the bearer credential per request.
func NewHTTPLister(baseURL string, token func() (string, error)) (*HTTPLister, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("notifications base url is required")
	}
	if token == nil {
		return nil, errors.New("token callback is required")
	}
	return &HTTPLister{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

type listResponse struct {
	Notifications []struct {
		ID        string     `json:"id"`
		Type      string     `json:"type"`
		Title     string     `json:"title"`
		Body      string     `json:"body"`
		Link      string     `json:"link"`
		CreatedAt time.Time  `json:"createdAt"`
		ReadAt    *time.Time `json:"readAt"`
	} `json:"notifications"`
	UnreadCount int `json:"unreadCount"`
}

// List fetches the first inbox page with the unread count.
func (l *HTTPLister) List(ctx context.Context) (ListResult, error) {
	resp, err := l.do(ctx, http.MethodGet, "/notifications")
	if err != nil {
		return ListResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ListResult{}, fmt.Errorf("list notifications: status %d", resp.StatusCode)
	}

	var body listResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ListResult{}, fmt.Errorf("decode notification list: %w", err)
	}

	result := ListResult{UnreadCount: body.UnreadCount}
	for _, item := range body.Notifications {
		result.Notifications = append(result.Notifications, Notification{
			ID:        item.ID,
			Type:      item.Type,
			Title:     item.Title,
			Body:      item.Body,
			Link:      item.Link,
			CreatedAt: item.CreatedAt,
			Read:      item.ReadAt != nil,
		})
	}
	return result, nil
}

// MarkRead acknowledges one notification.
func (l *HTTPLister) MarkRead(ctx context.Context, notificationID string) error {
	notificationID = strings.TrimSpace(notificationID)
	if notificationID == "" {
		return errors.New("notification id is required")
	}
	resp, err := l.do(ctx, http.MethodPost, "/notifications/"+url.PathEscape(notificationID)+"/read")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mark notification read: status %d", resp.StatusCode)
	}
	return nil
}

// MarkAllRead acknowledges every unread notification.
func (l *HTTPLister) MarkAllRead(ctx context.Context) error {
	resp, err := l.do(ctx, http.MethodPost, "/notifications/read-all")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mark all notifications read: status %d", resp.StatusCode)
	}
	return nil
}

func (l *HTTPLister) do(ctx context.Context, method string, path string) (*http.Response, error) {
	token, err := l.token()
	if err != nil {
		return nil, fmt.Errorf("resolve credential: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, l.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build %s %s request: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}
