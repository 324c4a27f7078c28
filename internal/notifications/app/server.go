// Package app hosts the notifications HTTP service: the authoritative inbox
// the relay polls, plus the producer endpoint backend services append
// through. Appended notifications are forwarded to the realtime service so
// an open session sees them without waiting for the next poll.
package app

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/harborview/taskhub/internal/notifications/domain"
	"github.com/harborview/taskhub/internal/notifications/storage/sqlite"
	"github.com/harborview/taskhub/internal/platform/authtoken"
	"github.com/harborview/taskhub/internal/platform/timeouts"
	"github.com/harborview/taskhub/internal/realtime/protocol"
)

const producerSecretHeader = "X-Resource-Secret"

// Config defines the inputs for the notifications service.
type Config struct {
	HTTPAddr       string
	DBPath         string
	AuthHMACSecret string
	ProducerSecret string

	// RealtimeURL is the realtime service base URL; when set, created
	// notifications are pushed through its internal publish endpoint.
	RealtimeURL           string
	RealtimePublishSecret string

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the notifications HTTP process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	store           *sqlite.Store
}

// identityResolver resolves a bearer token into an identity.
type identityResolver interface {
	Authenticate(token string) (authtoken.Identity, error)
}

type verifierResolver struct {
	verifier *authtoken.Verifier
}

func (r verifierResolver) Authenticate(token string) (authtoken.Identity, error) {
	return r.verifier.Verify(token)
}

// pusher forwards one created notification to the realtime service.
type pusher interface {
	Push(ctx context.Context, projectID string, notification domain.Notification) error
}

// handlerDeps carries the collaborators the route handlers need.
type handlerDeps struct {
	service  *domain.Service
	resolver identityResolver
	// producerSecret gates POST /notifications; empty disables the route.
	producerSecret string
	push           pusher
}

// NewHandler builds the notifications routes around a domain service. A nil
// resolver disables user authentication, for tests.
func NewHandler(service *domain.Service, resolver identityResolver, producerSecret string, push pusher) http.Handler {
	deps := handlerDeps{
		service:        service,
		resolver:       resolver,
		producerSecret: strings.TrimSpace(producerSecret),
		push:           push,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("GET /notifications", deps.handleList)
	mux.HandleFunc("POST /notifications/{id}/read", deps.handleMarkRead)
	mux.HandleFunc("POST /notifications/read-all", deps.handleMarkAllRead)
	if deps.producerSecret != "" {
		mux.HandleFunc("POST /notifications", deps.handleCreate)
	}
	return mux
}

// notificationJSON is the wire shape of one inbox item.
type notificationJSON struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	Title     string     `json:"title"`
	Body      string     `json:"body,omitempty"`
	Link      string     `json:"link,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
}

func toJSON(notification domain.Notification) notificationJSON {
	return notificationJSON{
		ID:        notification.ID,
		Type:      notification.Type,
		Title:     notification.Title,
		Body:      notification.Body,
		Link:      notification.Link,
		CreatedAt: notification.CreatedAt,
		ReadAt:    notification.ReadAt,
	}
}

func (d handlerDeps) identify(w http.ResponseWriter, r *http.Request) (authtoken.Identity, bool) {
	if d.resolver == nil {
		return authtoken.Identity{UserID: "participant"}, true
	}

	header := strings.TrimSpace(r.Header.Get("Authorization"))
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return authtoken.Identity{}, false
	}
	identity, err := d.resolver.Authenticate(strings.TrimSpace(token))
	if err != nil || strings.TrimSpace(identity.UserID) == "" {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return authtoken.Identity{}, false
	}
	return identity, true
}

func (d handlerDeps) handleList(w http.ResponseWriter, r *http.Request) {
	identity, ok := d.identify(w, r)
	if !ok {
		return
	}

	pageSize := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("pageSize")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "invalid pageSize", http.StatusBadRequest)
			return
		}
		pageSize = parsed
	}

	page, err := d.service.List(r.Context(), domain.ListInput{
		RecipientUserID: identity.UserID,
		PageSize:        pageSize,
		PageToken:       strings.TrimSpace(r.URL.Query().Get("pageToken")),
	})
	if errors.Is(err, domain.ErrBadPageToken) {
		http.Error(w, "invalid pageToken", http.StatusBadRequest)
		return
	}
	if err != nil {
		log.Printf("notifications: list for user=%q: %v", identity.UserID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	unread, err := d.service.UnreadCount(r.Context(), identity.UserID)
	if err != nil {
		log.Printf("notifications: unread count for user=%q: %v", identity.UserID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	items := make([]notificationJSON, 0, len(page.Notifications))
	for _, notification := range page.Notifications {
		items = append(items, toJSON(notification))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": items,
		"unreadCount":   unread,
		"nextPageToken": page.NextPageToken,
	})
}

func (d handlerDeps) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	identity, ok := d.identify(w, r)
	if !ok {
		return
	}

	notification, err := d.service.MarkRead(r.Context(), identity.UserID, r.PathValue("id"))
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, "notification not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("notifications: mark read for user=%q: %v", identity.UserID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toJSON(notification))
}

func (d handlerDeps) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	identity, ok := d.identify(w, r)
	if !ok {
		return
	}

	marked, err := d.service.MarkAllRead(r.Context(), identity.UserID)
	if err != nil {
		log.Printf("notifications: mark all read for user=%q: %v", identity.UserID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"marked": marked})
}

// createRequest is one producer append. ProjectID routes the realtime push;
// it is not stored with the inbox item.
type createRequest struct {
	RecipientUserID string `json:"recipientUserId"`
	ProjectID       string `json:"projectId,omitempty"`
	Type            string `json:"type"`
	Title           string `json:"title"`
	Body            string `json:"body,omitempty"`
	Link            string `json:"link,omitempty"`
	DedupeKey       string `json:"dedupeKey,omitempty"`
	Source          string `json:"source,omitempty"`
}

func (d handlerDeps) handleCreate(w http.ResponseWriter, r *http.Request) {
	provided := strings.TrimSpace(r.Header.Get(producerSecretHeader))
	if subtle.ConstantTimeCompare([]byte(provided), []byte(d.producerSecret)) != 1 {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid notification payload", http.StatusBadRequest)
		return
	}

	notification, err := d.service.Create(r.Context(), domain.CreateInput{
		RecipientUserID: req.RecipientUserID,
		Type:            req.Type,
		Title:           req.Title,
		Body:            req.Body,
		Link:            req.Link,
		DedupeKey:       req.DedupeKey,
		Source:          req.Source,
	})
	switch {
	case errors.Is(err, domain.ErrRecipientRequired),
		errors.Is(err, domain.ErrTypeRequired),
		errors.Is(err, domain.ErrTitleRequired):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		log.Printf("notifications: create for user=%q: %v", req.RecipientUserID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if d.push != nil && strings.TrimSpace(req.ProjectID) != "" {
		// Best effort: the inbox row is durable either way, the poll
		// catches up.
		if err := d.push.Push(r.Context(), req.ProjectID, notification); err != nil {
			log.Printf("notifications: realtime push for user=%q: %v", notification.RecipientUserID, err)
		}
	}

	writeJSON(w, http.StatusCreated, toJSON(notification))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("notifications: encode response: %v", err)
	}
}

// realtimePusher forwards created notifications to the realtime publish
// endpoint.
type realtimePusher struct {
	baseURL string
	secret  string
	client  *http.Client
}

func newRealtimePusher(baseURL string, secret string) *realtimePusher {
	return &realtimePusher{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (p *realtimePusher) Push(ctx context.Context, projectID string, notification domain.Notification) error {
	data, err := json.Marshal(protocol.NotificationPayload{
		ID:               notification.ID,
		NotificationType: notification.Type,
		Title:            notification.Title,
		Body:             notification.Body,
		Link:             notification.Link,
		CreatedAt:        notification.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}
	body, err := json.Marshal(map[string]any{
		"projectId": projectID,
		"userId":    notification.RecipientUserID,
		"type":      protocol.TypeNotification,
		"data":      json.RawMessage(data),
	})
	if err != nil {
		return fmt.Errorf("marshal publish request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/internal/publish", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(producerSecretHeader, p.secret)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("post publish: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("publish rejected with status %d", resp.StatusCode)
	}
	return nil
}

// NewServer builds a configured notifications server.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if strings.TrimSpace(config.DBPath) == "" {
		return nil, errors.New("db path is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	var resolver identityResolver
	if secret := strings.TrimSpace(config.AuthHMACSecret); secret != "" {
		verifier, err := authtoken.NewVerifier(secret)
		if err != nil {
			return nil, fmt.Errorf("configure token verifier: %w", err)
		}
		resolver = verifierResolver{verifier: verifier}
	} else {
		log.Printf("notifications: auth secret is empty, identity checks disabled")
	}

	var push pusher
	if url := strings.TrimSpace(config.RealtimeURL); url != "" {
		push = newRealtimePusher(url, strings.TrimSpace(config.RealtimePublishSecret))
	}

	store, err := sqlite.Open(config.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open notification store: %w", err)
	}
	service := domain.NewService(store, nil, nil)

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           NewHandler(service, resolver, config.ProducerSecret, push),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		store:           store,
	}, nil
}

// Run creates and serves a notifications server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init notifications server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve notifications: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("notifications server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("notifications server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.store != nil {
		_ = s.store.Close()
	}
}
