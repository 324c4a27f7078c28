// Package server hosts the realtime collaboration surface: one websocket
// room per project carrying presence, task lock and typing traffic.
//
// The process is a transport and arbitration layer only. Task and project
// records stay owned by the relational backend, which reaches the rooms
// through the internal publish endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/websocket"

	"github.com/harborview/taskhub/internal/platform/authtoken"
	"github.com/harborview/taskhub/internal/platform/timeouts"
	"github.com/harborview/taskhub/internal/realtime/protocol"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3
)

// Config defines the inputs for the realtime transport boundary.
type Config struct {
	HTTPAddr          string
	AuthHMACSecret    string
	PublishSecret     string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the realtime HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	hub             *roomHub
	sweepStop       context.CancelFunc
	sweepDone       chan struct{}
}

// wsAuthenticator resolves an access token into an identity.
type wsAuthenticator interface {
	Authenticate(token string) (authtoken.Identity, error)
}

type verifierAuthenticator struct {
	verifier *authtoken.Verifier
}

func (a verifierAuthenticator) Authenticate(token string) (authtoken.Identity, error) {
	return a.verifier.Verify(token)
}

type wsIdentityContextKey struct{}

// NewHandler creates realtime routes without websocket auth, for tests and
// offline paths.
func NewHandler() http.Handler {
	return newHandler(nil, false, "", newRoomHub(nil))
}

// NewHandlerWithAuthenticator creates realtime routes with enforced
// websocket identity checks.
func NewHandlerWithAuthenticator(authenticator wsAuthenticator, publishSecret string) http.Handler {
	return newHandler(authenticator, true, publishSecret, newRoomHub(nil))
}

func newHandler(authenticator wsAuthenticator, requireAuth bool, publishSecret string, hub *roomHub) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, hub)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		projectID := strings.TrimSpace(r.URL.Query().Get("project_id"))
		if projectID == "" {
			http.Error(w, "project_id is required", http.StatusBadRequest)
			return
		}

		identity := authtoken.Identity{UserID: "participant", Name: "participant"}
		if requireAuth {
			if authenticator == nil {
				http.Error(w, "websocket auth is not configured", http.StatusServiceUnavailable)
				return
			}

			accessToken := accessTokenFromRequest(r)
			if accessToken == "" {
				log.Printf("realtime: websocket unauthorized: missing token for host=%q remote=%s project=%q", r.Host, r.RemoteAddr, projectID)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}

			resolved, err := authenticator.Authenticate(accessToken)
			if err != nil || strings.TrimSpace(resolved.UserID) == "" {
				log.Printf("realtime: websocket unauthorized: token rejected for host=%q remote=%s project=%q err=%v", r.Host, r.RemoteAddr, projectID, err)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			identity = resolved
		}

		ctx := context.WithValue(r.Context(), wsIdentityContextKey{}, identity)
		wsHandler.ServeHTTP(w, r.WithContext(ctx))
	})

	registerPublishRoutes(mux, hub, publishSecret)

	return mux
}

// accessTokenFromRequest pulls the credential from the Authorization header
// or the token query parameter. Browser clients use the query parameter
// because the WebSocket API cannot set headers.
func accessTokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func handleWSConn(conn *websocket.Conn, hub *roomHub) {
	defer func() {
		_ = conn.Close()
	}()

	request := conn.Request()
	if request == nil {
		return
	}
	projectID := strings.TrimSpace(request.URL.Query().Get("project_id"))
	identity, _ := request.Context().Value(wsIdentityContextKey{}).(authtoken.Identity)
	if projectID == "" || strings.TrimSpace(identity.UserID) == "" {
		return
	}

	peer := newWSPeer(json.NewEncoder(conn))
	room := hub.room(projectID)

	snapshot, locks, joined, others := room.join(peer, protocol.PresenceUser{
		UserID: identity.UserID,
		Name:   identity.Name,
		Email:  identity.Email,
	})
	defer func() {
		left, released, remaining := room.leave(peer, identity.UserID)
		for _, unlock := range released {
			broadcast(remaining, projectID, protocol.TypeTaskUnlocked, unlock)
		}
		if left != nil {
			broadcast(remaining, projectID, protocol.TypePresenceLeft, *left)
		}
	}()

	sendToPeer(peer, projectID, protocol.TypeConnected, protocol.ConnectedPayload{
		UserID:     identity.UserID,
		ServerTime: time.Now().UTC(),
	})
	sendToPeer(peer, projectID, protocol.TypePresenceList, snapshot)
	// Lease replay: a reconnecting client starts from an empty lock map and
	// treats these as its resync.
	for _, lock := range locks {
		sendToPeer(peer, projectID, protocol.TypeTaskLocked, protocol.LockPayload{Lock: lock})
	}
	if joined != nil {
		broadcast(others, projectID, protocol.TypePresenceJoined, *joined)
	}

	decoder := json.NewDecoder(conn)
	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var env protocol.Envelope
		if err := decoder.Decode(&env); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			log.Printf("realtime: invalid frame from user=%q project=%q err=%v", identity.UserID, projectID, err)
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(env.Data) > maxFramePayloadBytes {
			log.Printf("realtime: oversized %s payload from user=%q project=%q", env.Type, identity.UserID, projectID)
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			log.Printf("realtime: rate limit exceeded for user=%q project=%q", identity.UserID, projectID)
			return
		}

		if env.ProjectID != "" && env.ProjectID != projectID {
			log.Printf("realtime: project mismatch %q on connection for %q user=%q", env.ProjectID, projectID, identity.UserID)
			continue
		}

		handleIntent(room, peer, projectID, identity, env)
	}
}

// handleIntent dispatches one client intent. Unknown types are logged and
// ignored; a protocol violation never tears down the connection.
func handleIntent(room *projectRoom, peer *wsPeer, projectID string, identity authtoken.Identity, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypePing:
		sendToPeer(peer, projectID, protocol.TypePong, nil)

	case protocol.TypeLockAcquire:
		taskID, ok := decodeTaskID(env, identity)
		if !ok {
			return
		}
		result, locked, others := room.acquire(protocol.PresenceUser{UserID: identity.UserID, Name: identity.Name}, taskID)
		sendToPeer(peer, projectID, protocol.TypeLockResult, result)
		if locked != nil {
			broadcast(others, projectID, protocol.TypeTaskLocked, *locked)
		}

	case protocol.TypeLockExtend:
		taskID, ok := decodeTaskID(env, identity)
		if !ok {
			return
		}
		extended, others := room.extend(identity.UserID, taskID)
		if extended != nil {
			broadcast(others, projectID, protocol.TypeTaskLockExtended, *extended)
		}

	case protocol.TypeLockRelease:
		taskID, ok := decodeTaskID(env, identity)
		if !ok {
			return
		}
		unlocked, others := room.release(identity.UserID, taskID)
		if unlocked != nil {
			broadcast(others, projectID, protocol.TypeTaskUnlocked, *unlocked)
		}

	case protocol.TypeTypingStart, protocol.TypeTypingStop:
		var payload protocol.TypingPayload
		if err := env.Decode(&payload); err != nil {
			log.Printf("realtime: %v user=%q", err, identity.UserID)
			return
		}
		payload.UserID = identity.UserID
		payload.Name = identity.Name
		payload.TaskID = trimTaskID(payload.TaskID)
		if payload.TaskID == "" {
			return
		}
		broadcast(room.peers(nil, identity.UserID), projectID, env.Type, payload)

	case protocol.TypePresenceUpdate:
		var payload protocol.PresenceUpdatePayload
		if err := env.Decode(&payload); err != nil {
			log.Printf("realtime: %v user=%q", err, identity.UserID)
			return
		}
		if !validPresenceStatus(payload.Status) {
			log.Printf("realtime: invalid presence status %q from user=%q", payload.Status, identity.UserID)
			return
		}
		updated, peers := room.setStatus(identity.UserID, payload.Status)
		if updated != nil {
			broadcast(peers, projectID, protocol.TypePresenceUpdated, *updated)
		}

	case protocol.TypeWorkingOn:
		var payload protocol.WorkingOnPayload
		if err := env.Decode(&payload); err != nil {
			log.Printf("realtime: %v user=%q", err, identity.UserID)
			return
		}
		changed, peers := room.setWorkingOn(identity.UserID, payload.WorkingOn)
		if changed != nil {
			broadcast(peers, projectID, protocol.TypeWorkingOnChanged, *changed)
		}

	default:
		log.Printf("realtime: unknown intent type %q from user=%q project=%q", env.Type, identity.UserID, projectID)
	}
}

func decodeTaskID(env protocol.Envelope, identity authtoken.Identity) (string, bool) {
	var payload protocol.LockRequestPayload
	if err := env.Decode(&payload); err != nil {
		log.Printf("realtime: %v user=%q", err, identity.UserID)
		return "", false
	}
	taskID := trimTaskID(payload.TaskID)
	if taskID == "" {
		log.Printf("realtime: %s without task id from user=%q", env.Type, identity.UserID)
		return "", false
	}
	return taskID, true
}

func validPresenceStatus(status string) bool {
	switch status {
	case protocol.StatusOnline, protocol.StatusIdle, protocol.StatusAway, protocol.StatusOffline:
		return true
	}
	return false
}

func sendToPeer(peer *wsPeer, projectID string, msgType string, data any) {
	env, err := protocol.NewEnvelope(msgType, projectID, data)
	if err != nil {
		log.Printf("realtime: build %s envelope: %v", msgType, err)
		return
	}
	if err := peer.writeEnvelope(env); err != nil {
		log.Printf("realtime: write %s frame: %v", msgType, err)
	}
}

func broadcast(peers []*wsPeer, projectID string, msgType string, data any) {
	env, err := protocol.NewEnvelope(msgType, projectID, data)
	if err != nil {
		log.Printf("realtime: build %s envelope: %v", msgType, err)
		return
	}
	for _, peer := range peers {
		_ = peer.writeEnvelope(env)
	}
}

// NewServer builds a configured realtime server.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	var authenticator wsAuthenticator
	if secret := strings.TrimSpace(config.AuthHMACSecret); secret != "" {
		verifier, err := authtoken.NewVerifier(secret)
		if err != nil {
			return nil, fmt.Errorf("configure token verifier: %w", err)
		}
		authenticator = verifierAuthenticator{verifier: verifier}
	} else {
		log.Printf("realtime: auth secret is empty, websocket identity checks disabled")
	}

	hub := newRoomHub(nil)
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           newHandler(authenticator, authenticator != nil, strings.TrimSpace(config.PublishSecret), hub),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	sweepCtx, sweepStop := context.WithCancel(context.Background())
	server := &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		hub:             hub,
		sweepStop:       sweepStop,
		sweepDone:       make(chan struct{}),
	}
	go server.sweepExpiredLocks(sweepCtx)

	return server, nil
}

// Run creates and serves a realtime server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init realtime server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve realtime: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("realtime server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("realtime server listening on %s", s.httpAddr)
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
	if s.sweepStop != nil {
		s.sweepStop()
	}
	if s.sweepDone != nil {
		<-s.sweepDone
	}
}

// sweepExpiredLocks is the server-side safety net for unrenewed leases:
// clients that vanish without a close frame cannot release their locks, so
// the lease horizon has to be enforced here.
func (s *Server) sweepExpiredLocks(ctx context.Context) {
	defer close(s.sweepDone)

	ticker := time.NewTicker(timeouts.LockSweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, room := range s.hub.allRooms() {
				expired, peers := room.expireLocks(now.UTC())
				for _, unlock := range expired {
					log.Printf("realtime: lock lease expired project=%q task=%q user=%q", room.projectID, unlock.TaskID, unlock.UserID)
					broadcast(peers, room.projectID, protocol.TypeTaskUnlocked, unlock)
				}
			}
		}
	}
}
