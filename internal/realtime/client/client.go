// Package client is the session layer an application embeds to take part in
// a project's realtime collaboration: one managed duplex connection plus
// presence, task lock and typing state kept in sync with the server.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/harborview/taskhub/internal/platform/timeouts"
	"github.com/harborview/taskhub/internal/realtime/protocol"
)

var (
	// ErrAuthRequired signals that no usable credential could be resolved.
	ErrAuthRequired = errors.New("realtime: credential required")
	// ErrAuthRejected signals that the server refused the credential. The
	// session does not retry; the caller re-authenticates first.
	ErrAuthRejected = errors.New("realtime: credential rejected")
	// ErrNotConnected signals a send attempted without an open connection.
	ErrNotConnected = errors.New("realtime: not connected")
)

// Status is the connection lifecycle state.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// consecutive decode failures tolerated before the stream is treated as lost.
const maxDecodeErrors = 3

// Config carries everything a session needs to join one project room.
// Durations default from the platform timeouts when zero; tests shrink them.
type Config struct {
	// URL is the websocket endpoint, for example ws://host:8091/ws.
	URL string
	// Origin is sent on the handshake; defaults to a localhost origin.
	Origin    string
	ProjectID string
	UserID    string
	Tokens    TokenProvider

	// OnStatusChange observes connection lifecycle transitions.
	OnStatusChange func(Status)
	// OnTaskInvalidated fires when cached task data went stale. The task id
	// is empty when the whole project's task set was re-synced.
	OnTaskInvalidated func(taskID string)
	// OnProjectUpdated fires when project metadata changed.
	OnProjectUpdated func()
	// OnNotification fires for push-delivered notifications.
	OnNotification func(protocol.NotificationPayload)

	HeartbeatInterval     time.Duration
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	LockExtendInterval    time.Duration
	TypingDebounce        time.Duration
	TypingIdleStop        time.Duration
	TypingExpiry          time.Duration

	Logf func(format string, args ...any)
}

// Client manages the realtime connection for one project and exposes the
// presence, lock and typing state derived from the server's event stream.
type Client struct {
	url       string
	origin    string
	projectID string
	userID    string
	tokens    TokenProvider
	logf      func(string, ...any)

	heartbeatInterval time.Duration
	reconnectInitial  time.Duration
	reconnectMax      time.Duration

	onStatusChange    func(Status)
	onTaskInvalidated func(string)
	onProjectUpdated  func()
	onNotification    func(protocol.NotificationPayload)

	presence *PresenceTracker
	locks    *LockCoordinator
	typing   *TypingAggregator

	mu             sync.Mutex
	status         Status
	conn           *websocket.Conn
	peer           *connWriter
	lastMessage    *protocol.Envelope
	closed         bool
	reconnectDelay time.Duration
	reconnectTimer *time.Timer
	heartbeatStop  chan struct{}
	gen            int
}

// connWriter serializes envelope writes onto the open connection.
type connWriter struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func (w *connWriter) write(env protocol.Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.encoder.Encode(env)
}

// New builds a session client. Connect starts it.
func New(config Config) (*Client, error) {
	if strings.TrimSpace(config.URL) == "" {
		return nil, errors.New("realtime url is required")
	}
	if strings.TrimSpace(config.ProjectID) == "" {
		return nil, errors.New("project id is required")
	}
	if strings.TrimSpace(config.UserID) == "" {
		return nil, errors.New("user id is required")
	}
	if config.Tokens == nil {
		return nil, errors.New("token provider is required")
	}

	c := &Client{
		url:               strings.TrimSpace(config.URL),
		origin:            strings.TrimSpace(config.Origin),
		projectID:         strings.TrimSpace(config.ProjectID),
		userID:            strings.TrimSpace(config.UserID),
		tokens:            config.Tokens,
		logf:              config.Logf,
		heartbeatInterval: config.HeartbeatInterval,
		reconnectInitial:  config.ReconnectInitialDelay,
		reconnectMax:      config.ReconnectMaxDelay,
		onStatusChange:    config.OnStatusChange,
		onTaskInvalidated: config.OnTaskInvalidated,
		onProjectUpdated:  config.OnProjectUpdated,
		onNotification:    config.OnNotification,
		status:            StatusDisconnected,
	}
	if c.origin == "" {
		c.origin = "http://localhost/"
	}
	if c.logf == nil {
		c.logf = log.Printf
	}
	if c.heartbeatInterval <= 0 {
		c.heartbeatInterval = timeouts.Heartbeat
	}
	if c.reconnectInitial <= 0 {
		c.reconnectInitial = timeouts.ReconnectInitial
	}
	if c.reconnectMax <= 0 {
		c.reconnectMax = timeouts.ReconnectMax
	}
	c.reconnectDelay = c.reconnectInitial

	extendInterval := config.LockExtendInterval
	if extendInterval <= 0 {
		extendInterval = timeouts.LockExtend
	}
	debounce := config.TypingDebounce
	if debounce <= 0 {
		debounce = timeouts.TypingDebounce
	}
	idleStop := config.TypingIdleStop
	if idleStop <= 0 {
		idleStop = timeouts.TypingIdleStop
	}
	expiry := config.TypingExpiry
	if expiry <= 0 {
		expiry = timeouts.TypingExpiry
	}

	c.presence = newPresenceTracker()
	c.locks = newLockCoordinator(c.userID, c.Send, c.isConnected, extendInterval, c.logf)
	c.typing = newTypingAggregator(c.userID, c.Send, debounce, idleStop, expiry)
	return c, nil
}

// Presence exposes the roster derived from the server's presence events.
func (c *Client) Presence() *PresenceTracker { return c.presence }

// Locks exposes the task lock coordinator.
func (c *Client) Locks() *LockCoordinator { return c.locks }

// Typing exposes the typing indicator aggregator.
func (c *Client) Typing() *TypingAggregator { return c.typing }

// Status returns the current connection lifecycle state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// LastMessage returns the most recently received envelope, or nil.
func (c *Client) LastMessage() *protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastMessage == nil {
		return nil
	}
	env := *c.lastMessage
	return &env
}

// Connect resolves a credential and opens the connection. A dial failure
// schedules a reconnect with exponential backoff; a rejected credential does
// not, the caller re-authenticates and calls Connect again.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.status == StatusConnecting || c.status == StatusConnected {
		c.mu.Unlock()
		return nil
	}
	c.closed = false
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	// Claim the connecting state inside the same critical section as the
	// guard, so a racing Connect cannot pass it and dial a second socket.
	c.status = StatusConnecting
	observer := c.onStatusChange
	c.mu.Unlock()
	if observer != nil {
		observer(StatusConnecting)
	}

	token, err := c.resolveToken(ctx)
	if err != nil {
		c.transition(StatusError)
		return fmt.Errorf("%w: %v", ErrAuthRequired, err)
	}

	wsConfig, err := websocket.NewConfig(c.dialURL(token), c.origin)
	if err != nil {
		c.transition(StatusError)
		return fmt.Errorf("build websocket config: %w", err)
	}
	conn, err := websocket.DialConfig(wsConfig)
	if err != nil {
		if c.isAuthRejection(err, token) {
			c.transition(StatusError)
			return fmt.Errorf("%w: %v", ErrAuthRejected, err)
		}
		c.mu.Lock()
		if !c.closed {
			c.scheduleReconnectLocked()
		}
		c.mu.Unlock()
		c.transition(StatusDisconnected)
		return fmt.Errorf("dial realtime: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.peer = &connWriter{encoder: json.NewEncoder(conn)}
	c.gen++
	gen := c.gen
	c.reconnectDelay = c.reconnectInitial
	stop := make(chan struct{})
	c.heartbeatStop = stop
	c.mu.Unlock()

	c.transition(StatusConnected)
	go c.heartbeatLoop(stop)
	go c.readLoop(conn, gen)
	return nil
}

// Disconnect closes the connection and suppresses reconnection until the
// next Connect. Local presence, lock and typing state is cleared.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closed = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.teardownLocked()
	c.mu.Unlock()

	c.resetReducers()
	c.transition(StatusDisconnected)
}

// Reconnect tears down any open connection and dials again immediately.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	c.closed = false
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.teardownLocked()
	c.mu.Unlock()

	c.resetReducers()
	c.transition(StatusDisconnected)
	return c.Connect(ctx)
}

// Close disconnects and releases timers held by the typing aggregator. The
// client is not reusable afterwards.
func (c *Client) Close() {
	c.Disconnect()
	c.typing.Close()
}

// Send marshals data into an envelope for this project and writes it.
func (c *Client) Send(msgType string, data any) error {
	c.mu.Lock()
	peer := c.peer
	c.mu.Unlock()
	if peer == nil {
		return ErrNotConnected
	}

	env, err := protocol.NewEnvelope(msgType, c.projectID, data)
	if err != nil {
		return err
	}
	if err := peer.write(env); err != nil {
		return fmt.Errorf("write %s: %w", msgType, err)
	}
	return nil
}

// SetStatus announces the local user's presence status to the room.
func (c *Client) SetStatus(status string) error {
	return c.Send(protocol.TypePresenceUpdate, protocol.PresenceUpdatePayload{Status: status})
}

// SetWorkingOn announces the task the local user has open; nil clears it.
func (c *Client) SetWorkingOn(workingOn *protocol.WorkingOn) error {
	return c.Send(protocol.TypeWorkingOn, protocol.WorkingOnPayload{WorkingOn: workingOn})
}

func (c *Client) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == StatusConnected && c.conn != nil
}

func (c *Client) resolveToken(ctx context.Context) (string, error) {
	token, err := c.tokens.Token()
	if err == nil && strings.TrimSpace(token) != "" && !c.tokens.Expired() {
		return token, nil
	}

	token, err = c.tokens.Refresh(ctx)
	if err != nil {
		return "", fmt.Errorf("refresh credential: %w", err)
	}
	if strings.TrimSpace(token) == "" {
		return "", errors.New("credential is empty")
	}
	return token, nil
}

func (c *Client) dialURL(token string) string {
	query := url.Values{}
	query.Set("project_id", c.projectID)
	query.Set("token", token)

	separator := "?"
	if strings.Contains(c.url, "?") {
		separator = "&"
	}
	return c.url + separator + query.Encode()
}

func (c *Client) transition(status Status) {
	c.mu.Lock()
	if c.status == status {
		c.mu.Unlock()
		return
	}
	c.status = status
	observer := c.onStatusChange
	c.mu.Unlock()

	if observer != nil {
		observer(status)
	}
}

// teardownLocked closes the connection and stops the heartbeat. Bumping the
// generation makes any still-running read loop exit silently.
func (c *Client) teardownLocked() {
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.peer = nil
	c.gen++
}

func (c *Client) resetReducers() {
	c.presence.Clear()
	c.locks.Reset()
	c.typing.Reset()
}

func (c *Client) scheduleReconnectLocked() {
	delay := c.reconnectDelay
	if delay <= 0 {
		delay = c.reconnectInitial
	}
	next := delay * 2
	if next > c.reconnectMax {
		next = c.reconnectMax
	}
	c.reconnectDelay = next

	c.reconnectTimer = time.AfterFunc(delay, func() {
		if err := c.Connect(context.Background()); err != nil {
			c.logf("realtime client: reconnect: %v", err)
		}
	})
}

func (c *Client) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.Send(protocol.TypePing, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn, gen int) {
	decoder := json.NewDecoder(conn)
	decodeErrors := 0
	for {
		var env protocol.Envelope
		if err := decoder.Decode(&env); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				c.handleConnectionLost(gen)
				return
			}
			decodeErrors++
			c.logf("realtime client: decode frame: %v", err)
			if decodeErrors >= maxDecodeErrors {
				c.handleConnectionLost(gen)
				return
			}
			continue
		}
		decodeErrors = 0
		c.dispatch(env)
	}
}

// handleConnectionLost runs teardown and backoff for an unexpected stream
// end. A stale generation means a newer connection already replaced this
// one and nothing is owed.
func (c *Client) handleConnectionLost(gen int) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	if !c.closed {
		c.scheduleReconnectLocked()
	}
	c.mu.Unlock()

	c.resetReducers()
	c.transition(StatusDisconnected)
}

// dispatch routes one server envelope to the matching reducer. Decode
// failures and unknown types are logged and dropped, never fatal.
func (c *Client) dispatch(env protocol.Envelope) {
	c.mu.Lock()
	received := env
	c.lastMessage = &received
	c.mu.Unlock()

	switch env.Type {
	case protocol.TypeConnected, protocol.TypePong:
		// Acknowledgements carry nothing to reduce.
	case protocol.TypePresenceList:
		var payload protocol.PresenceListPayload
		if c.decode(env, &payload) {
			c.presence.ApplyList(payload)
		}
	case protocol.TypePresenceJoined:
		var payload protocol.PresenceJoinedPayload
		if c.decode(env, &payload) {
			c.presence.ApplyJoined(payload)
		}
	case protocol.TypePresenceLeft:
		var payload protocol.PresenceLeftPayload
		if c.decode(env, &payload) {
			c.presence.ApplyLeft(payload)
		}
	case protocol.TypePresenceUpdated:
		var payload protocol.PresenceUpdatedPayload
		if c.decode(env, &payload) {
			c.presence.ApplyUpdated(payload)
		}
	case protocol.TypeWorkingOnChanged:
		var payload protocol.WorkingOnChangedPayload
		if c.decode(env, &payload) {
			c.presence.ApplyWorkingOnChanged(payload)
		}
	case protocol.TypeTaskLocked:
		var payload protocol.LockPayload
		if c.decode(env, &payload) {
			c.locks.ApplyLocked(payload)
		}
	case protocol.TypeTaskUnlocked:
		var payload protocol.UnlockPayload
		if c.decode(env, &payload) {
			c.locks.ApplyUnlocked(payload)
		}
	case protocol.TypeTaskLockExtended:
		var payload protocol.LockPayload
		if c.decode(env, &payload) {
			c.locks.ApplyExtended(payload)
		}
	case protocol.TypeLockResult:
		var payload protocol.LockResultPayload
		if c.decode(env, &payload) {
			c.locks.ApplyResult(payload)
		}
	case protocol.TypeTypingStart:
		var payload protocol.TypingPayload
		if c.decode(env, &payload) {
			c.typing.ApplyRemoteStart(payload)
		}
	case protocol.TypeTypingStop:
		var payload protocol.TypingPayload
		if c.decode(env, &payload) {
			c.typing.ApplyRemoteStop(payload)
		}
	case protocol.TypeTaskUpdated:
		var payload protocol.TaskUpdatedPayload
		if c.decode(env, &payload) && c.onTaskInvalidated != nil {
			c.onTaskInvalidated(payload.TaskID)
		}
	case protocol.TypeTasksSynced:
		if c.onTaskInvalidated != nil {
			c.onTaskInvalidated("")
		}
	case protocol.TypeProjectUpdated:
		if c.onProjectUpdated != nil {
			c.onProjectUpdated()
		}
	case protocol.TypeNotification:
		var payload protocol.NotificationPayload
		if c.decode(env, &payload) && c.onNotification != nil {
			c.onNotification(payload)
		}
	default:
		c.logf("realtime client: unknown message type %q", env.Type)
	}
}

func (c *Client) decode(env protocol.Envelope, target any) bool {
	if err := env.Decode(target); err != nil {
		c.logf("realtime client: %v", err)
		return false
	}
	return true
}

// isAuthRejection reports whether a dial failure means the server refused
// the credential. x/net/websocket collapses every non-101 upgrade response
// into ErrBadStatus, so a refused credential and a transient 502 from a
// proxy look identical at the dial site; a plain HTTP probe of the endpoint
// recovers the status code. Only 401 and 403 are terminal, anything else
// (including a failed probe) is treated as transient and retried.
func (c *Client) isAuthRejection(err error, token string) bool {
	var dialErr *websocket.DialError
	if !errors.As(err, &dialErr) {
		return false
	}
	if !errors.Is(dialErr.Err, websocket.ErrBadStatus) {
		return false
	}
	status, probeErr := c.probeEndpoint(token)
	if probeErr != nil {
		c.logf("realtime client: probe endpoint: %v", probeErr)
		return false
	}
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

func (c *Client) probeEndpoint(token string) (int, error) {
	probeURL := c.dialURL(token)
	if strings.HasPrefix(probeURL, "ws") {
		probeURL = "http" + strings.TrimPrefix(probeURL, "ws")
	}

	httpClient := &http.Client{Timeout: 5 * time.Second}
	resp, err := httpClient.Get(probeURL)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}
