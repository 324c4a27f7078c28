package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/harborview/taskhub/internal/platform/authtoken"
	"github.com/harborview/taskhub/internal/realtime/protocol"
)

const testPublishSecret = "publish-secret"

type fakeAuthenticator struct {
	identities map[string]authtoken.Identity
}

func (f fakeAuthenticator) Authenticate(token string) (authtoken.Identity, error) {
	identity, ok := f.identities[token]
	if !ok {
		return authtoken.Identity{}, authtoken.ErrInvalidToken
	}
	return identity, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	handler := NewHandlerWithAuthenticator(fakeAuthenticator{identities: map[string]authtoken.Identity{
		"tok-alice": {UserID: "u-alice", Name: "Alice", Email: "alice@example.com"},
		"tok-bob":   {UserID: "u-bob", Name: "Bob"},
	}}, testPublishSecret)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func dialRoom(t *testing.T, srv *httptest.Server, projectID string, token string) *websocket.Conn {
	t.Helper()

	conn, err := dialRoomErr(srv, projectID, token)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func dialRoomErr(srv *httptest.Server, projectID string, token string) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?project_id=" + projectID
	if token != "" {
		wsURL += "&token=" + token
	}
	return websocket.Dial(wsURL, "", srv.URL)
}

func writeIntent(t *testing.T, conn *websocket.Conn, msgType string, projectID string, data any) {
	t.Helper()

	env, err := protocol.NewEnvelope(msgType, projectID, data)
	if err != nil {
		t.Fatalf("build %s envelope: %v", msgType, err)
	}
	if err := json.NewEncoder(conn).Encode(env); err != nil {
		t.Fatalf("encode %s frame: %v", msgType, err)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()

	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var env protocol.Envelope
	if err := json.NewDecoder(conn).Decode(&env); err != nil {
		t.Fatalf("decode server frame: %v", err)
	}
	return env
}

func readEnvelopeOfType(t *testing.T, conn *websocket.Conn, msgType string) protocol.Envelope {
	t.Helper()

	env := readEnvelope(t, conn)
	if env.Type != msgType {
		t.Fatalf("frame type = %q, want %q", env.Type, msgType)
	}
	return env
}

func decodeEnvelope(t *testing.T, env protocol.Envelope, target any) {
	t.Helper()
	if err := env.Decode(target); err != nil {
		t.Fatalf("decode %s payload: %v", env.Type, err)
	}
}

// drainJoin consumes the connected and presence_list frames owed to a fresh
// connection and returns the roster snapshot.
func drainJoin(t *testing.T, conn *websocket.Conn) protocol.PresenceListPayload {
	t.Helper()

	readEnvelopeOfType(t, conn, protocol.TypeConnected)
	env := readEnvelopeOfType(t, conn, protocol.TypePresenceList)
	var snapshot protocol.PresenceListPayload
	decodeEnvelope(t, env, &snapshot)
	return snapshot
}

func TestWSRequiresProjectID(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/ws")
	if err != nil {
		t.Fatalf("get /ws: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestWSRejectsMissingToken(t *testing.T) {
	srv := newTestServer(t)

	conn, err := dialRoomErr(srv, "proj-1", "")
	if conn != nil {
		_ = conn.Close()
	}
	if err == nil {
		t.Fatal("expected dial to fail without a token")
	}
}

func TestWSRejectsUnknownToken(t *testing.T) {
	srv := newTestServer(t)

	conn, err := dialRoomErr(srv, "proj-1", "tok-mallory")
	if conn != nil {
		_ = conn.Close()
	}
	var dialErr *websocket.DialError
	if !errors.As(err, &dialErr) {
		t.Fatalf("err = %v, want websocket dial error", err)
	}
	if !errors.Is(dialErr.Err, websocket.ErrBadStatus) {
		t.Fatalf("err = %v, want bad status", dialErr.Err)
	}
}

func TestWSJoinSendsSnapshot(t *testing.T) {
	srv := newTestServer(t)
	conn := dialRoom(t, srv, "proj-1", "tok-alice")

	env := readEnvelopeOfType(t, conn, protocol.TypeConnected)
	var connected protocol.ConnectedPayload
	decodeEnvelope(t, env, &connected)
	if connected.UserID != "u-alice" {
		t.Fatalf("connected user = %q, want %q", connected.UserID, "u-alice")
	}

	env = readEnvelopeOfType(t, conn, protocol.TypePresenceList)
	var snapshot protocol.PresenceListPayload
	decodeEnvelope(t, env, &snapshot)
	if snapshot.OnlineCount != 1 || len(snapshot.Users) != 1 {
		t.Fatalf("snapshot = %+v, want one online user", snapshot)
	}
	if snapshot.Users[0].UserID != "u-alice" || snapshot.Users[0].Status != protocol.StatusOnline {
		t.Fatalf("roster entry = %+v", snapshot.Users[0])
	}
}

func TestWSBroadcastsPresenceJoined(t *testing.T) {
	srv := newTestServer(t)

	alice := dialRoom(t, srv, "proj-1", "tok-alice")
	drainJoin(t, alice)

	bob := dialRoom(t, srv, "proj-1", "tok-bob")
	snapshot := drainJoin(t, bob)
	if snapshot.OnlineCount != 2 {
		t.Fatalf("online count = %d, want 2", snapshot.OnlineCount)
	}

	env := readEnvelopeOfType(t, alice, protocol.TypePresenceJoined)
	var joined protocol.PresenceJoinedPayload
	decodeEnvelope(t, env, &joined)
	if joined.User.UserID != "u-bob" || joined.OnlineCount != 2 {
		t.Fatalf("joined = %+v, want bob with count 2", joined)
	}
}

func TestWSPingPong(t *testing.T) {
	srv := newTestServer(t)
	conn := dialRoom(t, srv, "proj-1", "tok-alice")
	drainJoin(t, conn)

	writeIntent(t, conn, protocol.TypePing, "proj-1", nil)
	readEnvelopeOfType(t, conn, protocol.TypePong)
}

func TestWSLockAcquireConflictAndRelease(t *testing.T) {
	srv := newTestServer(t)

	alice := dialRoom(t, srv, "proj-1", "tok-alice")
	drainJoin(t, alice)
	bob := dialRoom(t, srv, "proj-1", "tok-bob")
	drainJoin(t, bob)
	readEnvelopeOfType(t, alice, protocol.TypePresenceJoined)

	writeIntent(t, alice, protocol.TypeLockAcquire, "proj-1", protocol.LockRequestPayload{TaskID: "T1"})

	env := readEnvelopeOfType(t, alice, protocol.TypeLockResult)
	var result protocol.LockResultPayload
	decodeEnvelope(t, env, &result)
	if result.Status != protocol.LockResultSuccess || result.Lock == nil || result.Lock.UserID != "u-alice" {
		t.Fatalf("result = %+v, want success held by alice", result)
	}
	readEnvelopeOfType(t, alice, protocol.TypeTaskLocked)

	env = readEnvelopeOfType(t, bob, protocol.TypeTaskLocked)
	var locked protocol.LockPayload
	decodeEnvelope(t, env, &locked)
	if locked.Lock.TaskID != "T1" || locked.Lock.UserName != "Alice" {
		t.Fatalf("locked = %+v", locked.Lock)
	}

	writeIntent(t, bob, protocol.TypeLockAcquire, "proj-1", protocol.LockRequestPayload{TaskID: "T1"})
	env = readEnvelopeOfType(t, bob, protocol.TypeLockResult)
	decodeEnvelope(t, env, &result)
	if result.Status != protocol.LockResultFailure || result.Lock == nil || result.Lock.UserID != "u-alice" {
		t.Fatalf("result = %+v, want failure naming alice", result)
	}

	writeIntent(t, alice, protocol.TypeLockRelease, "proj-1", protocol.LockRequestPayload{TaskID: "T1"})
	env = readEnvelopeOfType(t, bob, protocol.TypeTaskUnlocked)
	var unlocked protocol.UnlockPayload
	decodeEnvelope(t, env, &unlocked)
	if unlocked.TaskID != "T1" || unlocked.UserID != "u-alice" {
		t.Fatalf("unlocked = %+v", unlocked)
	}
}

func TestWSLockReplayOnJoin(t *testing.T) {
	srv := newTestServer(t)

	alice := dialRoom(t, srv, "proj-1", "tok-alice")
	drainJoin(t, alice)
	writeIntent(t, alice, protocol.TypeLockAcquire, "proj-1", protocol.LockRequestPayload{TaskID: "T7"})
	readEnvelopeOfType(t, alice, protocol.TypeLockResult)

	bob := dialRoom(t, srv, "proj-1", "tok-bob")
	drainJoin(t, bob)

	env := readEnvelopeOfType(t, bob, protocol.TypeTaskLocked)
	var locked protocol.LockPayload
	decodeEnvelope(t, env, &locked)
	if locked.Lock.TaskID != "T7" || locked.Lock.UserID != "u-alice" {
		t.Fatalf("replayed lock = %+v", locked.Lock)
	}
}

func TestWSDisconnectForfeitsLocks(t *testing.T) {
	srv := newTestServer(t)

	alice := dialRoom(t, srv, "proj-1", "tok-alice")
	drainJoin(t, alice)
	bob := dialRoom(t, srv, "proj-1", "tok-bob")
	drainJoin(t, bob)
	readEnvelopeOfType(t, alice, protocol.TypePresenceJoined)

	writeIntent(t, alice, protocol.TypeLockAcquire, "proj-1", protocol.LockRequestPayload{TaskID: "T1"})
	readEnvelopeOfType(t, alice, protocol.TypeLockResult)
	readEnvelopeOfType(t, bob, protocol.TypeTaskLocked)

	_ = alice.Close()

	env := readEnvelopeOfType(t, bob, protocol.TypeTaskUnlocked)
	var unlocked protocol.UnlockPayload
	decodeEnvelope(t, env, &unlocked)
	if unlocked.TaskID != "T1" || unlocked.UserID != "u-alice" {
		t.Fatalf("unlocked = %+v", unlocked)
	}

	env = readEnvelopeOfType(t, bob, protocol.TypePresenceLeft)
	var left protocol.PresenceLeftPayload
	decodeEnvelope(t, env, &left)
	if left.UserID != "u-alice" || left.OnlineCount != 1 {
		t.Fatalf("left = %+v", left)
	}
}

func TestWSTypingRelayStampsIdentityAndSkipsSender(t *testing.T) {
	srv := newTestServer(t)

	alice := dialRoom(t, srv, "proj-1", "tok-alice")
	drainJoin(t, alice)
	bob := dialRoom(t, srv, "proj-1", "tok-bob")
	drainJoin(t, bob)
	readEnvelopeOfType(t, alice, protocol.TypePresenceJoined)

	// Spoofed identity fields must be overwritten from the session.
	writeIntent(t, alice, protocol.TypeTypingStart, "proj-1", protocol.TypingPayload{UserID: "u-mallory", Name: "Mallory", TaskID: "T2"})

	env := readEnvelopeOfType(t, bob, protocol.TypeTypingStart)
	var typing protocol.TypingPayload
	decodeEnvelope(t, env, &typing)
	if typing.UserID != "u-alice" || typing.Name != "Alice" || typing.TaskID != "T2" {
		t.Fatalf("typing = %+v, want alice on T2", typing)
	}

	// The sender gets no echo: the next frame alice reads is the pong.
	writeIntent(t, alice, protocol.TypePing, "proj-1", nil)
	readEnvelopeOfType(t, alice, protocol.TypePong)
}

func TestWSPresenceUpdateAndWorkingOn(t *testing.T) {
	srv := newTestServer(t)

	alice := dialRoom(t, srv, "proj-1", "tok-alice")
	drainJoin(t, alice)
	bob := dialRoom(t, srv, "proj-1", "tok-bob")
	drainJoin(t, bob)
	readEnvelopeOfType(t, alice, protocol.TypePresenceJoined)

	writeIntent(t, alice, protocol.TypePresenceUpdate, "proj-1", protocol.PresenceUpdatePayload{Status: protocol.StatusAway})
	env := readEnvelopeOfType(t, bob, protocol.TypePresenceUpdated)
	var updated protocol.PresenceUpdatedPayload
	decodeEnvelope(t, env, &updated)
	if updated.UserID != "u-alice" || updated.Status != protocol.StatusAway {
		t.Fatalf("updated = %+v", updated)
	}

	writeIntent(t, alice, protocol.TypeWorkingOn, "proj-1", protocol.WorkingOnPayload{
		WorkingOn: &protocol.WorkingOn{TaskID: "T3", TaskTitle: "Ship the widget"},
	})
	env = readEnvelopeOfType(t, bob, protocol.TypeWorkingOnChanged)
	var changed protocol.WorkingOnChangedPayload
	decodeEnvelope(t, env, &changed)
	if changed.UserID != "u-alice" || changed.WorkingOn == nil || changed.WorkingOn.TaskID != "T3" {
		t.Fatalf("changed = %+v", changed)
	}
	if changed.WorkingOn.StartedAt.IsZero() {
		t.Fatal("working_on start time was not stamped")
	}
}

func TestWSInvalidStatusRejected(t *testing.T) {
	srv := newTestServer(t)
	conn := dialRoom(t, srv, "proj-1", "tok-alice")
	drainJoin(t, conn)

	writeIntent(t, conn, protocol.TypePresenceUpdate, "proj-1", protocol.PresenceUpdatePayload{Status: "sleeping"})
	writeIntent(t, conn, protocol.TypePing, "proj-1", nil)
	readEnvelopeOfType(t, conn, protocol.TypePong)
}

func TestWSUnknownIntentIgnored(t *testing.T) {
	srv := newTestServer(t)
	conn := dialRoom(t, srv, "proj-1", "tok-alice")
	drainJoin(t, conn)

	writeIntent(t, conn, "teleport", "proj-1", nil)
	writeIntent(t, conn, protocol.TypePing, "proj-1", nil)
	readEnvelopeOfType(t, conn, protocol.TypePong)
}

func TestWSProjectMismatchDropped(t *testing.T) {
	srv := newTestServer(t)
	conn := dialRoom(t, srv, "proj-1", "tok-alice")
	drainJoin(t, conn)

	writeIntent(t, conn, protocol.TypeLockAcquire, "proj-other", protocol.LockRequestPayload{TaskID: "T1"})
	writeIntent(t, conn, protocol.TypePing, "proj-1", nil)
	readEnvelopeOfType(t, conn, protocol.TypePong)
}

func TestWSSecondTabDoesNotDuplicateRoster(t *testing.T) {
	srv := newTestServer(t)

	first := dialRoom(t, srv, "proj-1", "tok-alice")
	drainJoin(t, first)

	second := dialRoom(t, srv, "proj-1", "tok-alice")
	snapshot := drainJoin(t, second)
	if snapshot.OnlineCount != 1 || len(snapshot.Users) != 1 {
		t.Fatalf("snapshot = %+v, want single roster entry", snapshot)
	}

	// Closing one tab keeps the user present and their locks intact.
	writeIntent(t, first, protocol.TypeLockAcquire, "proj-1", protocol.LockRequestPayload{TaskID: "T1"})
	readEnvelopeOfType(t, first, protocol.TypeLockResult)
	readEnvelopeOfType(t, first, protocol.TypeTaskLocked)
	readEnvelopeOfType(t, second, protocol.TypeTaskLocked)

	_ = first.Close()

	writeIntent(t, second, protocol.TypePing, "proj-1", nil)
	readEnvelopeOfType(t, second, protocol.TypePong)
}

func postPublish(t *testing.T, srv *httptest.Server, secret string, body any) *http.Response {
	t.Helper()

	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal publish body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/internal/publish", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("build publish request: %v", err)
	}
	if secret != "" {
		req.Header.Set(publishSecretHeader, secret)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post publish: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestPublishRequiresSecret(t *testing.T) {
	srv := newTestServer(t)

	resp := postPublish(t, srv, "", publishRequest{ProjectID: "proj-1", Type: protocol.TypeTasksSynced})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}
}

func TestPublishFansOutToProject(t *testing.T) {
	srv := newTestServer(t)
	conn := dialRoom(t, srv, "proj-1", "tok-alice")
	drainJoin(t, conn)

	data, _ := json.Marshal(protocol.TaskUpdatedPayload{TaskID: "T9"})
	resp := postPublish(t, srv, testPublishSecret, publishRequest{ProjectID: "proj-1", Type: protocol.TypeTaskUpdated, Data: data})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}

	env := readEnvelopeOfType(t, conn, protocol.TypeTaskUpdated)
	var updated protocol.TaskUpdatedPayload
	decodeEnvelope(t, env, &updated)
	if updated.TaskID != "T9" {
		t.Fatalf("task id = %q, want %q", updated.TaskID, "T9")
	}
}

func TestPublishNotificationTargetsOneUser(t *testing.T) {
	srv := newTestServer(t)

	alice := dialRoom(t, srv, "proj-1", "tok-alice")
	drainJoin(t, alice)
	bob := dialRoom(t, srv, "proj-1", "tok-bob")
	drainJoin(t, bob)
	readEnvelopeOfType(t, alice, protocol.TypePresenceJoined)

	data, _ := json.Marshal(protocol.NotificationPayload{ID: "n1", NotificationType: "task_assigned", Title: "New task"})
	resp := postPublish(t, srv, testPublishSecret, publishRequest{
		ProjectID: "proj-1", UserID: "u-bob", Type: protocol.TypeNotification, Data: data,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}

	env := readEnvelopeOfType(t, bob, protocol.TypeNotification)
	var notification protocol.NotificationPayload
	decodeEnvelope(t, env, &notification)
	if notification.ID != "n1" || notification.Title != "New task" {
		t.Fatalf("notification = %+v", notification)
	}

	// Alice was not targeted: her next frame is the pong.
	writeIntent(t, alice, protocol.TypePing, "proj-1", nil)
	readEnvelopeOfType(t, alice, protocol.TypePong)
}

func TestPublishRejectsUnknownType(t *testing.T) {
	srv := newTestServer(t)

	resp := postPublish(t, srv, testPublishSecret, publishRequest{ProjectID: "proj-1", Type: "reboot"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestUpEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/up")
	if err != nil {
		t.Fatalf("get /up: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestNewServerRequiresAddr(t *testing.T) {
	if _, err := NewServer(Config{}); err == nil {
		t.Fatal("expected error for missing http address")
	}
}

func TestServerRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	srv, err := NewServer(Config{HTTPAddr: "127.0.0.1:0", ShutdownTimeout: time.Second})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := srv.ListenAndServe(ctx); err != nil {
		t.Fatalf("listen and serve: %v", err)
	}
}
