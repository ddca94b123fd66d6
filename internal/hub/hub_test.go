package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/statusrelay/relay/internal/eventbus"
	"github.com/statusrelay/relay/internal/types"
)

var testSecret = []byte("test-secret")

func testToken(t *testing.T, subject string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.AuthTimeout = 2 * time.Second
	opts.HeartbeatInterval = time.Hour // out of the way unless a test wants it
	return opts
}

func startHub(t *testing.T, opts Options, submit SubmitFunc) (*Hub, *httptest.Server) {
	return startHubOnBus(t, opts, eventbus.New(), submit)
}

func startHubOnBus(t *testing.T, opts Options, bus *eventbus.Bus, submit SubmitFunc) (*Hub, *httptest.Server) {
	t.Helper()
	var auth Authenticator
	if opts.AuthEnabled {
		auth = NewJWTAuthenticator(testSecret, "")
	}
	h := New(opts, auth, bus, submit)
	h.Start(context.Background())
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(func() {
		srv.Close()
		h.Stop()
	})
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

// readType reads envelopes until one of the wanted type arrives.
func readType(t *testing.T, ws *websocket.Conn, wantType string) *Envelope {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var env Envelope
		if err := ws.ReadJSON(&env); err != nil {
			t.Fatalf("waiting for %q: %v", wantType, err)
		}
		if env.Type == wantType {
			return &env
		}
	}
}

func send(t *testing.T, ws *websocket.Conn, msgType string, payload interface{}) {
	t.Helper()
	env, err := newEnvelope(msgType, payload)
	if err != nil {
		t.Fatalf("build %s: %v", msgType, err)
	}
	if err := ws.WriteJSON(env); err != nil {
		t.Fatalf("send %s: %v", msgType, err)
	}
}

// expectClose reads until the peer closes and returns the close code.
func expectClose(t *testing.T, ws *websocket.Conn) int {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var env Envelope
		err := ws.ReadJSON(&env)
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return ce.Code
		}
		t.Fatalf("expected close error, got: %v", err)
	}
}

func TestWelcomeThenAuth(t *testing.T) {
	_, srv := startHub(t, testOptions(), nil)
	ws := dial(t, srv)

	welcome := readType(t, ws, MsgWelcome)
	var wd welcomeData
	if err := json.Unmarshal(welcome.Data, &wd); err != nil {
		t.Fatalf("welcome data: %v", err)
	}
	if wd.ConnectionID == "" {
		t.Errorf("welcome missing connection id")
	}
	if !wd.AuthRequired {
		t.Errorf("AuthRequired = false, want true")
	}

	send(t, ws, MsgAuth, authData{Token: testToken(t, "client-1")})
	ack := readType(t, ws, MsgAuthSuccess)
	var got authSuccessData
	if err := json.Unmarshal(ack.Data, &got); err != nil {
		t.Fatalf("auth_success data: %v", err)
	}
	if got.ConnectionID != wd.ConnectionID {
		t.Errorf("auth_success connection_id = %q, want %q", got.ConnectionID, wd.ConnectionID)
	}
	if got.Subject != "client-1" {
		t.Errorf("auth_success subject = %q, want client-1", got.Subject)
	}
}

func TestRejectsMessagesBeforeAuth(t *testing.T) {
	_, srv := startHub(t, testOptions(), nil)
	ws := dial(t, srv)
	readType(t, ws, MsgWelcome)

	send(t, ws, MsgPing, nil)
	errEnv := readType(t, ws, MsgError)
	var data map[string]string
	_ = json.Unmarshal(errEnv.Data, &data)
	if data["message"] != "not authenticated" {
		t.Errorf("error message = %q", data["message"])
	}
}

func TestInvalidTokenClosesPolicyViolation(t *testing.T) {
	_, srv := startHub(t, testOptions(), nil)
	ws := dial(t, srv)
	readType(t, ws, MsgWelcome)

	send(t, ws, MsgAuth, authData{Token: "garbage"})
	if code := expectClose(t, ws); code != websocket.ClosePolicyViolation {
		t.Fatalf("close code = %d, want 1008", code)
	}
}

func TestAuthTimeoutClosesPolicyViolation(t *testing.T) {
	opts := testOptions()
	opts.AuthTimeout = 50 * time.Millisecond
	_, srv := startHub(t, opts, nil)
	ws := dial(t, srv)
	readType(t, ws, MsgWelcome)

	if code := expectClose(t, ws); code != websocket.ClosePolicyViolation {
		t.Fatalf("close code = %d, want 1008", code)
	}
}

func TestConnectionCapClosesTryAgainLater(t *testing.T) {
	opts := testOptions()
	opts.MaxConnections = 1
	_, srv := startHub(t, opts, nil)

	first := dial(t, srv)
	readType(t, first, MsgWelcome)

	second := dial(t, srv)
	if code := expectClose(t, second); code != websocket.CloseTryAgainLater {
		t.Fatalf("close code = %d, want 1013", code)
	}
}

func openAuthFree(t *testing.T, srv *httptest.Server) (*websocket.Conn, string) {
	t.Helper()
	ws := dial(t, srv)
	welcome := readType(t, ws, MsgWelcome)
	var wd welcomeData
	_ = json.Unmarshal(welcome.Data, &wd)
	return ws, wd.ConnectionID
}

func TestBroadcastReachesSubscribersOnly(t *testing.T) {
	opts := testOptions()
	opts.AuthEnabled = false
	h, srv := startHub(t, opts, nil)

	subscriber, _ := openAuthFree(t, srv)
	send(t, subscriber, MsgSubscribe, subscribeData{})
	readType(t, subscriber, MsgSubscribed)

	openAuthFree(t, srv) // never subscribes

	n := h.Broadcast(&UpdateNotice{EntityID: "T1", EntityType: "task", Status: "completed"}, "")
	if n != 1 {
		t.Fatalf("Broadcast() reached %d connections, want 1", n)
	}

	env := readType(t, subscriber, MsgBroadcast)
	var notice UpdateNotice
	if err := json.Unmarshal(env.Data, &notice); err != nil {
		t.Fatalf("broadcast data: %v", err)
	}
	if notice.EntityID != "T1" || notice.Status != "completed" {
		t.Errorf("broadcast notice = %+v", notice)
	}
}

func TestSubscriptionEntityFilter(t *testing.T) {
	opts := testOptions()
	opts.AuthEnabled = false
	h, srv := startHub(t, opts, nil)

	ws, _ := openAuthFree(t, srv)
	send(t, ws, MsgSubscribe, subscribeData{EntityTypes: []string{"task"}})
	readType(t, ws, MsgSubscribed)

	if n := h.Broadcast(&UpdateNotice{EntityType: "deployment"}, ""); n != 0 {
		t.Errorf("filtered broadcast reached %d connections, want 0", n)
	}
	if n := h.Broadcast(&UpdateNotice{EntityType: "task"}, ""); n != 1 {
		t.Errorf("matching broadcast reached %d connections, want 1", n)
	}
}

func TestRoomLifecycle(t *testing.T) {
	opts := testOptions()
	opts.AuthEnabled = false
	h, srv := startHub(t, opts, nil)

	member, memberID := openAuthFree(t, srv)
	other, _ := openAuthFree(t, srv)

	send(t, member, MsgJoinRoom, roomData{Room: "task:T1"})

	// Membership is applied by the reader goroutine; wait for it.
	deadline := time.Now().Add(time.Second)
	for len(h.RoomMembers("task:T1")) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	members := h.RoomMembers("task:T1")
	if len(members) != 1 || members[0] != memberID {
		t.Fatalf("RoomMembers = %v, want [%s]", members, memberID)
	}

	if n := h.Broadcast(&UpdateNotice{EntityID: "T1"}, "task:T1"); n != 1 {
		t.Fatalf("room broadcast reached %d, want 1", n)
	}
	readType(t, member, MsgBroadcast)

	// The non-member must not receive it; a ping round-trip proves the
	// broadcast is not queued ahead of the pong.
	send(t, other, MsgPing, nil)
	if env := readType(t, other, MsgPong); env == nil {
		t.Fatalf("no pong")
	}

	send(t, member, MsgLeaveRoom, roomData{Room: "task:T1"})
	for h.Snapshot().Rooms != 0 && time.Now().Before(deadline.Add(time.Second)) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := h.Snapshot().Rooms; got != 0 {
		t.Errorf("rooms = %d after last leave, want 0", got)
	}
}

func TestSendToConnection(t *testing.T) {
	opts := testOptions()
	opts.AuthEnabled = false
	h, srv := startHub(t, opts, nil)

	ws, id := openAuthFree(t, srv)
	if err := h.SendToConnection(id, map[string]string{"hello": "world"}); err != nil {
		t.Fatalf("SendToConnection() error: %v", err)
	}
	env := readType(t, ws, MsgDirect)
	var data map[string]string
	_ = json.Unmarshal(env.Data, &data)
	if data["hello"] != "world" {
		t.Errorf("direct payload = %v", data)
	}

	if err := h.SendToConnection("no-such-conn", nil); err == nil {
		t.Errorf("SendToConnection(unknown) = nil, want error")
	}
}

func TestStatusUpdateHandsOffToSubmit(t *testing.T) {
	received := make(chan *types.StatusUpdate, 1)
	opts := testOptions()
	opts.AuthEnabled = false
	_, srv := startHub(t, opts, func(_ context.Context, u *types.StatusUpdate) error {
		received <- u
		return nil
	})

	ws, _ := openAuthFree(t, srv)
	send(t, ws, MsgStatusUpdate, &types.StatusUpdate{
		EntityID:   "T1",
		EntityType: types.EntityTask,
		Status:     "completed",
		Source:     types.SystemTracker,
	})

	select {
	case u := <-received:
		if u.EntityID != "T1" || u.Source != types.SystemTracker {
			t.Errorf("submitted update = %+v", u)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("submit not called")
	}
}

func TestStatusUpdateValidationError(t *testing.T) {
	opts := testOptions()
	opts.AuthEnabled = false
	_, srv := startHub(t, opts, func(context.Context, *types.StatusUpdate) error { return nil })

	ws, _ := openAuthFree(t, srv)
	send(t, ws, MsgStatusUpdate, &types.StatusUpdate{EntityID: ""})
	readType(t, ws, MsgError)
}

func TestUnknownMessageType(t *testing.T) {
	opts := testOptions()
	opts.AuthEnabled = false
	_, srv := startHub(t, opts, nil)

	ws, _ := openAuthFree(t, srv)
	send(t, ws, "teleport", nil)
	env := readType(t, ws, MsgError)
	var data map[string]string
	_ = json.Unmarshal(env.Data, &data)
	if !strings.Contains(data["message"], "unknown message type") {
		t.Errorf("error message = %q", data["message"])
	}
}

func TestRateLimitDropsWithoutClosing(t *testing.T) {
	opts := testOptions()
	opts.AuthEnabled = false
	opts.RateLimit = rate.Limit(0.001)
	opts.RateBurst = 1
	h, srv := startHub(t, opts, nil)

	ws, _ := openAuthFree(t, srv)
	send(t, ws, MsgPing, nil)
	readType(t, ws, MsgPong)

	// Over the budget: dropped, not answered, not closed.
	send(t, ws, MsgPing, nil)
	deadline := time.Now().Add(2 * time.Second)
	for h.Snapshot().DroppedMessages == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	snap := h.Snapshot()
	if snap.DroppedMessages != 1 {
		t.Fatalf("DroppedMessages = %d, want 1", snap.DroppedMessages)
	}
	if snap.Connections != 1 {
		t.Errorf("Connections = %d, want 1 (rate limiting must not close)", snap.Connections)
	}
}

func TestPongCarriesTimestamp(t *testing.T) {
	opts := testOptions()
	opts.AuthEnabled = false
	_, srv := startHub(t, opts, nil)

	ws, _ := openAuthFree(t, srv)
	before := time.Now().UnixMilli()
	send(t, ws, MsgPing, nil)
	env := readType(t, ws, MsgPong)

	var pd pongData
	if err := json.Unmarshal(env.Data, &pd); err != nil {
		t.Fatalf("pong data: %v", err)
	}
	if pd.Timestamp < before {
		t.Errorf("pong timestamp = %d, want >= %d", pd.Timestamp, before)
	}
}

func TestAbruptDisconnectEmitsConnectionError(t *testing.T) {
	errs := make(chan *eventbus.Event, 1)
	bus := eventbus.New()
	bus.Register(&eventbus.HandlerFunc{
		Name:  "error-recorder",
		Types: []eventbus.EventType{eventbus.EventConnectionError},
		HandleFn: func(_ context.Context, ev *eventbus.Event) error {
			select {
			case errs <- ev:
			default:
			}
			return nil
		},
	})

	opts := testOptions()
	opts.AuthEnabled = false
	_, srv := startHubOnBus(t, opts, bus, nil)

	ws, id := openAuthFree(t, srv)
	// Drop the socket without a close handshake.
	ws.Close()

	select {
	case ev := <-errs:
		if ev.Connection == nil || ev.Connection.ConnectionID != id {
			t.Errorf("connection error event = %+v, want connection %s", ev.Connection, id)
		}
		if ev.Connection != nil && ev.Connection.Error == "" {
			t.Errorf("connection error event carries no error detail")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no connection error event after abrupt disconnect")
	}
}

func TestHeartbeatClosesSilentConnection(t *testing.T) {
	opts := testOptions()
	opts.AuthEnabled = false
	opts.HeartbeatInterval = 30 * time.Millisecond
	opts.HeartbeatGrace = 30 * time.Millisecond
	h, srv := startHub(t, opts, nil)

	// A client that never reads cannot answer pings.
	dial(t, srv)

	deadline := time.Now().Add(3 * time.Second)
	for h.Snapshot().Connections != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := h.Snapshot().Connections; got != 0 {
		t.Fatalf("Connections = %d, want 0 after heartbeat timeout", got)
	}
}

func TestHeartbeatWindowIsPerPing(t *testing.T) {
	opts := testOptions()
	opts.AuthEnabled = false
	opts.HeartbeatInterval = 200 * time.Millisecond
	opts.HeartbeatGrace = 30 * time.Millisecond
	h, srv := startHub(t, opts, nil)

	// A client that never reads cannot answer pings.
	dial(t, srv)
	start := time.Now()

	deadline := start.Add(3 * time.Second)
	for h.Snapshot().Connections != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := h.Snapshot().Connections; got != 0 {
		t.Fatalf("Connections = %d, want 0 after heartbeat timeout", got)
	}
	// The close must land grace after the first ping, not at the next
	// tick: with a 200ms interval that second tick would be at 400ms.
	if elapsed := time.Since(start); elapsed > 350*time.Millisecond {
		t.Errorf("silent connection survived %v, want close within one interval plus grace", elapsed)
	}
}
