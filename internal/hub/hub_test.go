package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	authservice "fleet-control-plane/backend/internal/auth/service"
	"fleet-control-plane/backend/internal/security"
	userdomain "fleet-control-plane/backend/internal/user/domain"
)

type writtenFrame struct {
	messageType int
	data        []byte
}

// fakeSocket is an in-memory socket for driving the hub without a network.
type fakeSocket struct {
	mu        sync.Mutex
	frames    []writtenFrame
	controls  []writtenFrame
	closed    bool
	closeOnce sync.Once
	inbound   chan []byte
	pong      func(string) error
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{inbound: make(chan []byte, 16)}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	data, ok := <-s.inbound
	if !ok {
		return 0, nil, errors.New("socket closed")
	}
	return websocket.TextMessage, data, nil
}

func (s *fakeSocket) WriteMessage(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("socket closed")
	}
	s.frames = append(s.frames, writtenFrame{messageType, append([]byte(nil), data...)})
	return nil
}

func (s *fakeSocket) WriteControl(messageType int, data []byte, deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("socket closed")
	}
	s.controls = append(s.controls, writtenFrame{messageType, append([]byte(nil), data...)})
	return nil
}

func (s *fakeSocket) SetPongHandler(h func(string) error) { s.pong = h }

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.inbound) })
	return nil
}

func (s *fakeSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// outboundTypes returns the types of all text frames written so far.
func (s *fakeSocket) outboundTypes(t *testing.T) []string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, f := range s.frames {
		var msg Outbound
		if err := json.Unmarshal(f.data, &msg); err != nil {
			t.Fatalf("unmarshal outbound: %v", err)
		}
		out = append(out, msg.Type)
	}
	return out
}

func (s *fakeSocket) lastOutbound(t *testing.T) *Outbound {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		t.Fatal("no frames written")
	}
	var msg Outbound
	if err := json.Unmarshal(s.frames[len(s.frames)-1].data, &msg); err != nil {
		t.Fatalf("unmarshal outbound: %v", err)
	}
	return &msg
}

func (s *fakeSocket) closeReason(t *testing.T) (int, string) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.controls {
		if f.messageType == websocket.CloseMessage && len(f.data) >= 2 {
			code := int(f.data[0])<<8 | int(f.data[1])
			return code, string(f.data[2:])
		}
	}
	return 0, ""
}

type fakeSessions struct {
	identities map[string]*authservice.Identity
}

func (f *fakeSessions) ValidateSession(ctx context.Context, token string) (*authservice.Identity, error) {
	if ident, ok := f.identities[token]; ok {
		return ident, nil
	}
	return nil, authservice.ErrInvalidRefreshToken
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	tokens, err := security.NewTestTokenProvider()
	if err != nil {
		t.Fatalf("token provider: %v", err)
	}
	return New(tokens, &fakeSessions{identities: map[string]*authservice.Identity{}}, time.Minute)
}

// attach registers a connection with a fake socket directly, bypassing HTTP.
func attach(t *testing.T, h *Hub, id string, role userdomain.Role) (*Conn, *fakeSocket) {
	t.Helper()
	sock := newFakeSocket()
	conn := newConn(id, sock, "subject-"+id, "Viewer "+id, role)
	h.register(conn)
	return conn, sock
}

func subscriptionSet(t *testing.T, msg *Outbound) []string {
	t.Helper()
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	var p SubscriptionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	return p.MachineIDs
}

func TestSubscribeEchoesFullSetAndIsIdempotent(t *testing.T) {
	h := newTestHub(t)
	conn, sock := attach(t, h, "c1", userdomain.RoleViewer)

	h.handleInbound(conn, []byte(`{"type":"subscribe","payload":{"machineIds":["M2","M1"]}}`))
	msg := sock.lastOutbound(t)
	if msg.Type != "subscribed" {
		t.Fatalf("type = %q, want subscribed", msg.Type)
	}
	set := subscriptionSet(t, msg)
	if len(set) != 2 || set[0] != "M1" || set[1] != "M2" {
		t.Fatalf("set = %v, want [M1 M2]", set)
	}

	// Subscribing again to an already-subscribed id is a no-op.
	h.handleInbound(conn, []byte(`{"type":"subscribe","payload":{"machineIds":["M1"]}}`))
	set = subscriptionSet(t, sock.lastOutbound(t))
	if len(set) != 2 {
		t.Fatalf("set after duplicate subscribe = %v, want [M1 M2]", set)
	}

	h.handleInbound(conn, []byte(`{"type":"unsubscribe","payload":{"machineIds":["M2","M9"]}}`))
	msg = sock.lastOutbound(t)
	if msg.Type != "unsubscribed" {
		t.Fatalf("type = %q, want unsubscribed", msg.Type)
	}
	set = subscriptionSet(t, msg)
	if len(set) != 1 || set[0] != "M1" {
		t.Fatalf("set after unsubscribe = %v, want [M1]", set)
	}
}

func TestPingAnswersPong(t *testing.T) {
	h := newTestHub(t)
	conn, sock := attach(t, h, "c1", userdomain.RoleViewer)
	h.handleInbound(conn, []byte(`{"type":"ping"}`))
	if msg := sock.lastOutbound(t); msg.Type != "pong" {
		t.Errorf("type = %q, want pong", msg.Type)
	}
}

func TestToSubscribersOfFiltersByMachine(t *testing.T) {
	h := newTestHub(t)
	c1, s1 := attach(t, h, "c1", userdomain.RoleViewer)
	c2, s2 := attach(t, h, "c2", userdomain.RoleViewer)
	c3, s3 := attach(t, h, "c3", userdomain.RoleViewer)

	c1.subscribe([]string{"M1"})
	c2.subscribe([]string{"M2"})
	c3.subscribe([]string{Wildcard})

	h.ToSubscribersOf("M1", Outbound{Type: "telemetry"})
	h.ToSubscribersOf("M2", Outbound{Type: "alarm"})

	got1 := s1.outboundTypes(t)
	if len(got1) != 1 || got1[0] != "telemetry" {
		t.Errorf("c1 received %v, want [telemetry]", got1)
	}
	got2 := s2.outboundTypes(t)
	if len(got2) != 1 || got2[0] != "alarm" {
		t.Errorf("c2 received %v, want [alarm]", got2)
	}
	got3 := s3.outboundTypes(t)
	if len(got3) != 2 {
		t.Errorf("wildcard subscriber received %v, want both", got3)
	}
}

func TestToAllAndToRoles(t *testing.T) {
	h := newTestHub(t)
	_, s1 := attach(t, h, "c1", userdomain.RoleViewer)
	_, s2 := attach(t, h, "c2", userdomain.RoleAdmin)

	h.ToAll(Outbound{Type: "event"})
	h.ToRoles([]userdomain.Role{userdomain.RoleAdmin}, Outbound{Type: "alarm"})

	if got := s1.outboundTypes(t); len(got) != 1 || got[0] != "event" {
		t.Errorf("viewer received %v, want [event]", got)
	}
	got := s2.outboundTypes(t)
	if len(got) != 2 || got[0] != "event" || got[1] != "alarm" {
		t.Errorf("admin received %v, want [event alarm]", got)
	}
}

func TestBroadcastStampsTimestamp(t *testing.T) {
	h := newTestHub(t)
	_, sock := attach(t, h, "c1", userdomain.RoleViewer)
	h.ToAll(Outbound{Type: "event"})
	if msg := sock.lastOutbound(t); msg.Timestamp.IsZero() {
		t.Error("broadcast should stamp a timestamp")
	}
}

func TestSweepReapsAfterTwoMissedPings(t *testing.T) {
	h := newTestHub(t)
	_, staleSock := attach(t, h, "stale", userdomain.RoleViewer)
	healthy, _ := attach(t, h, "healthy", userdomain.RoleViewer)

	// First sweep clears both flags and pings; the healthy peer answers.
	h.sweep()
	if h.ConnectionCount() != 2 {
		t.Fatalf("count after first sweep = %d, want 2", h.ConnectionCount())
	}
	healthy.markAlive()

	// Second sweep finds the stale flag still clear and reaps it first.
	h.sweep()
	if h.ConnectionCount() != 1 {
		t.Fatalf("count after second sweep = %d, want 1", h.ConnectionCount())
	}
	if !staleSock.isClosed() {
		t.Error("stale socket should be closed")
	}

	// No further messages reach the reaped connection.
	before := len(staleSock.outboundTypes(t))
	h.ToAll(Outbound{Type: "event"})
	if after := len(staleSock.outboundTypes(t)); after != before {
		t.Error("reaped connection should not receive broadcasts")
	}
}

func TestShutdownNotifiesAndRejects(t *testing.T) {
	h := newTestHub(t)
	_, sock := attach(t, h, "c1", userdomain.RoleViewer)

	h.Shutdown(context.Background())

	code, reason := sock.closeReason(t)
	if code != websocket.CloseGoingAway {
		t.Errorf("close code = %d, want %d", code, websocket.CloseGoingAway)
	}
	if reason != shutdownReason {
		t.Errorf("close reason = %q, want %q", reason, shutdownReason)
	}
	if h.ConnectionCount() != 0 {
		t.Errorf("count after shutdown = %d, want 0", h.ConnectionCount())
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status after shutdown = %d, want 503", rec.Code)
	}
}

func TestAuthGate(t *testing.T) {
	tokens, err := security.NewTestTokenProvider()
	if err != nil {
		t.Fatalf("token provider: %v", err)
	}
	sessions := &fakeSessions{identities: map[string]*authservice.Identity{
		"cookie-token": {SubjectID: "user-2", DisplayName: "Cookie User", Role: userdomain.RoleViewer},
	}}
	h := New(tokens, sessions, time.Minute)

	access, _, err := tokens.IssueAccess("user-1", "Bearer User", "operator")
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}

	srv := httptest.NewServer(h)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	dial := func(header http.Header, query string) (*websocket.Conn, *http.Response, error) {
		return websocket.DefaultDialer.Dial(wsURL+query, header)
	}

	t.Run("bearer header", func(t *testing.T) {
		header := http.Header{"Authorization": []string{"Bearer " + access}}
		ws, _, err := dial(header, "")
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer ws.Close()
		var msg Outbound
		if err := ws.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Type != "connected" {
			t.Errorf("first message type = %q, want connected", msg.Type)
		}
	})

	t.Run("session cookie", func(t *testing.T) {
		header := http.Header{"Cookie": []string{SessionCookieName + "=cookie-token"}}
		ws, _, err := dial(header, "")
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		ws.Close()
	})

	t.Run("query param", func(t *testing.T) {
		ws, _, err := dial(nil, "?token="+access)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		ws.Close()
	})

	t.Run("invalid bearer falls through to cookie", func(t *testing.T) {
		header := http.Header{
			"Authorization": []string{"Bearer bogus"},
			"Cookie":        []string{SessionCookieName + "=cookie-token"},
		}
		ws, _, err := dial(header, "")
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		ws.Close()
	})

	t.Run("no credentials rejected before handshake", func(t *testing.T) {
		_, resp, err := dial(nil, "")
		if err == nil {
			t.Fatal("dial should fail without credentials")
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %v, want 401", resp)
		}
	})
}
