// Package hub multiplexes device events to live viewer connections with
// per-viewer subscription filtering. Connections are authenticated before
// the WebSocket upgrade and reaped by a periodic liveness sweep.
package hub

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	authservice "fleet-control-plane/backend/internal/auth/service"
	"fleet-control-plane/backend/internal/security"
	userdomain "fleet-control-plane/backend/internal/user/domain"
)

// SessionCookieName carries the rotating session token for viewers that
// authenticate via cookie rather than bearer header.
const SessionCookieName = "fleet_session"

const bearerPrefix = "bearer "

// shutdownReason is the close reason every connection receives on graceful
// shutdown, distinct from the default close.
const shutdownReason = "server shutting down"

// SessionValidator checks a rotating session token (the refresh cookie)
// against its record and the subject's active status.
type SessionValidator interface {
	ValidateSession(ctx context.Context, token string) (*authservice.Identity, error)
}

// Hub owns every viewer connection. Construct once at startup with New,
// start the sweeper with Run, and stop with Shutdown.
type Hub struct {
	tokens       *security.TokenProvider
	sessions     SessionValidator
	upgrader     websocket.Upgrader
	pingInterval time.Duration

	mu     sync.RWMutex
	conns  map[string]*Conn
	closed bool

	stop     chan struct{}
	stopOnce sync.Once
}

// New returns a Hub authenticating with tokens (bearer/param) and sessions
// (cookie), sweeping liveness every pingInterval.
func New(tokens *security.TokenProvider, sessions SessionValidator, pingInterval time.Duration) *Hub {
	return &Hub{
		tokens:       tokens,
		sessions:     sessions,
		pingInterval: pingInterval,
		conns:        make(map[string]*Conn),
		stop:         make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP is the WebSocket endpoint. Authentication happens once, before
// the upgrade; a request that fails every method is rejected without any
// socket-level handshake.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ident := h.authenticate(r)
	if ident == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("hub: upgrade failed for %s: %v", ident.SubjectID, err)
		return
	}

	conn := newConn(uuid.New().String(), sock, ident.SubjectID, ident.DisplayName, ident.Role)
	h.register(conn)

	_ = conn.send(Outbound{Type: "connected", Payload: ConnectedPayload{
		ConnectionID: conn.ID,
		SubjectID:    conn.SubjectID,
		DisplayName:  conn.DisplayName,
		Role:         string(conn.Role),
	}})

	go h.readLoop(conn)
}

// authenticate evaluates the admission gate in priority order: bearer
// header, session cookie, connection-time parameter. The first method that
// validates wins.
func (h *Hub) authenticate(r *http.Request) *authservice.Identity {
	if v := strings.TrimSpace(r.Header.Get("Authorization")); len(v) > len(bearerPrefix) &&
		strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		token := strings.TrimSpace(v[len(bearerPrefix):])
		if ident := h.identityFromAccess(token); ident != nil {
			return ident
		}
	}
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		if ident, err := h.sessions.ValidateSession(r.Context(), cookie.Value); err == nil {
			return ident
		}
	}
	if token := r.URL.Query().Get("token"); token != "" {
		if ident := h.identityFromAccess(token); ident != nil {
			return ident
		}
	}
	return nil
}

func (h *Hub) identityFromAccess(token string) *authservice.Identity {
	claims, err := h.tokens.VerifyAccess(token)
	if err != nil {
		return nil
	}
	return &authservice.Identity{
		SubjectID:   claims.Subject,
		DisplayName: claims.DisplayName,
		Role:        userdomain.Role(claims.Role),
	}
}

func (h *Hub) register(conn *Conn) {
	conn.sock.SetPongHandler(func(string) error {
		conn.markAlive()
		return nil
	})
	h.mu.Lock()
	h.conns[conn.ID] = conn
	h.mu.Unlock()
}

// remove drops the connection from the hub and closes its socket. Safe to
// call more than once.
func (h *Hub) remove(conn *Conn, code int, reason string) {
	h.mu.Lock()
	_, present := h.conns[conn.ID]
	delete(h.conns, conn.ID)
	h.mu.Unlock()
	if present {
		conn.closeWith(code, reason)
	}
}

// readLoop consumes inbound viewer messages until the socket dies.
func (h *Hub) readLoop(conn *Conn) {
	defer h.remove(conn, websocket.CloseNormalClosure, "")
	for {
		_, data, err := conn.sock.ReadMessage()
		if err != nil {
			return
		}
		conn.markAlive()
		h.handleInbound(conn, data)
	}
}

func (h *Hub) handleInbound(conn *Conn, data []byte) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("hub: malformed message from %s: %v", conn.ID, err)
		return
	}
	switch msg.Type {
	case "subscribe":
		var p SubscribePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			log.Printf("hub: bad subscribe payload from %s: %v", conn.ID, err)
			return
		}
		set := conn.subscribe(p.MachineIDs)
		_ = conn.send(Outbound{Type: "subscribed", Payload: SubscriptionPayload{MachineIDs: set}})
	case "unsubscribe":
		var p SubscribePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			log.Printf("hub: bad unsubscribe payload from %s: %v", conn.ID, err)
			return
		}
		set := conn.unsubscribe(p.MachineIDs)
		_ = conn.send(Outbound{Type: "unsubscribed", Payload: SubscriptionPayload{MachineIDs: set}})
	case "ping":
		_ = conn.send(Outbound{Type: "pong"})
	default:
		log.Printf("hub: unknown message type %q from %s", msg.Type, conn.ID)
	}
}

// snapshot returns the current connections. Broadcasts deliver to this
// snapshot only: a connection added mid-broadcast may or may not see that
// message, and never retroactively.
func (h *Hub) snapshot() []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

// ToAll delivers msg to every connection.
func (h *Hub) ToAll(msg Outbound) {
	for _, c := range h.snapshot() {
		if err := c.send(msg); err != nil {
			log.Printf("hub: write to %s failed: %v", c.ID, err)
		}
	}
}

// ToSubscribersOf delivers msg to connections subscribed to machineID or
// to the universal wildcard.
func (h *Hub) ToSubscribersOf(machineID string, msg Outbound) {
	for _, c := range h.snapshot() {
		if !c.subscribedTo(machineID) {
			continue
		}
		if err := c.send(msg); err != nil {
			log.Printf("hub: write to %s failed: %v", c.ID, err)
		}
	}
}

// ToRoles delivers msg to connections whose role is in roles.
func (h *Hub) ToRoles(roles []userdomain.Role, msg Outbound) {
	for _, c := range h.snapshot() {
		match := false
		for _, r := range roles {
			if c.Role == r {
				match = true
				break
			}
		}
		if !match {
			continue
		}
		if err := c.send(msg); err != nil {
			log.Printf("hub: write to %s failed: %v", c.ID, err)
		}
	}
}

// ConnectionCount reports the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Run drives the liveness sweeper until Shutdown. Call in a goroutine.
func (h *Hub) Run() {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

// sweep enforces liveness: any connection whose flag is already clear
// failed the previous ping and is removed before the new ping goes out, so
// stale connections cannot accumulate past two intervals.
func (h *Hub) sweep() {
	for _, c := range h.snapshot() {
		if wasAlive := c.clearAlive(); !wasAlive {
			log.Printf("hub: reaping stale connection %s (%s)", c.ID, c.SubjectID)
			h.remove(c, websocket.ClosePolicyViolation, "liveness timeout")
			continue
		}
		if err := c.ping(); err != nil {
			h.remove(c, websocket.CloseAbnormalClosure, "ping failed")
		}
	}
}

// Shutdown notifies every connection with a going-away close frame, then
// stops the sweeper and rejects new connections.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.stopOnce.Do(func() { close(h.stop) })

	for _, c := range h.snapshot() {
		h.remove(c, websocket.CloseGoingAway, shutdownReason)
	}
}
