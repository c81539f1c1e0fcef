package hub

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	userdomain "fleet-control-plane/backend/internal/user/domain"
)

// Wildcard is the universal subscription: a connection subscribed to it
// receives every machine-scoped broadcast.
const Wildcard = "*"

// socket is the subset of *websocket.Conn the hub drives. Tests substitute
// an in-memory implementation.
type socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Conn is one live viewer connection. Its subscription set and liveness
// flag are owned exclusively by the hub; no other component mutates them.
type Conn struct {
	ID          string
	SubjectID   string
	DisplayName string
	Role        userdomain.Role

	sock socket

	mu    sync.Mutex
	subs  map[string]struct{}
	alive bool
}

func newConn(id string, sock socket, subjectID, displayName string, role userdomain.Role) *Conn {
	return &Conn{
		ID:          id,
		SubjectID:   subjectID,
		DisplayName: displayName,
		Role:        role,
		sock:        sock,
		subs:        make(map[string]struct{}),
		alive:       true,
	}
}

// send marshals and writes one outbound message, stamping the timestamp if
// unset. Writes are serialized per connection.
func (c *Conn) send(msg Outbound) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock.WriteMessage(websocket.TextMessage, data)
}

// subscribe adds ids to the set (idempotent) and returns the resulting full
// set, sorted.
func (c *Conn) subscribe(ids []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		if id == "" {
			continue
		}
		c.subs[id] = struct{}{}
	}
	return c.subscriptionLocked()
}

// unsubscribe removes ids from the set and returns the resulting full set, sorted.
func (c *Conn) unsubscribe(ids []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.subs, id)
	}
	return c.subscriptionLocked()
}

func (c *Conn) subscriptionLocked() []string {
	out := make([]string, 0, len(c.subs))
	for id := range c.subs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// subscribedTo reports whether the connection watches machineID, either
// directly or through the wildcard.
func (c *Conn) subscribedTo(machineID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[Wildcard]; ok {
		return true
	}
	_, ok := c.subs[machineID]
	return ok
}

func (c *Conn) markAlive() {
	c.mu.Lock()
	c.alive = true
	c.mu.Unlock()
}

// clearAlive clears the liveness flag and reports whether it was set.
func (c *Conn) clearAlive() (wasAlive bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wasAlive = c.alive
	c.alive = false
	return wasAlive
}

func (c *Conn) ping() error {
	return c.sock.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

// closeWith sends a close frame with the given code and reason, then closes
// the socket. Best-effort on the frame; the socket is closed regardless.
func (c *Conn) closeWith(code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = c.sock.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = c.sock.Close()
}
