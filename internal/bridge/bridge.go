// Package bridge routes device-originated broker messages to registered
// handlers by topic pattern and publishes server-originated commands.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// ErrNotConnected is returned by publish operations while the transport
// session is down. Publishing never silently drops.
var ErrNotConnected = errors.New("bridge: transport not connected")

// Message is the wire shape of bridge traffic. Payload carries the
// type-specific body untouched.
type Message struct {
	Type          string          `json:"type,omitempty"`
	MachineID     string          `json:"machineId,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// CommandBody is the payload of a server → device command message. The
// transport accepting the publish says nothing about execution; completion
// arrives asynchronously on the command/result topic, correlated by
// CorrelationID on the envelope.
type CommandBody struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// Handler processes one inbound message. Returning an error (or panicking)
// is isolated to the handler: dispatch to the remaining handlers continues.
type Handler func(ctx context.Context, topic string, msg *Message) error

// Bridge maintains the broker transport, a pattern → ordered-handler
// registry, and a bounded reconnect loop. Construct once at startup; Start
// connects, Close tears down.
type Bridge struct {
	transport      Transport
	topics         Topics
	maxReconnects  int
	reconnectDelay time.Duration

	mu       sync.RWMutex
	patterns []string
	handlers map[string][]Handler
	started  bool

	fatal chan error
}

// New returns an unstarted Bridge over transport. maxReconnects bounds the
// reconnect attempts after a lost connection; delay separates attempts.
func New(transport Transport, topics Topics, maxReconnects int, delay time.Duration) *Bridge {
	b := &Bridge{
		transport:      transport,
		topics:         topics,
		maxReconnects:  maxReconnects,
		reconnectDelay: delay,
		handlers:       make(map[string][]Handler),
		fatal:          make(chan error, 1),
	}
	transport.SetMessageHandler(b.dispatch)
	transport.SetConnectionLostHandler(b.connectionLost)
	return b
}

// Topics exposes the canonical topic builder.
func (b *Bridge) Topics() Topics { return b.topics }

// Fatal reports unrecoverable transport failure: it receives exactly one
// error after reconnect attempts are exhausted. The owning process should
// treat it as a shutdown signal.
func (b *Bridge) Fatal() <-chan error { return b.fatal }

// Subscribe registers handler for every topic matching pattern. Handlers
// for one pattern run in registration order. When the transport is live the
// filter is also subscribed at the broker.
func (b *Bridge) Subscribe(ctx context.Context, pattern string, handler Handler) error {
	b.mu.Lock()
	if _, seen := b.handlers[pattern]; !seen {
		b.patterns = append(b.patterns, pattern)
	}
	b.handlers[pattern] = append(b.handlers[pattern], handler)
	started := b.started
	b.mu.Unlock()

	if started && b.transport.Connected() {
		return b.transport.Subscribe(ctx, pattern)
	}
	return nil
}

// Start connects the transport and subscribes the fixed inbound pattern set
// plus anything registered before Start.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.transport.Connect(ctx); err != nil {
		return fmt.Errorf("bridge connect: %w", err)
	}
	b.mu.Lock()
	b.started = true
	patterns := append([]string(nil), b.patterns...)
	b.mu.Unlock()

	for _, p := range b.topics.InboundPatterns() {
		if err := b.transport.Subscribe(ctx, p); err != nil {
			return fmt.Errorf("bridge subscribe %s: %w", p, err)
		}
	}
	for _, p := range patterns {
		if err := b.transport.Subscribe(ctx, p); err != nil {
			return fmt.Errorf("bridge subscribe %s: %w", p, err)
		}
	}
	return nil
}

// Close disconnects the transport.
func (b *Bridge) Close() {
	b.transport.Close()
}

// Publish serializes msg to topic, stamping the timestamp if the caller
// omitted one. Fails explicitly when disconnected.
func (b *Bridge) Publish(ctx context.Context, topic string, msg *Message) error {
	if !b.transport.Connected() {
		return ErrNotConnected
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("bridge marshal: %w", err)
	}
	if err := b.transport.Publish(ctx, topic, payload); err != nil {
		return fmt.Errorf("bridge publish %s: %w", topic, err)
	}
	return nil
}

// SendCommand publishes a command to the machine's command topic. Success
// means only that the transport accepted the publish; the device's result
// arrives later on the command/result topic under the same correlation id.
func (b *Bridge) SendCommand(ctx context.Context, machineID, command, correlationID string, params map[string]any) error {
	body, err := json.Marshal(CommandBody{Command: command, Params: params})
	if err != nil {
		return fmt.Errorf("bridge marshal command: %w", err)
	}
	msg := &Message{
		Type:          "command",
		MachineID:     machineID,
		CorrelationID: correlationID,
		Payload:       body,
	}
	return b.Publish(ctx, b.topics.ServerCommand(machineID), msg)
}

// dispatch routes one inbound message through the registry. Messages on the
// same topic arrive here in transport order; handler errors and panics are
// logged and skipped so one handler cannot starve the rest.
func (b *Bridge) dispatch(topic string, payload []byte) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.Printf("bridge: dropping malformed message on %s: %v", topic, err)
		return
	}

	b.mu.RLock()
	patterns := append([]string(nil), b.patterns...)
	handlers := make(map[string][]Handler, len(b.handlers))
	for p, hs := range b.handlers {
		handlers[p] = hs
	}
	b.mu.RUnlock()

	ctx := context.Background()
	for _, pattern := range patterns {
		if !MatchTopic(pattern, topic) {
			continue
		}
		for i, h := range handlers[pattern] {
			b.invoke(ctx, pattern, i, topic, &msg, h)
		}
	}
}

func (b *Bridge) invoke(ctx context.Context, pattern string, idx int, topic string, msg *Message, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("bridge: handler %d for %s panicked on %s: %v", idx, pattern, topic, r)
		}
	}()
	if err := h(ctx, topic, msg); err != nil {
		log.Printf("bridge: handler %d for %s failed on %s: %v", idx, pattern, topic, err)
	}
}

// connectionLost runs the bounded reconnect loop. Each attempt waits the
// configured delay; after exhausting maxReconnects the failure is surfaced
// on Fatal rather than retried forever.
func (b *Bridge) connectionLost(cause error) {
	log.Printf("bridge: connection lost: %v", cause)
	go func() {
		for attempt := 1; attempt <= b.maxReconnects; attempt++ {
			time.Sleep(b.reconnectDelay)
			ctx, cancel := context.WithTimeout(context.Background(), mqttConnectTimeout)
			err := b.transport.Connect(ctx)
			cancel()
			if err != nil {
				log.Printf("bridge: reconnect attempt %d/%d failed: %v", attempt, b.maxReconnects, err)
				continue
			}
			if err := b.resubscribe(); err != nil {
				log.Printf("bridge: resubscribe after reconnect failed: %v", err)
				continue
			}
			log.Printf("bridge: reconnected after %d attempt(s)", attempt)
			return
		}
		select {
		case b.fatal <- fmt.Errorf("bridge: reconnect attempts exhausted (%d): %w", b.maxReconnects, cause):
		default:
		}
	}()
}

func (b *Bridge) resubscribe() error {
	ctx, cancel := context.WithTimeout(context.Background(), mqttConnectTimeout)
	defer cancel()
	for _, p := range b.topics.InboundPatterns() {
		if err := b.transport.Subscribe(ctx, p); err != nil {
			return err
		}
	}
	b.mu.RLock()
	patterns := append([]string(nil), b.patterns...)
	b.mu.RUnlock()
	for _, p := range patterns {
		if err := b.transport.Subscribe(ctx, p); err != nil {
			return err
		}
	}
	return nil
}
