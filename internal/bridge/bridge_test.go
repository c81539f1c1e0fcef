package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeTransport records publishes and lets tests inject inbound messages
// and connection loss.
type fakeTransport struct {
	mu          sync.Mutex
	connected   bool
	connectErrs []error // popped per Connect call; nil entry means success
	connects    int
	subs        []string
	published   []publishedMsg
	onMessage   func(topic string, payload []byte)
	onLost      func(err error)
}

type publishedMsg struct {
	topic   string
	payload []byte
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		if err != nil {
			return err
		}
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedMsg{topic: topic, payload: payload})
	return nil
}

func (f *fakeTransport) Subscribe(ctx context.Context, filter string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, filter)
	return nil
}

func (f *fakeTransport) SetMessageHandler(fn func(topic string, payload []byte)) { f.onMessage = fn }
func (f *fakeTransport) SetConnectionLostHandler(fn func(err error))            { f.onLost = fn }

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeTransport) deliver(t *testing.T, topic string, msg *Message) {
	t.Helper()
	payload, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f.onMessage(topic, payload)
}

func (f *fakeTransport) lastPublished(t *testing.T) (string, *Message) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.published) == 0 {
		t.Fatal("nothing published")
	}
	p := f.published[len(f.published)-1]
	var msg Message
	if err := json.Unmarshal(p.payload, &msg); err != nil {
		t.Fatalf("unmarshal published: %v", err)
	}
	return p.topic, &msg
}

func newTestBridge(t *testing.T) (*Bridge, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	b := New(tr, Topics{Prefix: "fleet"}, 3, time.Millisecond)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return b, tr
}

func TestStartSubscribesInboundPatterns(t *testing.T) {
	_, tr := newTestBridge(t)
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.subs) != 5 {
		t.Fatalf("subscribed %d filters, want 5: %v", len(tr.subs), tr.subs)
	}
}

func TestDispatchInvokesMatchingHandlersInOrder(t *testing.T) {
	b, tr := newTestBridge(t)
	ctx := context.Background()

	var mu sync.Mutex
	var calls []string
	record := func(name string) Handler {
		return func(ctx context.Context, topic string, msg *Message) error {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
			return nil
		}
	}

	if err := b.Subscribe(ctx, "fleet/agent/+/telemetry", record("first")); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := b.Subscribe(ctx, "fleet/agent/+/telemetry", record("second")); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := b.Subscribe(ctx, "fleet/agent/M1/#", record("wildcard")); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := b.Subscribe(ctx, "fleet/agent/+/alarm", record("alarm")); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	tr.deliver(t, "fleet/agent/M1/telemetry", &Message{Type: "telemetry"})

	mu.Lock()
	defer mu.Unlock()
	want := []string{"first", "second", "wildcard"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("calls[%d] = %q, want %q", i, calls[i], want[i])
		}
	}
}

func TestDispatchIsolatesFailingHandlers(t *testing.T) {
	b, tr := newTestBridge(t)
	ctx := context.Background()

	var mu sync.Mutex
	reached := false
	if err := b.Subscribe(ctx, "fleet/agent/+/event", func(ctx context.Context, topic string, msg *Message) error {
		return errors.New("boom")
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := b.Subscribe(ctx, "fleet/agent/+/event", func(ctx context.Context, topic string, msg *Message) error {
		panic("worse")
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := b.Subscribe(ctx, "fleet/agent/+/event", func(ctx context.Context, topic string, msg *Message) error {
		mu.Lock()
		reached = true
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	tr.deliver(t, "fleet/agent/M1/event", &Message{Type: "event"})

	mu.Lock()
	defer mu.Unlock()
	if !reached {
		t.Error("handler after a failing and a panicking one should still run")
	}
}

func TestDispatchDropsMalformedPayload(t *testing.T) {
	b, tr := newTestBridge(t)
	called := false
	_ = b.Subscribe(context.Background(), "fleet/agent/+/event", func(ctx context.Context, topic string, msg *Message) error {
		called = true
		return nil
	})
	tr.onMessage("fleet/agent/M1/event", []byte("{not json"))
	if called {
		t.Error("malformed payload should not reach handlers")
	}
}

func TestPublishStampsTimestamp(t *testing.T) {
	b, tr := newTestBridge(t)

	if err := b.Publish(context.Background(), "fleet/server/command", &Message{Type: "command"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	_, msg := tr.lastPublished(t)
	if msg.Timestamp.IsZero() {
		t.Error("publish should stamp a timestamp when the caller omits one")
	}

	stamped := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := b.Publish(context.Background(), "fleet/server/command", &Message{Type: "command", Timestamp: stamped}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	_, msg = tr.lastPublished(t)
	if !msg.Timestamp.Equal(stamped) {
		t.Errorf("caller timestamp should be preserved, got %v", msg.Timestamp)
	}
}

func TestPublishFailsWhenDisconnected(t *testing.T) {
	b, tr := newTestBridge(t)
	tr.Close()
	err := b.Publish(context.Background(), "fleet/server/command", &Message{})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestSendCommand(t *testing.T) {
	b, tr := newTestBridge(t)

	err := b.SendCommand(context.Background(), "M1", "start", "corr-42", map[string]any{"programId": "P7"})
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	topic, msg := tr.lastPublished(t)
	if topic != "fleet/server/command/M1" {
		t.Errorf("topic = %q, want fleet/server/command/M1", topic)
	}
	if msg.CorrelationID != "corr-42" {
		t.Errorf("correlationId = %q, want corr-42", msg.CorrelationID)
	}
	var body CommandBody
	if err := json.Unmarshal(msg.Payload, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.Command != "start" {
		t.Errorf("command = %q, want start", body.Command)
	}
	if body.Params["programId"] != "P7" {
		t.Errorf("params = %v", body.Params)
	}
}

func TestReconnectBoundedThenFatal(t *testing.T) {
	tr := &fakeTransport{}
	b := New(tr, Topics{Prefix: "fleet"}, 3, time.Millisecond)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Every reconnect attempt fails.
	tr.mu.Lock()
	tr.connected = false
	tr.connectErrs = []error{
		errors.New("down"), errors.New("down"), errors.New("down"),
	}
	connectsBefore := tr.connects
	tr.mu.Unlock()

	tr.onLost(errors.New("broker gone"))

	select {
	case err := <-b.Fatal():
		if err == nil {
			t.Fatal("fatal error should not be nil")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bridge should surface a fatal error after exhausting reconnects")
	}

	tr.mu.Lock()
	attempts := tr.connects - connectsBefore
	tr.mu.Unlock()
	if attempts != 3 {
		t.Errorf("reconnect attempts = %d, want 3", attempts)
	}
}

func TestReconnectSuccessResubscribes(t *testing.T) {
	tr := &fakeTransport{}
	b := New(tr, Topics{Prefix: "fleet"}, 3, time.Millisecond)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_ = b.Subscribe(context.Background(), "fleet/agent/+/extra", func(ctx context.Context, topic string, msg *Message) error { return nil })

	tr.mu.Lock()
	tr.connected = false
	tr.connectErrs = []error{errors.New("down"), nil} // second attempt succeeds
	subsBefore := len(tr.subs)
	tr.mu.Unlock()

	tr.onLost(errors.New("broker gone"))

	deadline := time.After(2 * time.Second)
	for {
		tr.mu.Lock()
		resubbed := len(tr.subs) >= subsBefore+6 // 5 inbound + 1 extra
		tr.mu.Unlock()
		if resubbed {
			break
		}
		select {
		case <-deadline:
			t.Fatal("bridge should resubscribe all patterns after reconnect")
		case <-time.After(5 * time.Millisecond):
		}
	}

	select {
	case err := <-b.Fatal():
		t.Fatalf("unexpected fatal after successful reconnect: %v", err)
	default:
	}
}
