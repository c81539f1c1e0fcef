package bridge

import (
	"context"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	mqttConnectTimeout = 10 * time.Second
	mqttQoS            = 1
)

// MQTTTransport implements Transport over an MQTT broker using paho.
// Auto-reconnect is disabled: the bridge owns reconnection so attempts stay
// bounded and exhaustion surfaces as a hard failure.
type MQTTTransport struct {
	client    mqtt.Client
	onMessage func(topic string, payload []byte)
	onLost    func(err error)
}

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
}

// NewMQTTTransport returns an unconnected MQTT transport.
func NewMQTTTransport(cfg MQTTConfig) *MQTTTransport {
	t := &MQTTTransport{}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(false).
		SetCleanSession(true).
		SetConnectTimeout(mqttConnectTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			if t.onLost != nil {
				t.onLost(err)
			}
		}).
		SetDefaultPublishHandler(func(_ mqtt.Client, m mqtt.Message) {
			if t.onMessage != nil {
				t.onMessage(m.Topic(), m.Payload())
			}
		})
	t.client = mqtt.NewClient(opts)
	return t
}

func (t *MQTTTransport) SetMessageHandler(fn func(topic string, payload []byte)) {
	t.onMessage = fn
}

func (t *MQTTTransport) SetConnectionLostHandler(fn func(err error)) {
	t.onLost = fn
}

// Connect dials the broker, honoring ctx cancellation while waiting.
func (t *MQTTTransport) Connect(ctx context.Context) error {
	tok := t.client.Connect()
	return waitToken(ctx, tok)
}

// Publish sends payload at QoS 1 without retain.
func (t *MQTTTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	tok := t.client.Publish(topic, mqttQoS, false, payload)
	return waitToken(ctx, tok)
}

// Subscribe registers filter at QoS 1; messages arrive through the default
// publish handler so the bridge's own pattern registry does the routing.
func (t *MQTTTransport) Subscribe(ctx context.Context, filter string) error {
	tok := t.client.Subscribe(filter, mqttQoS, nil)
	return waitToken(ctx, tok)
}

func (t *MQTTTransport) Connected() bool {
	return t.client.IsConnectionOpen()
}

// Close disconnects, allowing a short drain for in-flight messages.
func (t *MQTTTransport) Close() {
	t.client.Disconnect(250)
}

func waitToken(ctx context.Context, tok mqtt.Token) error {
	done := make(chan struct{})
	go func() {
		tok.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return tok.Error()
	}
}
