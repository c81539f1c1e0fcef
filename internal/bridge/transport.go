package bridge

import "context"

// Transport is the broker connection the bridge drives. Implementations
// deliver every inbound message of the subscribed filters to the handler set
// via SetMessageHandler, in the order received per topic.
type Transport interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, filter string) error
	// SetMessageHandler installs the inbound callback. Must be called before Connect.
	SetMessageHandler(fn func(topic string, payload []byte))
	// SetConnectionLostHandler installs the disconnect callback. Must be called before Connect.
	SetConnectionLostHandler(fn func(err error))
	Connected() bool
	Close()
}
