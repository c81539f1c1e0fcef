package hub

import (
	"encoding/json"
	"time"
)

// Inbound is a viewer → server message.
// Types: "subscribe", "unsubscribe", "ping".
type Inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribePayload carries the machine ids for subscribe/unsubscribe.
// The id "*" subscribes to every machine.
type SubscribePayload struct {
	MachineIDs []string `json:"machineIds"`
}

// Outbound is a server → viewer message.
// Types: connected, subscribed, unsubscribed, pong, telemetry, alarm,
// scheduler, event.
type Outbound struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// ConnectedPayload is sent once after a successful upgrade.
type ConnectedPayload struct {
	ConnectionID string `json:"connectionId"`
	SubjectID    string `json:"subjectId"`
	DisplayName  string `json:"displayName"`
	Role         string `json:"role"`
}

// SubscriptionPayload echoes the full resulting subscription set so the
// client can reconcile its state.
type SubscriptionPayload struct {
	MachineIDs []string `json:"machineIds"`
}
