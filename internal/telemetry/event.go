// Package telemetry archives device events off the hot path. Events flow
// bridge → Kafka → worker → Loki; every stage is best-effort and must never
// block or fail a control-plane operation.
package telemetry

import (
	"context"
	"encoding/json"
	"time"
)

// DeviceEvent is one archived device message as received off the bridge.
type DeviceEvent struct {
	MachineID  string          `json:"machineId"`
	Kind       string          `json:"kind"` // status, telemetry, alarm, result, event
	Topic      string          `json:"topic"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// EventEmitter appends device events to the archive stream. Best-effort;
// callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event *DeviceEvent) error
}
