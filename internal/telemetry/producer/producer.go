// Package producer writes device events to the archive stream (Kafka).
package producer

import (
	"context"

	"fleet-control-plane/backend/internal/telemetry"
)

// Producer appends device events to the stream. Callers use it best-effort:
// log and ignore errors.
type Producer interface {
	Emit(ctx context.Context, event *telemetry.DeviceEvent) error
	// Close releases the underlying writer. Safe to call if already closed.
	Close() error
}
