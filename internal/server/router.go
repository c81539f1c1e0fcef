package server

import (
	"context"
	"encoding/json"
	"time"

	"fleet-control-plane/backend/internal/bridge"
	"fleet-control-plane/backend/internal/hub"
	jobservice "fleet-control-plane/backend/internal/job/service"
	"fleet-control-plane/backend/internal/telemetry"
)

// EventRouter is the data-flow glue between the bridge and the rest of the
// core: device messages fan out to hub subscribers, drive the job state
// machine, and are appended to the archive stream. Hub and archive delivery
// are side channels; only the job path returns errors into the bridge.
type EventRouter struct {
	bridge  *bridge.Bridge
	hub     *hub.Hub
	jobs    *jobservice.JobService
	emitter telemetry.EventEmitter
}

// NewEventRouter wires the router. jobs and emitter may be nil; the
// corresponding paths are skipped.
func NewEventRouter(b *bridge.Bridge, h *hub.Hub, jobs *jobservice.JobService, emitter telemetry.EventEmitter) *EventRouter {
	return &EventRouter{bridge: b, hub: h, jobs: jobs, emitter: emitter}
}

// devicePayload is the hub-facing shape of a relayed device message.
type devicePayload struct {
	MachineID string          `json:"machineId"`
	Kind      string          `json:"kind"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// cycleEvent is the device-event body the job path inspects.
type cycleEvent struct {
	Event string `json:"event"`
}

// Register subscribes the router's handlers for the full inbound pattern set.
// Call before bridge.Start so a reconnect resubscribes everything.
func (r *EventRouter) Register(ctx context.Context) error {
	topics := r.bridge.Topics()
	routes := []struct {
		pattern string
		kind    string
		outType string
	}{
		{topics.AgentStatusPattern(), "status", "event"},
		{topics.AgentTelemetryPattern(), "telemetry", "telemetry"},
		{topics.AgentAlarmPattern(), "alarm", "alarm"},
		{topics.AgentCommandResultPattern(), "result", "event"},
	}
	for _, route := range routes {
		route := route
		err := r.bridge.Subscribe(ctx, route.pattern, func(ctx context.Context, topic string, msg *bridge.Message) error {
			r.relay(topic, route.kind, route.outType, msg)
			return nil
		})
		if err != nil {
			return err
		}
	}
	return r.bridge.Subscribe(ctx, topics.AgentEventPattern(), r.handleDeviceEvent)
}

// relay broadcasts one device message to hub subscribers of its machine and
// appends it to the archive.
func (r *EventRouter) relay(topic, kind, outType string, msg *bridge.Message) {
	machineID := r.bridge.Topics().MachineFromTopic(topic)
	if machineID == "" {
		return
	}
	r.hub.ToSubscribersOf(machineID, hub.Outbound{
		Type:      outType,
		Timestamp: msg.Timestamp,
		Payload:   devicePayload{MachineID: machineID, Kind: kind, Data: msg.Payload},
	})
	r.archive(machineID, kind, topic, msg)
}

// handleDeviceEvent relays a device event and, for cycle completions, drives
// the job state machine. A completion with no running job is silently
// ignored by the job service; a successful count change is broadcast as a
// scheduler update so dashboards track progress live.
func (r *EventRouter) handleDeviceEvent(ctx context.Context, topic string, msg *bridge.Message) error {
	machineID := r.bridge.Topics().MachineFromTopic(topic)
	if machineID == "" {
		return nil
	}
	r.relay(topic, "event", "event", msg)

	if r.jobs == nil || len(msg.Payload) == 0 {
		return nil
	}
	var ev cycleEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil || ev.Event != "cycle_complete" {
		return nil
	}
	updated, err := r.jobs.HandleCompletion(ctx, machineID)
	if err != nil {
		return err
	}
	if updated != nil {
		r.hub.ToSubscribersOf(machineID, hub.Outbound{
			Type:    "scheduler",
			Payload: updated,
		})
	}
	return nil
}

func (r *EventRouter) archive(machineID, kind, topic string, msg *bridge.Message) {
	if r.emitter == nil {
		return
	}
	receivedAt := msg.Timestamp
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	telemetry.EmitAsync(r.emitter, &telemetry.DeviceEvent{
		MachineID:  machineID,
		Kind:       kind,
		Topic:      topic,
		Payload:    msg.Payload,
		ReceivedAt: receivedAt,
	})
}
