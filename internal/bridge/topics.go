package bridge

import "strings"

// Topics builds the canonical command/event topic strings under a fixed
// prefix segment (e.g. "fleet").
//
// device → server: <p>/agent/{m}/status|telemetry|alarm|command/result|event
// server → device: <p>/server/command, <p>/server/command/{m}, <p>/server/scheduler/{m}
type Topics struct {
	Prefix string
}

func (t Topics) AgentStatus(machineID string) string    { return t.Prefix + "/agent/" + machineID + "/status" }
func (t Topics) AgentTelemetry(machineID string) string { return t.Prefix + "/agent/" + machineID + "/telemetry" }
func (t Topics) AgentAlarm(machineID string) string     { return t.Prefix + "/agent/" + machineID + "/alarm" }
func (t Topics) AgentCommandResult(machineID string) string {
	return t.Prefix + "/agent/" + machineID + "/command/result"
}
func (t Topics) AgentEvent(machineID string) string { return t.Prefix + "/agent/" + machineID + "/event" }

func (t Topics) ServerCommandBroadcast() string        { return t.Prefix + "/server/command" }
func (t Topics) ServerCommand(machineID string) string { return t.Prefix + "/server/command/" + machineID }
func (t Topics) ServerScheduler(machineID string) string {
	return t.Prefix + "/server/scheduler/" + machineID
}

// Subscription patterns for the fixed inbound set.
func (t Topics) AgentStatusPattern() string        { return t.Prefix + "/agent/+/status" }
func (t Topics) AgentTelemetryPattern() string     { return t.Prefix + "/agent/+/telemetry" }
func (t Topics) AgentAlarmPattern() string         { return t.Prefix + "/agent/+/alarm" }
func (t Topics) AgentCommandResultPattern() string { return t.Prefix + "/agent/+/command/result" }
func (t Topics) AgentEventPattern() string         { return t.Prefix + "/agent/+/event" }

// InboundPatterns returns every device-originated pattern the bridge
// subscribes to on connect.
func (t Topics) InboundPatterns() []string {
	return []string{
		t.AgentStatusPattern(),
		t.AgentTelemetryPattern(),
		t.AgentAlarmPattern(),
		t.AgentCommandResultPattern(),
		t.AgentEventPattern(),
	}
}

// MachineFromTopic extracts the machine identifier from an agent topic
// (<prefix>/agent/{m}/...). Returns "" for topics of another shape.
func (t Topics) MachineFromTopic(topic string) string {
	segs := strings.Split(topic, "/")
	if len(segs) < 4 || segs[0] != t.Prefix || segs[1] != "agent" {
		return ""
	}
	return segs[2]
}
