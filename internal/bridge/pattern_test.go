package bridge

import "testing"

func TestMatchTopic(t *testing.T) {
	cases := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"a/b/c", "a/b/c", true},
		{"a/b/c", "a/b/d", false},
		{"a/b/c", "a/b", false},

		{"a/+/c", "a/b/c", true},
		{"a/+/c", "a/x/c", true},
		{"a/+/c", "a/b/c/d", false},
		{"a/+/c", "a/c", false},
		{"+/b", "a/b", true},
		{"+", "a", true},
		{"+", "a/b", false},

		{"a/#", "a/b", true},
		{"a/#", "a/b/c", true},
		{"a/#", "a", true},
		{"a/#", "b/c", false},
		{"#", "anything/at/all", true},
		{"a/+/#", "a/b", true},
		{"a/+/#", "a/b/c/d", true},
		{"a/+/#", "a", false},

		// "#" is special only in the final position.
		{"a/#/c", "a/b/c", false},
		{"a/#/c", "a/#/c", true},

		{"", "a", false},
		{"a", "", false},
	}
	for _, tc := range cases {
		if got := MatchTopic(tc.pattern, tc.topic); got != tc.want {
			t.Errorf("MatchTopic(%q, %q) = %v, want %v", tc.pattern, tc.topic, got, tc.want)
		}
	}
}

func TestTopicsBuilders(t *testing.T) {
	topics := Topics{Prefix: "fleet"}
	if got := topics.AgentTelemetry("M1"); got != "fleet/agent/M1/telemetry" {
		t.Errorf("AgentTelemetry = %q", got)
	}
	if got := topics.AgentCommandResult("M1"); got != "fleet/agent/M1/command/result" {
		t.Errorf("AgentCommandResult = %q", got)
	}
	if got := topics.ServerCommand("M1"); got != "fleet/server/command/M1" {
		t.Errorf("ServerCommand = %q", got)
	}
	if got := topics.ServerCommandBroadcast(); got != "fleet/server/command" {
		t.Errorf("ServerCommandBroadcast = %q", got)
	}
	if got := topics.ServerScheduler("M1"); got != "fleet/server/scheduler/M1" {
		t.Errorf("ServerScheduler = %q", got)
	}
	if n := len(topics.InboundPatterns()); n != 5 {
		t.Errorf("InboundPatterns count = %d, want 5", n)
	}
}

func TestMachineFromTopic(t *testing.T) {
	topics := Topics{Prefix: "fleet"}
	cases := []struct {
		topic string
		want  string
	}{
		{"fleet/agent/M1/telemetry", "M1"},
		{"fleet/agent/M1/command/result", "M1"},
		{"fleet/server/command/M1", ""},
		{"other/agent/M1/telemetry", ""},
		{"fleet/agent/M1", ""},
	}
	for _, tc := range cases {
		if got := topics.MachineFromTopic(tc.topic); got != tc.want {
			t.Errorf("MachineFromTopic(%q) = %q, want %q", tc.topic, got, tc.want)
		}
	}
}
