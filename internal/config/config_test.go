package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.MQTTTopicPrefix != "fleet" {
		t.Errorf("MQTTTopicPrefix = %q, want fleet", cfg.MQTTTopicPrefix)
	}
	if cfg.BcryptCost != 12 {
		t.Errorf("BcryptCost = %d, want 12", cfg.BcryptCost)
	}
	if cfg.BridgeMaxReconnects != 10 {
		t.Errorf("BridgeMaxReconnects = %d, want 10", cfg.BridgeMaxReconnects)
	}
}

func TestLoadRejectsWildcardPrefix(t *testing.T) {
	for _, prefix := range []string{"fleet/+", "a#", "a/b"} {
		t.Setenv("MQTT_TOPIC_PREFIX", prefix)
		if _, err := Load(); err == nil {
			t.Errorf("prefix %q should be rejected", prefix)
		}
	}
}

func TestLoadRejectsBcryptCostOutOfRange(t *testing.T) {
	t.Setenv("BCRYPT_COST", "40")
	if _, err := Load(); err == nil {
		t.Error("cost 40 should be rejected")
	}
}

func TestDurationHelpersFallBack(t *testing.T) {
	cfg := &Config{
		JWTAccessTTL:         "bogus",
		HubPingInterval:      "",
		LockTTL:              "2m",
		BridgeReconnectDelay: "-1s",
	}
	if got := cfg.AccessTTL(); got != 15*time.Minute {
		t.Errorf("AccessTTL = %v, want 15m", got)
	}
	if got := cfg.HubPing(); got != 30*time.Second {
		t.Errorf("HubPing = %v, want 30s", got)
	}
	if got := cfg.ControlLockTTL(); got != 2*time.Minute {
		t.Errorf("ControlLockTTL = %v, want 2m", got)
	}
	if got := cfg.ReconnectDelay(); got != 5*time.Second {
		t.Errorf("ReconnectDelay = %v, want 5s", got)
	}
}

func TestEventKafkaBrokersList(t *testing.T) {
	tests := []struct {
		raw  string
		want int
	}{
		{"", 0},
		{"localhost:9092", 1},
		{"a:9092, b:9092", 2},
		{" , ", 0},
	}
	for _, tt := range tests {
		cfg := &Config{EventKafkaBrokers: tt.raw}
		if got := cfg.EventKafkaBrokersList(); len(got) != tt.want {
			t.Errorf("brokers(%q) = %v, want %d entries", tt.raw, got, tt.want)
		}
	}
}
