package config

import (
	"testing"
	"time"
)

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Setenv("HTTP_ADDRESS", "")
	t.Setenv("SUPABASE_BUCKET", "")
	t.Setenv("RELAY_QUEUE_CAPACITY", "")
	t.Setenv("RELAY_PUSH_TIMEOUT", "")
	t.Setenv("RECORD_CALLS", "")
	cfg := Load()
	if cfg.HTTPAddress != ":8080" {
		t.Fatalf("expected default http address, got %q", cfg.HTTPAddress)
	}
	if cfg.SupabaseBucket == "" {
		t.Fatalf("expected default supabase bucket")
	}
	if cfg.QueueCapacity != 500 || cfg.PushTimeout != 20*time.Millisecond {
		t.Fatalf("unexpected relay defaults: %d %s", cfg.QueueCapacity, cfg.PushTimeout)
	}
	if cfg.RecordCalls {
		t.Fatalf("recording must be off by default")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PUBLIC_URL", "https://relay.example.com/")
	t.Setenv("ELEVENLABS_REQUIRE_AUTH", "true")
	t.Setenv("RELAY_QUEUE_CAPACITY", "50")
	t.Setenv("RELAY_END_TIMEOUT", "2s")
	cfg := Load()
	if cfg.PublicURL != "https://relay.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.PublicURL)
	}
	if !cfg.ElevenLabsRequiresAuth {
		t.Fatalf("expected authenticated agent mode")
	}
	if cfg.QueueCapacity != 50 || cfg.EndTimeout != 2*time.Second {
		t.Fatalf("unexpected overrides: %d %s", cfg.QueueCapacity, cfg.EndTimeout)
	}
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	cases := []struct {
		key   string
		value string
		check func(Config) bool
	}{
		{"RELAY_QUEUE_CAPACITY", "-3", func(c Config) bool { return c.QueueCapacity == 500 }},
		{"RELAY_QUEUE_CAPACITY", "lots", func(c Config) bool { return c.QueueCapacity == 500 }},
		{"RELAY_POP_TIMEOUT", "soon", func(c Config) bool { return c.PopTimeout == 100*time.Millisecond }},
		{"RECORD_CALLS", "maybe", func(c Config) bool { return !c.RecordCalls }},
	}
	for _, tc := range cases {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			if cfg := Load(); !tc.check(cfg) {
				t.Fatalf("expected default for %s=%q", tc.key, tc.value)
			}
		})
	}
}
