package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("THREADLINE_LIST_TIMEOUT_SECONDS", "")
	t.Setenv("MEDIA_USE_SSL", "")
	t.Setenv("REDIS_URL", "")

	cfg := Load()
	if cfg.ListTimeout != 20*time.Second {
		t.Fatalf("expected 20s list timeout, got %s", cfg.ListTimeout)
	}
	if cfg.MediaUseSSL {
		t.Fatal("expected media SSL off by default")
	}
	if cfg.RedisURL != "" {
		t.Fatalf("expected empty redis url, got %q", cfg.RedisURL)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("THREADLINE_LIST_TIMEOUT_SECONDS", "3")
	t.Setenv("MEDIA_USE_SSL", "true")
	t.Setenv("THREADLINE_WS_BURST", "not-a-number")

	cfg := Load()
	if cfg.ListTimeout != 3*time.Second {
		t.Fatalf("expected 3s list timeout, got %s", cfg.ListTimeout)
	}
	if !cfg.MediaUseSSL {
		t.Fatal("expected media SSL on")
	}
	if cfg.WSBurst != 40 {
		t.Fatalf("expected fallback burst 40, got %d", cfg.WSBurst)
	}
}
