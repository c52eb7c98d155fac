package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
	if cfg.Subscription.Lifetime != 72*time.Hour {
		t.Errorf("expected 72h subscription lifetime, got %s", cfg.Subscription.Lifetime)
	}
	if !cfg.Hashing.IncludeAttendees {
		t.Error("expected attendees to be hashed by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("QUEUE_WORKERS", "8")
	t.Setenv("WEBHOOK_DEDUP_WINDOW", "45s")
	t.Setenv("HASH_INCLUDE_ATTENDEES", "false")
	t.Setenv("DATABASE_URL", "postgres://sync@localhost/sync?sslmode=disable")
	t.Setenv("PROVIDER_SCOPES", "a,b c")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Queue.Workers != 8 {
		t.Errorf("expected 8 workers, got %d", cfg.Queue.Workers)
	}
	if cfg.Webhook.DedupWindow != 45*time.Second {
		t.Errorf("expected 45s dedup window, got %s", cfg.Webhook.DedupWindow)
	}
	if cfg.Hashing.IncludeAttendees {
		t.Error("expected attendee hashing to be disabled")
	}
	if !cfg.Server.IsPostgres() {
		t.Error("expected postgres database URL to be detected")
	}
	if len(cfg.Provider.Scopes) != 3 {
		t.Errorf("expected 3 scopes, got %v", cfg.Provider.Scopes)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("QUEUE_BASE_DELAY", "soon")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestValidateRenewalLead(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg.Subscription.RenewalLead = cfg.Subscription.Lifetime
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected renewal lead equal to lifetime to be rejected")
	}
}
