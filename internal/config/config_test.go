package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WarningThreshold != 5*time.Minute || cfg.CautionThreshold != 15*time.Minute {
		t.Fatalf("thresholds = %s/%s", cfg.WarningThreshold, cfg.CautionThreshold)
	}
	if cfg.ReconcileInterval != 30*time.Second {
		t.Fatalf("reconcile interval = %s", cfg.ReconcileInterval)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("WARNING_THRESHOLD", "2m")
	t.Setenv("CAUTION_THRESHOLD", "10m")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("MAX_DB_CONNS", "4")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WarningThreshold != 2*time.Minute || cfg.CautionThreshold != 10*time.Minute {
		t.Fatalf("thresholds = %s/%s", cfg.WarningThreshold, cfg.CautionThreshold)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("origins = %v", cfg.AllowedOrigins)
	}
	if cfg.MaxDBConns != 4 {
		t.Fatalf("max conns = %d", cfg.MaxDBConns)
	}
}

func TestLoadRejectsInvertedThresholds(t *testing.T) {
	t.Setenv("WARNING_THRESHOLD", "20m")
	t.Setenv("CAUTION_THRESHOLD", "10m")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "WARNING_THRESHOLD") {
		t.Fatalf("err = %v, want threshold error", err)
	}
}

func TestCacheKeys(t *testing.T) {
	id := "0b7c"
	if got := CacheKey.AttemptClockKey(id); got != "attempt:0b7c:clock" {
		t.Errorf("clock key = %q", got)
	}
	if got := CacheKey.AttemptControlChannel(id); got != "attempt:0b7c:control" {
		t.Errorf("control channel = %q", got)
	}
	if got := CacheKey.SessionMonitorChannel(id); got != "session:0b7c:monitor" {
		t.Errorf("monitor channel = %q", got)
	}
	if got := CacheKey.ResultNotificationDedupeKey(id); got != "notify:attempt:0b7c" {
		t.Errorf("dedupe key = %q", got)
	}
}
