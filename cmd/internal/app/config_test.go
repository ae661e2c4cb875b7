package app

import (
	"reflect"
	"testing"
	"time"
)

func TestEnvCSV(t *testing.T) {
	def := []string{"http://localhost"}

	t.Setenv("BEACON_TEST_CSV", "")
	if got := EnvCSV("BEACON_TEST_CSV", def); !reflect.DeepEqual(got, def) {
		t.Fatalf("unset: got %v want %v", got, def)
	}

	t.Setenv("BEACON_TEST_CSV", " https://a.example , ,https://b.example,")
	want := []string{"https://a.example", "https://b.example"}
	if got := EnvCSV("BEACON_TEST_CSV", def); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}

	t.Setenv("BEACON_TEST_CSV", " , ")
	if got := EnvCSV("BEACON_TEST_CSV", def); !reflect.DeepEqual(got, def) {
		t.Fatalf("only separators: got %v want %v", got, def)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	for _, k := range []string{
		"BEACON_HTTP_ADDR", "BEACON_ALERT_TTL", "BEACON_EXPIRY_SCHEDULE",
		"BEACON_NOTIFY_MODE", "BEACON_WS_ALLOWED_ORIGINS", "BEACON_WS_ORIGIN_REQUIRED",
	} {
		t.Setenv(k, "")
	}

	cfg := LoadConfig()
	if cfg.HTTPAddr != "0.0.0.0:8080" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if cfg.AlertTTL != 2*time.Hour {
		t.Fatalf("AlertTTL=%v", cfg.AlertTTL)
	}
	if cfg.ExpirySchedule != "@every 1m" {
		t.Fatalf("ExpirySchedule=%q", cfg.ExpirySchedule)
	}
	if cfg.NotifyMode != "log" {
		t.Fatalf("NotifyMode=%q", cfg.NotifyMode)
	}
	if !cfg.WS.OriginRequired || len(cfg.WS.AllowedOrigins) == 0 {
		t.Fatalf("websocket origin policy should default to strict: %+v", cfg.WS)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("BEACON_ALERT_TTL", "30m")
	t.Setenv("BEACON_NOTIFY_MODE", "http")
	t.Setenv("BEACON_NOTIFY_URL", "https://notify.example.com")
	t.Setenv("BEACON_DEBUG_ERRORS", "true")
	t.Setenv("BEACON_WS_ALLOWED_ORIGINS", "https://app.example.com")
	t.Setenv("BEACON_WS_SEND_QUEUE_SIZE", "64")
	t.Setenv("BEACON_DB_MAX_CONNS", "-3")

	cfg := LoadConfig()
	if cfg.AlertTTL != 30*time.Minute {
		t.Fatalf("AlertTTL=%v", cfg.AlertTTL)
	}
	if cfg.NotifyMode != "http" || cfg.NotifyURL != "https://notify.example.com" {
		t.Fatalf("notify config=%q %q", cfg.NotifyMode, cfg.NotifyURL)
	}
	if !cfg.DebugErrors {
		t.Fatalf("DebugErrors not applied")
	}
	if !reflect.DeepEqual(cfg.WS.AllowedOrigins, []string{"https://app.example.com"}) {
		t.Fatalf("AllowedOrigins=%v", cfg.WS.AllowedOrigins)
	}
	if cfg.WS.SendQueueSize != 64 {
		t.Fatalf("SendQueueSize=%d", cfg.WS.SendQueueSize)
	}
	if cfg.DBMaxConns != 10 {
		t.Fatalf("negative DBMaxConns should fall back, got %d", cfg.DBMaxConns)
	}
}
