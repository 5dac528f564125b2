package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/taskagency/internal/config"
	"github.com/hitoshi/taskagency/internal/level"
	"github.com/hitoshi/taskagency/internal/metrics"
	"github.com/hitoshi/taskagency/internal/pocketbase"
)

func TestInit_WithValidConfig_Succeeds(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	cfg, err := Init(&buf)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg == nil {
		t.Fatal("expected non-nil config")
	}

	if cfg.PocketBaseURL != "http://127.0.0.1:1" {
		t.Errorf("PocketBaseURL = %q", cfg.PocketBaseURL)
	}

	// Verify that slog global logger is configured for JSON output
	slog.Default().Info("init test")
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log output, got error: %v\nraw: %s", err, buf.String())
	}
	if entry["msg"] != "init test" {
		t.Errorf("msg = %q, want %q", entry["msg"], "init test")
	}
}

func TestInit_AppliesLogLevel(t *testing.T) {
	setTestEnv(t)
	t.Setenv("LOG_LEVEL", "error")

	var buf bytes.Buffer
	if _, err := Init(&buf); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	slog.Default().Warn("should be filtered")
	if buf.Len() != 0 {
		t.Errorf("warn should be filtered at error level: %s", buf.String())
	}
}

func TestInit_UnknownLogLevelWarns(t *testing.T) {
	setTestEnv(t)
	t.Setenv("LOG_LEVEL", "verbose")

	var buf bytes.Buffer
	if _, err := Init(&buf); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !strings.Contains(buf.String(), "unknown LOG_LEVEL") {
		t.Errorf("expected warning about LOG_LEVEL, got: %s", buf.String())
	}
}

func TestInit_WithMissingConfig_ReturnsError(t *testing.T) {
	// Clear all required env vars
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PB_URL", "")
	t.Setenv("BASE_URL", "")

	var buf bytes.Buffer
	cfg, err := Init(&buf)
	if err == nil {
		t.Fatal("expected error for missing required env vars, got nil")
	}
	if cfg != nil {
		t.Error("expected nil config on error")
	}
}

func TestNewLevelSource(t *testing.T) {
	client, err := pocketbase.NewClient(pocketbase.Config{URL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	if _, ok := newLevelSource(&config.Config{LevelSource: config.LevelSourceStatic}, client).(*level.StaticSource); !ok {
		t.Error("static should use the bundled table")
	}
	if _, ok := newLevelSource(&config.Config{LevelSource: config.LevelSourceRemote}, client).(*level.RemoteSource); !ok {
		t.Error("remote should use the levels collection")
	}
}

// TestNewViewEnv_SharesLevelSource は画面の依存に渡したレベル表の取得元がそのまま使われ、
// /api/levels と同じキャッシュを共有できることを検証する。
func TestNewViewEnv_SharesLevelSource(t *testing.T) {
	client, err := pocketbase.NewClient(pocketbase.Config{URL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	cfg := &config.Config{LevelSource: config.LevelSourceRemote, DefaultTimezone: "Africa/Nairobi", ReferralBaseURL: "https://zenithagency.com/ref/"}
	levels := newLevelSource(cfg, client)

	env := newViewEnv(cfg, client, levels, nil, metrics.NewCollector(prometheus.NewRegistry()))

	if env.Levels != levels {
		t.Error("画面は渡された取得元を使うべき")
	}
	if env.Location.String() != "Africa/Nairobi" || env.ReferralBase != cfg.ReferralBaseURL {
		t.Errorf("env = %+v", env)
	}
}

func TestMaskDatabaseURL(t *testing.T) {
	got := maskDatabaseURL("postgres://user:secret@db:5432/taskagency")
	if strings.Contains(got, "secret") {
		t.Errorf("password should be masked: %q", got)
	}
	if maskDatabaseURL("short") != "***" {
		t.Errorf("short url should be fully masked")
	}
}

func TestEvictionInterval(t *testing.T) {
	tests := []struct {
		idle time.Duration
		want time.Duration
	}{
		{30 * time.Minute, 15 * time.Minute},
		{time.Minute, time.Minute},
		{0, time.Minute},
	}
	for _, tt := range tests {
		if got := evictionInterval(tt.idle); got != tt.want {
			t.Errorf("evictionInterval(%v) = %v, want %v", tt.idle, got, tt.want)
		}
	}
}
