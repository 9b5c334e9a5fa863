package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const validYAML = `
logging:
  level: debug
  console: true
storage:
  path: ./data/adbot.db
  busy_timeout: 5s
telegram:
  rate_per_sec: 10
workers:
  - id: w1
    token: "111:aaa"
  - id: w2
    token: "222:bbb"
registry:
  base_cooldown: 45m
scheduler:
  enabled: true
  tick_interval: 30s
  max_in_flight: 4
posting:
  send_timeout: 20s
  retry:
    max_retries: 2
    base_delay: 10s
throttle:
  default_min_interval: 15m
  batch_size: 3
  batch_pause: 5s
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	m := NewManager(writeFile(t, "config.yaml", validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if got := cfg.WorkerIDs(); len(got) != 2 || got[0] != "w1" || got[1] != "w2" {
		t.Fatalf("worker ids = %v", got)
	}
	if cfg.Telegram.RatePerSec != 10 {
		t.Fatalf("rate = %d, want 10", cfg.Telegram.RatePerSec)
	}
	if d := Duration(cfg.Registry.BaseCooldown, 0); d != 45*time.Minute {
		t.Fatalf("base cooldown = %v, want 45m", d)
	}
	if !cfg.Scheduler.Enabled || cfg.Scheduler.MaxInFlight != 4 {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Posting.Retry.MaxRetries != 2 {
		t.Fatalf("retry = %+v", cfg.Posting.Retry)
	}
	if cfg.Throttle.BatchSize != 3 {
		t.Fatalf("throttle = %+v", cfg.Throttle)
	}
}

func TestLoadJSON(t *testing.T) {
	m := NewManager(writeFile(t, "config.json", `{
		"storage": {"path": "./adbot.db"},
		"workers": [{"id": "w1", "token": "111:aaa"}],
		"scheduler": {"enabled": true}
	}`))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Path != "./adbot.db" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	m := NewManager(writeFile(t, "config.yaml", validYAML+"\nnot_a_field: 1\n"))
	if _, err := m.Load(); err == nil {
		t.Fatal("unknown top-level field accepted")
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no workers", `{"storage": {"path": "x"}, "workers": [], "scheduler": {}}`},
		{"duplicate worker", `{"storage": {"path": "x"}, "workers": [{"id":"w1","token":"a"},{"id":"w1","token":"b"}], "scheduler": {}}`},
		{"empty token", `{"storage": {"path": "x"}, "workers": [{"id":"w1","token":""}], "scheduler": {}}`},
		{"no storage path", `{"storage": {"path": ""}, "workers": [{"id":"w1","token":"a"}], "scheduler": {}}`},
		{"bad duration", `{"storage": {"path": "x"}, "workers": [{"id":"w1","token":"a"}], "scheduler": {"tick_interval": "soon"}}`},
		{"negative duration", `{"storage": {"path": "x"}, "workers": [{"id":"w1","token":"a"}], "scheduler": {"tick_interval": "-5s"}}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(writeFile(t, "config.json", tt.body))
			if _, err := m.Load(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ADBOT_LOG_LEVEL", "warn")
	t.Setenv("ADBOT_TICK_INTERVAL", "2m")

	m := NewManager(writeFile(t, "config.yaml", validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("level = %s, want env override warn", cfg.Logging.Level)
	}
	if cfg.Scheduler.TickInterval != "2m" {
		t.Fatalf("tick = %s, want env override 2m", cfg.Scheduler.TickInterval)
	}
}

func TestWorkerTokenExpansion(t *testing.T) {
	t.Setenv("W1_TOKEN", "111:secret")

	m := NewManager(writeFile(t, "config.json", `{
		"storage": {"path": "x"},
		"workers": [{"id": "w1", "token": "${W1_TOKEN}"}],
		"scheduler": {}
	}`))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.WorkerTokens()["w1"]; got != "111:secret" {
		t.Fatalf("token = %q, want expanded env value", got)
	}
}

func TestReloadDedupesOnContentHash(t *testing.T) {
	path := writeFile(t, "config.yaml", validYAML)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	// Same content: no publish.
	m.reload()
	select {
	case <-sub:
		t.Fatal("unchanged config was published")
	default:
	}

	// Changed content: one publish.
	if err := os.WriteFile(path, []byte(validYAML+"\nmonitor:\n  health_interval: 1m\n"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	m.reload()
	select {
	case cfg := <-sub:
		if cfg.Monitor.HealthInterval != "1m" {
			t.Fatalf("published config = %+v", cfg.Monitor)
		}
	default:
		t.Fatal("changed config was not published")
	}
}

func TestDurationHelper(t *testing.T) {
	t.Parallel()
	if d := Duration("", time.Minute); d != time.Minute {
		t.Fatalf("empty = %v, want default", d)
	}
	if d := Duration("90s", time.Minute); d != 90*time.Second {
		t.Fatalf("90s = %v", d)
	}
}
