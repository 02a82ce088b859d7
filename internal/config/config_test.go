package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(""))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Collector.FlushInterval.Duration() != 30*time.Second {
		t.Errorf("FlushInterval = %v, want 30s", cfg.Collector.FlushInterval.Duration())
	}
	if cfg.Collector.HistoryLimit != 100 {
		t.Errorf("HistoryLimit = %d, want 100", cfg.Collector.HistoryLimit)
	}
	if !cfg.Collector.IsPersistent() {
		t.Error("collector storage should be persistent by default")
	}
	if cfg.Sink.Type != SinkSimulated {
		t.Errorf("Sink.Type = %q, want %q", cfg.Sink.Type, SinkSimulated)
	}
	if cfg.Sink.SuccessRate != 0.95 {
		t.Errorf("SuccessRate = %v, want 0.95", cfg.Sink.SuccessRate)
	}
	if cfg.Sink.Breaker.MaxFailures != 5 {
		t.Errorf("Breaker.MaxFailures = %d, want 5", cfg.Sink.Breaker.MaxFailures)
	}
	if cfg.GetShutdownTimeout() != 5*time.Second {
		t.Errorf("GetShutdownTimeout() = %v, want 5s", cfg.GetShutdownTimeout())
	}
	if cfg.HTTP.GetHost() != "127.0.0.1" || cfg.HTTP.GetPort() != 8123 {
		t.Errorf("HTTP addr = %s:%d", cfg.HTTP.GetHost(), cfg.HTTP.GetPort())
	}
}

func TestParse_Values(t *testing.T) {
	data := `
database:
  path: /tmp/events.sqlite
collector:
  flush_interval: 5s
  history_limit: 20
  persistent: false
  url: https://shop.example.com/home
sink:
  type: http
  url: http://collector:8123/v1/sink
  timeout: 2s
  breaker:
    max_failures: 3
    open_timeout: 30s
http:
  enabled: true
  port: 9000
  rate_limit_rps: 50
`
	cfg, err := Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Database.Path != "/tmp/events.sqlite" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Collector.FlushInterval.Duration() != 5*time.Second {
		t.Errorf("FlushInterval = %v, want 5s", cfg.Collector.FlushInterval.Duration())
	}
	if cfg.Collector.HistoryLimit != 20 {
		t.Errorf("HistoryLimit = %d, want 20", cfg.Collector.HistoryLimit)
	}
	if cfg.Collector.IsPersistent() {
		t.Error("persistent: false was not honored")
	}
	if cfg.Sink.Type != SinkHTTP || cfg.Sink.URL != "http://collector:8123/v1/sink" {
		t.Errorf("Sink = %+v", cfg.Sink)
	}
	if cfg.Sink.Timeout.Duration() != 2*time.Second {
		t.Errorf("Sink.Timeout = %v, want 2s", cfg.Sink.Timeout.Duration())
	}
	if cfg.Sink.Breaker.MaxFailures != 3 || cfg.Sink.Breaker.OpenTimeout.Duration() != 30*time.Second {
		t.Errorf("Breaker = %+v", cfg.Sink.Breaker)
	}
	if !cfg.HTTP.Enabled || cfg.HTTP.GetPort() != 9000 || cfg.HTTP.RateLimitRPS != 50 {
		t.Errorf("HTTP = %+v", cfg.HTTP)
	}
}

func TestParse_InvalidDuration(t *testing.T) {
	if _, err := Parse([]byte("collector:\n  flush_interval: soon\n")); err == nil {
		t.Error("Parse() should fail on an invalid duration")
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TRACKERD_TEST_URL", "http://sink.local")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "set", input: "url: ${TRACKERD_TEST_URL}", want: "url: http://sink.local"},
		{name: "set_with_default", input: "url: ${TRACKERD_TEST_URL:http://fallback}", want: "url: http://sink.local"},
		{name: "unset_with_default", input: "port: ${TRACKERD_TEST_UNSET:8123}", want: "port: 8123"},
		{name: "unset_without_default", input: "path: ${TRACKERD_TEST_UNSET}", want: "path: "},
		{name: "no_vars", input: "level: debug", want: "level: debug"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := expandEnvVars(tt.input); got != tt.want {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.GetLevel() != "debug" {
		t.Errorf("level = %q, want debug", cfg.Log.GetLevel())
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() of a missing file should fail")
	}
}
