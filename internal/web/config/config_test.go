package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  listen_addr: \":9000\"\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("ListenAddr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Composer.DebounceDelay != 2*time.Second {
		t.Errorf("DebounceDelay = %v, want 2s", cfg.Composer.DebounceDelay)
	}
	if cfg.Composer.Timezone != "UTC" || cfg.Logging.Format != "json" {
		t.Errorf("defaults = %+v / %+v", cfg.Composer, cfg.Logging)
	}
	if cfg.Webhooks.Timeout != 10*time.Second || cfg.Metrics.Path != "/metrics" {
		t.Errorf("webhooks/metrics defaults = %+v / %+v", cfg.Webhooks, cfg.Metrics)
	}
}

func TestParseFull(t *testing.T) {
	data := `
composer:
  debounce_delay: 500ms
  timezone: Europe/Berlin
delivery:
  enabled: true
  concurrency: 3
  failover:
    enabled: true
  servers:
    - name: primary
      base_url: http://mta-1:8080
      api_key: secret
    - name: backup
      base_url: http://mta-2:8080
`
	cfg, err := Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Composer.DebounceDelay != 500*time.Millisecond {
		t.Errorf("DebounceDelay = %v", cfg.Composer.DebounceDelay)
	}
	loc, err := cfg.Composer.Location()
	if err != nil || loc.String() != "Europe/Berlin" {
		t.Errorf("Location() = %v, %v", loc, err)
	}
	if len(cfg.Delivery.Servers) != 2 || cfg.Delivery.Concurrency != 3 {
		t.Errorf("delivery = %+v", cfg.Delivery)
	}
	if cfg.Delivery.Failover.MaxRetries != 2 {
		t.Errorf("MaxRetries = %d, want default 2", cfg.Delivery.Failover.MaxRetries)
	}
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{"bad yaml", "server: [", "failed to parse"},
		{"bad level", "logging:\n  level: loud\n", "logging.level"},
		{"bad format", "logging:\n  format: xml\n", "logging.format"},
		{"tls without files", "server:\n  tls:\n    enabled: true\n", "cert_file"},
		{"unknown timezone", "composer:\n  timezone: Mars/Olympus\n", "composer.timezone"},
		{"delivery without servers", "delivery:\n  enabled: true\n", "delivery.servers"},
		{"duplicate server", "delivery:\n  enabled: true\n  servers:\n    - {name: a, base_url: http://x}\n    - {name: a, base_url: http://y}\n", "duplicate"},
		{"metrics path", "metrics:\n  path: metrics\n", "metrics.path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			if err == nil {
				t.Fatal("Parse() expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Parse() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() expected error for missing file")
	}
}
