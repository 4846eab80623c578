package main

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/unosend/unosend/internal/web/config"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	newLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf).Info("hidden")
	newLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf).Warn("shown", "draft_id", "d1")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info message logged at warn level")
	}
	if !strings.Contains(out, `"draft_id":"d1"`) {
		t.Errorf("json output = %q", out)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestAPIKeyCommands(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "web.yaml")
	cfg := fmt.Sprintf("database:\n  path: %q\nwebhooks:\n  queue_path: %q\n",
		filepath.Join(dir, "app.db"), filepath.Join(dir, "webhooks.db"))
	if err := os.WriteFile(cfgPath, []byte(cfg), 0600); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "config", "validate", "-c", cfgPath)
	if err != nil || !strings.Contains(out, "Configuration is valid") {
		t.Fatalf("config validate = %q, %v", out, err)
	}

	out, err = execute(t, "apikey", "create", "-c", cfgPath, "--org", "org-1", "--name", "ci", "--role", "admin")
	if err != nil {
		t.Fatalf("apikey create error = %v, output %q", err, out)
	}
	if !strings.Contains(out, "Key: uno_") || !strings.Contains(out, "role admin") {
		t.Errorf("apikey create output = %q", out)
	}

	out, err = execute(t, "apikey", "list", "-c", cfgPath, "--org", "org-1")
	if err != nil || !strings.Contains(out, "ci") || !strings.Contains(out, "never") {
		t.Errorf("apikey list = %q, %v", out, err)
	}

	if _, err := execute(t, "apikey", "create", "-c", cfgPath, "--org", "org-1", "--name", "x", "--role", "root"); err == nil {
		t.Error("unknown role should fail")
	}

	out, err = execute(t, "webhook", "stats", "-c", cfgPath)
	if err != nil || !strings.Contains(out, "Pending: 0") {
		t.Errorf("webhook stats = %q, %v", out, err)
	}
}

func TestDeliveryStatus(t *testing.T) {
	online := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","version":"1.4.0","queue":{"pending":3}}`))
	}))
	defer online.Close()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "web.yaml")
	write := func(servers string) {
		cfg := fmt.Sprintf("database:\n  path: %q\ndelivery:\n  servers:\n%s",
			filepath.Join(dir, "app.db"), servers)
		if err := os.WriteFile(cfgPath, []byte(cfg), 0600); err != nil {
			t.Fatal(err)
		}
	}

	write(fmt.Sprintf("    - name: primary\n      base_url: %q\n", online.URL))
	out, err := execute(t, "delivery", "status", "-c", cfgPath)
	if err != nil {
		t.Fatalf("delivery status error = %v, output %q", err, out)
	}
	if !strings.Contains(out, "primary") || !strings.Contains(out, "1.4.0") || !strings.Contains(out, "true") {
		t.Errorf("delivery status output = %q", out)
	}

	offline := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"down"}`, http.StatusServiceUnavailable)
	}))
	defer offline.Close()

	write(fmt.Sprintf("    - name: primary\n      base_url: %q\n    - name: backup\n      base_url: %q\n", online.URL, offline.URL))
	out, err = execute(t, "delivery", "status", "-c", cfgPath)
	if err == nil || !strings.Contains(err.Error(), "1 of 2") {
		t.Errorf("delivery status error = %v, want one offline", err)
	}
	if !strings.Contains(out, "backup") {
		t.Errorf("delivery status output = %q", out)
	}
}
