package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"firestige.xyz/nepwire/internal/core"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
nepwire:
  log:
    level: "debug"
    format: "json"
  session:
    passphrase: "s3cret"
    kdf_iterations: 5000
    verify_sequence: false
  capture:
    file: "/tmp/trace.pcap"
    routing_only: true
    nep_port: 19929
  decoder:
    max_warnings_per_source: 3
    warning_window: "30s"
  metrics:
    enabled: true
    listen: "127.0.0.1:9999"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("Unexpected log config %+v", cfg.Log)
	}
	if cfg.Session.Passphrase != "s3cret" || cfg.Session.KDFIterations != 5000 || cfg.Session.VerifySequence {
		t.Errorf("Unexpected session config %+v", cfg.Session)
	}
	if !cfg.Capture.RoutingOnly || cfg.Capture.NEPPort != 19929 || cfg.Capture.File != "/tmp/trace.pcap" {
		t.Errorf("Unexpected capture config %+v", cfg.Capture)
	}
	if cfg.Decoder.MaxWarningsPerSource != 3 || cfg.Decoder.WarningWindow != 30*time.Second {
		t.Errorf("Unexpected decoder config %+v", cfg.Decoder)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Listen != "127.0.0.1:9999" || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Unexpected metrics config %+v", cfg.Metrics)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"log level", "nepwire:\n  log:\n    level: loud\n"},
		{"log format", "nepwire:\n  log:\n    format: xml\n"},
		{"iterations", "nepwire:\n  session:\n    kdf_iterations: 0\n"},
		{"port", "nepwire:\n  capture:\n    nep_port: 70000\n"},
		{"file output path", "nepwire:\n  log:\n    outputs:\n      file:\n        enabled: true\n        path: \"\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if !errors.Is(err, core.ErrConfigInvalid) {
				t.Errorf("Expected ErrConfigInvalid, got %v", err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yml")); err == nil {
		t.Error("Expected error for missing file, got nil")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "nepwire:\n  log:\n    level: info\n")
	t.Setenv("NEPWIRE_LOG_LEVEL", "debug")
	t.Setenv("NEPWIRE_SESSION_PASSPHRASE", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Expected log level debug from env var, got %s", cfg.Log.Level)
	}
	if cfg.Session.Passphrase != "from-env" {
		t.Errorf("Expected passphrase from env var, got %q", cfg.Session.Passphrase)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Log.Level != "info" || cfg.Log.Format != "pattern" {
		t.Errorf("Unexpected default log config %+v", cfg.Log)
	}
	if cfg.Session.KDFIterations != 1000 || !cfg.Session.VerifySequence {
		t.Errorf("Unexpected default session config %+v", cfg.Session)
	}
	if cfg.Capture.NEPPort != 9929 || cfg.Capture.Snaplen != 65535 {
		t.Errorf("Unexpected default capture config %+v", cfg.Capture)
	}
	if cfg.Decoder.WarningWindow != time.Minute {
		t.Errorf("Expected default warning window 1m, got %s", cfg.Decoder.WarningWindow)
	}
	if err := cfg.Session.Require(); !errors.Is(err, core.ErrConfigInvalid) {
		t.Errorf("Expected empty passphrase to be rejected, got %v", err)
	}
}
