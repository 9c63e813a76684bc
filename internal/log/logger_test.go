package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"firestige.xyz/nepwire/internal/config"
)

func TestPatternFormat(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(config.LogConfig{
		Level:   "info",
		Format:  "pattern",
		Pattern: "[%level] %field | %msg",
	}, &buf)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	l.WithFields(map[string]interface{}{"seq": 7, "layer": "NEP"}).Info("decoded")
	l.Debug("hidden")

	got := buf.String()
	if got != "[info] layer=NEP,seq=7 | decoded\n" {
		t.Errorf("unexpected output %q", got)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(config.LogConfig{Level: "debug", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	l.WithError(errors.New("boom")).Debug("frame dropped")

	var rec map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "frame dropped" || rec["error"] != "boom" || rec["level"] != "debug" {
		t.Errorf("unexpected record %v", rec)
	}
}

func TestLevels(t *testing.T) {
	tests := []struct {
		level        string
		trace, debug bool
		info         bool
	}{
		{"trace", true, true, true},
		{"debug", false, true, true},
		{"info", false, false, true},
		{"error", false, false, false},
		{"bogus", false, false, true}, // falls back to info
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			l, err := New(config.LogConfig{Level: tt.level, Format: "text"}, &bytes.Buffer{})
			if err != nil {
				t.Fatal(err)
			}
			if l.IsTraceEnabled() != tt.trace || l.IsDebugEnabled() != tt.debug || l.IsInfoEnabled() != tt.info {
				t.Errorf("level %s: trace=%v debug=%v info=%v", tt.level, l.IsTraceEnabled(), l.IsDebugEnabled(), l.IsInfoEnabled())
			}
		})
	}
}

func TestUnsupportedFormat(t *testing.T) {
	if _, err := New(config.LogConfig{Level: "info", Format: "xml"}, &bytes.Buffer{}); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestFileOutput(t *testing.T) {
	dir := t.TempDir()
	main := filepath.Join(dir, "main.log")
	extra := filepath.Join(dir, "extra.log")

	cfg := config.LogConfig{
		Level:  "info",
		Format: "pattern",
		Outputs: config.LogOutputsConfig{
			File: config.FileOutputConfig{Enabled: true, Path: main, Rotation: config.RotationConfig{MaxSizeMB: 1}},
			Extra: []config.AppenderConfig{
				{Type: "file", Options: map[string]interface{}{"filename": extra, "max_size": 1, "compress": false}},
			},
		},
	}
	l, err := New(cfg, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	l.Infof("replayed %d packets", 3)

	for _, p := range []string{main, extra} {
		data, err := os.ReadFile(p)
		if err != nil {
			t.Fatalf("read %s: %v", p, err)
		}
		if !strings.Contains(string(data), "replayed 3 packets") {
			t.Errorf("%s lacks the message: %q", p, data)
		}
	}
}

func TestAppenderErrors(t *testing.T) {
	w := NewMultiWriter()
	if err := w.AddAppender(config.AppenderConfig{Type: "kafka"}); err == nil {
		t.Error("expected error for unknown appender")
	}
	if err := w.AddAppender(config.AppenderConfig{Type: "file"}); err == nil {
		t.Error("expected error for file appender without filename")
	}
}

func TestGetLoggerBeforeInit(t *testing.T) {
	l := GetLogger()
	if l == nil {
		t.Fatal("GetLogger returned nil")
	}
	l.WithField("k", "v").Info("discarded")
}
