package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestJSONLoggerWritesFieldsInOrder(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSON(&buf, "debug").With(String("comp", "store"))

	log.Info("notification added", String("id", "n1"), Int("unread", 3), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if m["message"] != "notification added" {
		t.Fatalf("message = %v", m["message"])
	}
	if m["comp"] != "store" || m["id"] != "n1" {
		t.Fatalf("missing fields: %v", m)
	}
	if m["unread"] != float64(3) {
		t.Fatalf("unread = %v, want 3", m["unread"])
	}
	if m["error"] == nil && m["err"] == nil {
		t.Fatalf("expected error field, got %v", m)
	}
}

func TestJSONLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSON(&buf, "warn")
	log.Debug("hidden")
	log.Info("hidden too")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below warn, got %q", buf.String())
	}
	if log.Enabled(LevelInfo) {
		t.Fatal("info should be disabled at warn level")
	}
	log.Warn("shown")
	if buf.Len() == 0 {
		t.Fatal("expected warn output")
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var log Logger
	if !log.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	log.Error("does not panic")
	if log.With(String("k", "v")).IsZero() {
		t.Fatal("derived logger carries fields and is not zero")
	}
}

func TestValidLevel(t *testing.T) {
	for _, lvl := range []string{"", "debug", "INFO", "warning", "Error"} {
		if !ValidLevel(lvl) {
			t.Fatalf("ValidLevel(%q) = false", lvl)
		}
	}
	for _, lvl := range []string{"loud", "trace"} {
		if ValidLevel(lvl) {
			t.Fatalf("ValidLevel(%q) = true", lvl)
		}
	}
}

func TestSecretNeverWritesValue(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSON(&buf, "debug")
	log.Info("rotated", Secret("token", "hunter2"))
	log.Info("cleared", Secret("token", ""))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %q", lines)
	}
	if strings.Contains(buf.String(), "hunter2") {
		t.Fatalf("secret leaked: %s", buf.String())
	}
	var set, cleared map[string]any
	_ = json.Unmarshal([]byte(lines[0]), &set)
	_ = json.Unmarshal([]byte(lines[1]), &cleared)
	if set["token_set"] != true || len(set["token_fp"].(string)) != 8 {
		t.Fatalf("set = %v", set)
	}
	if cleared["token_set"] != false || cleared["token_fp"] != nil {
		t.Fatalf("cleared = %v", cleared)
	}
}

func TestServiceApplyAndCounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "app.log")
	svc, log := New(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	log.Info("below level")
	log.Warn("first warning")
	log.Error("an error")
	if c := svc.Counts(); c.Warn != 1 || c.Error != 1 {
		t.Fatalf("counts = %+v", c)
	}

	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	if !log.Enabled(LevelDebug) {
		t.Fatal("Apply did not lower the level for existing loggers")
	}
	log.Debug("now visible")

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(b)
	if strings.Contains(out, "below level") || !strings.Contains(out, "first warning") || !strings.Contains(out, "now visible") {
		t.Fatalf("file = %s", out)
	}
}
