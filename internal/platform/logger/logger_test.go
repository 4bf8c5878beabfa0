package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestSlogThroughZapJSON(t *testing.T) {
	var buf bytes.Buffer
	_, s := New(Config{Format: "json", Output: &buf}, zap.NewAtomicLevelAt(zap.InfoLevel))
	s.With("component", "worker").WithGroup("item").Info("processed",
		"size", 42, "took", 3*time.Millisecond, "err", errors.New("boom"))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if rec["msg"] != "processed" || rec["level"] != "info" {
		t.Fatalf("unexpected record %v", rec)
	}
	if rec["component"] != "worker" {
		t.Fatalf("missing With attr: %v", rec)
	}
	if rec["item.size"] != float64(42) || rec["item.took"] != "3ms" || rec["item.err"] != "boom" {
		t.Fatalf("grouped attrs wrong: %v", rec)
	}
}

func TestLevelGate(t *testing.T) {
	var buf bytes.Buffer
	lvl := zap.NewAtomicLevelAt(zap.WarnLevel)
	_, s := New(Config{Format: "json", Output: &buf}, lvl)
	s.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info leaked at warn level: %s", buf.String())
	}
	lvl.SetLevel(zap.DebugLevel)
	s.Debug("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("debug not written after level change: %q", buf.String())
	}
}

func TestSetLevel(t *testing.T) {
	Init(Config{Level: "info", Format: "json", Output: &bytes.Buffer{}})
	if err := SetLevel("debug"); err != nil {
		t.Fatalf("SetLevel: %v", err)
	}
	if Level() != "debug" {
		t.Fatalf("level %q", Level())
	}
	if err := SetLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if Level() != "debug" {
		t.Fatalf("failed SetLevel changed level to %q", Level())
	}
}
