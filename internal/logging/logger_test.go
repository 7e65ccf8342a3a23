package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestNewWritesJSONToFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	var console bytes.Buffer
	logger, err := New(dir, Options{Console: &console, ConsoleLevel: zap.WarnLevel})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Debug("phase planned", zap.Int("phase", 1))
	logger.Warn("dispatch failed", zap.String("role", "reviewer"))
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %q", len(lines), data)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("expected JSON line: %v", err)
	}
	if entry["msg"] != "phase planned" || entry["phase"] != float64(1) {
		t.Fatalf("unexpected entry %v", entry)
	}
	if strings.Contains(console.String(), "phase planned") || !strings.Contains(console.String(), "dispatch failed") {
		t.Fatalf("console level not applied: %q", console.String())
	}
}

func TestNopLoggerCloses(t *testing.T) {
	if err := Nop().Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	var l *Logger
	if err := l.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}
