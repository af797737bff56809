package logging

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLoggerTees(t *testing.T) {
	var file, console bytes.Buffer
	logger := newLogger(zapcore.AddSync(&file), zapcore.AddSync(&console), "work", zapcore.InfoLevel)

	logger.Debug("hidden")
	logger.Info("message sent", zap.Int64("local_id", 7))
	_ = logger.Sync()

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(file.Bytes()), &entry); err != nil {
		t.Fatalf("file line is not one JSON object: %v\n%s", err, file.String())
	}
	if entry["msg"] != "message sent" || entry["account"] != "work" {
		t.Errorf("entry = %v", entry)
	}
	if _, ok := entry["ts"]; !ok {
		t.Error("entry has no ts field")
	}
	if !strings.Contains(console.String(), "message sent") {
		t.Errorf("console = %q", console.String())
	}
	if strings.Contains(console.String(), "hidden") {
		t.Error("debug entry written at info level")
	}
}

func TestNewCreatesLogDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "courierd.log")
	logger, err := New(path, "main", zapcore.WarnLevel)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Warn("stale send recovered")
	_ = logger.Sync()
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug") != zapcore.DebugLevel {
		t.Error("debug not parsed")
	}
	if ParseLevel("loud") != zapcore.InfoLevel {
		t.Error("unknown level should fall back to info")
	}
}
