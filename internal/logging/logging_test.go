package logging

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jxucoder/muse/internal/config"
)

func TestNewJSONLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "muse.log")
	logger, err := New(Options{Format: "json", Level: "debug", OutputPaths: []string{path}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Debug("json message", zap.String(FieldTaskID, "t1"))
	logger.Sync() //nolint:errcheck

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry); err != nil {
		t.Fatalf("log line is not JSON: %q", data)
	}
	if entry["msg"] != "json message" || entry[FieldTaskID] != "t1" || entry["level"] != "debug" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestNewInvalidLevelDefaultsToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "muse.log")
	logger, err := New(Options{Format: "console", Level: "invalid", OutputPaths: []string{path}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Debug("hidden")
	logger.Info("shown")
	logger.Sync() //nolint:errcheck

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "hidden") || !strings.Contains(string(data), "shown") {
		t.Fatalf("unexpected output %q", data)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := New(Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.Level = "warn"
	logger, err := NewFromConfig(&cfg)
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("info should be disabled at warn level")
	}
	if !logger.Core().Enabled(zapcore.WarnLevel) {
		t.Fatal("warn should be enabled")
	}
}

func TestWithContextAddsFields(t *testing.T) {
	ctx := WithSessionID(context.Background(), "s-1")
	ctx = WithTaskID(ctx, "t-1")
	ctx = WithRequestID(ctx, "req-xyz")

	core, observed := observer.New(zap.InfoLevel)
	WithContext(ctx, zap.New(core)).Info("contextual log")

	records := observed.All()
	if len(records) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(records))
	}
	got := records[0].ContextMap()
	want := map[string]string{FieldSessionID: "s-1", FieldTaskID: "t-1", FieldRequestID: "req-xyz"}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("field %s = %v, want %q", k, got[k], v)
		}
	}
}

func TestWithContextWithoutIDs(t *testing.T) {
	core, observed := observer.New(zap.InfoLevel)
	logger := zap.New(core)
	if WithContext(context.Background(), logger) != logger {
		t.Fatal("expected the same logger when ctx carries no ids")
	}
	WithContext(context.Background(), nil).Info("dropped")
	if observed.Len() != 0 {
		t.Fatal("nil logger should fall back to a no-op")
	}
}
