package logging_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"haul/internal/config"
	"haul/internal/logging"
	"haul/internal/services"
)

func readLog(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	return string(content)
}

func TestNewFromConfigWritesLogFile(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.LogDir = t.TempDir()

	logger, err := logging.NewFromConfig(&cfg)
	if err != nil {
		t.Fatalf("NewFromConfig returned error: %v", err)
	}
	logger.Info("daemon ready")

	content := readLog(t, filepath.Join(cfg.Paths.LogDir, "haul.log"))
	if !strings.Contains(content, "daemon ready") {
		t.Fatalf("expected message in log file, got %q", content)
	}
}

func TestConsoleLoggerOmitsCallerForInfo(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console-info.log")
	logger, err := logging.New(logging.Options{
		Format:           "console",
		Level:            "info",
		OutputPaths:      []string{logPath},
		ErrorOutputPaths: []string{logPath},
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logger.Info("message without caller")

	if content := readLog(t, logPath); strings.Contains(content, ".go:") {
		t.Fatalf("expected no caller information in info logs, got %q", content)
	}
}

func TestConsoleLoggerIncludesCallerForDebug(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console-debug.log")
	logger, err := logging.New(logging.Options{
		Format:           "console",
		Level:            "debug",
		OutputPaths:      []string{logPath},
		ErrorOutputPaths: []string{logPath},
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logger.Info("message with caller")

	if content := readLog(t, logPath); !strings.Contains(content, ".go:") {
		t.Fatalf("expected caller information in debug logs, got %q", content)
	}
}

func TestConsoleLoggerPrefixesComponentAndItem(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console.log")
	logger, err := logging.New(logging.Options{Format: "console", OutputPaths: []string{logPath}, ErrorOutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logging.NewComponentLogger(logger, "coordinator").Info("granted",
		logging.String(logging.FieldItemID, "item-1"),
		logging.Lane("express"),
		logging.Int64("bytes", 10),
	)

	content := readLog(t, logPath)
	if !strings.Contains(content, "coordinator: [item-1 express] granted bytes=10") {
		t.Fatalf("unexpected console line %q", content)
	}
}

func TestJSONLoggerRenamesKeys(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "json.log")
	logger, err := logging.New(logging.Options{Format: "json", Level: "info", OutputPaths: []string{logPath}, ErrorOutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("json message", logging.String("k", "v"))

	var payload map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(readLog(t, logPath))), &payload); err != nil {
		t.Fatalf("decode json log: %v", err)
	}
	for _, key := range []string{"ts", "level", "msg", "k"} {
		if _, ok := payload[key]; !ok {
			t.Fatalf("expected key %q in %v", key, payload)
		}
	}
	if payload["level"] != "info" {
		t.Fatalf("expected lowercase level, got %v", payload["level"])
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestWithContextAddsFields(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "ctx.log")
	logger, err := logging.New(logging.Options{Format: "json", OutputPaths: []string{logPath}, ErrorOutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	ctx := context.Background()
	ctx = services.WithItemID(ctx, "item-9")
	ctx = services.WithAttemptID(ctx, "att-2")
	ctx = services.WithRequestID(ctx, "req-xyz")

	logging.WithContext(ctx, logger).Info("contextual log")

	var payload map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(readLog(t, logPath))), &payload); err != nil {
		t.Fatalf("decode json log: %v", err)
	}
	want := map[string]string{
		logging.FieldItemID:        "item-9",
		logging.FieldAttemptID:     "att-2",
		logging.FieldCorrelationID: "req-xyz",
	}
	for key, value := range want {
		if payload[key] != value {
			t.Fatalf("field %s = %v, want %s", key, payload[key], value)
		}
	}
}

func TestForComponentAppliesOverride(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "override.log")
	logger, err := logging.New(logging.Options{Format: "console", Level: "debug", OutputPaths: []string{logPath}, ErrorOutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	quiet := logging.ForComponent(logger, "journal", map[string]string{"journal": "warn"})
	quiet.Info("suppressed")
	quiet.Warn("kept")

	content := readLog(t, logPath)
	if strings.Contains(content, "suppressed") {
		t.Fatalf("expected info line to be filtered, got %q", content)
	}
	if !strings.Contains(content, "journal: kept") {
		t.Fatalf("expected warn line with component, got %q", content)
	}
}

func TestProgressGroupsByteCounts(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "progress.log")
	logger, err := logging.New(logging.Options{Format: "json", OutputPaths: []string{logPath}, ErrorOutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("known", logging.Progress(10, 20))
	logger.Info("unknown", logging.Progress(5, 0))

	lines := strings.Split(strings.TrimSpace(readLog(t, logPath)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two records, got %d", len(lines))
	}
	var known, unknown struct {
		Progress map[string]float64 `json:"progress"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &known); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if known.Progress["received"] != 10 || known.Progress["total"] != 20 {
		t.Fatalf("unexpected progress %v", known.Progress)
	}
	if err := json.Unmarshal([]byte(lines[1]), &unknown); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := unknown.Progress["total"]; ok || unknown.Progress["received"] != 5 {
		t.Fatalf("unexpected progress %v", unknown.Progress)
	}
}

func TestWarnWithContextKeepsExplicitFields(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "warn.log")
	logger, err := logging.New(logging.Options{Format: "json", OutputPaths: []string{logPath}, ErrorOutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logging.WarnWithContext(logger, "source slow", "source_slow",
		logging.Peer("peer-a"),
		logging.Lane("background"),
		logging.Hint("wait for the peer"),
	)

	var payload map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(readLog(t, logPath))), &payload); err != nil {
		t.Fatalf("decode json log: %v", err)
	}
	want := map[string]string{
		logging.FieldPeer:      "peer-a",
		logging.FieldLane:      "background",
		logging.FieldEventType: "source_slow",
		logging.FieldErrorHint: "wait for the peer",
		logging.FieldImpact:    "operation completed with warnings",
	}
	for key, value := range want {
		if payload[key] != value {
			t.Fatalf("field %s = %v, want %s", key, payload[key], value)
		}
	}
}
