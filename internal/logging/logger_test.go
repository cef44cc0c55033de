package logging_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"feedloom/internal/config"
	"feedloom/internal/logging"
	"feedloom/internal/logs"
	"feedloom/internal/services"
)

func TestNewFromConfigConsole(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.LogDir = t.TempDir()

	logger, err := logging.NewFromConfig(&cfg)
	if err != nil {
		t.Fatalf("NewFromConfig returned error: %v", err)
	}
	logger.Info("hello from test")

	content, err := os.ReadFile(logging.LogFilePath(&cfg))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), "hello from test") {
		t.Fatalf("expected message in log file, got %q", content)
	}
}

func TestConsoleLoggerOmitsCallerForInfo(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console-info.log")

	logger, err := logging.New(logging.Options{
		Format:  "console",
		Level:   "info",
		Outputs: []string{logPath},
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("message without caller")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(content), ".go:") {
		t.Fatalf("expected no caller information in info logs, got %q", content)
	}
}

func TestConsoleLoggerIncludesCallerForDebug(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console-debug.log")

	logger, err := logging.New(logging.Options{
		Format:  "console",
		Level:   "debug",
		Outputs: []string{logPath},
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Debug("message with caller")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), "logger_test.go:") {
		t.Fatalf("expected caller information in debug logs, got %q", content)
	}
}

func TestComponentLoggerPrefixesConsoleLine(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "component.log")
	logger, err := logging.New(logging.Options{Format: "console", Level: "info", Outputs: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logging.NewComponentLogger(logger, "scheduler").Info("installed", logging.Int64(logging.FieldSourceID, 7))

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := string(content)
	if !strings.Contains(line, "scheduler: installed") {
		t.Fatalf("expected component prefix, got %q", line)
	}
	if !strings.Contains(line, "source_id=7") {
		t.Fatalf("expected source_id field, got %q", line)
	}
}

func TestJSONLoggerIncludesContextFields(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "json.log")
	logger, err := logging.New(logging.Options{Format: "json", Level: "info", Outputs: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	ctx := services.WithSourceID(context.Background(), 3)
	ctx = services.WithItemID(ctx, 42)
	ctx = services.WithRequestID(ctx, "req-1")
	logging.WithContext(ctx, logger).Info("contextual")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var record map[string]any
	if err := json.Unmarshal(content, &record); err != nil {
		t.Fatalf("decode json log line %q: %v", content, err)
	}
	if record["msg"] != "contextual" || record["level"] != "info" {
		t.Fatalf("unexpected record: %#v", record)
	}
	if record[logging.FieldSourceID] != float64(3) || record[logging.FieldItemID] != float64(42) {
		t.Fatalf("expected context ids in record: %#v", record)
	}
	if record[logging.FieldCorrelationID] != "req-1" {
		t.Fatalf("expected correlation id: %#v", record)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestWarnWithContextFillsMissingFields(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "warn.log")
	logger, err := logging.New(logging.Options{Format: "json", Outputs: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logging.WarnWithContext(logger, "feed fetch failed", "feed_fetch_failed",
		logging.String(logging.FieldErrorHint, "check the source url"),
	)

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var record map[string]any
	if err := json.Unmarshal(content, &record); err != nil {
		t.Fatalf("decode json log line %q: %v", content, err)
	}
	if record[logging.FieldEventType] != "feed_fetch_failed" {
		t.Fatalf("expected event type, got %#v", record)
	}
	if record[logging.FieldErrorHint] != "check the source url" {
		t.Fatalf("caller hint must not be replaced: %#v", record)
	}
	if record[logging.FieldImpact] == nil {
		t.Fatalf("expected default impact: %#v", record)
	}
}

func TestConsoleLineFormatAndTailFilter(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "format.log")
	logger, err := logging.New(logging.Options{Format: "console", Level: "info", Outputs: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	fetcher := logging.NewComponentLogger(logger, "fetcher").With(logging.String("source", "Show Feed"))
	fetcher.WithGroup("http").Info("fetched", logging.Int("status", 200), logging.String("etag", ""))
	logging.NewComponentLogger(logger, "scheduler").Warn("tick", logging.Duration("late", 2*time.Second))

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", content)
	}
	want := ` INFO fetcher: fetched source="Show Feed" http.status=200 http.etag=""`
	if !strings.HasSuffix(lines[0], want) {
		t.Fatalf("line = %q, want suffix %q", lines[0], want)
	}
	if !strings.HasSuffix(lines[1], " WARN scheduler: tick late=2s") {
		t.Fatalf("unexpected warn line %q", lines[1])
	}
	if strings.Contains(string(content), "component=") {
		t.Fatalf("component must only appear as the prefix: %q", content)
	}

	result, err := logs.Tail(context.Background(), logPath, logs.TailOptions{Offset: -1, Limit: 10, Component: "scheduler"})
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(result.Lines) != 1 || !strings.Contains(result.Lines[0], "scheduler: tick") {
		t.Fatalf("component filter returned %q", result.Lines)
	}
}
