package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"anatprep/internal/config"
	"anatprep/internal/logging"
	"anatprep/internal/services"
)

func TestConsoleLoggerFoldsSubjectIntoHeader(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Format: "console", Level: "info", Writer: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	ctx := services.WithSubject(context.Background(), "S01")
	ctx = services.WithSession(ctx, "MR1")
	ctx = services.WithStage(ctx, "mask")
	logger = logging.WithContext(ctx, logging.NewComponentLogger(logger, "stageexec"))
	logger.Info("stage complete", logging.String("output", "mask.nii.gz"))
	logger.Debug("hidden")

	out := buf.String()
	for _, want := range []string{"INFO [stageexec] sub-S01 ses-MR1 (mask) - stage complete", "    output: mask.nii.gz"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record should be filtered at info level:\n%s", out)
	}
}

func TestJSONLoggerIncludesContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Format: "json", Level: "debug", Writer: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	ctx := services.WithRunID(services.WithIteration(context.Background(), 2), "abc")
	logging.WithContext(ctx, logger).Debug("snapshot")

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode json log: %v (%s)", err, buf.String())
	}
	if payload["msg"] != "snapshot" || payload["level"] != "debug" {
		t.Fatalf("unexpected payload: %v", payload)
	}
	if payload[logging.FieldRunID] != "abc" || payload[logging.FieldIteration] != float64(2) {
		t.Fatalf("missing context fields: %v", payload)
	}
	if _, ok := payload["ts"]; !ok {
		t.Fatalf("expected ts key: %v", payload)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestNewFromConfigVerboseEnablesDebug(t *testing.T) {
	cfg := config.Default()
	var buf bytes.Buffer
	logger, err := logging.NewFromConfig(&cfg, &buf, true)
	if err != nil {
		t.Fatalf("NewFromConfig returned error: %v", err)
	}
	logger.Debug("debug message")
	if !strings.Contains(buf.String(), "debug message") {
		t.Fatalf("expected debug output, got %q", buf.String())
	}
}

func TestWarnWithContextInjectsDefaults(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Format: "json", Writer: &buf})
	if err != nil {
		t.Fatal(err)
	}
	logging.WarnWithContext(logger, "state unreadable", "state_corrupt", logging.String(logging.FieldImpact, "treated as iteration 1"))

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload[logging.FieldEventType] != "state_corrupt" {
		t.Fatalf("unexpected event type: %v", payload)
	}
	if payload[logging.FieldImpact] != "treated as iteration 1" {
		t.Fatalf("impact should not be overridden: %v", payload)
	}
	if payload[logging.FieldErrorHint] == nil {
		t.Fatalf("expected default error hint: %v", payload)
	}
}

func TestStageLogCapturesRecordsAndToolOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "mask.log")
	stageLog, err := logging.OpenStageLog(path, "run-1")
	if err != nil {
		t.Fatalf("OpenStageLog returned error: %v", err)
	}

	var console bytes.Buffer
	base, err := logging.New(logging.Options{Level: "info", Writer: &console})
	if err != nil {
		t.Fatal(err)
	}
	logger := stageLog.Logger(base)
	logger.Debug("running bet")
	if _, err := stageLog.Write([]byte("bet: done\n")); err != nil {
		t.Fatalf("write tool output: %v", err)
	}
	logger.Info("stage complete")
	if err := stageLog.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read stage log: %v", err)
	}
	content := string(data)
	for _, want := range []string{"run run-1", "running bet", "bet: done", "stage complete"} {
		if !strings.Contains(content, want) {
			t.Fatalf("expected %q in stage log:\n%s", want, content)
		}
	}
	if strings.Contains(console.String(), "running bet") {
		t.Fatalf("console should not receive debug records:\n%s", console.String())
	}
	if _, err := stageLog.Write([]byte("late")); err == nil {
		t.Fatal("expected write after close to fail")
	}
}
