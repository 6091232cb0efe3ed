// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("Level(%d).String() = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{" Warning ", LevelWarn, false},
		{"error", LevelError, false},
		{"loud", LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrUnknownLevel) {
				t.Errorf("ParseLevel(%q) error = %v, want ErrUnknownLevel", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
}

func TestLevel_SlogRoundTrip(t *testing.T) {
	for _, l := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		if got := fromSlogLevel(l.toSlogLevel()); got != l {
			t.Errorf("round trip of %v = %v", l, got)
		}
	}
	if got := fromSlogLevel(slog.LevelDebug - 4); got != LevelDebug {
		t.Errorf("below debug = %v, want DEBUG", got)
	}
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestNew_ConsoleOutput(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Output: &buf})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer logger.Close()

	logger.Slog().Debug("hidden")
	logger.Slog().Info("run started", "pipeline", "nightly")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug record written at info level")
	}
	if !strings.Contains(out, "run started") || !strings.Contains(out, "pipeline=nightly") {
		t.Errorf("missing record in %q", out)
	}
	if !strings.Contains(out, "service="+DefaultService) {
		t.Errorf("missing default service attribute in %q", out)
	}
}

func TestNew_JSONConsole(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Output: &buf, JSON: true, Service: "flowd"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer logger.Close()

	logger.Slog().Warn("fallback used", "unit", "primary")
	if !strings.Contains(buf.String(), `"service":"flowd"`) || !strings.Contains(buf.String(), `"unit":"primary"`) {
		t.Errorf("unexpected JSON output %q", buf.String())
	}
}

func TestNew_Quiet(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Output: &buf, Quiet: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Slog().Error("nobody hears this")
	if buf.Len() != 0 {
		t.Errorf("quiet logger wrote %q", buf.String())
	}
	if err := logger.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestNew_LogDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	logger, err := New(Config{LogDir: dir, Service: "file-test", Quiet: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Slog().Info("unit finished", "unit", "fetch")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(files) != 1 || !strings.HasPrefix(files[0].Name(), "file-test_") {
		t.Fatalf("unexpected log files %v", files)
	}
	content, err := os.ReadFile(filepath.Join(dir, files[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(content), `"unit":"fetch"`) {
		t.Errorf("log file is not JSON: %q", content)
	}
}

func TestNew_LogDirUnwritable(t *testing.T) {
	parent := t.TempDir()
	blocker := filepath.Join(parent, "file")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := New(Config{LogDir: filepath.Join(blocker, "logs"), Quiet: true}); err == nil {
		t.Error("New() succeeded with a file in place of the log dir")
	}
}

func TestLogger_ForPipeline(t *testing.T) {
	exp := NewBufferedExporter()
	logger, err := New(Config{Quiet: true, Exporter: exp})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer logger.Close()

	logger.ForPipeline("nightly", "flows/nightly.yaml").Info("stage", "status", "planning")

	entries := exp.Entries()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Attrs["document"] != "flows/nightly.yaml" || e.Attrs["pipeline"] != "nightly" || e.Attrs["status"] != "planning" {
		t.Errorf("unexpected attrs %v", e.Attrs)
	}
	if _, ok := e.Attrs["service"]; ok {
		t.Error("service leaked into attrs")
	}
	if e.Service != DefaultService || e.Level != LevelInfo || e.Message != "stage" {
		t.Errorf("unexpected entry %+v", e)
	}
}

// =============================================================================
// Exporter Tests
// =============================================================================

func TestExporter_LevelAndGroups(t *testing.T) {
	exp := NewBufferedExporter()
	logger, err := New(Config{Level: LevelWarn, Quiet: true, Exporter: exp})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer logger.Close()

	l := logger.Slog().WithGroup("unit").With("id", "fetch")
	l.Info("dropped")
	l.Warn("retrying", "attempt", 2, slog.Group("backoff", slog.Int("ms", 20)))

	if got := exp.Messages(LevelDebug); len(got) != 1 || got[0] != "retrying" {
		t.Fatalf("Messages() = %v", got)
	}
	attrs := exp.Entries()[0].Attrs
	if attrs["unit.id"] != "fetch" {
		t.Errorf("unit.id = %v", attrs["unit.id"])
	}
	if attrs["unit.attempt"] != int64(2) {
		t.Errorf("unit.attempt = %v (%T)", attrs["unit.attempt"], attrs["unit.attempt"])
	}
	if attrs["unit.backoff.ms"] != int64(20) {
		t.Errorf("unit.backoff.ms = %v", attrs["unit.backoff.ms"])
	}
}

type errorExporter struct {
	exportErr, flushErr, closeErr error
}

func (e *errorExporter) Export(context.Context, Entry) error { return e.exportErr }
func (e *errorExporter) Flush(context.Context) error         { return e.flushErr }
func (e *errorExporter) Close() error                        { return e.closeErr }

func TestExporter_ErrorsDoNotBreakLogging(t *testing.T) {
	var buf bytes.Buffer
	exp := &errorExporter{exportErr: errors.New("offline")}
	logger, err := New(Config{Output: &buf, Exporter: exp})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Slog().Info("still written")
	if !strings.Contains(buf.String(), "still written") {
		t.Error("console output lost when export fails")
	}
	if err := logger.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestLogger_CloseReportsFirstError(t *testing.T) {
	flushErr := errors.New("flush failed")
	logger, err := New(Config{Quiet: true, Exporter: &errorExporter{flushErr: flushErr, closeErr: errors.New("close failed")}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := logger.Close(); !errors.Is(err, flushErr) {
		t.Errorf("Close() error = %v, want %v", err, flushErr)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestLogger_ConcurrentUse(t *testing.T) {
	exp := NewBufferedExporter()
	logger, err := New(Config{Quiet: true, Exporter: exp, LogDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer logger.Close()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				logger.Slog().Info("attempt", "worker", i, "n", j)
			}
		}(i)
	}
	wg.Wait()
	if got := len(exp.Entries()); got != 16*50 {
		t.Errorf("got %d entries, want %d", got, 16*50)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/.flow/logs"); got != filepath.Join(home, ".flow/logs") {
		t.Errorf("expandPath(~) = %q", got)
	}
	if got := expandPath("/var/log/flow"); got != "/var/log/flow" {
		t.Errorf("absolute path changed to %q", got)
	}
}
