package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestArchiverHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(&archiverHandler{w: &buf, sessionID: "abc12345"})

	logger.Info("repository tracked", "repo", "octocat/hello-world", "depth", 1)

	line := strings.TrimRight(buf.String(), "\n")
	fields := strings.Split(line, "\t")
	if len(fields) != 6 {
		t.Fatalf("fields = %d (%q), want 6", len(fields), line)
	}
	if fields[1] != "INFO" {
		t.Errorf("level = %q", fields[1])
	}
	if fields[2] != "abc12345" {
		t.Errorf("session id = %q", fields[2])
	}
	if fields[3] != "repository tracked" {
		t.Errorf("message = %q", fields[3])
	}
	if fields[4] != "repo=octocat/hello-world" || fields[5] != "depth=1" {
		t.Errorf("attrs = %q %q", fields[4], fields[5])
	}
}

func TestArchiverHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(&archiverHandler{w: &buf, sessionID: "s"}).With("component", "worker")

	logger.Warn("task failed")

	if !strings.Contains(buf.String(), "component=worker") {
		t.Errorf("pre-set attr missing: %q", buf.String())
	}
}

func TestNewLoggerCreatesFile(t *testing.T) {
	dir := t.TempDir()
	logger, f, err := newLogger(dir, "session")
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	defer f.Close()

	logger.Info("hello")
	if fi, err := f.Stat(); err != nil || fi.Size() == 0 {
		t.Errorf("log file empty or missing: %v", err)
	}
}
