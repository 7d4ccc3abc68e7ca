package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewConsoleAndFile(t *testing.T) {
	var buf bytes.Buffer
	file := filepath.Join(t.TempDir(), "grader.log")
	log, err := New(Options{Level: "warn", File: file, Console: &buf})
	if err != nil {
		t.Fatal(err)
	}
	log.Info("hidden")
	log.Warn("sync failed")
	_ = log.Sync()

	if out := buf.String(); strings.Contains(out, "hidden") || !strings.Contains(out, "sync failed") {
		t.Fatalf("console output %q", out)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatal(err)
	}
	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &line); err != nil {
		t.Fatalf("file line is not JSON: %q", data)
	}
	if line["msg"] != "sync failed" || line["level"] != "WARN" {
		t.Fatalf("file line %v", line)
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, err := New(Options{Level: "loud"}); err == nil {
		t.Fatal("bad level accepted")
	}
}
