package cmd

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewestDebugLog(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "dissect-logs-test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	if _, err := newestDebugLog(tmpDir); err == nil {
		t.Error("empty dir should be an error")
	}

	for _, name := range []string{
		"dissect-20250101-120000-debug.log",
		"dissect-20250301-080000-debug.log",
		"dissect-20250201-235959-debug.log",
		"unrelated.log",
	} {
		if err := os.WriteFile(filepath.Join(tmpDir, name), []byte("x\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	got, err := newestDebugLog(tmpDir)
	if err != nil {
		t.Fatalf("newestDebugLog() error = %v", err)
	}
	want := filepath.Join(tmpDir, "dissect-20250301-080000-debug.log")
	if got != want {
		t.Errorf("newestDebugLog() = %s, want %s", got, want)
	}
}

func TestColorizeLogLine(t *testing.T) {
	line := "2025-03-01 08:00:00 INFO dissect decoded stream count=42"

	os.Setenv("DISSECT_NO_COLOR", "1")
	defer os.Unsetenv("DISSECT_NO_COLOR")

	if got := colorizeLogLine(line); got != line {
		t.Errorf("colorizeLogLine() with colors off = %q, want input unchanged", got)
	}

	// Lines without a level token pass through untouched either way.
	os.Unsetenv("DISSECT_NO_COLOR")
	plain := "no level token here"
	if got := colorizeLogLine(plain); got != plain {
		t.Errorf("colorizeLogLine() = %q, want %q", got, plain)
	}
}
