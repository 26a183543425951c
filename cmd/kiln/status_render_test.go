package main

import (
	"strings"
	"testing"

	"kiln/internal/run"
)

func TestTaskStatusLabel(t *testing.T) {
	cases := map[run.Status]string{
		run.StatusCacheHit: "Cache Hit",
		run.StatusFailed:   "Failed",
		run.StatusSkipped:  "Skipped",
	}
	for status, want := range cases {
		if got := taskStatusLabel(status); got != want {
			t.Fatalf("taskStatusLabel(%q) = %q, want %q", status, got, want)
		}
	}
}

func TestRenderStatusLineColor(t *testing.T) {
	plain := renderStatusLine("Tasks", statusError, "1 failed", false)
	if strings.Contains(plain, "\x1b[") || !strings.Contains(plain, "[ERROR] 1 failed") {
		t.Fatalf("unexpected plain line %q", plain)
	}
	colored := renderStatusLine("Tasks", statusError, "1 failed", true)
	if !strings.HasPrefix(colored, ansiRed) || !strings.HasSuffix(colored, ansiReset) {
		t.Fatalf("expected red line, got %q", colored)
	}
}

func TestFormatBytes(t *testing.T) {
	for n, want := range map[int64]string{512: "512 B", 2048: "2.0 KiB", 3 << 30: "3.0 GiB"} {
		if got := formatBytes(n); got != want {
			t.Fatalf("formatBytes(%d) = %q, want %q", n, got, want)
		}
	}
}
