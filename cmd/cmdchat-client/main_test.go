package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRunVersionFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"--version"}, strings.NewReader(""), &stdout, &stderr); code != 0 {
		t.Fatalf("exit code %d, stderr: %s", code, stderr.String())
	}
	if strings.TrimSpace(stdout.String()) == "" {
		t.Fatal("version output empty")
	}
}

func TestRunBufferSizeBounds(t *testing.T) {
	for _, size := range []string{"9", "1001", "-1"} {
		var stdout, stderr bytes.Buffer
		if code := run([]string{"--buffer-size", size}, strings.NewReader(""), &stdout, &stderr); code != 2 {
			t.Fatalf("--buffer-size %s: exit code %d, want 2", size, code)
		}
	}
}

func TestRunBadRenderer(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"--renderer", "fancy"}, strings.NewReader(""), &stdout, &stderr); code != 2 {
		t.Fatalf("exit code %d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "unknown renderer") {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}
}

func TestRunHistoryRequiresPassphrase(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"--history-file", "h.cch"}, strings.NewReader(""), &stdout, &stderr)
	if code != 2 {
		t.Fatalf("exit code %d, want 2", code)
	}
}

func TestNewRendererKinds(t *testing.T) {
	var buf bytes.Buffer
	for _, kind := range []string{"rich", "minimal", "json"} {
		if _, err := newRenderer(kind, &buf, 100); err != nil {
			t.Fatalf("renderer %q: %v", kind, err)
		}
	}
	if _, err := newRenderer("fancy", &buf, 100); err == nil {
		t.Fatal("expected error for unknown renderer")
	}
}
