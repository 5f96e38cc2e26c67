package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeScenario(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "s.lua")
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestRunDefault(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, options{ticks: 100000}); err != nil {
		t.Fatalf("run: %v\n%s", err, out.String())
	}
	for _, want := range []string{"guest: high: high done", "reply=\"PING\"", "threads=0  blocked=0"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestRunQuiet(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, options{ticks: 100000, quiet: true}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.Contains(out.String(), "core0") {
		t.Fatalf("quiet run printed trace events:\n%s", out.String())
	}
}

func TestRunReportsDeadlock(t *testing.T) {
	path := writeScenario(t, `
		event("never")
		program("p", { wait("never") })
		thread("a", "p")
	`)
	var out bytes.Buffer
	err := run(context.Background(), &out, options{scenario: path, ticks: 1000, width: 40})
	if err == nil || !strings.Contains(err.Error(), "deadlock: 1 threads") {
		t.Fatalf("run err = %v, want deadlock", err)
	}
	if !strings.Contains(out.String(), `Event "never" unsignaled`) {
		t.Fatalf("tree does not show the wait:\n%s", out.String())
	}
}

func TestRunTickLimit(t *testing.T) {
	path := writeScenario(t, `program("p", { forever({ work(1) }) }) thread("a", "p")`)
	var out bytes.Buffer
	err := run(context.Background(), &out, options{scenario: path, ticks: 10, quiet: true})
	if err == nil || !strings.Contains(err.Error(), "still running after 10 ticks") {
		t.Fatalf("run err = %v", err)
	}
}

func TestDump(t *testing.T) {
	var out bytes.Buffer
	if err := dump(&out, ""); err != nil {
		t.Fatalf("dump: %v", err)
	}
	if !strings.Contains(out.String(), `program("high"`) {
		t.Fatalf("dump = %q", out.String())
	}
}
