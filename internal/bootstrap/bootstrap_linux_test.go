//go:build linux

package bootstrap

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
)

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	notExec := filepath.Join(dir, "data.txt")
	if err := os.WriteFile(notExec, []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	script := filepath.Join(dir, "run.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	if _, err := resolve(filepath.Join(dir, "missing")); !errors.Is(err, syscall.ENOENT) {
		t.Fatalf("expected ENOENT for missing target, got %v", err)
	}
	if _, err := resolve("warden-no-such-command"); !errors.Is(err, syscall.ENOENT) {
		t.Fatalf("expected ENOENT for unknown command, got %v", err)
	}
	if _, err := resolve(notExec); !errors.Is(err, syscall.EACCES) {
		t.Fatalf("expected EACCES for non-executable target, got %v", err)
	}
	got, err := resolve(script)
	if err != nil {
		t.Fatalf("resolve script: %v", err)
	}
	if got != script {
		t.Fatalf("expected %q, got %q", script, got)
	}
}

func TestCheckTracedWithoutTracer(t *testing.T) {
	// go test runs untraced unless a debugger is attached.
	if err := checkTraced(); err != nil && !errors.Is(err, ErrNotTraced) {
		t.Fatalf("unexpected error: %v", err)
	}
}
