package audit

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/neoclaw-ai/warden/internal/abi"
	"github.com/neoclaw-ai/warden/internal/mediation"
	"github.com/neoclaw-ai/warden/internal/policy"
)

func event(t *testing.T, name string, nr int) mediation.Event {
	t.Helper()
	arch, err := abi.Lookup("amd64")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	return mediation.Event{
		PID:     42,
		Seq:     1,
		Arch:    arch,
		Syscall: abi.Syscall{Nr: nr, Args: [6]uint64{1, 2}},
		Name:    name,
		Action:  policy.ActionTrace,
	}
}

func TestRecorderAppendAndSummarize(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logs", "audit.jsonl")
	rec := New(path, nil)

	rec.Observe(event(t, "write", 1), mediation.Allow())
	rec.Observe(event(t, "openat", 257), mediation.Deny(syscall.EACCES, "path /etc/shadow"))
	rec.Observe(event(t, "getuid", 102), mediation.Emulate(0, "emulated"))
	rec.Observe(event(t, "ptrace", 101), mediation.Kill("policy kill_process"))
	if err := rec.Err(); err != nil {
		t.Fatalf("observe: %v", err)
	}

	sum, err := Summarize(context.Background(), path, time.Time{})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if sum.Allowed != 1 || sum.Denied != 1 || sum.Emulated != 1 || sum.Killed != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if sum.Total() != 4 || sum.Syscalls["openat"] != 1 {
		t.Fatalf("unexpected syscall counts %+v", sum.Syscalls)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %d", len(lines))
	}
	if !strings.Contains(lines[1], `"decision":"deny errno(EACCES)"`) || !strings.Contains(lines[1], `"arch":"amd64"`) {
		t.Fatalf("unexpected deny record %s", lines[1])
	}
}

func TestSummarizeSkipsOldAndMalformed(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "audit.jsonl")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := New(path, nil)
	if err := rec.Append(context.Background(), Record{Timestamp: now.Add(-48 * time.Hour), Syscall: "write", Decision: "allow"}); err != nil {
		t.Fatalf("append old: %v", err)
	}
	if err := os.WriteFile(path, append(mustRead(t, path), []byte("not json\n\n")...), 0o644); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	if err := rec.Append(context.Background(), Record{Timestamp: now, Syscall: "write", Decision: "allow"}); err != nil {
		t.Fatalf("append new: %v", err)
	}

	sum, err := Summarize(context.Background(), path, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if sum.Total() != 1 || sum.Allowed != 1 {
		t.Fatalf("expected one recent allow, got %+v", sum)
	}
}

func TestSummarizeMissingFile(t *testing.T) {
	t.Parallel()

	sum, err := Summarize(context.Background(), filepath.Join(t.TempDir(), "missing.jsonl"), time.Time{})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if sum.Total() != 0 {
		t.Fatalf("expected empty summary, got %+v", sum)
	}
}

func TestRecorderLogsDecisions(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	rec := New("", logger)

	rec.Observe(event(t, "write", 1), mediation.Allow())
	rec.Observe(event(t, "openat", 257), mediation.Deny(syscall.EPERM, "denied"))

	out := buf.String()
	if strings.Contains(out, "name=write") {
		t.Fatalf("allowed call should log below warn, got %q", out)
	}
	if !strings.Contains(out, "name=openat") || !strings.Contains(out, "reason=denied") {
		t.Fatalf("expected deny line, got %q", out)
	}
}

func TestAppendRequiresPath(t *testing.T) {
	t.Parallel()

	if err := New("", nil).Append(context.Background(), Record{}); err == nil {
		t.Fatal("expected error without path")
	}
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return data
}
