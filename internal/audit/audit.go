// Package audit records mediation decisions as log lines and in a JSONL file.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/neoclaw-ai/warden/internal/mediation"
	"github.com/neoclaw-ai/warden/internal/store"
)

// Record is one persisted decision.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	PID       int       `json:"pid"`
	Seq       uint64    `json:"seq"`
	Arch      string    `json:"arch,omitempty"`
	Nr        int       `json:"nr"`
	Syscall   string    `json:"syscall"`
	Args      [6]uint64 `json:"args"`
	Action    string    `json:"action"`
	Decision  string    `json:"decision"`
	Reason    string    `json:"reason,omitempty"`
}

// NewRecord converts an event and its decision.
func NewRecord(ev mediation.Event, d mediation.Decision) Record {
	rec := Record{
		PID:      ev.PID,
		Seq:      ev.Seq,
		Nr:       ev.Syscall.Nr,
		Syscall:  ev.Name,
		Args:     ev.Syscall.Args,
		Action:   ev.Action.String(),
		Decision: d.String(),
		Reason:   d.Reason,
	}
	if ev.Arch != nil {
		rec.Arch = ev.Arch.Name()
	}
	return rec
}

// Summary aggregates records by decision kind and syscall.
type Summary struct {
	Allowed  int
	Denied   int
	Emulated int
	Killed   int
	Syscalls map[string]int
}

// Total is the number of summarized records.
func (s Summary) Total() int {
	return s.Allowed + s.Denied + s.Emulated + s.Killed
}

// Recorder logs every decision and, when it has a path, appends it as JSONL.
type Recorder struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
	err    error
}

// New returns a Recorder. An empty path disables the JSONL file.
func New(path string, logger *slog.Logger) *Recorder {
	return &Recorder{path: path, logger: logger}
}

// Path is the JSONL file, or empty.
func (r *Recorder) Path() string {
	return r.path
}

// Observe logs the decision and persists it. Persistence failures are
// logged once and remembered in Err.
func (r *Recorder) Observe(ev mediation.Event, d mediation.Decision) {
	level := slog.LevelInfo
	if d.Kind != mediation.KindAllow {
		level = slog.LevelWarn
	}
	if r.logger != nil {
		r.logger.Log(context.Background(), level, "syscall",
			"pid", ev.PID,
			"nr", ev.Syscall.Nr,
			"name", ev.Name,
			"decision", d.String(),
			"reason", d.Reason,
		)
	}
	if r.path == "" {
		return
	}
	if err := r.Append(context.Background(), NewRecord(ev, d)); err != nil {
		r.mu.Lock()
		first := r.err == nil
		if first {
			r.err = err
		}
		r.mu.Unlock()
		if first && r.logger != nil {
			r.logger.Warn("audit record not written", "path", r.path, "err", err)
		}
	}
}

// Err is the first persistence failure, if any.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Append writes one record to the JSONL file.
func (r *Recorder) Append(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.path == "" {
		return errors.New("audit path is required")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	if err := store.AppendFile(r.path, append(encoded, '\n')); err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

// Summarize reads the records written since since. A missing file is empty.
func Summarize(ctx context.Context, path string, since time.Time) (Summary, error) {
	sum := Summary{Syscalls: map[string]int{}}
	if err := ctx.Err(); err != nil {
		return Summary{}, err
	}
	if path == "" {
		return Summary{}, errors.New("audit path is required")
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return sum, nil
	}
	if err != nil {
		return Summary{}, fmt.Errorf("open audit file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return Summary{}, err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if rec.Timestamp.Before(since) {
			continue
		}
		switch kindOf(rec.Decision) {
		case mediation.KindAllow:
			sum.Allowed++
		case mediation.KindDeny:
			sum.Denied++
		case mediation.KindEmulate:
			sum.Emulated++
		default:
			sum.Killed++
		}
		sum.Syscalls[rec.Syscall]++
	}
	if err := scanner.Err(); err != nil {
		return Summary{}, fmt.Errorf("scan audit file: %w", err)
	}
	return sum, nil
}

func kindOf(decision string) mediation.Kind {
	switch {
	case strings.HasPrefix(decision, "allow"):
		return mediation.KindAllow
	case strings.HasPrefix(decision, "deny"):
		return mediation.KindDeny
	case strings.HasPrefix(decision, "emulate"):
		return mediation.KindEmulate
	}
	return mediation.KindKill
}
