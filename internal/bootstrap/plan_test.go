package bootstrap

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"syscall"
	"testing"

	"github.com/neoclaw-ai/warden/internal/sandbox"
	"golang.org/x/net/bpf"
)

func TestReadPlanDefaultsArgsToPath(t *testing.T) {
	var buf bytes.Buffer
	plan := Plan{
		Path:     "/bin/true",
		Env:      []string{"LANG=C"},
		Filter:   []bpf.RawInstruction{{Op: 0x06, K: 0x7fff0000}},
		Landlock: &sandbox.Rules{RWDirs: []string{"/tmp"}},
	}
	if err := WritePlan(&buf, plan); err != nil {
		t.Fatalf("write plan: %v", err)
	}

	got, err := ReadPlan(&buf)
	if err != nil {
		t.Fatalf("read plan: %v", err)
	}
	if len(got.Args) != 1 || got.Args[0] != "/bin/true" {
		t.Fatalf("expected args [/bin/true], got %v", got.Args)
	}
	if len(got.Filter) != 1 || got.Filter[0].K != 0x7fff0000 {
		t.Fatalf("unexpected filter %+v", got.Filter)
	}
	if got.Landlock == nil || len(got.Landlock.RWDirs) != 1 {
		t.Fatalf("expected landlock rules to survive, got %+v", got.Landlock)
	}
}

func TestReadPlanRejectsIncompletePlans(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "garbage", body: "{", want: "decode plan"},
		{name: "no path", body: `{"filter":[{"Op":6,"K":0}]}`, want: "target path is required"},
		{name: "no filter", body: `{"path":"/bin/true"}`, want: "filter is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadPlan(strings.NewReader(tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestNewReportCarriesStageAndErrno(t *testing.T) {
	err := stageErr(StageResolve, fmt.Errorf("/missing: %w", syscall.ENOENT))
	r := NewReport(err)
	if r.Stage != StageResolve {
		t.Fatalf("expected stage %q, got %q", StageResolve, r.Stage)
	}
	if r.Errno != int(syscall.ENOENT) {
		t.Fatalf("expected errno %d, got %d", syscall.ENOENT, r.Errno)
	}
	if !strings.Contains(r.Message, "/missing") {
		t.Fatalf("expected message to name the path, got %q", r.Message)
	}

	plain := NewReport(errors.New("boom"))
	if plain.Stage != StagePlan || plain.Errno != 0 {
		t.Fatalf("unexpected report for plain error: %+v", plain)
	}
}

func TestReadReport(t *testing.T) {
	got, err := ReadReport(strings.NewReader(""))
	if err != nil || got != nil {
		t.Fatalf("expected nil report for empty stream, got %+v, %v", got, err)
	}

	var buf bytes.Buffer
	if err := WriteReport(&buf, Report{Stage: StageExec, Message: "exec format error", Errno: 8}); err != nil {
		t.Fatalf("write report: %v", err)
	}
	got, err = ReadReport(&buf)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	if got == nil || got.Stage != StageExec || got.Errno != 8 {
		t.Fatalf("unexpected report %+v", got)
	}
}

func TestIsBootstrapProcess(t *testing.T) {
	t.Setenv(EnvMarker, "")
	if IsBootstrapProcess() {
		t.Fatalf("expected false without marker")
	}
	t.Setenv(EnvMarker, "1")
	if !IsBootstrapProcess() {
		t.Fatalf("expected true with marker")
	}
}
