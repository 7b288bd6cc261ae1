// Package bootstrap runs inside the re-executed supervisor binary and turns it
// into the sandboxed target: it confines itself, installs the seccomp filter,
// then replaces its image with the target executable.
package bootstrap

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/neoclaw-ai/warden/internal/sandbox"
	"golang.org/x/net/bpf"
)

const (
	// EnvMarker selects bootstrap mode in the re-executed binary.
	EnvMarker = "WARDEN_BOOTSTRAP"

	// PlanFD carries the JSON Plan from the supervisor.
	PlanFD = 3
	// StatusFD is close-on-exec; a Report is written to it only on failure.
	StatusFD = 4

	// ExitCode is the bootstrapper's exit status when it cannot hand off.
	ExitCode = 127
)

// Stages at which the bootstrapper can fail.
const (
	StagePlan       = "plan"
	StageTrace      = "trace"
	StageLandlock   = "landlock"
	StageResolve    = "resolve"
	StageChdir      = "chdir"
	StageNoNewPrivs = "no_new_privs"
	StageSeccomp    = "seccomp"
	StageExec       = "exec"
)

// Plan is everything the bootstrapper needs to become the target.
type Plan struct {
	Path   string               `json:"path"`
	Args   []string             `json:"args"`
	Env    []string             `json:"env"`
	Dir    string               `json:"dir,omitempty"`
	Filter []bpf.RawInstruction `json:"filter"`
	// Landlock is applied before the filter when set.
	Landlock *sandbox.Rules `json:"landlock,omitempty"`
}

// Report describes a bootstrap failure.
type Report struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
	Errno   int    `json:"errno,omitempty"`
}

// IsBootstrapProcess reports whether this process was started as a bootstrapper.
func IsBootstrapProcess() bool {
	return strings.TrimSpace(os.Getenv(EnvMarker)) == "1"
}

// WritePlan encodes plan to w.
func WritePlan(w io.Writer, plan Plan) error {
	if err := json.NewEncoder(w).Encode(plan); err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	return nil
}

// ReadPlan decodes and validates a plan.
func ReadPlan(r io.Reader) (Plan, error) {
	var plan Plan
	if err := json.NewDecoder(r).Decode(&plan); err != nil {
		return Plan{}, fmt.Errorf("decode plan: %w", err)
	}
	if plan.Path == "" {
		return Plan{}, errors.New("target path is required")
	}
	if len(plan.Filter) == 0 {
		return Plan{}, errors.New("filter is required")
	}
	if len(plan.Args) == 0 {
		plan.Args = []string{plan.Path}
	}
	return plan, nil
}

// StageError is a failure at one bootstrap stage.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("bootstrap %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageErr(stage string, err error) error {
	return &StageError{Stage: stage, Err: err}
}

// NewReport converts a failure into its wire form.
func NewReport(err error) Report {
	r := Report{Stage: StagePlan, Message: err.Error()}
	var se *StageError
	if errors.As(err, &se) {
		r.Stage = se.Stage
		r.Message = se.Err.Error()
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		r.Errno = int(errno)
	}
	return r
}

// WriteReport encodes a failure report to w.
func WriteReport(w io.Writer, r Report) error {
	if err := json.NewEncoder(w).Encode(r); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}

// ReadReport decodes a report, returning nil when the stream is empty
// (the bootstrapper exec'd successfully and the pipe closed).
func ReadReport(r io.Reader) (*Report, error) {
	var report Report
	if err := json.NewDecoder(r).Decode(&report); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &report, nil
}
