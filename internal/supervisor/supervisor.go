// Package supervisor launches a target under ptrace with a seccomp filter
// installed and mediates every syscall the filter hands to the tracer.
package supervisor

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"syscall"

	"github.com/neoclaw-ai/warden/internal/bootstrap"
	"github.com/neoclaw-ai/warden/internal/mediation"
	"github.com/neoclaw-ai/warden/internal/sandbox"
	"golang.org/x/sys/unix"
)

var (
	// ErrForkFailed is returned when the target process cannot be created.
	ErrForkFailed = errors.New("fork failed")
	// ErrUnsupportedPlatform is returned on platforms without seccomp and ptrace.
	ErrUnsupportedPlatform = errors.New("sandboxing is only supported on linux")
	// ErrArmFailed is returned when the target cannot be configured for tracing.
	ErrArmFailed = errors.New("arm tracer failed")
	// ErrWaitFailed is returned when the supervisor can no longer observe the target.
	ErrWaitFailed = errors.New("wait failed")
	// ErrDecode is returned when a stopped target's registers cannot be decoded.
	ErrDecode = errors.New("decode syscall failed")
	// ErrUnrecognizedSyscall is returned for syscall numbers the architecture does not define.
	ErrUnrecognizedSyscall = errors.New("unrecognized syscall")
	// ErrTimeout is returned when the session outlives its context.
	ErrTimeout = errors.New("session timed out")
)

// SpuriousAuto derives the spurious stop budget from the filter.
const SpuriousAuto = -1

// Phase is a session lifecycle phase.
type Phase int

const (
	PhaseInitializing Phase = iota
	PhaseArmed
	PhaseRunning
	PhaseStopped
	PhaseExited
	PhaseKilled
)

// State is a session phase plus its payload.
type State struct {
	Phase Phase
	// Reason says why the target is stopped.
	Reason string
	// Code is the exit status once Exited.
	Code int
	// Signal is the fatal signal once Killed; zero means unknown.
	Signal syscall.Signal
}

// Terminal reports whether the target is gone.
func (s State) Terminal() bool {
	return s.Phase == PhaseExited || s.Phase == PhaseKilled
}

// ExitCode maps the state to a shell-style exit status.
func (s State) ExitCode() int {
	switch s.Phase {
	case PhaseExited:
		return s.Code
	case PhaseKilled:
		if s.Signal != 0 {
			return 128 + int(s.Signal)
		}
	}
	return 125
}

func (s State) String() string {
	switch s.Phase {
	case PhaseInitializing:
		return "initializing"
	case PhaseArmed:
		return "armed"
	case PhaseRunning:
		return "running"
	case PhaseStopped:
		return fmt.Sprintf("stopped(%s)", s.Reason)
	case PhaseExited:
		return fmt.Sprintf("exited(%d)", s.Code)
	case PhaseKilled:
		if s.Signal == 0 {
			return "killed(unknown)"
		}
		return fmt.Sprintf("killed(%s)", unix.SignalName(s.Signal))
	}
	return fmt.Sprintf("phase(%d)", int(s.Phase))
}

func exited(code int) State           { return State{Phase: PhaseExited, Code: code} }
func killed(sig syscall.Signal) State { return State{Phase: PhaseKilled, Signal: sig} }
func stopped(reason string) State     { return State{Phase: PhaseStopped, Reason: reason} }
func phase(p Phase) State             { return State{Phase: p} }

// Target is the executable to sandbox.
type Target struct {
	Path string
	// Args is the full argv; empty means just Path.
	Args   []string
	Env    []string
	Dir    string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Observer sees every mediation decision after it is made and before it is applied.
type Observer interface {
	Observe(ev mediation.Event, d mediation.Decision)
}

// Options tunes a session.
type Options struct {
	// Engine decides intercepted calls. Nil means mediation.Baseline.
	Engine   mediation.Engine
	Observer Observer
	// SpuriousStops is the number of leading seccomp stops consumed without
	// decoding. SpuriousAuto uses 1 when the filter traces the hand-off
	// execve, else 0.
	SpuriousStops int
	// ForwardTraps delivers seccomp SIGSYS to the target instead of killing it.
	ForwardTraps bool
	// Landlock confines the target's filesystem view when set.
	Landlock *sandbox.Rules
	Logger   *slog.Logger
}

// Result summarizes a finished session.
type Result struct {
	State State
	// Events is the number of decoded mediation events.
	Events uint64
	// SpuriousStops is the number of stops consumed without decoding.
	SpuriousStops int
}

// BootstrapError is a failure the bootstrapper reported before the target ran.
type BootstrapError struct {
	Stage   string
	Message string
	Errno   syscall.Errno
}

func newBootstrapError(r *bootstrap.Report) *BootstrapError {
	return &BootstrapError{Stage: r.Stage, Message: r.Message, Errno: syscall.Errno(r.Errno)}
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("bootstrap %s: %s", e.Stage, e.Message)
}

func (e *BootstrapError) Unwrap() error {
	if e.Errno == 0 {
		return nil
	}
	return e.Errno
}
