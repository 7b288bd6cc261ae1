//go:build linux

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/neoclaw-ai/warden/internal/abi"
	"github.com/neoclaw-ai/warden/internal/bootstrap"
	"github.com/neoclaw-ai/warden/internal/logging"
	"github.com/neoclaw-ai/warden/internal/mediation"
	"github.com/neoclaw-ai/warden/internal/policy"
	"golang.org/x/sys/unix"
)

const (
	traceOptions = unix.PTRACE_O_TRACESECCOMP |
		unix.PTRACE_O_TRACEEXEC |
		unix.PTRACE_O_EXITKILL |
		unix.PTRACE_O_TRACECLONE |
		unix.PTRACE_O_TRACEFORK |
		unix.PTRACE_O_TRACEVFORK

	statusTimeout = 2 * time.Second
)

// Session is one supervised target. All methods except State accessors must
// be called from the goroutine that launched it, locked to its OS thread.
type Session struct {
	pid      int
	t        tracer
	filter   *policy.Filter
	arch     abi.Arch
	engine   mediation.Engine
	observer Observer
	logger   *slog.Logger
	status   io.ReadCloser
	forward  bool

	state    State
	budget   int
	spurious int
	events   uint64
	// threads holds every traced task: the leader, its threads and any
	// children it forked.
	threads  map[int]bool
	timedOut atomic.Bool
	reaped   atomic.Bool
}

func newSession(pid int, t tracer, filter *policy.Filter, opts Options, status io.ReadCloser) *Session {
	s := &Session{
		pid:      pid,
		t:        t,
		filter:   filter,
		arch:     filter.Arch(),
		engine:   opts.Engine,
		observer: opts.Observer,
		logger:   opts.Logger,
		status:   status,
		forward:  opts.ForwardTraps,
		state:    phase(PhaseInitializing),
		budget:   opts.SpuriousStops,
		threads:  map[int]bool{pid: true},
	}
	if s.engine == nil {
		s.engine = mediation.Baseline{}
	}
	if s.logger == nil {
		s.logger = logging.Logger()
	}
	if s.budget < 0 {
		s.budget = 0
		if filter.HandoffTraced() {
			s.budget = 1
		}
	}
	return s
}

// PID is the target's process id.
func (s *Session) PID() int { return s.pid }

// State is the current lifecycle state.
func (s *Session) State() State { return s.state }

// Events is the number of decoded mediation events so far.
func (s *Session) Events() uint64 { return s.events }

// SpuriousBudget is the number of leading seccomp stops skipped without decoding.
func (s *Session) SpuriousBudget() int { return s.budget }

// SpuriousStops is the number of stops skipped so far.
func (s *Session) SpuriousStops() int { return s.spurious }

// Result snapshots the session.
func (s *Session) Result() Result {
	return Result{State: s.state, Events: s.events, SpuriousStops: s.spurious}
}

// Run drives the target until it exits or is killed. On any other error the
// target is left stopped and the caller must Terminate it.
func (s *Session) Run(ctx context.Context) (State, error) {
	if s.state.Phase != PhaseInitializing {
		return s.state, fmt.Errorf("session is %s", s.state)
	}
	if err := s.arm(); err != nil {
		return s.state, err
	}

	stop := s.watch(ctx)
	err := s.loop(ctx)
	stop()

	if err != nil {
		return s.state, err
	}
	if s.timedOut.Load() && s.state.Phase == PhaseKilled && s.state.Signal == unix.SIGKILL {
		return s.state, fmt.Errorf("%w: %w", ErrTimeout, context.Cause(ctx))
	}
	if berr := s.bootstrapFailure(); berr != nil {
		return s.state, berr
	}
	return s.state, nil
}

// arm waits for the post-exec trap of the bootstrapper and sets trace options.
func (s *Session) arm() error {
	for {
		pid, ws, err := s.t.Wait()
		if err != nil {
			s.state = killed(0)
			return fmt.Errorf("%w: %w", ErrWaitFailed, err)
		}
		if pid != s.pid {
			continue
		}
		switch {
		case ws.Exited():
			s.reaped.Store(true)
			s.state = exited(ws.ExitStatus())
			delete(s.threads, pid)
			return fmt.Errorf("%w: target exited before tracing started", ErrArmFailed)
		case ws.Signaled():
			s.reaped.Store(true)
			s.state = killed(ws.Signal())
			delete(s.threads, pid)
			return fmt.Errorf("%w: target killed before tracing started", ErrArmFailed)
		case !ws.Stopped() || ws.StopSignal() != unix.SIGTRAP:
			s.state = stopped("arm")
			return fmt.Errorf("%w: unexpected first stop %v", ErrArmFailed, ws.StopSignal())
		}
		break
	}

	if err := s.t.SetOptions(s.pid, traceOptions); err != nil {
		s.state = stopped("arm")
		return fmt.Errorf("%w: set options: %w", ErrArmFailed, err)
	}
	s.state = phase(PhaseArmed)
	s.logger.Debug("tracer armed", "pid", s.pid, "spurious_budget", s.budget)

	if err := s.t.Cont(s.pid, 0); err != nil {
		s.state = stopped("arm")
		return fmt.Errorf("%w: resume: %w", ErrArmFailed, err)
	}
	s.state = phase(PhaseRunning)
	return nil
}

// watch kills the target once ctx is done, unless the leader has already
// been reaped. The returned func stops the watchdog and waits for it.
func (s *Session) watch(ctx context.Context) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		select {
		case <-ctx.Done():
			if s.reaped.Load() {
				return
			}
			s.timedOut.Store(true)
			s.logger.Warn("session deadline reached, killing target", "pid", s.pid, "err", context.Cause(ctx))
			_ = s.t.Kill(s.pid)
		case <-done:
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

func (s *Session) loop(ctx context.Context) error {
	for !s.state.Terminal() {
		pid, ws, err := s.t.Wait()
		if err != nil {
			// The target can no longer be observed; treat it as gone.
			s.state = killed(0)
			return fmt.Errorf("%w: %w", ErrWaitFailed, err)
		}
		if err := s.handle(ctx, pid, ws); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) handle(ctx context.Context, pid int, ws unix.WaitStatus) error {
	if s.reap(pid, ws) || !ws.Stopped() {
		return nil
	}

	if !s.threads[pid] {
		// New threads and children start with a SIGSTOP nobody sent.
		s.threads[pid] = true
		s.logger.Debug("tracing new task", "pid", pid)
		if ws.StopSignal() == unix.SIGSTOP {
			return s.resume(pid, 0)
		}
	}

	switch ws.TrapCause() {
	case unix.PTRACE_EVENT_SECCOMP:
		return s.mediate(ctx, pid)
	case unix.PTRACE_EVENT_EXEC, unix.PTRACE_EVENT_CLONE, unix.PTRACE_EVENT_FORK, unix.PTRACE_EVENT_VFORK:
		return s.resume(pid, 0)
	}

	sig := ws.StopSignal()
	if sig == unix.SIGSYS {
		return s.fault(pid)
	}
	return s.resume(pid, int(sig))
}

// reap records a task's exit and reports whether ws was one.
func (s *Session) reap(pid int, ws unix.WaitStatus) bool {
	switch {
	case ws.Exited():
		delete(s.threads, pid)
		if pid == s.pid {
			s.reaped.Store(true)
			s.state = exited(ws.ExitStatus())
		}
	case ws.Signaled():
		delete(s.threads, pid)
		if pid == s.pid {
			s.reaped.Store(true)
			s.state = killed(ws.Signal())
		}
	default:
		return false
	}
	return true
}

func (s *Session) mediate(ctx context.Context, pid int) error {
	if s.spurious < s.budget {
		s.spurious++
		s.logger.Debug("skipping spurious seccomp stop", "pid", pid, "count", s.spurious)
		return s.resume(pid, 0)
	}

	regs, err := s.t.GetRegs(pid)
	if err != nil {
		s.state = stopped("read registers")
		return fmt.Errorf("%w: read registers: %w", ErrDecode, err)
	}
	call, err := s.arch.Decode(regs)
	if err != nil {
		s.state = stopped("decode")
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	name, ok := s.arch.SyscallName(call.Nr)
	if !ok {
		s.state = stopped(fmt.Sprintf("unrecognized syscall %d", call.Nr))
		return fmt.Errorf("%w: %d on %s", ErrUnrecognizedSyscall, call.Nr, s.arch.Name())
	}
	action, err := s.filter.Classify(call)
	if err != nil {
		s.state = stopped("classify")
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}

	s.events++
	ev := mediation.Event{
		PID:     pid,
		Seq:     s.events,
		Arch:    s.arch,
		Syscall: call,
		Name:    name,
		Regs:    regs,
		Action:  action,
		Memory:  memory{t: s.t, pid: pid},
	}
	d := s.engine.Decide(ctx, ev)
	if s.observer != nil {
		s.observer.Observe(ev, d)
	}
	return s.apply(pid, regs, d)
}

func (s *Session) apply(pid int, regs abi.Registers, d mediation.Decision) error {
	switch d.Kind {
	case mediation.KindKill:
		s.logger.Warn("killing target", "pid", pid, "reason", d.Reason)
		if err := s.t.Kill(pid); err != nil && !errors.Is(err, unix.ESRCH) {
			s.state = stopped("kill")
			return fmt.Errorf("kill %d: %w", pid, err)
		}
		return nil
	case mediation.KindDeny, mediation.KindEmulate:
		out := regs.Clone()
		if err := s.arch.Skip(out, d.ReturnValue()); err != nil {
			s.state = stopped("skip")
			return fmt.Errorf("skip syscall: %w", err)
		}
		if set := s.arch.SyscallRegset(); set != 0 {
			if err := s.t.SetRegset(pid, set, skipNumber(s.arch.ByteOrder())); err != nil {
				s.state = stopped("skip")
				return fmt.Errorf("skip syscall: %w", err)
			}
		}
		if err := s.t.SetRegs(pid, out); err != nil {
			s.state = stopped("skip")
			return fmt.Errorf("write registers: %w", err)
		}
	}
	return s.resume(pid, 0)
}

// fault handles a SIGSYS about to be delivered. Seccomp traps are logged and
// end the target unless traps are forwarded; other SIGSYS pass through.
func (s *Session) fault(pid int) error {
	info, err := s.t.SigInfo(pid)
	if err != nil || info.Code != sysSeccomp {
		return s.resume(pid, int(unix.SIGSYS))
	}
	name, ok := s.arch.SyscallName(int(info.Syscall))
	if !ok {
		name = "unknown"
	}
	s.logger.Warn("seccomp trap", "pid", pid, "nr", info.Syscall, "syscall", name)
	if s.forward {
		return s.resume(pid, int(unix.SIGSYS))
	}
	if err := s.t.Kill(pid); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("kill %d: %w", pid, err)
	}
	return nil
}

func (s *Session) resume(pid, sig int) error {
	err := s.t.Cont(pid, sig)
	if err == nil || errors.Is(err, unix.ESRCH) {
		// A task that vanished while stopped is reported by the next wait.
		return nil
	}
	s.state = stopped("resume")
	return fmt.Errorf("resume %d: %w", pid, err)
}

// bootstrapFailure returns the error the bootstrapper reported, if any.
func (s *Session) bootstrapFailure() error {
	if s.status == nil {
		return nil
	}
	defer s.closeStatus()
	if f, ok := s.status.(*os.File); ok {
		_ = f.SetReadDeadline(time.Now().Add(statusTimeout))
	}
	r, err := bootstrap.ReadReport(s.status)
	if err != nil {
		s.logger.Debug("read bootstrap status", "err", err)
		return nil
	}
	if r == nil {
		return nil
	}
	return newBootstrapError(r)
}

func (s *Session) closeStatus() {
	if s.status != nil {
		s.status.Close()
		s.status = nil
	}
}

// Terminate kills every traced task and reaps them. It is a no-op for tasks
// already gone.
func (s *Session) Terminate() error {
	defer s.closeStatus()
	for pid := range s.threads {
		if err := s.t.Kill(pid); err != nil && !errors.Is(err, unix.ESRCH) {
			s.logger.Debug("kill task", "pid", pid, "err", err)
		}
	}
	for len(s.threads) > 0 {
		pid, ws, err := s.t.Wait()
		if errors.Is(err, unix.ECHILD) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrWaitFailed, err)
		}
		s.reap(pid, ws)
	}
	if !s.state.Terminal() {
		s.state = killed(syscall.SIGKILL)
	}
	return nil
}
