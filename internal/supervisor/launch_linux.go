//go:build linux

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/neoclaw-ai/warden/internal/bootstrap"
	"github.com/neoclaw-ai/warden/internal/policy"
)

// Launch starts the bootstrapper for target, traced by the calling thread.
// The caller must hold runtime.LockOSThread until the session is done, since
// only the thread that started a tracee may issue ptrace requests for it.
func Launch(target Target, filter *policy.Filter, opts Options) (*Session, error) {
	if filter == nil {
		return nil, errors.New("filter is required")
	}
	if target.Path == "" {
		return nil, errors.New("target path is required")
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}

	planR, planW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: plan pipe: %w", ErrForkFailed, err)
	}
	statusR, statusW, err := os.Pipe()
	if err != nil {
		planR.Close()
		planW.Close()
		return nil, fmt.Errorf("%w: status pipe: %w", ErrForkFailed, err)
	}

	cmd := exec.Command(exe)
	// The bootstrapper must not take async preemption signals before it
	// hands off: every rt_sigreturn would be one more call for the filter.
	cmd.Env = []string{bootstrap.EnvMarker + "=1", "GODEBUG=asyncpreemptoff=1"}
	cmd.Stdin = readerOr(target.Stdin, os.Stdin)
	cmd.Stdout = writerOr(target.Stdout, os.Stdout)
	cmd.Stderr = writerOr(target.Stderr, os.Stderr)
	cmd.ExtraFiles = []*os.File{planR, statusW}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Ptrace:    true,
		Pdeathsig: syscall.SIGKILL,
	}

	if err := cmd.Start(); err != nil {
		planR.Close()
		planW.Close()
		statusR.Close()
		statusW.Close()
		return nil, fmt.Errorf("%w: %w", ErrForkFailed, err)
	}
	planR.Close()
	statusW.Close()

	plan := bootstrap.Plan{
		Path:     target.Path,
		Args:     target.Args,
		Env:      target.Env,
		Dir:      target.Dir,
		Filter:   filter.Raw(),
		Landlock: opts.Landlock,
	}
	logger := opts.Logger
	// The child stays stopped until armed, so the plan must not block the
	// tracer when it exceeds the pipe buffer.
	go func() {
		defer planW.Close()
		if err := bootstrap.WritePlan(planW, plan); err != nil && logger != nil {
			logger.Debug("write bootstrap plan", "err", err)
		}
	}()

	s := newSession(cmd.Process.Pid, ptracer{regsSize: filter.Arch().RegsSize()}, filter, opts, statusR)
	s.logger.Debug("launched bootstrapper", "pid", s.pid, "target", target.Path, "exe", exe)
	return s, nil
}

// Supervise launches target, runs it to completion and reaps everything it
// left behind.
func Supervise(ctx context.Context, target Target, filter *policy.Filter, opts Options) (Result, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s, err := Launch(target, filter, opts)
	if err != nil {
		return Result{}, err
	}
	_, runErr := s.Run(ctx)
	if err := s.Terminate(); err != nil && runErr == nil {
		runErr = err
	}
	return s.Result(), runErr
}

func readerOr(r io.Reader, def *os.File) io.Reader {
	if r != nil {
		return r
	}
	return def
}

func writerOr(w io.Writer, def *os.File) io.Writer {
	if w != nil {
		return w
	}
	return def
}
