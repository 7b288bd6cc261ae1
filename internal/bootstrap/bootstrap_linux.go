//go:build linux

package bootstrap

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"runtime"
	"syscall"
	"unsafe"

	"github.com/neoclaw-ai/warden/internal/logging"
	"github.com/neoclaw-ai/warden/internal/policy"
	"github.com/neoclaw-ai/warden/internal/sandbox"
	"github.com/neoclaw-ai/warden/internal/store"
	"golang.org/x/sys/unix"
)

func init() {
	// The filter is installed per thread and execve must come from that
	// same thread, so pin main to the initial OS thread before it runs.
	if IsBootstrapProcess() {
		runtime.GOMAXPROCS(1)
		runtime.LockOSThread()
	}
}

// ErrNotTraced is returned when no tracer is attached at hand-off time.
var ErrNotTraced = errors.New("process is not traced")

// Main runs the bootstrap sequence. It only returns control to the kernel:
// either the target image replaces this one or the process exits with ExitCode.
func Main() {
	unix.CloseOnExec(StatusFD)
	status := os.NewFile(StatusFD, "warden-status")

	err := run()
	if werr := WriteReport(status, NewReport(err)); werr != nil {
		logging.Logger().Error("bootstrap failed", "err", err, "report_err", werr)
	}
	os.Exit(ExitCode)
}

func run() error {
	planFile := os.NewFile(PlanFD, "warden-plan")
	plan, err := ReadPlan(planFile)
	planFile.Close()
	if err != nil {
		return stageErr(StagePlan, err)
	}

	if err := checkTraced(); err != nil {
		return stageErr(StageTrace, err)
	}

	if plan.Landlock != nil {
		if err := sandbox.Restrict(*plan.Landlock); err != nil {
			return stageErr(StageLandlock, err)
		}
	}

	if plan.Dir != "" {
		if err := os.Chdir(plan.Dir); err != nil {
			return stageErr(StageChdir, err)
		}
	}

	path, err := resolve(plan.Path)
	if err != nil {
		return stageErr(StageResolve, err)
	}

	// Everything execve needs is built now: once the filter is in place the
	// only syscalls made are prctl and execve themselves.
	argv0, err := syscall.BytePtrFromString(path)
	if err != nil {
		return stageErr(StageResolve, err)
	}
	argv, err := syscall.SlicePtrFromStrings(plan.Args)
	if err != nil {
		return stageErr(StageResolve, err)
	}
	envv, err := syscall.SlicePtrFromStrings(plan.Env)
	if err != nil {
		return stageErr(StageResolve, err)
	}
	filter := policy.ToSockFilters(plan.Filter)
	prog := unix.SockFprog{Len: uint16(len(filter)), Filter: &filter[0]}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return stageErr(StageNoNewPrivs, err)
	}
	if err := unix.Prctl(unix.PR_SET_SECCOMP, unix.SECCOMP_MODE_FILTER, uintptr(unsafe.Pointer(&prog)), 0, 0); err != nil {
		return stageErr(StageSeccomp, err)
	}

	_, _, errno := unix.RawSyscall(
		unix.SYS_EXECVE,
		uintptr(unsafe.Pointer(argv0)),
		uintptr(unsafe.Pointer(&argv[0])),
		uintptr(unsafe.Pointer(&envv[0])),
	)
	runtime.KeepAlive(argv0)
	runtime.KeepAlive(argv)
	runtime.KeepAlive(envv)
	return stageErr(StageExec, errno)
}

func checkTraced() error {
	pid, err := store.ReadField("/proc/self/status", "TracerPid")
	if err != nil {
		return fmt.Errorf("read tracer pid: %w", err)
	}
	if pid == "" || pid == "0" {
		return ErrNotTraced
	}
	return nil
}

// resolve finds the target the way a shell would and reports ENOENT or
// EACCES so the caller can map them to 127 and 126.
func resolve(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err == nil {
		return path, nil
	}
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("%s: %w", name, syscall.ENOENT)
	case errors.Is(err, fs.ErrPermission):
		return "", fmt.Errorf("%s: %w", name, syscall.EACCES)
	}
	return "", err
}
