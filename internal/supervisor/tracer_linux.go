//go:build linux

package supervisor

import (
	"encoding/binary"
	"errors"
	"unsafe"

	"github.com/neoclaw-ai/warden/internal/abi"
	"golang.org/x/sys/unix"
)

// tracer is the ptrace surface the event loop drives. Every method except
// Kill must be called from the thread that started the target.
type tracer interface {
	Wait() (int, unix.WaitStatus, error)
	SetOptions(pid, options int) error
	Cont(pid, sig int) error
	GetRegs(pid int) (abi.Registers, error)
	SetRegs(pid int, regs abi.Registers) error
	SetRegset(pid, regset int, data []byte) error
	SigInfo(pid int) (sigInfo, error)
	Kill(pid int) error
	ReadMemory(pid int, addr uintptr, buf []byte) (int, error)
}

// sigInfo is the SIGSYS layout of siginfo_t on 64-bit targets.
type sigInfo struct {
	Signo    int32
	Errno    int32
	Code     int32
	_        int32
	CallAddr uint64
	Syscall  int32
	Arch     uint32
	_        [96]byte
}

// sysSeccomp is the si_code of a SIGSYS raised by a seccomp trap.
const sysSeccomp = 1

type ptracer struct {
	regsSize int
}

func (p ptracer) Wait() (int, unix.WaitStatus, error) {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WALL, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return pid, ws, err
	}
}

func (p ptracer) SetOptions(pid, options int) error {
	return unix.PtraceSetOptions(pid, options)
}

func (p ptracer) Cont(pid, sig int) error {
	return unix.PtraceCont(pid, sig)
}

func (p ptracer) GetRegs(pid int) (abi.Registers, error) {
	buf := make([]byte, p.regsSize)
	n, err := regset(unix.PTRACE_GETREGSET, pid, unix.NT_PRSTATUS, buf)
	if err != nil {
		return nil, err
	}
	return abi.Registers(buf[:n]), nil
}

func (p ptracer) SetRegs(pid int, regs abi.Registers) error {
	_, err := regset(unix.PTRACE_SETREGSET, pid, unix.NT_PRSTATUS, regs)
	return err
}

func (p ptracer) SetRegset(pid, set int, data []byte) error {
	_, err := regset(unix.PTRACE_SETREGSET, pid, set, data)
	return err
}

func (p ptracer) SigInfo(pid int) (sigInfo, error) {
	var info sigInfo
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_GETSIGINFO, uintptr(pid), 0, uintptr(unsafe.Pointer(&info)), 0, 0)
	if errno != 0 {
		return sigInfo{}, errno
	}
	return info, nil
}

func (p ptracer) Kill(pid int) error {
	return unix.Kill(pid, unix.SIGKILL)
}

func (p ptracer) ReadMemory(pid int, addr uintptr, buf []byte) (int, error) {
	return unix.PtracePeekData(pid, addr, buf)
}

func regset(req, pid, set int, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, abi.ErrShortRegisters
	}
	iov := unix.Iovec{Base: &buf[0]}
	iov.SetLen(len(buf))
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, uintptr(req), uintptr(pid), uintptr(set), uintptr(unsafe.Pointer(&iov)), 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(iov.Len), nil
}

// skipNumber is the regset payload that cancels the pending call on
// architectures that keep the syscall number outside the general registers.
func skipNumber(order binary.ByteOrder) []byte {
	buf := make([]byte, 4)
	order.PutUint32(buf, ^uint32(0))
	return buf
}

// memory binds a tracer to one stopped thread.
type memory struct {
	t   tracer
	pid int
}

func (m memory) ReadMemory(addr uintptr, buf []byte) (int, error) {
	return m.t.ReadMemory(m.pid, addr, buf)
}
