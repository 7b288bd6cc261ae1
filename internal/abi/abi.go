// Package abi decodes syscall numbers and arguments from a stopped tracee's register snapshot.
package abi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
)

var (
	// ErrUnknownArchitecture is returned when no register layout exists for an architecture.
	ErrUnknownArchitecture = errors.New("unknown architecture")
	// ErrShortRegisters is returned when a snapshot is smaller than the layout requires.
	ErrShortRegisters = errors.New("register snapshot too short")
)

// Registers is a raw NT_PRSTATUS register snapshot as returned by PTRACE_GETREGSET.
type Registers []byte

// Clone returns an independent copy of the snapshot.
func (r Registers) Clone() Registers {
	out := make(Registers, len(r))
	copy(out, r)
	return out
}

// Syscall is a decoded system call: its number and the six argument words.
type Syscall struct {
	Nr   int
	Args [6]uint64
}

// Arch describes one CPU architecture's syscall calling convention.
type Arch interface {
	// Name is the GOARCH name.
	Name() string
	// AuditArch is the AUDIT_ARCH_* value seccomp reports in seccomp_data.arch.
	AuditArch() uint32
	ByteOrder() binary.ByteOrder
	// RegsSize is the size of the NT_PRSTATUS snapshot in bytes.
	RegsSize() int
	Decode(regs Registers) (Syscall, error)
	// Encode builds a zeroed snapshot carrying the given syscall.
	Encode(call Syscall) Registers
	// Skip rewrites regs so the pending syscall is not executed and returns ret.
	Skip(regs Registers, ret int64) error
	// SyscallRegset is the regset that must also be written to change the
	// syscall number, or 0 when NT_PRSTATUS is sufficient.
	SyscallRegset() int
	// ForeignSyscallBit marks syscall numbers of a secondary ABI sharing this
	// audit arch (x32 on amd64). Zero when there is none.
	ForeignSyscallBit() uint32
	SyscallName(nr int) (string, bool)
	SyscallNumber(name string) (int, bool)
}

var arches = map[string]Arch{
	"amd64": amd64Layout,
	"arm64": arm64Layout,
}

// Lookup returns the layout registered under a GOARCH name.
func Lookup(goarch string) (Arch, error) {
	a, ok := arches[goarch]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownArchitecture, goarch)
	}
	if l, ok := a.(*layout); ok {
		if err := l.loadTables(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Native returns the layout for the architecture this binary was built for.
func Native() (Arch, error) {
	return Lookup(runtime.GOARCH)
}

// Supported lists the registered architecture names.
func Supported() []string {
	return []string{"amd64", "arm64"}
}
