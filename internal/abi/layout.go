package abi

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/elastic/go-seccomp-bpf/arch"
)

// layout is a table-driven Arch: byte offsets of each syscall slot inside the
// NT_PRSTATUS snapshot.
type layout struct {
	name       string
	auditArch  uint32
	order      binary.ByteOrder
	size       int
	nrOffset   int
	argOffsets [6]int
	retOffset  int
	nrRegset   int
	foreignBit uint32

	tablesOnce sync.Once
	byName     map[string]int
	byNumber   map[int]string
	tablesErr  error
}

func (l *layout) Name() string                { return l.name }
func (l *layout) AuditArch() uint32           { return l.auditArch }
func (l *layout) ByteOrder() binary.ByteOrder { return l.order }
func (l *layout) RegsSize() int               { return l.size }
func (l *layout) SyscallRegset() int          { return l.nrRegset }
func (l *layout) ForeignSyscallBit() uint32   { return l.foreignBit }

func (l *layout) Decode(regs Registers) (Syscall, error) {
	if len(regs) < l.size {
		return Syscall{}, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrShortRegisters, l.name, l.size, len(regs))
	}
	call := Syscall{Nr: int(int64(l.order.Uint64(regs[l.nrOffset:])))}
	for i, off := range l.argOffsets {
		call.Args[i] = l.order.Uint64(regs[off:])
	}
	return call, nil
}

func (l *layout) Encode(call Syscall) Registers {
	regs := make(Registers, l.size)
	l.order.PutUint64(regs[l.nrOffset:], uint64(int64(call.Nr)))
	for i, off := range l.argOffsets {
		l.order.PutUint64(regs[off:], call.Args[i])
	}
	return regs
}

func (l *layout) Skip(regs Registers, ret int64) error {
	if len(regs) < l.size {
		return fmt.Errorf("%w: %s needs %d bytes, got %d", ErrShortRegisters, l.name, l.size, len(regs))
	}
	// On arm64 x8 is only read at syscall entry; the NT_ARM_SYSTEM_CALL write
	// done by the caller is what actually cancels the call.
	l.order.PutUint64(regs[l.nrOffset:], ^uint64(0))
	l.order.PutUint64(regs[l.retOffset:], uint64(ret))
	return nil
}

func (l *layout) SyscallName(nr int) (string, bool) {
	l.loadTables()
	name, ok := l.byNumber[nr]
	return name, ok
}

func (l *layout) SyscallNumber(name string) (int, bool) {
	l.loadTables()
	nr, ok := l.byName[name]
	return nr, ok
}

func (l *layout) loadTables() error {
	l.tablesOnce.Do(func() {
		l.byName = map[string]int{}
		l.byNumber = map[int]string{}
		info, err := arch.GetInfo(l.name)
		if err != nil {
			l.tablesErr = fmt.Errorf("load %s syscall table: %w", l.name, err)
			return
		}
		for name, nr := range info.SyscallNames {
			l.byName[name] = nr
			// Some tables alias one number under two names; keep the
			// lexically smallest so lookups are stable.
			if prev, ok := l.byNumber[nr]; !ok || name < prev {
				l.byNumber[nr] = name
			}
		}
	})
	return l.tablesErr
}

// struct user_regs_struct from arch/x86/include/asm/user_64.h.
var amd64Layout = &layout{
	name:      "amd64",
	auditArch: 0xc000003e,
	order:     binary.LittleEndian,
	size:      27 * 8,
	nrOffset:  15 * 8, // orig_rax
	argOffsets: [6]int{
		14 * 8, // rdi
		13 * 8, // rsi
		12 * 8, // rdx
		7 * 8,  // r10
		9 * 8,  // r8
		8 * 8,  // r9
	},
	retOffset:  10 * 8, // rax
	foreignBit: 0x40000000,
}

// struct user_pt_regs from arch/arm64/include/uapi/asm/ptrace.h.
var arm64Layout = &layout{
	name:       "arm64",
	auditArch:  0xc00000b7,
	order:      binary.LittleEndian,
	size:       34 * 8,
	nrOffset:   8 * 8, // x8
	argOffsets: [6]int{0, 8, 16, 24, 32, 40},
	retOffset:  0,
	nrRegset:   0x404, // NT_ARM_SYSTEM_CALL
}
