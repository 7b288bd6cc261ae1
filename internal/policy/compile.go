package policy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sort"

	"github.com/neoclaw-ai/warden/internal/abi"
	"golang.org/x/net/bpf"
)

// maxInstructions is BPF_MAXINSNS.
const maxInstructions = 4096

// seccomp_data field offsets.
const (
	offsetNr   = 0
	offsetArch = 4
	offsetArgs = 16
)

// ErrProgramTooLarge is returned when the compiled program exceeds the kernel limit.
var ErrProgramTooLarge = errors.New("filter program too large")

// Filter is a compiled, immutable seccomp program for one architecture.
type Filter struct {
	policy   Policy
	arch     abi.Arch
	program  []bpf.Instruction
	raw      []bpf.RawInstruction
	userProg []bpf.Instruction
	vm       *bpf.VM
	handoff  bool
	syscalls int
}

type ruleGroup struct {
	nr    int
	rules []Rule
}

// Compile translates p into a seccomp-BPF program.
//
// Predicates within a rule are AND-ed and rules naming the same syscall are
// OR-ed. Calls not named by any rule, or whose rules all fail, get the
// default action. When either action traces, the installed program also
// traces execve so the bootstrapper's hand-off to the target is the first
// interception the supervisor sees.
func Compile(p Policy) (*Filter, error) {
	archName := p.Arch
	if archName == "" {
		archName = runtime.GOARCH
	}
	a, err := abi.Lookup(archName)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedArchitecture, err)
	}
	if !p.DefaultAction.Valid() {
		return nil, fmt.Errorf("default action: %w %#x", ErrInvalidAction, uint32(p.DefaultAction))
	}
	if !p.MatchAction.Valid() {
		return nil, fmt.Errorf("match action: %w %#x", ErrInvalidAction, uint32(p.MatchAction))
	}

	groups, err := groupRules(a, p.Rules)
	if err != nil {
		return nil, err
	}

	f := &Filter{
		policy:   p,
		arch:     a,
		handoff:  p.Traced(),
		syscalls: len(groups),
	}
	f.userProg = f.build(groups, false)
	f.program = f.userProg
	if f.handoff {
		f.program = f.build(groups, true)
	}
	if len(f.program) > maxInstructions {
		return nil, fmt.Errorf("%w: %d instructions (max %d)", ErrProgramTooLarge, len(f.program), maxInstructions)
	}

	f.raw, err = bpf.Assemble(f.program)
	if err != nil {
		return nil, fmt.Errorf("assemble filter: %w", err)
	}
	f.vm, err = bpf.NewVM(f.userProg)
	if err != nil {
		return nil, fmt.Errorf("load filter vm: %w", err)
	}
	return f, nil
}

func groupRules(a abi.Arch, rules []Rule) ([]ruleGroup, error) {
	byNr := map[int]*ruleGroup{}
	var order []int
	for i, rule := range rules {
		nr, ok := a.SyscallNumber(rule.Syscall)
		if !ok {
			return nil, fmt.Errorf("rule %d: %w %q on %s", i, ErrUnknownSyscall, rule.Syscall, a.Name())
		}
		for j, pred := range rule.Args {
			if err := pred.Validate(); err != nil {
				return nil, fmt.Errorf("rule %d (%s) predicate %d: %w", i, rule.Syscall, j, err)
			}
		}
		g, ok := byNr[nr]
		if !ok {
			g = &ruleGroup{nr: nr}
			byNr[nr] = g
			order = append(order, nr)
		}
		g.rules = append(g.rules, rule)
	}

	sort.Ints(order)
	groups := make([]ruleGroup, 0, len(order))
	for _, nr := range order {
		groups = append(groups, *byNr[nr])
	}
	return groups, nil
}

func (f *Filter) build(groups []ruleGroup, handoff bool) []bpf.Instruction {
	a := f.arch
	ret := func(act Action) bpf.Instruction { return bpf.RetConstant{Val: uint32(act)} }

	prog := []bpf.Instruction{
		bpf.LoadAbsolute{Off: offsetArch, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: a.AuditArch(), SkipTrue: 1},
		ret(ActionKillProcess),
		bpf.LoadAbsolute{Off: offsetNr, Size: 4},
	}
	if bit := a.ForeignSyscallBit(); bit != 0 {
		// nr -1 is how userspace probes for a missing syscall; let it
		// through to the rule groups instead of treating it as foreign.
		prog = append(prog,
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: 0xffffffff, SkipTrue: 2},
			bpf.JumpIf{Cond: bpf.JumpGreaterOrEqual, Val: bit, SkipFalse: 1},
			ret(ActionKillProcess),
		)
	}
	if handoff {
		if nr, ok := a.SyscallNumber("execve"); ok {
			prog = append(prog,
				bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(nr), SkipFalse: 1},
				ret(ActionTrace),
			)
		}
	}

	for _, g := range groups {
		var body []bpf.Instruction
		for _, rule := range g.rules {
			body = append(body, f.ruleBlock(rule)...)
		}
		body = append(body, ret(f.policy.DefaultAction))
		prog = append(prog,
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(g.nr), SkipTrue: 1},
			bpf.Jump{Skip: uint32(len(body))},
		)
		prog = append(prog, body...)
	}
	return append(prog, ret(f.policy.DefaultAction))
}

// ruleBlock emits the predicates of one rule followed by the match return.
// Each predicate block ends in a "ja" to the instruction after the rule.
func (f *Filter) ruleBlock(rule Rule) []bpf.Instruction {
	var (
		block []bpf.Instruction
		fails []int
	)
	for _, pred := range rule.Args {
		block = append(block, f.predicateBlock(pred)...)
		fails = append(fails, len(block)-1)
	}
	block = append(block, bpf.RetConstant{Val: uint32(f.policy.MatchAction)})
	for _, i := range fails {
		block[i] = bpf.Jump{Skip: uint32(len(block) - i - 1)}
	}
	return block
}

// predicateBlock falls through on success and reaches its last instruction,
// a placeholder jump, on failure.
func (f *Filter) predicateBlock(p Predicate) []bpf.Instruction {
	lo, hi := f.argOffsets(p.Arg)
	fail := bpf.Jump{}
	loadLo := bpf.LoadAbsolute{Off: lo, Size: 4}
	loadHi := bpf.LoadAbsolute{Off: hi, Size: 4}
	vLo, vHi := uint32(p.Value), uint32(p.Value>>32)
	mLo, mHi := uint32(p.Mask), uint32(p.Mask>>32)

	if p.width() == 32 {
		if p.Op == OpMaskedEqual {
			return []bpf.Instruction{
				loadLo,
				bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: mLo},
				bpf.JumpIf{Cond: bpf.JumpEqual, Val: vLo, SkipTrue: 1},
				fail,
			}
		}
		return []bpf.Instruction{
			loadLo,
			bpf.JumpIf{Cond: jumpCond(p.Op), Val: vLo, SkipTrue: 1},
			fail,
		}
	}

	switch p.Op {
	case OpEqual:
		return []bpf.Instruction{
			loadHi,
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: vHi, SkipFalse: 2},
			loadLo,
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: vLo, SkipTrue: 1},
			fail,
		}
	case OpNotEqual:
		return []bpf.Instruction{
			loadHi,
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: vHi, SkipFalse: 3},
			loadLo,
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: vLo, SkipFalse: 1},
			fail,
		}
	case OpMaskedEqual:
		return []bpf.Instruction{
			loadHi,
			bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: mHi},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: vHi, SkipFalse: 3},
			loadLo,
			bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: mLo},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: vLo, SkipTrue: 1},
			fail,
		}
	}

	// Ordered comparisons: the high word decides unless it is equal, in
	// which case the low word is compared with the original operator.
	strict := bpf.JumpGreaterThan
	if p.Op == OpLess || p.Op == OpLessEqual {
		strict = bpf.JumpLessThan
	}
	return []bpf.Instruction{
		loadHi,
		bpf.JumpIf{Cond: strict, Val: vHi, SkipTrue: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: vHi, SkipFalse: 2},
		loadLo,
		bpf.JumpIf{Cond: jumpCond(p.Op), Val: vLo, SkipTrue: 1},
		fail,
	}
}

func jumpCond(op Op) bpf.JumpTest {
	switch op {
	case OpNotEqual:
		return bpf.JumpNotEqual
	case OpLess:
		return bpf.JumpLessThan
	case OpLessEqual:
		return bpf.JumpLessOrEqual
	case OpGreater:
		return bpf.JumpGreaterThan
	case OpGreaterEqual:
		return bpf.JumpGreaterOrEqual
	}
	return bpf.JumpEqual
}

// argOffsets returns the seccomp_data offsets of the low and high words of argument i.
func (f *Filter) argOffsets(i int) (lo, hi uint32) {
	base := uint32(offsetArgs + 8*i)
	if f.arch.ByteOrder() == binary.BigEndian {
		return base + 4, base
	}
	return base, base + 4
}

// Arch returns the architecture the program was compiled for.
func (f *Filter) Arch() abi.Arch {
	return f.arch
}

// Policy returns the policy the filter was compiled from.
func (f *Filter) Policy() Policy {
	return f.policy
}

// HandoffTraced reports whether the installed program traces the bootstrap execve.
func (f *Filter) HandoffTraced() bool {
	return f.handoff
}

// Syscalls returns the number of distinct syscalls named by rules.
func (f *Filter) Syscalls() int {
	return f.syscalls
}

// Instructions returns the program that is installed in the target.
func (f *Filter) Instructions() []bpf.Instruction {
	out := make([]bpf.Instruction, len(f.program))
	copy(out, f.program)
	return out
}

// Raw returns the assembled form of the installed program.
func (f *Filter) Raw() []bpf.RawInstruction {
	out := make([]bpf.RawInstruction, len(f.raw))
	copy(out, f.raw)
	return out
}

// Classify runs the user rules (without the hand-off trace) against call and
// returns the action the kernel assigns to it.
func (f *Filter) Classify(call abi.Syscall) (Action, error) {
	data := make([]byte, 64)
	// The VM loads words big-endian; store each 32-bit field that way at the
	// offset the kernel's seccomp_data layout gives it.
	binary.BigEndian.PutUint32(data[offsetNr:], uint32(int32(call.Nr)))
	binary.BigEndian.PutUint32(data[offsetArch:], f.arch.AuditArch())
	for i, v := range call.Args {
		lo, hi := f.argOffsets(i)
		binary.BigEndian.PutUint32(data[lo:], uint32(v))
		binary.BigEndian.PutUint32(data[hi:], uint32(v>>32))
	}
	out, err := f.vm.Run(data)
	if err != nil {
		return 0, fmt.Errorf("run filter: %w", err)
	}
	return Action(uint32(out)), nil
}

// ClassifyName is Classify for a syscall given by name.
func (f *Filter) ClassifyName(name string, args [6]uint64) (Action, error) {
	nr, ok := f.arch.SyscallNumber(name)
	if !ok {
		return 0, fmt.Errorf("%w %q on %s", ErrUnknownSyscall, name, f.arch.Name())
	}
	return f.Classify(abi.Syscall{Nr: nr, Args: args})
}
