package policy

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/neoclaw-ai/warden/internal/abi"
	"golang.org/x/net/bpf"
)

const (
	amd64Audit = 0xc000003e
	nrWrite    = 1
	nrOpenat   = 257
	nrExecve   = 59
)

func mustCompile(t *testing.T, p Policy) *Filter {
	t.Helper()
	if p.Arch == "" {
		p.Arch = "amd64"
	}
	f, err := Compile(p)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return f
}

func classify(t *testing.T, f *Filter, nr int, args [6]uint64) Action {
	t.Helper()
	act, err := f.Classify(abi.Syscall{Nr: nr, Args: args})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	return act
}

// runInstalled evaluates the installed program (hand-off rule included) with
// an arbitrary seccomp_data arch field.
func runInstalled(t *testing.T, f *Filter, auditArch uint32, nr int, args [6]uint64) Action {
	t.Helper()
	vm, err := bpf.NewVM(f.Instructions())
	if err != nil {
		t.Fatalf("new vm: %v", err)
	}
	data := make([]byte, 64)
	binary.BigEndian.PutUint32(data[0:], uint32(int32(nr)))
	binary.BigEndian.PutUint32(data[4:], auditArch)
	for i, v := range args {
		binary.BigEndian.PutUint32(data[16+8*i:], uint32(v))
		binary.BigEndian.PutUint32(data[20+8*i:], uint32(v>>32))
	}
	out, err := vm.Run(data)
	if err != nil {
		t.Fatalf("run vm: %v", err)
	}
	return Action(uint32(out))
}

func TestCompileEmptyPolicyAppliesDefault(t *testing.T) {
	f := mustCompile(t, Policy{DefaultAction: ActionAllow, MatchAction: ActionTrace})

	for _, nr := range []int{0, nrWrite, nrOpenat, nrExecve} {
		if got := classify(t, f, nr, [6]uint64{}); got != ActionAllow {
			t.Fatalf("nr %d: expected allow, got %s", nr, got)
		}
	}
	if f.HandoffTraced() {
		t.Fatalf("expected no hand-off trace when nothing is traced")
	}
}

func TestCompileRulePredicatesAreANDed(t *testing.T) {
	f := mustCompile(t, Policy{
		DefaultAction: ActionAllow,
		MatchAction:   Errno(13),
		Rules: []Rule{{
			Syscall: "openat",
			Args: []Predicate{
				{Arg: 0, Op: OpEqual, Value: 3},
				{Arg: 2, Op: OpMaskedEqual, Mask: 0x3, Value: 0x1},
			},
		}},
	})

	tests := []struct {
		name string
		args [6]uint64
		want Action
	}{
		{name: "both hold", args: [6]uint64{3, 0, 0x41}, want: Errno(13)},
		{name: "first fails", args: [6]uint64{4, 0, 0x41}, want: ActionAllow},
		{name: "second fails", args: [6]uint64{3, 0, 0x42}, want: ActionAllow},
		{name: "neither holds", args: [6]uint64{9, 0, 0}, want: ActionAllow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(t, f, nrOpenat, tt.args); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
	if got := classify(t, f, nrWrite, [6]uint64{3, 0, 0x41}); got != ActionAllow {
		t.Fatalf("unnamed syscall: expected allow, got %s", got)
	}
}

func TestCompileRulesForSameSyscallAreORed(t *testing.T) {
	r1 := Rule{Syscall: "write", Args: []Predicate{{Arg: 0, Op: OpEqual, Value: 1}}}
	r2 := Rule{Syscall: "write", Args: []Predicate{{Arg: 0, Op: OpEqual, Value: 2}}}
	both := mustCompile(t, Policy{DefaultAction: ActionKillProcess, MatchAction: ActionAllow, Rules: []Rule{r1, r2}})
	only1 := mustCompile(t, Policy{DefaultAction: ActionKillProcess, MatchAction: ActionAllow, Rules: []Rule{r1}})
	only2 := mustCompile(t, Policy{DefaultAction: ActionKillProcess, MatchAction: ActionAllow, Rules: []Rule{r2}})

	for fd := uint64(0); fd < 5; fd++ {
		args := [6]uint64{fd}
		want := classify(t, only1, nrWrite, args) == ActionAllow || classify(t, only2, nrWrite, args) == ActionAllow
		got := classify(t, both, nrWrite, args) == ActionAllow
		if got != want {
			t.Fatalf("fd %d: expected match=%v, got %v", fd, want, got)
		}
	}
}

func TestCompilePredicateOrderDoesNotMatter(t *testing.T) {
	preds := []Predicate{
		{Arg: 0, Op: OpGreater, Value: 2},
		{Arg: 1, Op: OpNotEqual, Value: 0},
		{Arg: 2, Op: OpLessEqual, Value: 1 << 33, Width: 64},
	}
	reversed := []Predicate{preds[2], preds[1], preds[0]}
	a := mustCompile(t, Policy{DefaultAction: ActionAllow, MatchAction: ActionTrace, Rules: []Rule{{Syscall: "read", Args: preds}}})
	b := mustCompile(t, Policy{DefaultAction: ActionAllow, MatchAction: ActionTrace, Rules: []Rule{{Syscall: "read", Args: reversed}}})

	values := []uint64{0, 1, 2, 3, 1 << 32, 1 << 33, 1<<33 + 1, ^uint64(0)}
	for _, x := range values {
		for _, y := range values {
			for _, z := range values {
				args := [6]uint64{x, y, z}
				if ga, gb := classify(t, a, 0, args), classify(t, b, 0, args); ga != gb {
					t.Fatalf("args %v: %s vs %s", args, ga, gb)
				}
			}
		}
	}
}

func TestCompileComparisonsMatchReference(t *testing.T) {
	boundaries := []uint64{0, 1, 0xffffffff, 1 << 32, 1<<32 + 1, 0x1_0000_0005, ^uint64(0) - 1, ^uint64(0)}
	ops := []Op{OpEqual, OpNotEqual, OpLess, OpLessEqual, OpGreater, OpGreaterEqual}

	for _, width := range []int{32, 64} {
		for _, op := range ops {
			for _, value := range boundaries {
				if width == 32 && value > 0xffffffff {
					continue
				}
				pred := Predicate{Arg: 3, Op: op, Width: width, Value: value}
				f := mustCompile(t, Policy{
					DefaultAction: ActionAllow,
					MatchAction:   ActionLog,
					Rules:         []Rule{{Syscall: "mmap", Args: []Predicate{pred}}},
				})
				for _, arg := range boundaries {
					args := [6]uint64{0, 0, 0, arg}
					want := pred.Matches(args)
					got := classify(t, f, 9, args) == ActionLog
					if got != want {
						t.Fatalf("%s against %#x: expected match=%v, got %v", pred, arg, want, got)
					}
				}
			}
		}
	}
}

func TestCompileMaskedEqual64(t *testing.T) {
	pred := Predicate{Arg: 1, Op: OpMaskedEqual, Mask: 0xff000000_000000ff, Value: 0x12000000_00000034}
	f := mustCompile(t, Policy{DefaultAction: ActionAllow, MatchAction: ActionTrap, Rules: []Rule{{Syscall: "ioctl", Args: []Predicate{pred}}}})

	tests := []struct {
		arg  uint64
		want bool
	}{
		{arg: 0x12abcdef_01234534, want: true},
		{arg: 0x13abcdef_01234534, want: false},
		{arg: 0x12abcdef_01234535, want: false},
	}
	for _, tt := range tests {
		got := classify(t, f, 16, [6]uint64{0, tt.arg}) == ActionTrap
		if got != tt.want {
			t.Fatalf("arg %#x: expected match=%v, got %v", tt.arg, tt.want, got)
		}
	}
}

func TestCompileIsDeterministic(t *testing.T) {
	p := Policy{
		DefaultAction: ActionTrace,
		MatchAction:   Errno(1),
		Rules: []Rule{
			{Syscall: "openat", Args: []Predicate{{Arg: 2, Op: OpMaskedEqual, Mask: 3, Value: 1}}},
			{Syscall: "write", Args: []Predicate{{Arg: 0, Op: OpEqual, Value: 2}}},
			{Syscall: "openat", Args: []Predicate{{Arg: 1, Op: OpEqual, Value: 0}}},
		},
	}
	a := mustCompile(t, p)
	b := mustCompile(t, p)

	ra, rb := a.Raw(), b.Raw()
	if len(ra) != len(rb) {
		t.Fatalf("expected equal program lengths, got %d and %d", len(ra), len(rb))
	}
	for i := range ra {
		if ra[i] != rb[i] {
			t.Fatalf("instruction %d differs: %+v vs %+v", i, ra[i], rb[i])
		}
	}
}

func TestCompileRejectsForeignArchitecture(t *testing.T) {
	f := mustCompile(t, Policy{DefaultAction: ActionAllow, MatchAction: ActionAllow})

	if got := runInstalled(t, f, 0xc00000b7, nrWrite, [6]uint64{}); got != ActionKillProcess {
		t.Fatalf("expected kill_process for foreign arch, got %s", got)
	}
	if got := runInstalled(t, f, amd64Audit, nrWrite, [6]uint64{}); got != ActionAllow {
		t.Fatalf("expected allow for native arch, got %s", got)
	}
}

func TestCompileKillsX32Syscalls(t *testing.T) {
	f := mustCompile(t, Policy{DefaultAction: ActionAllow, MatchAction: ActionAllow})

	if got := classify(t, f, 0x40000000|nrWrite, [6]uint64{}); got != ActionKillProcess {
		t.Fatalf("expected kill_process for x32 syscall, got %s", got)
	}
	if got := classify(t, f, -1, [6]uint64{}); got != ActionAllow {
		t.Fatalf("expected default action for nr -1, got %s", got)
	}
}

func TestCompileHandoffTracesExecveOnlyInInstalledProgram(t *testing.T) {
	f := mustCompile(t, Policy{
		DefaultAction: ActionTrace,
		MatchAction:   Errno(1),
		Rules:         []Rule{{Syscall: "execve"}},
	})

	if !f.HandoffTraced() {
		t.Fatalf("expected hand-off trace when default action traces")
	}
	if got := runInstalled(t, f, amd64Audit, nrExecve, [6]uint64{}); got != ActionTrace {
		t.Fatalf("installed program: expected trace for execve, got %s", got)
	}
	if got := classify(t, f, nrExecve, [6]uint64{}); got != Errno(1) {
		t.Fatalf("user classification: expected errno(EPERM), got %s", got)
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		want   error
	}{
		{
			name:   "unsupported arch",
			policy: Policy{Arch: "sparc64", DefaultAction: ActionAllow, MatchAction: ActionTrace},
			want:   ErrUnsupportedArchitecture,
		},
		{
			name:   "unknown syscall",
			policy: Policy{Arch: "amd64", DefaultAction: ActionAllow, MatchAction: ActionTrace, Rules: []Rule{{Syscall: "frobnicate"}}},
			want:   ErrUnknownSyscall,
		},
		{
			name: "argument index",
			policy: Policy{Arch: "amd64", DefaultAction: ActionAllow, MatchAction: ActionTrace, Rules: []Rule{
				{Syscall: "write", Args: []Predicate{{Arg: 6, Op: OpEqual}}},
			}},
			want: ErrInvalidPredicate,
		},
		{
			name: "width",
			policy: Policy{Arch: "amd64", DefaultAction: ActionAllow, MatchAction: ActionTrace, Rules: []Rule{
				{Syscall: "write", Args: []Predicate{{Arg: 0, Op: OpEqual, Width: 16}}},
			}},
			want: ErrInvalidPredicate,
		},
		{
			name: "32-bit value overflow",
			policy: Policy{Arch: "amd64", DefaultAction: ActionAllow, MatchAction: ActionTrace, Rules: []Rule{
				{Syscall: "write", Args: []Predicate{{Arg: 0, Op: OpEqual, Width: 32, Value: 1 << 32}}},
			}},
			want: ErrInvalidPredicate,
		},
		{
			name: "mask without masked op",
			policy: Policy{Arch: "amd64", DefaultAction: ActionAllow, MatchAction: ActionTrace, Rules: []Rule{
				{Syscall: "write", Args: []Predicate{{Arg: 0, Op: OpEqual, Mask: 1}}},
			}},
			want: ErrInvalidPredicate,
		},
		{
			name:   "invalid action",
			policy: Policy{Arch: "amd64", DefaultAction: Action(0x12340000), MatchAction: ActionTrace},
			want:   ErrInvalidAction,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.policy)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestClassifyNameARM64(t *testing.T) {
	f, err := Compile(Policy{
		Arch:          "arm64",
		DefaultAction: ActionAllow,
		MatchAction:   ActionTrace,
		Rules:         []Rule{{Syscall: "write", Args: []Predicate{{Arg: 0, Op: OpEqual, Value: 1}}}},
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	got, err := f.ClassifyName("write", [6]uint64{1})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if got != ActionTrace {
		t.Fatalf("expected trace, got %s", got)
	}
	if _, err := f.ClassifyName("nope", [6]uint64{}); !errors.Is(err, ErrUnknownSyscall) {
		t.Fatalf("expected ErrUnknownSyscall, got %v", err)
	}
}
