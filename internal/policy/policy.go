// Package policy compiles syscall rules into a seccomp-BPF program and
// replays that program in user space to classify intercepted calls.
package policy

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnsupportedArchitecture is returned when no register layout exists for the policy arch.
	ErrUnsupportedArchitecture = errors.New("unsupported architecture")
	// ErrInvalidPredicate is returned for argument predicates the ABI cannot express.
	ErrInvalidPredicate = errors.New("invalid predicate")
	// ErrUnknownSyscall is returned for syscall names missing from the arch table.
	ErrUnknownSyscall = errors.New("unknown syscall")
)

// Op is an argument comparison operator. Comparisons are unsigned.
type Op string

const (
	OpEqual        Op = "=="
	OpNotEqual     Op = "!="
	OpLess         Op = "<"
	OpLessEqual    Op = "<="
	OpGreater      Op = ">"
	OpGreaterEqual Op = ">="
	// OpMaskedEqual matches when arg&Mask == Value.
	OpMaskedEqual Op = "&=="
)

func (o Op) valid() bool {
	switch o {
	case OpEqual, OpNotEqual, OpLess, OpLessEqual, OpGreater, OpGreaterEqual, OpMaskedEqual:
		return true
	}
	return false
}

// Predicate compares one syscall argument against a constant.
type Predicate struct {
	// Arg is the argument index, 0 through 5.
	Arg int
	Op  Op
	// Width is 32 or 64; zero means 64. A 32-bit predicate only inspects the low word.
	Width int
	Value uint64
	Mask  uint64
}

func (p Predicate) width() int {
	if p.Width == 0 {
		return 64
	}
	return p.Width
}

// Validate checks the predicate against the six-argument syscall ABI.
func (p Predicate) Validate() error {
	if p.Arg < 0 || p.Arg > 5 {
		return fmt.Errorf("%w: argument index %d out of range 0-5", ErrInvalidPredicate, p.Arg)
	}
	if !p.Op.valid() {
		return fmt.Errorf("%w: unknown operator %q", ErrInvalidPredicate, p.Op)
	}
	switch p.width() {
	case 32:
		if p.Value > 0xffffffff || p.Mask > 0xffffffff {
			return fmt.Errorf("%w: value or mask exceeds 32-bit width", ErrInvalidPredicate)
		}
	case 64:
	default:
		return fmt.Errorf("%w: width %d (allowed: 32, 64)", ErrInvalidPredicate, p.Width)
	}
	if p.Op == OpMaskedEqual {
		if p.Value&^p.Mask != 0 {
			return fmt.Errorf("%w: value %#x has bits outside mask %#x", ErrInvalidPredicate, p.Value, p.Mask)
		}
	} else if p.Mask != 0 {
		return fmt.Errorf("%w: mask is only valid with %q", ErrInvalidPredicate, OpMaskedEqual)
	}
	return nil
}

// Matches evaluates the predicate directly against decoded arguments.
func (p Predicate) Matches(args [6]uint64) bool {
	v := args[p.Arg]
	if p.width() == 32 {
		v &= 0xffffffff
	}
	switch p.Op {
	case OpEqual:
		return v == p.Value
	case OpNotEqual:
		return v != p.Value
	case OpLess:
		return v < p.Value
	case OpLessEqual:
		return v <= p.Value
	case OpGreater:
		return v > p.Value
	case OpGreaterEqual:
		return v >= p.Value
	case OpMaskedEqual:
		return v&p.Mask == p.Value
	}
	return false
}

func (p Predicate) String() string {
	arg := fmt.Sprintf("arg%d", p.Arg)
	if p.Width == 32 {
		arg += ".32"
	}
	if p.Op == OpMaskedEqual {
		return fmt.Sprintf("%s&%#x==%#x", arg, p.Mask, p.Value)
	}
	return fmt.Sprintf("%s%s%#x", arg, p.Op, p.Value)
}

// Rule names a syscall and the predicates that must all hold for it to match.
type Rule struct {
	Syscall string
	Args    []Predicate
}

func (r Rule) String() string {
	parts := []string{r.Syscall}
	for _, p := range r.Args {
		parts = append(parts, p.String())
	}
	return strings.Join(parts, " ")
}

// Policy is an unordered rule set plus the actions for matching and non-matching calls.
type Policy struct {
	Rules         []Rule
	DefaultAction Action
	MatchAction   Action
	// Arch is a GOARCH name; empty selects the running architecture.
	Arch string
}

// Traced reports whether any outcome of the policy stops the target for the tracer.
func (p Policy) Traced() bool {
	return p.DefaultAction.Traced() || (len(p.Rules) > 0 && p.MatchAction.Traced())
}
