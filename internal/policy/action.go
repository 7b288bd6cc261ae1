package policy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Action is a SECCOMP_RET_* value; the low 16 bits carry data for errno actions.
type Action uint32

const (
	ActionKillProcess Action = 0x80000000
	ActionKillThread  Action = 0x00000000
	ActionTrap        Action = 0x00030000
	ActionErrno       Action = 0x00050000
	ActionTrace       Action = 0x7ff00000
	ActionLog         Action = 0x7ffc0000
	ActionAllow       Action = 0x7fff0000
)

const (
	actionMask = 0xffff0000
	dataMask   = 0x0000ffff

	// defaultErrno is EPERM, returned by a bare "errno" action.
	defaultErrno = 1
)

// ErrInvalidAction is returned for action strings or values seccomp does not define.
var ErrInvalidAction = errors.New("invalid action")

// Errno returns an action failing the call with the given errno.
func Errno(errno uint16) Action {
	return ActionErrno | Action(errno)
}

// Base strips the data bits.
func (a Action) Base() Action {
	return a & actionMask
}

// Data returns the errno carried by an errno action.
func (a Action) Data() uint16 {
	return uint16(a & dataMask)
}

// Traced reports whether the action stops the target for the tracer.
func (a Action) Traced() bool {
	return a.Base() == ActionTrace
}

// Fatal reports whether the action ends the target without a tracer decision.
func (a Action) Fatal() bool {
	switch a.Base() {
	case ActionKillProcess, ActionKillThread, ActionTrap:
		return true
	}
	return false
}

// Valid reports whether a is an action the kernel understands.
func (a Action) Valid() bool {
	switch a.Base() {
	case ActionKillProcess, ActionKillThread, ActionTrap, ActionTrace, ActionLog, ActionAllow:
		return a.Data() == 0 || a.Base() == ActionTrace
	case ActionErrno:
		return true
	}
	return false
}

func (a Action) String() string {
	switch a.Base() {
	case ActionKillProcess:
		return "kill_process"
	case ActionKillThread:
		return "kill_thread"
	case ActionTrap:
		return "trap"
	case ActionErrno:
		if name := errnoName(a.Data()); name != "" {
			return "errno(" + name + ")"
		}
		return fmt.Sprintf("errno(%d)", a.Data())
	case ActionTrace:
		return "trace"
	case ActionLog:
		return "log"
	case ActionAllow:
		return "allow"
	}
	return fmt.Sprintf("action(%#x)", uint32(a))
}

// ParseAction parses an action name such as "allow", "trace" or "errno(EACCES)".
func ParseAction(s string) (Action, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "kill", "kill_process":
		return ActionKillProcess, nil
	case "kill_thread":
		return ActionKillThread, nil
	case "trap":
		return ActionTrap, nil
	case "trace":
		return ActionTrace, nil
	case "log":
		return ActionLog, nil
	case "allow":
		return ActionAllow, nil
	case "errno":
		return Errno(defaultErrno), nil
	}

	if strings.HasPrefix(s, "errno(") && strings.HasSuffix(s, ")") {
		arg := strings.TrimSpace(s[len("errno(") : len(s)-1])
		errno, err := ParseErrno(arg)
		if err != nil {
			return 0, fmt.Errorf("%w %q: %w", ErrInvalidAction, s, err)
		}
		return Errno(errno), nil
	}
	return 0, fmt.Errorf("%w %q", ErrInvalidAction, s)
}

// ParseErrno parses a numeric errno or a symbolic name like "EPERM".
func ParseErrno(s string) (uint16, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("errno is required")
	}
	if n, err := strconv.ParseUint(s, 0, 16); err == nil {
		if n == 0 || n > 4095 {
			return 0, fmt.Errorf("errno %d out of range", n)
		}
		return uint16(n), nil
	}
	if n, ok := errnoNumber(strings.ToUpper(s)); ok {
		return n, nil
	}
	return 0, fmt.Errorf("unknown errno %q", s)
}
