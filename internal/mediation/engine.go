// Package mediation decides what happens to each syscall the tracer intercepts.
package mediation

import (
	"context"
	"syscall"

	"github.com/neoclaw-ai/warden/internal/abi"
	"github.com/neoclaw-ai/warden/internal/policy"
)

// MemoryReader reads the stopped target's address space.
type MemoryReader interface {
	ReadMemory(addr uintptr, buf []byte) (int, error)
}

// Event is one intercepted syscall. It is only valid while the target is stopped.
type Event struct {
	PID     int
	Seq     uint64
	Arch    abi.Arch
	Syscall abi.Syscall
	Name    string
	Regs    abi.Registers
	// Action is what the user rules assign to this call.
	Action policy.Action
	Memory MemoryReader
}

// Engine returns a Decision for an Event.
type Engine interface {
	Decide(ctx context.Context, ev Event) Decision
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, ev Event) Decision

func (f EngineFunc) Decide(ctx context.Context, ev Event) Decision {
	return f(ctx, ev)
}

// Baseline replays the user rules. A call the rules trace is allowed, since
// reaching the tracer is the point of tracing it; calls that only stopped
// because of the bootstrap hand-off get the action the rules give them.
type Baseline struct{}

func (Baseline) Decide(_ context.Context, ev Event) Decision {
	switch ev.Action.Base() {
	case policy.ActionTrace, policy.ActionAllow, policy.ActionLog:
		return Allow()
	case policy.ActionErrno:
		return Deny(syscall.Errno(ev.Action.Data()), "policy "+ev.Action.String())
	}
	return Kill("policy " + ev.Action.String())
}
