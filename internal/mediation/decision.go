package mediation

import (
	"fmt"
	"syscall"

	"github.com/neoclaw-ai/warden/internal/policy"
)

// Kind tags a Decision variant.
type Kind int

const (
	KindAllow Kind = iota
	KindDeny
	KindEmulate
	KindKill
)

// Decision is the engine's verdict for one intercepted call.
type Decision struct {
	Kind Kind
	// Errno is the failure a denied call reports.
	Errno syscall.Errno
	// Result is the return value an emulated call reports.
	Result int64
	// Reason is a short human-readable cause for the audit log.
	Reason string
}

// Allow lets the call run unmodified.
func Allow() Decision {
	return Decision{Kind: KindAllow}
}

// Deny skips the call and makes it fail with errno.
func Deny(errno syscall.Errno, reason string) Decision {
	return Decision{Kind: KindDeny, Errno: errno, Reason: reason}
}

// Emulate skips the call and makes it return result.
func Emulate(result int64, reason string) Decision {
	return Decision{Kind: KindEmulate, Result: result, Reason: reason}
}

// Kill terminates the target.
func Kill(reason string) Decision {
	return Decision{Kind: KindKill, Reason: reason}
}

// Skips reports whether the original call must not execute.
func (d Decision) Skips() bool {
	return d.Kind == KindDeny || d.Kind == KindEmulate
}

// ReturnValue is the value written to the return register for a skipped call.
func (d Decision) ReturnValue() int64 {
	switch d.Kind {
	case KindDeny:
		return -int64(d.Errno)
	case KindEmulate:
		return d.Result
	}
	return 0
}

func (d Decision) String() string {
	switch d.Kind {
	case KindAllow:
		return "allow"
	case KindDeny:
		return "deny " + policy.Errno(uint16(d.Errno)).String()
	case KindEmulate:
		return fmt.Sprintf("emulate(%d)", d.Result)
	case KindKill:
		return "kill"
	}
	return fmt.Sprintf("decision(%d)", int(d.Kind))
}
