//go:build linux

package policy

import (
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// SockFilters converts the installed program to the form prctl(PR_SET_SECCOMP) takes.
func (f *Filter) SockFilters() []unix.SockFilter {
	return ToSockFilters(f.raw)
}

// ToSockFilters converts assembled instructions to kernel sock_filter entries.
func ToSockFilters(raw []bpf.RawInstruction) []unix.SockFilter {
	out := make([]unix.SockFilter, len(raw))
	for i, ins := range raw {
		out[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	return out
}
