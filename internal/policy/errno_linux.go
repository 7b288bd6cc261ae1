//go:build linux

package policy

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func errnoName(n uint16) string {
	return unix.ErrnoName(syscall.Errno(n))
}

func errnoNumber(name string) (uint16, bool) {
	for n := 1; n < 4096; n++ {
		if unix.ErrnoName(syscall.Errno(n)) == name {
			return uint16(n), true
		}
	}
	return 0, false
}
