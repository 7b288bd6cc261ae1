//go:build linux

package sandbox

import (
	"errors"
	"fmt"
	"strings"

	"github.com/landlock-lsm/go-landlock/landlock"
	"github.com/neoclaw-ai/warden/internal/store"
	"golang.org/x/sys/unix"
)

// IsSupported reports whether Landlock is available on Linux.
func IsSupported() bool {
	abi, _, errno := unix.Syscall(
		unix.SYS_LANDLOCK_CREATE_RULESET,
		0,
		0,
		uintptr(unix.LANDLOCK_CREATE_RULESET_VERSION),
	)
	if errno == 0 && abi >= 1 {
		return true
	}
	if errors.Is(errno, unix.ENOSYS) || errors.Is(errno, unix.EOPNOTSUPP) {
		return false
	}

	// The probe itself may be filtered; fall back to the active LSM list.
	lsmRaw, err := store.ReadFile("/sys/kernel/security/lsm")
	if err != nil {
		return false
	}
	for _, item := range strings.Split(strings.TrimSpace(lsmRaw), ",") {
		if strings.TrimSpace(item) == "landlock" {
			return true
		}
	}
	return false
}

func restrictImpl(roDirs, rwDirs []string) error {
	if !IsSupported() {
		return ErrUnsupported
	}

	rules := make([]landlock.Rule, 0, len(roDirs)+len(rwDirs))
	if len(roDirs) > 0 {
		rules = append(rules, landlock.RODirs(roDirs...))
	}
	if len(rwDirs) > 0 {
		rules = append(rules, landlock.RWDirs(rwDirs...))
	}

	if err := landlock.V6.BestEffort().RestrictPaths(rules...); err != nil {
		return fmt.Errorf("restrict process with landlock: %w", err)
	}
	return nil
}
