package mediation

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/neoclaw-ai/warden/internal/logging"
)

// RulesConfig configures a Rules engine.
type RulesConfig struct {
	DenySyscalls []string
	// DenyPaths are absolute path prefixes; a path matches a prefix when it
	// is the prefix itself or lies beneath it.
	DenyPaths []string
	DenyErrno syscall.Errno
	// Emulate maps syscall names to the value returned instead of running them.
	Emulate map[string]int64
	// Fallback decides calls no rule covers. Nil means Baseline.
	Fallback Engine
}

// Rules inspects decoded calls, including path arguments read from the
// target, and denies or emulates them. Path arguments are matched both as
// written and with symlinks followed from the target's root. Both the path
// bytes and the filesystem are read at the stop, so a multithreaded target can
// rewrite the buffer, and any process can swap a symlink, before the call
// resumes.
type Rules struct {
	denySyscalls map[string]bool
	denyPaths    []string
	denyErrno    syscall.Errno
	emulate      map[string]int64
	fallback     Engine
	resolve      func(pid, dirfd int, path string) (string, error)
	root         func(pid int) string
}

// NewRules builds a Rules engine.
func NewRules(cfg RulesConfig) (*Rules, error) {
	r := &Rules{
		denySyscalls: map[string]bool{},
		denyErrno:    cfg.DenyErrno,
		emulate:      map[string]int64{},
		fallback:     cfg.Fallback,
		resolve:      procResolver,
		root:         procRoot,
	}
	if r.denyErrno == 0 {
		r.denyErrno = syscall.EPERM
	}
	if r.fallback == nil {
		r.fallback = Baseline{}
	}
	for _, name := range cfg.DenySyscalls {
		r.denySyscalls[strings.TrimSpace(name)] = true
	}
	for name, result := range cfg.Emulate {
		r.emulate[strings.TrimSpace(name)] = result
	}
	for _, p := range cfg.DenyPaths {
		p = strings.TrimSpace(p)
		if !filepath.IsAbs(p) {
			return nil, fmt.Errorf("deny path %q must be absolute", p)
		}
		p = filepath.Clean(p)
		r.denyPaths = append(r.denyPaths, p)
		if c := canonicalize("/", p); c != p {
			r.denyPaths = append(r.denyPaths, c)
		}
	}
	return r, nil
}

func (r *Rules) Decide(ctx context.Context, ev Event) Decision {
	if r.denySyscalls[ev.Name] {
		return Deny(r.denyErrno, "syscall "+ev.Name+" is denied")
	}
	if result, ok := r.emulate[ev.Name]; ok {
		return Emulate(result, "syscall "+ev.Name+" is emulated")
	}
	if len(r.denyPaths) > 0 {
		if d, ok := r.decidePaths(ev); ok {
			return d
		}
	}
	return r.fallback.Decide(ctx, ev)
}

func (r *Rules) decidePaths(ev Event) (Decision, bool) {
	for _, arg := range pathArgs[ev.Name] {
		if ev.Syscall.Args[arg.path] == 0 {
			// utimensat(fd, NULL, ...) and friends operate on the dirfd.
			continue
		}
		raw, err := ReadString(ev.Memory, ev.Syscall.Args[arg.path])
		if err != nil {
			// An unreadable path makes the kernel fail the call with EFAULT;
			// deny it ourselves so the outcome does not depend on a race.
			logging.Logger().Warn("read path argument failed", "pid", ev.PID, "syscall", ev.Name, "arg", arg.path, "err", err)
			return Deny(syscall.EFAULT, "unreadable path argument"), true
		}

		dirfd := atFDCWD
		if arg.dirfd >= 0 {
			dirfd = int(int32(ev.Syscall.Args[arg.dirfd]))
		}
		path, err := r.resolve(ev.PID, dirfd, raw)
		if err != nil {
			logging.Logger().Warn("resolve path argument failed", "pid", ev.PID, "syscall", ev.Name, "path", raw, "err", err)
			return Deny(r.denyErrno, "unresolvable path "+raw), true
		}
		for _, p := range []string{path, canonicalize(r.root(ev.PID), path)} {
			for _, prefix := range r.denyPaths {
				if underPrefix(p, prefix) {
					return Deny(r.denyErrno, "path "+p+" is under "+prefix), true
				}
			}
		}
	}
	return Decision{}, false
}

func underPrefix(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
