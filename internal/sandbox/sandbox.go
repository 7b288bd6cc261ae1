// Package sandbox applies Landlock filesystem confinement to the bootstrap
// process before it hands off to the target.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsupported is returned when the host cannot enforce the requested confinement.
var ErrUnsupported = errors.New("landlock is unavailable on this host")

// defaultReadRoots is the read-only view used when no ro dirs are configured.
var defaultReadRoots = []string{
	"/bin",
	"/sbin",
	"/usr",
	"/lib",
	"/lib64",
	"/etc",
	"/dev",
	"/proc",
	"/sys",
	"/run",
	"/tmp",
}

// Rules lists directories the target may read, and read and write.
type Rules struct {
	RODirs []string `json:"ro_dirs,omitempty"`
	RWDirs []string `json:"rw_dirs,omitempty"`
}

// Restrict confines all threads of the calling process to rules. It is
// inherited across execve and cannot be lifted.
func Restrict(rules Rules) error {
	ro := rules.RODirs
	if len(ro) == 0 {
		ro = defaultReadRoots
	}
	roDirs, err := resolveDirs(ro)
	if err != nil {
		return err
	}
	rwDirs, err := resolveDirs(rules.RWDirs)
	if err != nil {
		return err
	}
	return restrictImpl(roDirs, rwDirs)
}

// resolveDirs makes dirs absolute and symlink-free, dropping ones that do not exist.
func resolveDirs(dirs []string) ([]string, error) {
	out := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			continue
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("resolve dir %q: %w", dir, err)
		}
		resolved, err := filepath.EvalSymlinks(abs)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve dir %q symlinks: %w", dir, err)
		}
		out = append(out, resolved)
	}
	return out, nil
}
