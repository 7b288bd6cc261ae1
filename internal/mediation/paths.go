package mediation

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// maxPathLen is PATH_MAX.
const maxPathLen = 4096

// atFDCWD is AT_FDCWD as it appears in a 64-bit argument register.
const atFDCWD = -100

// maxSymlinks matches the kernel's MAXSYMLINKS.
const maxSymlinks = 40

// pathArg locates one path-valued argument and the dirfd it is relative to.
type pathArg struct {
	path  int
	dirfd int // -1 when the path is relative to the working directory
}

var pathArgs = map[string][]pathArg{
	"open":              {{path: 0, dirfd: -1}},
	"creat":             {{path: 0, dirfd: -1}},
	"openat":            {{path: 1, dirfd: 0}},
	"openat2":           {{path: 1, dirfd: 0}},
	"execve":            {{path: 0, dirfd: -1}},
	"execveat":          {{path: 1, dirfd: 0}},
	"stat":              {{path: 0, dirfd: -1}},
	"lstat":             {{path: 0, dirfd: -1}},
	"newfstatat":        {{path: 1, dirfd: 0}},
	"statx":             {{path: 1, dirfd: 0}},
	"statfs":            {{path: 0, dirfd: -1}},
	"access":            {{path: 0, dirfd: -1}},
	"faccessat":         {{path: 1, dirfd: 0}},
	"faccessat2":        {{path: 1, dirfd: 0}},
	"readlink":          {{path: 0, dirfd: -1}},
	"readlinkat":        {{path: 1, dirfd: 0}},
	"truncate":          {{path: 0, dirfd: -1}},
	"chdir":             {{path: 0, dirfd: -1}},
	"chroot":            {{path: 0, dirfd: -1}},
	"mkdir":             {{path: 0, dirfd: -1}},
	"mkdirat":           {{path: 1, dirfd: 0}},
	"rmdir":             {{path: 0, dirfd: -1}},
	"unlink":            {{path: 0, dirfd: -1}},
	"unlinkat":          {{path: 1, dirfd: 0}},
	"mknod":             {{path: 0, dirfd: -1}},
	"mknodat":           {{path: 1, dirfd: 0}},
	"chmod":             {{path: 0, dirfd: -1}},
	"fchmodat":          {{path: 1, dirfd: 0}},
	"chown":             {{path: 0, dirfd: -1}},
	"lchown":            {{path: 0, dirfd: -1}},
	"fchownat":          {{path: 1, dirfd: 0}},
	"utimensat":         {{path: 1, dirfd: 0}},
	"rename":            {{path: 0, dirfd: -1}, {path: 1, dirfd: -1}},
	"renameat":          {{path: 1, dirfd: 0}, {path: 3, dirfd: 2}},
	"renameat2":         {{path: 1, dirfd: 0}, {path: 3, dirfd: 2}},
	"link":              {{path: 0, dirfd: -1}, {path: 1, dirfd: -1}},
	"linkat":            {{path: 1, dirfd: 0}, {path: 3, dirfd: 2}},
	"symlink":           {{path: 1, dirfd: -1}},
	"symlinkat":         {{path: 2, dirfd: 1}},
	"getxattr":          {{path: 0, dirfd: -1}},
	"lgetxattr":         {{path: 0, dirfd: -1}},
	"setxattr":          {{path: 0, dirfd: -1}},
	"lsetxattr":         {{path: 0, dirfd: -1}},
	"listxattr":         {{path: 0, dirfd: -1}},
	"removexattr":       {{path: 0, dirfd: -1}},
	"inotify_add_watch": {{path: 1, dirfd: -1}},
	"mount":             {{path: 0, dirfd: -1}, {path: 1, dirfd: -1}},
	"umount2":           {{path: 0, dirfd: -1}},
}

// PathArgs reports whether name takes path arguments.
func PathArgs(name string) bool {
	_, ok := pathArgs[name]
	return ok
}

// ReadString reads a NUL-terminated string of at most maxPathLen bytes from the target.
func ReadString(mem MemoryReader, addr uint64) (string, error) {
	if mem == nil {
		return "", errors.New("target memory is not readable")
	}
	if addr == 0 {
		return "", errors.New("null pointer")
	}

	var out []byte
	chunk := make([]byte, 256)
	for len(out) < maxPathLen {
		n, err := mem.ReadMemory(uintptr(addr)+uintptr(len(out)), chunk)
		if n > 0 {
			if i := bytes.IndexByte(chunk[:n], 0); i >= 0 {
				return string(append(out, chunk[:i]...)), nil
			}
			out = append(out, chunk[:n]...)
		}
		if err != nil {
			return "", fmt.Errorf("read target memory at %#x: %w", addr+uint64(len(out)), err)
		}
		if n == 0 {
			break
		}
	}
	return "", fmt.Errorf("string at %#x exceeds %d bytes", addr, maxPathLen)
}

// procResolver resolves relative paths against the target's cwd or dirfd via /proc.
func procResolver(pid, dirfd int, path string) (string, error) {
	if filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}
	link := filepath.Join("/proc", strconv.Itoa(pid), "cwd")
	if dirfd != atFDCWD {
		link = filepath.Join("/proc", strconv.Itoa(pid), "fd", strconv.Itoa(dirfd))
	}
	base, err := os.Readlink(link)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", path, err)
	}
	return filepath.Join(base, path), nil
}

// procRoot is the target's root directory as seen from the supervisor.
func procRoot(pid int) string {
	return filepath.Join("/proc", strconv.Itoa(pid), "root")
}

// canonicalize follows symlinks in the absolute path p the way the target
// would, with root as the target's root directory. Components that do not
// exist are kept as written. The final component is followed too, so a call
// that does not follow it (lstat, unlink, O_NOFOLLOW) is judged by the link's
// destination.
func canonicalize(root, p string) string {
	pending := splitPath(p)
	resolved := "/"
	links := 0
	for len(pending) > 0 {
		comp := pending[0]
		pending = pending[1:]
		if comp == ".." {
			resolved = filepath.Dir(resolved)
			continue
		}

		next := filepath.Join(resolved, comp)
		info, err := os.Lstat(filepath.Join(root, next))
		if err != nil {
			return filepath.Join(append([]string{next}, pending...)...)
		}
		if info.Mode()&os.ModeSymlink == 0 {
			resolved = next
			continue
		}

		links++
		dest, err := os.Readlink(filepath.Join(root, next))
		if err != nil || links > maxSymlinks {
			// The kernel fails the call with ELOOP; the written path is enough.
			return filepath.Join(append([]string{next}, pending...)...)
		}
		if filepath.IsAbs(dest) {
			resolved = "/"
		}
		pending = append(splitPath(dest), pending...)
	}
	return resolved
}

func splitPath(p string) []string {
	var out []string
	for _, comp := range strings.Split(p, "/") {
		if comp != "" && comp != "." {
			out = append(out, comp)
		}
	}
	return out
}
