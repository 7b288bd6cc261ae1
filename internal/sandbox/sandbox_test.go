package sandbox

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveDirsDropsMissingAndResolvesSymlinks(t *testing.T) {
	root := t.TempDir()
	real := filepath.Join(root, "real")
	if err := os.Mkdir(real, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	link := filepath.Join(root, "link")
	if err := os.Symlink(real, link); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	wantReal, err := filepath.EvalSymlinks(real)
	if err != nil {
		t.Fatalf("eval symlinks: %v", err)
	}

	got, err := resolveDirs([]string{link, filepath.Join(root, "missing"), "  "})
	if err != nil {
		t.Fatalf("resolve dirs: %v", err)
	}
	if len(got) != 1 || got[0] != wantReal {
		t.Fatalf("expected [%s], got %v", wantReal, got)
	}
}
