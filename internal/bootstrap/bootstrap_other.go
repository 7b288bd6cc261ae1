//go:build !linux

package bootstrap

import "os"

// Main is only meaningful on Linux.
func Main() {
	os.Exit(ExitCode)
}
