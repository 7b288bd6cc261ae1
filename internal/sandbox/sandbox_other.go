//go:build !linux

package sandbox

// IsSupported reports sandbox support on non-Linux platforms.
func IsSupported() bool {
	return false
}

func restrictImpl(_, _ []string) error {
	return ErrUnsupported
}
