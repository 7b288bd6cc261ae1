//go:build !linux

package policy

func errnoName(uint16) string {
	return ""
}

func errnoNumber(string) (uint16, bool) {
	return 0, false
}
