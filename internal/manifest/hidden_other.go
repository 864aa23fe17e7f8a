//go:build !windows

package manifest

import "strings"

// isHidden reports whether name should be treated as a hidden dotfile on
// this platform. On non-Windows platforms that is simply a leading dot.
func isHidden(_ string, name string) (bool, error) {
	return strings.HasPrefix(name, "."), nil
}
