//go:build windows

package manifest

import (
	"strings"
	"syscall"

	"golang.org/x/sys/windows"
)

// isHidden reports whether name (the entry at fullPath) is hidden: either a
// leading dot, matching the other platforms' convention, or carrying the
// Windows FILE_ATTRIBUTE_HIDDEN bit.
func isHidden(fullPath string, name string) (bool, error) {
	if strings.HasPrefix(name, ".") {
		return true, nil
	}
	p, err := windows.UTF16PtrFromString(fullPath)
	if err != nil {
		return false, err
	}
	attrs, err := windows.GetFileAttributes(p)
	if err != nil {
		if err == syscall.ERROR_FILE_NOT_FOUND || err == syscall.ERROR_PATH_NOT_FOUND {
			return false, nil
		}
		return false, err
	}
	return attrs&windows.FILE_ATTRIBUTE_HIDDEN != 0, nil
}
