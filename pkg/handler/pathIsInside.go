package handler

import (
	"path/filepath"
	"runtime"
	"strings"
)

// pathIsInside reports whether thePath is potentialParent or lies below it.
// Both paths must already be absolute and symlink-free; the comparison is
// purely textual and stops on separator boundaries so /x/yy is not inside /x/y.
func pathIsInside(thePath, potentialParent string) bool {
	thePath = stripTrailingSep(filepath.Clean(thePath))
	potentialParent = stripTrailingSep(filepath.Clean(potentialParent))

	if filepath.VolumeName(thePath) != filepath.VolumeName(potentialParent) {
		return false
	}

	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		thePath = strings.ToLower(thePath)
		potentialParent = strings.ToLower(potentialParent)
	}

	// The filesystem root strips down to "" and contains every absolute path.
	plen := len(potentialParent)
	if !strings.HasPrefix(thePath, potentialParent) {
		return false
	}
	return len(thePath) == plen || thePath[plen] == filepath.Separator
}

func stripTrailingSep(thePath string) string {
	return strings.TrimRight(thePath, string(filepath.Separator))
}
