package safety

import (
	"path/filepath"
	"strings"
)

// normalizeAbs resolves a path to an absolute, cleaned, case-normalized
// form for component-wise comparison.
func normalizeAbs(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	return strings.ToLower(filepath.Clean(abs))
}

// isInside reports whether path lies inside root (or is root itself),
// compared component-wise after normalization.
func isInside(root, path string) bool {
	rootNorm := normalizeAbs(root)
	pathNorm := normalizeAbs(path)
	if pathNorm == rootNorm {
		return true
	}
	rel, err := filepath.Rel(rootNorm, pathNorm)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// isAbsolutePathToken reports whether a command token denotes an
// OS-absolute filesystem path.
func isAbsolutePathToken(token string) bool {
	return filepath.IsAbs(token)
}

// insideAnyRoot reports whether path is contained in at least one root.
func insideAnyRoot(roots []string, path string) bool {
	for _, root := range roots {
		if strings.TrimSpace(root) == "" {
			continue
		}
		if isInside(root, path) {
			return true
		}
	}
	return false
}
