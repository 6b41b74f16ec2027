// Package security builds file paths from untrusted identifiers.
package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

const maxFilenameLen = 128

// SanitizeFilename maps an arbitrary identifier (a session id from a flag or
// query string) to a safe file name: ASCII letters, digits, '.', '_' and
// '-' are kept, every other run of characters becomes one '_'. The result is
// at most 128 bytes and never empty.
func SanitizeFilename(s string) string {
	var b strings.Builder
	pendingUnderscore := false
	for _, r := range s {
		if b.Len() >= maxFilenameLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			if pendingUnderscore {
				b.WriteByte('_')
				pendingUnderscore = false
			}
			b.WriteRune(r)
		default:
			pendingUnderscore = true
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}

// JoinWithin sanitizes name and joins it to dir, failing if the result would
// land outside dir.
func JoinWithin(dir, name string) (string, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve directory: %w", err)
	}
	path := filepath.Join(absDir, SanitizeFilename(name))
	rel, err := filepath.Rel(absDir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes %s", name, dir)
	}
	return path, nil
}
