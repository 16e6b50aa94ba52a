package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"
)

const maxLogStemRunes = 50

// Canonicalize resolves ~, relative segments and symlinks so every spelling
// of the same file maps to one registry key. When the file no longer exists
// the cleaned absolute path is returned.
func Canonicalize(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand home: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	// The file may be gone; resolve the directory so the key still matches.
	if dir, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
		return filepath.Join(dir, filepath.Base(abs)), nil
	}
	return abs, nil
}

// LogFileName builds "<stem>-<port>.log" with the stem reduced to
// alphanumerics, '-' and '_'.
func LogFileName(filePath string, port int) string {
	base := filepath.Base(filePath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" || stem == "." || stem == string(filepath.Separator) {
		stem = "unknown"
	}

	var b strings.Builder
	n := 0
	for _, r := range stem {
		if n == maxLogStemRunes {
			break
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
		n++
	}
	return b.String() + "-" + strconv.Itoa(port) + ".log"
}

// LogPath returns the log file location for an instance.
func LogPath(logsDir, filePath string, port int) string {
	return filepath.Join(logsDir, LogFileName(filePath, port))
}
