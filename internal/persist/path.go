// Package persist implements the persistence & index component (spec
// §4.7, §6): tabular trace/event files, a stimulus index for O(1)
// locatability, an optional binary container format, and the
// strftime-templated base-directory allocator session.Storage needs.
// Grounded on dastard's makeDirectory (data_source.go) and the OFF
// writer (off/off_test.go), and on the original RELACS
// datafile/tablekey.cc for the tabular Key-block format.
package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// strftimeDirectives maps the subset of strftime conversion specifiers
// spec §4.7's path template uses onto Go's reference-time layout
// fragments.
var strftimeDirectives = map[byte]string{
	'Y': "2006",
	'm': "01",
	'd': "02",
	'H': "15",
	'M': "04",
	'S': "05",
}

// FormatTemplate expands a strftime-style template (e.g. "%Y%m%d") at
// time t using the subset of directives strftimeDirectives defines.
func FormatTemplate(template string, t time.Time) string {
	var b strings.Builder
	for i := 0; i < len(template); i++ {
		if template[i] == '%' && i+1 < len(template) {
			if layout, ok := strftimeDirectives[template[i+1]]; ok {
				b.WriteString(t.Format(layout))
				i++
				continue
			}
		}
		b.WriteByte(template[i])
	}
	return b.String()
}

// AllocateDirectory creates a fresh base directory under root named by
// expanding template against the current time, then appending a
// zero-padded monotonic counter that increments on collision (spec
// §4.7 "Path template: the session's base directory is generated from
// a strftime-style template plus a monotonic counter; on collision the
// counter increments"). Grounded on dastard's makeDirectory, generalized
// from its fixed "20060102" layout to an arbitrary template.
func AllocateDirectory(root, template string, now time.Time) (string, error) {
	if root == "" {
		return "", fmt.Errorf("persist: root path is empty")
	}
	dayDir := filepath.Join(root, FormatTemplate(template, now))
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		return "", err
	}
	for i := 0; i < 10000; i++ {
		candidate := filepath.Join(dayDir, fmt.Sprintf("%04d", i))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			if err := os.MkdirAll(candidate, 0o755); err != nil {
				return "", err
			}
			return candidate, nil
		}
	}
	return "", fmt.Errorf("persist: out of 4-digit run IDs under %s", dayDir)
}
