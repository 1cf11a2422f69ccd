// Package sanitize reduces raw terminal output to its final rendered text.
package sanitize

import (
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// Clean strips terminal escape sequences and collapses carriage-return
// overwrites. A line containing carriage returns keeps only the substring
// after the last one, matching what the terminal leaves on screen after a
// progress-style rewrite. Malformed sequences pass through untouched.
func Clean(raw string) string {
	if raw == "" {
		return ""
	}
	stripped := ansi.Strip(raw)
	if !strings.ContainsRune(stripped, '\r') {
		return stripped
	}
	lines := strings.Split(stripped, "\n")
	for i, line := range lines {
		if idx := strings.LastIndexByte(line, '\r'); idx >= 0 {
			lines[i] = line[idx+1:]
		}
	}
	return strings.Join(lines, "\n")
}
