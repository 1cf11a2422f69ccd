package tmuxfmt

import "strings"

// FieldSeparator is the tmux list format delimiter. ASCII Unit Separator
// avoids collision with session names and pane content.
const FieldSeparator = "\x1f"

// Join builds a tmux format string with the canonical delimiter.
func Join(fields ...string) string {
	return strings.Join(fields, FieldSeparator)
}

// SplitLine splits a tmux formatted line, tolerating a tab delimiter from
// older tmux builds that mangle the separator.
func SplitLine(line string, maxParts int) []string {
	if maxParts <= 0 {
		return nil
	}
	if strings.Contains(line, FieldSeparator) {
		return strings.SplitN(line, FieldSeparator, maxParts)
	}
	if strings.Contains(line, "\t") {
		return strings.SplitN(line, "\t", maxParts)
	}
	return []string{line}
}
