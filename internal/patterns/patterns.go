// Package patterns holds the line-level vocabulary of the controlled CLI's
// terminal UI. Every recognizer is independent and scoped to a single line;
// the parser decides sequencing and precedence. Adapting to a UI change in
// the controlled CLI should only ever require edits to this table.
package patterns

import (
	"regexp"
	"strings"
)

// Library is a compiled set of recognizers.
type Library struct {
	// Framing.
	PromptEmpty *regexp.Regexp
	PromptLike  *regexp.Regexp
	UserInput   *regexp.Regexp
	Separator   *regexp.Regexp
	TableBorder *regexp.Regexp
	Chrome      *regexp.Regexp

	// Content.
	Response       *regexp.Regexp
	Thinking       *regexp.Regexp
	ToolInvocation *regexp.Regexp
	ToolOutput     *regexp.Regexp
	Collapsed      *regexp.Regexp
	EditFile       *regexp.Regexp
	DiffLine       *regexp.Regexp
	Permission     *regexp.Regexp
	MenuOption     *regexp.Regexp
	ToolStart      *regexp.Regexp
	ToolRunning    *regexp.Regexp
	ToolEnd        *regexp.Regexp
	ErrorText      *regexp.Regexp
}

const boxChars = `─━═│┃║┌┬┐├┼┤└┴┘╭╮╰╯╔╦╗╠╬╣╚╩╝`

// Default returns the recognizer table for the Claude Code terminal UI.
func Default() *Library {
	return &Library{
		PromptEmpty: regexp.MustCompile(`^\s*(?:│\s*)?[>❯›]\s*(?:│\s*)?$`),
		PromptLike:  regexp.MustCompile(`^\s*(?:│\s*)?[>❯›](?:\s|$)`),
		UserInput:   regexp.MustCompile(`^\s*(?:│\s*)?[>❯›]\s+\S.*$`),
		Separator:   regexp.MustCompile(`^\s*[─━—=-]{4,}\s*$`),
		TableBorder: regexp.MustCompile(`^\s*[` + boxChars + `][` + boxChars + `\s]*$`),
		// Anchored near line start so a thinking spinner that mentions
		// "esc to interrupt" mid-line is not swallowed as chrome.
		Chrome: regexp.MustCompile(`^\s*(?:[⏵⏸]+\s*)?\(?(?:\? for shortcuts|ctrl\+[a-z]|shift\+tab|esc to (?:interrupt|undo)|auto-accept edits|[Bb]ypassing [Pp]ermissions|plan mode)`),

		Response: regexp.MustCompile(`^\s*[⏺●]\s+(.+)$`),
		Thinking: regexp.MustCompile(`^\s*[✽✻✢✶✳✺✹✸✷·*+]+\s*(\S.*?….*|[Tt]hinking\b.*)$`),
		// Open-ended shape: status glyph, capitalized identifier, opening
		// parenthesis. Unknown tools still match; there is no tool name list.
		ToolInvocation: regexp.MustCompile(`^\s*[⏺●]\s+([A-Z][A-Za-z0-9_]*)\((.*)\)\s*$`),
		ToolOutput:     regexp.MustCompile(`^\s*[⎿│┃├└]\s?(.*)$`),
		Collapsed:      regexp.MustCompile(`^\s*(?:[⎿│┃├└]\s*)?(?:…\s*)?\+\d+\s+(?:more\s+)?lines?\b.*$`),
		EditFile:       regexp.MustCompile(`^\s*(?:[⎿│┃├└]\s*)?(?:Updated|Created|Wrote|Edited|Added)\s+\S+.*$`),
		DiffLine:       regexp.MustCompile(`^\s*\d+\s*[+-]\s.*$|^\s*[+-]{3}\s\S+.*$`),
		Permission: regexp.MustCompile(`Do you want|Would you like|needs your permission|requires approval|approval required|Allow once|Always allow|accept edits`),
		MenuOption: regexp.MustCompile(`^\s*(?:❯\s*)?\d+[.)]\s+\S.*$`),
		ToolStart:  regexp.MustCompile(`^\s*[⏺●]\s+(?:Running|Starting|Executing)\b.*$`),
		ToolRunning: regexp.MustCompile(`Running(?:…|\.{3})|\(running\)`),
		ToolEnd:     regexp.MustCompile(`^\s*[⎿│┃├└]\s*((?:Done|Finished|Completed|Error|Failed|Interrupted)\b.*)$`),
		ErrorText:   regexp.MustCompile(`(?:Error:|ERROR\b|✗|✘|Failed:)\s*(.*)$`),
	}
}

// Decorative reports whether the line is pure chrome that carries no
// semantic content.
func (l *Library) Decorative(line string) bool {
	if strings.TrimSpace(line) == "" {
		return false
	}
	return l.Separator.MatchString(line) ||
		l.TableBorder.MatchString(line) ||
		l.Chrome.MatchString(line)
}

// ResponseText returns the captured text of a response line.
func (l *Library) ResponseText(line string) (string, bool) {
	m := l.Response.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// ToolCall returns "Name(args)" for a tool invocation line.
func (l *Library) ToolCall(line string) (string, bool) {
	m := l.ToolInvocation.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return m[1] + "(" + strings.TrimSpace(m[2]) + ")", true
}

// ToolOutputText returns the content of a tool-output continuation line.
func (l *Library) ToolOutputText(line string) (string, bool) {
	m := l.ToolOutput.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// ToolEndText returns the trailing marker text of a tool-end line.
func (l *Library) ToolEndText(line string) (string, bool) {
	m := l.ToolEnd.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// InputText returns the echoed text of a user-input line.
func (l *Library) InputText(line string) (string, bool) {
	m := l.UserInput.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	trimmed := strings.TrimSpace(line)
	trimmed = strings.TrimLeft(trimmed, ">❯›│ \t")
	return strings.TrimSpace(trimmed), true
}
