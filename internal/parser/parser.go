// Package parser turns the raw, incrementally captured output of the
// controlled CLI into an ordered stream of typed blocks.
package parser

import (
	"log/slog"
	"strings"
	"time"

	"github.com/g960059/tmuxbridge/internal/model"
	"github.com/g960059/tmuxbridge/internal/patterns"
	"github.com/g960059/tmuxbridge/internal/sanitize"
)

const (
	// tailWindow is how many trailing characters are compared to decide
	// whether a shrunken capture is a no-op re-poll or real displacement.
	tailWindow = 200
	// overlapProbe is the longest suffix of the old buffer searched for in
	// the new buffer when rebasing after scrollback displacement.
	overlapProbe = 256
	// minOverlap is the shortest suffix still trusted as real overlap.
	minOverlap = 16
	// relaxedWindow is how many trailing non-empty lines the relaxed
	// completion check inspects.
	relaxedWindow = 6
)

// Parser is a single-session streaming parser. All state is held here;
// every concurrent session owns its own instance.
type Parser struct {
	pats           *patterns.Library
	stabilityDelay time.Duration
	logger         *slog.Logger
	now            func() time.Time

	state        model.ParseState
	buffer       string
	processed    int
	acc          []string
	textParts    []string
	promptSeenAt time.Time
}

// New returns an idle parser using the default pattern table.
func New(stabilityDelay time.Duration) *Parser {
	return &Parser{
		pats:           patterns.Default(),
		stabilityDelay: stabilityDelay,
		logger:         slog.Default(),
		now:            time.Now,
		state:          model.StateIdle,
	}
}

// State returns the current discrete parse state.
func (p *Parser) State() model.ParseState {
	return p.state
}

// Reset clears all buffers, accumulators and timestamps. It is called at
// the start of a response cycle so residue from an interrupted prior cycle
// cannot leak in.
func (p *Parser) Reset() {
	p.state = model.StateIdle
	p.buffer = ""
	p.processed = 0
	p.acc = nil
	p.textParts = nil
	p.promptSeenAt = time.Time{}
}

// Feed consumes the cumulative captured text for the current turn and
// returns the blocks recognized in the genuinely new suffix. Cost is
// proportional to new content: a monotone cursor skips everything already
// parsed, and scrollback displacement rebases the cursor instead of
// reparsing history.
func (p *Parser) Feed(raw string) []model.Block {
	clean := sanitize.Clean(raw)
	prev := p.buffer
	p.buffer = clean

	if len(clean) <= p.processed {
		if tailsEqual(prev, clean) {
			// No real change; the caller re-checks completion on its own.
			return nil
		}
		p.rebase(prev, clean)
	}
	if p.processed > len(clean) {
		p.processed = len(clean)
	}
	newText := clean[p.processed:]
	p.processed = len(clean)
	if strings.TrimSpace(newText) == "" {
		return nil
	}

	// A prompt sighted earlier was transient: genuinely new content after
	// reaching complete revokes the completion candidate. Blocks already
	// emitted stand.
	if p.state == model.StateComplete {
		p.state = model.StateTextOutput
		p.promptSeenAt = time.Time{}
	}

	var blocks []model.Block
	for _, line := range strings.Split(newText, "\n") {
		blocks = append(blocks, p.classifyLine(line)...)
	}
	return blocks
}

// IsComplete reports end-of-turn. A prompt sighting only counts once the
// stability delay has elapsed, because the CLI can flash an idle-looking
// prompt between tool steps. An unset prompt timestamp is never complete;
// computing "elapsed since the zero time" would trivially pass the delay.
func (p *Parser) IsComplete() bool {
	switch p.state {
	case model.StateComplete:
		if p.promptSeenAt.IsZero() {
			return false
		}
		return p.now().Sub(p.promptSeenAt) >= p.stabilityDelay
	case model.StateTextOutput:
		return p.relaxedComplete()
	default:
		return false
	}
}

// relaxedComplete accepts a decorated idle prompt: some CLI versions trail
// the prompt with suggestion text, which the strict empty-prompt pattern
// misses. It requires both a separator rule and a prompt-like line among
// the last few non-empty lines. Known premature-completion risk; kept
// narrow on purpose.
func (p *Parser) relaxedComplete() bool {
	lines := tailNonEmptyLines(p.buffer, relaxedWindow)
	var sawSeparator, sawPrompt bool
	for _, line := range lines {
		if p.pats.Separator.MatchString(line) {
			sawSeparator = true
		}
		if p.pats.PromptLike.MatchString(line) {
			sawPrompt = true
		}
	}
	return sawSeparator && sawPrompt
}

// TextResponse returns all text-classified content accumulated this turn.
// Safe to call repeatedly; any pending accumulator is flushed first.
func (p *Parser) TextResponse() string {
	p.flushAcc()
	return strings.TrimSpace(strings.Join(p.textParts, "\n"))
}

// rebase moves the cursor after scrollback displacement. It looks for the
// longest suffix of the old buffer still present in the new one; with no
// overlap at all it reparses from scratch, which is an anomaly, not a
// failure.
func (p *Parser) rebase(prev, clean string) {
	start := len(prev) - overlapProbe
	if start < 0 {
		start = 0
	}
	probe := prev[start:]
	for len(probe) >= minOverlap {
		if idx := strings.LastIndex(clean, probe); idx >= 0 {
			p.processed = idx + len(probe)
			return
		}
		probe = probe[len(probe)/2:]
	}
	p.logger.Warn("pane content displaced with no overlap, reparsing from start",
		"old_len", len(prev), "new_len", len(clean))
	p.processed = 0
}

func (p *Parser) classifyLine(line string) []model.Block {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}
	if p.pats.Decorative(line) {
		return nil
	}

	if p.state == model.StateToolUse {
		if text, ok := p.pats.ToolEndText(line); ok {
			p.state = model.StateTextOutput
			blocks := []model.Block{{Kind: model.BlockTool, Content: text}}
			if m := p.pats.ErrorText.FindStringSubmatch(text); m != nil {
				blocks = append(blocks, model.Block{Kind: model.BlockError, Content: strings.TrimSpace(m[1])})
			}
			return blocks
		}
	}

	if call, ok := p.pats.ToolCall(line); ok {
		blocks := p.flushAcc()
		p.state = model.StateToolUse
		return append(blocks, model.Block{Kind: model.BlockTool, Content: call})
	}
	if p.pats.ToolStart.MatchString(line) || p.pats.ToolRunning.MatchString(line) {
		blocks := p.flushAcc()
		p.state = model.StateToolUse
		return append(blocks, model.Block{Kind: model.BlockTool, Content: trimmed})
	}

	if p.state == model.StateToolUse {
		if p.pats.Collapsed.MatchString(line) {
			// Oversized output stays summarized; the marker is the summary.
			return []model.Block{{Kind: model.BlockTool, Content: trimmed}}
		}
		if text, ok := p.pats.ToolOutputText(line); ok {
			if text == "" {
				return nil
			}
			return []model.Block{{Kind: model.BlockTool, Content: text}}
		}
	}

	if p.pats.Collapsed.MatchString(line) ||
		p.pats.EditFile.MatchString(line) ||
		p.pats.DiffLine.MatchString(line) {
		return []model.Block{{Kind: model.BlockTool, Content: trimmed}}
	}

	if p.pats.Permission.MatchString(line) {
		p.state = model.StateWaitingInput
		return []model.Block{{Kind: model.BlockText, Content: "⚠️ " + trimmed}}
	}
	if p.pats.MenuOption.MatchString(line) {
		return []model.Block{{Kind: model.BlockText, Content: trimmed}}
	}

	if m := p.pats.Thinking.FindStringSubmatch(line); m != nil {
		p.state = model.StateThinking
		return []model.Block{{Kind: model.BlockThinking, Content: strings.TrimSpace(m[1])}}
	}

	if text, ok := p.pats.ResponseText(line); ok {
		p.textParts = append(p.textParts, text)
		p.state = model.StateTextOutput
		return []model.Block{{Kind: model.BlockText, Content: text}}
	}

	if p.pats.PromptEmpty.MatchString(line) {
		blocks := p.flushAcc()
		p.state = model.StateComplete
		p.promptSeenAt = p.now()
		return append(blocks, model.Block{Kind: model.BlockPrompt, Content: ""})
	}
	if p.pats.UserInput.MatchString(line) {
		// Echo of our own (or the human's) input.
		return nil
	}

	p.acc = append(p.acc, line)
	return nil
}

// flushAcc drains the pending accumulator under the active state. Thinking
// content becomes a thinking block; anything else joins the reply text.
func (p *Parser) flushAcc() []model.Block {
	if len(p.acc) == 0 {
		return nil
	}
	joined := strings.TrimSpace(strings.Join(p.acc, "\n"))
	p.acc = nil
	if joined == "" {
		return nil
	}
	if p.state == model.StateThinking {
		return []model.Block{{Kind: model.BlockThinking, Content: joined}}
	}
	p.textParts = append(p.textParts, joined)
	return []model.Block{{Kind: model.BlockText, Content: joined}}
}

func tailsEqual(a, b string) bool {
	n := tailWindow
	if len(a) < n {
		n = len(a)
	}
	if len(b) < n {
		n = len(b)
	}
	return a[len(a)-n:] == b[len(b)-n:]
}

func tailNonEmptyLines(s string, n int) []string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, n)
	for i := len(lines) - 1; i >= 0 && len(out) < n; i-- {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}
		out = append(out, lines[i])
	}
	return out
}
