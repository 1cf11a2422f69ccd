package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/tmuxbridge/internal/model"
	"github.com/g960059/tmuxbridge/internal/parser"
)

const (
	anchorMaxLen     = 64
	overlapProbeLen  = 128
	minOverlapLen    = 16
	lockReleaseGrace = 5 * time.Second
)

// SendMessage injects text into the session and drives the poll-and-parse
// loop until the parser reports completion, the turn budget runs out, or
// the caller cancels. Each recognized block reaches onEvent before the
// final text resolves; a failing turn never retracts already-delivered
// events. The per-session lock is held for the whole turn and released on
// every exit path.
func (b *Bridge) SendMessage(ctx context.Context, sessionName, text string, onEvent EventFunc) (string, error) {
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	exists, err := b.tmux.HasSession(ctx, sessionName)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("%w: %s", ErrNotFound, sessionName)
	}

	holder := "bridge-" + uuid.NewString()[:8]
	if _, err := b.locks.Acquire(ctx, sessionName, holder); err != nil {
		return "", err
	}
	defer func() {
		// The send context may already be dead; release must still land.
		releaseCtx, cancel := context.WithTimeout(context.Background(), lockReleaseGrace)
		defer cancel()
		if err := b.locks.Release(releaseCtx, sessionName); err != nil {
			b.logger.Error("lock release failed", "session", sessionName, "error", err)
		}
	}()

	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	b.mu.Lock()
	b.responding = true
	b.activeSend = sessionName
	b.cancelSend = cancel
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.responding = false
		b.activeSend = ""
		b.cancelSend = nil
		b.mu.Unlock()
	}()

	if err := b.tmux.SendText(sendCtx, sessionName, text); err != nil {
		return "", err
	}
	if err := b.tmux.SendKey(sendCtx, sessionName, "Enter"); err != nil {
		return "", err
	}
	if err := b.store.TouchActivity(ctx, sessionName, b.now().UTC()); err != nil {
		b.logger.Warn("touch activity failed", "session", sessionName, "error", err)
	}

	p := parser.New(b.cfg.StabilityDelay)
	p.Reset()
	final, err := b.pollResponse(sendCtx, sessionName, anchorFor(text), p, onEvent)
	if err != nil {
		return final, err
	}
	if err := b.store.TouchActivity(ctx, sessionName, b.now().UTC()); err != nil {
		b.logger.Warn("touch activity failed", "session", sessionName, "error", err)
	}
	onEvent(Event{Kind: EventDone})
	return final, nil
}

// pollResponse is the core turn loop: capture, isolate new content after
// the anchor, feed the parser, forward blocks, re-check completion. Parser
// output becomes authoritative only after the first thinking, tool, or
// text block — the CLI can leave a stale idle prompt on screen before it
// starts redrawing.
func (b *Bridge) pollResponse(ctx context.Context, sessionName, anchor string, p *parser.Parser, onEvent EventFunc) (string, error) {
	deadline := b.now().Add(b.cfg.ResponseTimeout)
	var lastCapture, lastSlice string
	sawContent := false

	for {
		if err := ctx.Err(); err != nil {
			return p.TextResponse(), mapCtxErr(err)
		}
		if b.now().After(deadline) {
			return p.TextResponse(), ErrTimeout
		}

		capture, err := b.tmux.CapturePane(ctx, sessionName, b.cfg.ScrollbackLines)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return p.TextResponse(), mapCtxErr(ctxErr)
			}
			b.logger.Warn("pane capture failed mid-turn", "session", sessionName, "error", err)
		} else if capture != lastCapture {
			lastCapture = capture
			slice, ok := b.extractAfterAnchor(capture, anchor, lastSlice, sessionName)
			if ok {
				lastSlice = slice
				for _, blk := range p.Feed(slice) {
					if blk.Kind == model.BlockThinking || blk.Kind == model.BlockTool || blk.Kind == model.BlockText {
						sawContent = true
					}
					if ev, emit := eventFromBlock(blk); emit {
						onEvent(ev)
					}
				}
			}
		}

		if sawContent && p.IsComplete() {
			return p.TextResponse(), nil
		}

		select {
		case <-ctx.Done():
			return p.TextResponse(), mapCtxErr(ctx.Err())
		case <-time.After(b.cfg.PollInterval):
		}
	}
}

// extractAfterAnchor isolates the reply from the echoed input and older
// scrollback. Until the anchor first appears there is nothing to parse.
// Once the anchor has scrolled out of the retained window, continuity is
// re-established from the tail of the previous slice; with no overlap at
// all the whole capture is handed over and the parser rebases or resets.
func (b *Bridge) extractAfterAnchor(capture, anchor, lastSlice, sessionName string) (string, bool) {
	if idx := strings.LastIndex(capture, anchor); idx >= 0 {
		return capture[idx+len(anchor):], true
	}
	if lastSlice == "" {
		// Anchor not echoed yet.
		return "", false
	}
	probe := tailOf(lastSlice, overlapProbeLen)
	for len(probe) >= minOverlapLen {
		if idx := strings.LastIndex(capture, probe); idx >= 0 {
			return lastSlice + capture[idx+len(probe):], true
		}
		probe = probe[len(probe)/2:]
	}
	b.logger.Warn("anchor and overlap lost to scrollback, treating capture as new",
		"session", sessionName)
	return capture, true
}

// anchorFor reduces the sent message to a search key that survives the
// CLI's input echo: the last non-empty line, capped so terminal wrapping
// of long messages cannot break the match.
func anchorFor(text string) string {
	lines := strings.Split(text, "\n")
	anchor := ""
	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
			anchor = trimmed
			break
		}
	}
	if anchor == "" {
		anchor = strings.TrimSpace(text)
	}
	runes := []rune(anchor)
	if len(runes) > anchorMaxLen {
		anchor = string(runes[len(runes)-anchorMaxLen:])
	}
	return anchor
}

func tailOf(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func eventFromBlock(blk model.Block) (Event, bool) {
	switch blk.Kind {
	case model.BlockThinking:
		return Event{Kind: EventThinking, Content: blk.Content}, true
	case model.BlockTool:
		return Event{Kind: EventTool, Content: blk.Content}, true
	case model.BlockText, model.BlockError:
		return Event{Kind: EventText, Content: blk.Content}, true
	default:
		return Event{}, false
	}
}

func mapCtxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ErrCancelled
}
