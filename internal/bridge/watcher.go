package bridge

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/g960059/tmuxbridge/internal/sanitize"
)

// Activity is content that appeared in the session without the bridge
// sending anything — someone typing into the pane directly.
type Activity struct {
	SessionName string
	Content     string
}

type ActivityFunc func(Activity)

type watcherHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// StartWatcher begins a low-frequency poll that surfaces externally
// originated output. Ticks skip while a SendMessage loop is active on the
// same session, and a slow tick never overlaps the next one. New tail
// content is forwarded raw; the watcher does not attempt full parsing.
func (b *Bridge) StartWatcher(ctx context.Context, sessionName string, onActivity ActivityFunc) error {
	if onActivity == nil {
		return errors.New("onActivity is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.watcher != nil {
		return errors.New("watcher already running")
	}
	wctx, cancel := context.WithCancel(ctx)
	w := &watcherHandle{cancel: cancel, done: make(chan struct{})}
	b.watcher = w
	go b.runWatcher(wctx, sessionName, onActivity, w)
	return nil
}

// StopWatcher stops the background poll and waits for the current tick to
// finish. Safe to call when no watcher is running.
func (b *Bridge) StopWatcher() {
	b.mu.Lock()
	w := b.watcher
	b.watcher = nil
	b.mu.Unlock()
	if w == nil {
		return
	}
	w.cancel()
	<-w.done
}

func (b *Bridge) runWatcher(ctx context.Context, sessionName string, onActivity ActivityFunc, w *watcherHandle) {
	defer close(w.done)

	ticker := time.NewTicker(b.cfg.WatcherInterval)
	defer ticker.Stop()

	var inFlight atomic.Bool
	var lastCapture string
	var lastSig uint64
	primed := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if b.isResponding(sessionName) {
			// Mutually exclusive with an active send loop.
			continue
		}
		if !inFlight.CompareAndSwap(false, true) {
			continue
		}
		func() {
			defer inFlight.Store(false)

			capture, err := b.tmux.CapturePane(ctx, sessionName, b.cfg.SummaryLines)
			if err != nil {
				return
			}
			clean := sanitize.Clean(capture)
			sig := hashSignature(clean)
			if !primed {
				// First observation is the baseline, never an event.
				primed = true
				lastCapture = clean
				lastSig = sig
				return
			}
			if sig == lastSig {
				return
			}
			content := newTailContent(lastCapture, clean)
			lastCapture = clean
			lastSig = sig
			if b.isResponding(sessionName) {
				// A send started while we captured; its loop owns this output.
				return
			}
			if strings.TrimSpace(content) == "" {
				return
			}
			if err := b.store.TouchActivity(ctx, sessionName, b.now().UTC()); err != nil {
				b.logger.Warn("touch activity failed", "session", sessionName, "error", err)
			}
			onActivity(Activity{SessionName: sessionName, Content: content})
		}()
	}
}

// newTailContent returns what newer holds beyond older, re-anchored on the
// longest findable suffix of older. With no overlap the whole capture is
// treated as new.
func newTailContent(older, newer string) string {
	if older == "" {
		return newer
	}
	probe := tailOf(older, overlapProbeLen)
	for len(probe) >= minOverlapLen {
		if idx := strings.LastIndex(newer, probe); idx >= 0 {
			return newer[idx+len(probe):]
		}
		probe = probe[len(probe)/2:]
	}
	return newer
}

func hashSignature(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
