// Package bridge owns exclusive access to controlled CLI sessions running
// under tmux: it creates and adopts sessions, injects messages, and drives
// the streaming parser over polled pane captures to produce one completed
// reply per turn.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/tmuxbridge/internal/config"
	"github.com/g960059/tmuxbridge/internal/db"
	"github.com/g960059/tmuxbridge/internal/locks"
	"github.com/g960059/tmuxbridge/internal/model"
	"github.com/g960059/tmuxbridge/internal/patterns"
	"github.com/g960059/tmuxbridge/internal/sanitize"
	"github.com/g960059/tmuxbridge/internal/target"
	"github.com/g960059/tmuxbridge/internal/tmux"
)

var (
	ErrNotFound  = errors.New("session not found")
	ErrTimeout   = errors.New("response timed out")
	ErrCancelled = errors.New("response cancelled")
	ErrExists    = errors.New("session already exists")
	ErrNotReady  = errors.New("agent prompt did not appear")
)

// EventKind tags one callback event during a turn.
type EventKind string

const (
	EventThinking EventKind = "thinking"
	EventTool     EventKind = "tool"
	EventText     EventKind = "text"
	EventDone     EventKind = "done"
)

type Event struct {
	Kind    EventKind
	Content string
}

type EventFunc func(Event)

// Summary is a best-effort snapshot of a session's last exchange. Empty
// means the pane was unreadable or held no recognizable content; that is
// a sentinel, not a failure.
type Summary struct {
	Input    string
	Response string
	Empty    bool
}

// Status describes the bridge's current standing for display.
type Status struct {
	ActiveSession string
	Responding    bool
	Lock          *model.Lock
	LastActivity  *time.Time
}

type Bridge struct {
	cfg    config.Config
	store  *db.Store
	locks  *locks.Manager
	tmux   *tmux.Client
	pats   *patterns.Library
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	responding bool
	activeSend string
	cancelSend context.CancelFunc
	exitTimers map[string]*time.Timer
	watcher    *watcherHandle
}

func New(cfg config.Config, store *db.Store, executor *target.Executor) *Bridge {
	return &Bridge{
		cfg:        cfg,
		store:      store,
		locks:      locks.NewManager(store, cfg.LockTimeout),
		tmux:       tmux.NewClient(cfg, executor),
		pats:       patterns.Default(),
		logger:     slog.Default(),
		now:        time.Now,
		exitTimers: make(map[string]*time.Timer),
	}
}

// CreateSession launches the controlled CLI inside a new detached tmux
// session and waits for its ready prompt. Startup latency varies, so
// readiness is polled against pane content rather than slept through.
func (b *Bridge) CreateSession(ctx context.Context, name, resumeToken string) (model.Session, error) {
	if name == "" {
		name = b.cfg.SessionPrefix + uuid.NewString()[:8]
	}
	exists, err := b.tmux.HasSession(ctx, name)
	if err != nil {
		return model.Session{}, err
	}
	if exists {
		return model.Session{}, fmt.Errorf("%w: %s", ErrExists, name)
	}

	command := b.cfg.AgentBin
	if resumeToken != "" {
		command += " --resume " + resumeToken
	}
	if err := b.tmux.NewSession(ctx, name, b.cfg.WorkDir, command); err != nil {
		return model.Session{}, err
	}
	if err := b.waitReady(ctx, name); err != nil {
		return model.Session{}, err
	}

	now := b.now().UTC()
	sess := model.Session{
		Name:           name,
		WorkDir:        b.cfg.WorkDir,
		Alive:          true,
		CreatedBy:      model.CreatedByBridge,
		LastActivityAt: &now,
		UpdatedAt:      now,
	}
	if err := b.store.UpsertSession(ctx, sess); err != nil {
		return model.Session{}, err
	}
	if err := b.store.SetOwned(ctx, name, true, now); err != nil {
		return model.Session{}, err
	}
	b.cancelExitTimer(name)
	sess.Owned = true
	return sess, nil
}

// AttachToSession takes interactive ownership of an existing session
// without restarting the underlying process. First-seen external sessions
// get registry entries with external defaults. A pending delayed teardown
// is cancelled by the attach.
func (b *Bridge) AttachToSession(ctx context.Context, name string) (model.Session, error) {
	exists, err := b.tmux.HasSession(ctx, name)
	if err != nil {
		return model.Session{}, err
	}
	if !exists {
		return model.Session{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	now := b.now().UTC()
	sess, err := b.store.GetSession(ctx, name)
	if errors.Is(err, db.ErrNotFound) {
		sess = model.Session{
			Name:           name,
			CreatedBy:      model.CreatedByExternal,
			LastActivityAt: &now,
		}
	} else if err != nil {
		return model.Session{}, err
	}

	sess.MarkedForExit = false
	sess.MarkedAt = nil
	sess.UpdatedAt = now
	if err := b.store.UpsertSession(ctx, sess); err != nil {
		return model.Session{}, err
	}
	if err := b.store.SetOwned(ctx, name, true, now); err != nil {
		return model.Session{}, err
	}
	b.cancelExitTimer(name)
	sess.Owned = true
	sess.Alive = true
	return sess, nil
}

// ListSessions joins the live tmux session list with persisted metadata.
// Registry rows whose sessions are gone are dropped opportunistically;
// live sessions without metadata get external defaults.
func (b *Bridge) ListSessions(ctx context.Context) ([]model.Session, error) {
	live, err := b.tmux.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	metas, err := b.store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	metaByName := make(map[string]model.Session, len(metas))
	for _, m := range metas {
		metaByName[m.Name] = m
	}

	liveNames := make(map[string]struct{}, len(live))
	out := make([]model.Session, 0, len(live))
	for _, ls := range live {
		liveNames[ls.Name] = struct{}{}
		sess, ok := metaByName[ls.Name]
		if !ok {
			activity := ls.ActivityAt
			sess = model.Session{
				Name:      ls.Name,
				WorkDir:   ls.Path,
				CreatedBy: model.CreatedByExternal,
			}
			if !activity.IsZero() {
				sess.LastActivityAt = &activity
			}
			if err := b.store.UpsertSession(ctx, sess); err != nil {
				b.logger.Warn("persist first-seen session failed", "session", ls.Name, "error", err)
			}
		}
		sess.Alive = true
		if sess.WorkDir == "" {
			sess.WorkDir = ls.Path
		}
		out = append(out, sess)
	}

	for _, m := range metas {
		if _, ok := liveNames[m.Name]; ok {
			continue
		}
		b.cancelExitTimer(m.Name)
		if err := b.store.DeleteSession(ctx, m.Name); err != nil {
			b.logger.Warn("prune dead session failed", "session", m.Name, "error", err)
		}
	}
	return out, nil
}

// KillSession destroys the tmux session and its registry entry.
func (b *Bridge) KillSession(ctx context.Context, name string) error {
	exists, err := b.tmux.HasSession(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err := b.tmux.KillSession(ctx, name); err != nil {
		return err
	}
	b.cancelExitTimer(name)
	if err := b.store.DeleteSession(ctx, name); err != nil {
		return err
	}
	return b.locks.Release(ctx, name)
}

// MarkForExit schedules delayed teardown for bridge-created sessions; a
// re-attach within the grace period cancels it. Externally created
// sessions only lose the bridge's ownership flag — their process is never
// killed.
func (b *Bridge) MarkForExit(ctx context.Context, name string) error {
	sess, err := b.store.GetSession(ctx, name)
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return err
	}
	now := b.now().UTC()

	if sess.CreatedBy != model.CreatedByBridge {
		return b.store.SetOwned(ctx, name, false, now)
	}

	if err := b.store.SetMarkedForExit(ctx, name, true, now); err != nil {
		return err
	}
	if err := b.store.SetOwned(ctx, name, false, now); err != nil {
		return err
	}
	b.scheduleExit(name)
	return nil
}

func (b *Bridge) scheduleExit(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.exitTimers[name]; ok {
		t.Stop()
	}
	b.exitTimers[name] = time.AfterFunc(b.cfg.IdleExitGrace, func() {
		b.completeExit(name)
	})
}

func (b *Bridge) cancelExitTimer(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.exitTimers[name]; ok {
		t.Stop()
		delete(b.exitTimers, name)
	}
}

// completeExit fires after the grace period. The mark is re-read from the
// store: an attach in the meantime unmarks and wins.
func (b *Bridge) completeExit(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess, err := b.store.GetSession(ctx, name)
	if err != nil {
		return
	}
	if !sess.MarkedForExit || sess.CreatedBy != model.CreatedByBridge {
		return
	}
	if err := b.tmux.KillSession(ctx, name); err != nil {
		b.logger.Warn("delayed teardown kill failed", "session", name, "error", err)
	}
	if err := b.store.DeleteSession(ctx, name); err != nil {
		b.logger.Warn("delayed teardown prune failed", "session", name, "error", err)
	}
	b.cancelExitTimer(name)
}

// StopResponse cancels any in-flight poll loop for the session and sends
// the interrupt keystroke to the controlled process.
func (b *Bridge) StopResponse(ctx context.Context, name string) error {
	b.mu.Lock()
	if b.cancelSend != nil && b.activeSend == name {
		b.cancelSend()
	}
	b.mu.Unlock()
	return b.tmux.SendKey(ctx, name, "Escape")
}

// SessionSummary extracts the last input/response pair from a bounded
// recent window of pane text.
func (b *Bridge) SessionSummary(ctx context.Context, name string) (Summary, error) {
	capture, err := b.tmux.CapturePane(ctx, name, b.cfg.SummaryLines)
	if err != nil || strings.TrimSpace(capture) == "" {
		return Summary{Empty: true}, nil
	}
	clean := sanitize.Clean(capture)
	var input, response string
	for _, line := range strings.Split(clean, "\n") {
		if b.pats.Decorative(line) {
			continue
		}
		if text, ok := b.pats.InputText(line); ok && text != "" {
			input = text
			response = ""
			continue
		}
		if text, ok := b.pats.ResponseText(line); ok && text != "" {
			if response != "" {
				response += "\n"
			}
			response += text
		}
	}
	if input == "" && response == "" {
		return Summary{Empty: true}, nil
	}
	return Summary{Input: input, Response: response}, nil
}

// GetStatus reports the owned session, responding flag, lock, and last
// activity.
func (b *Bridge) GetStatus(ctx context.Context) (Status, error) {
	b.mu.Lock()
	st := Status{Responding: b.responding}
	b.mu.Unlock()

	sessions, err := b.store.ListSessions(ctx)
	if err != nil {
		return Status{}, err
	}
	for _, s := range sessions {
		if s.Owned {
			st.ActiveSession = s.Name
			st.LastActivity = s.LastActivityAt
			break
		}
	}
	if st.ActiveSession != "" {
		lock, err := b.locks.Current(ctx, st.ActiveSession)
		if err != nil {
			return Status{}, err
		}
		st.Lock = lock
	}
	return st, nil
}

// waitReady polls pane content for a prompt or the CLI's footer chrome.
func (b *Bridge) waitReady(ctx context.Context, name string) error {
	deadline := b.now().Add(b.cfg.StartupTimeout)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if b.now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrNotReady, name)
		}
		capture, err := b.tmux.CapturePane(ctx, name, b.cfg.PaneHeight)
		if err == nil {
			clean := sanitize.Clean(capture)
			for _, line := range strings.Split(clean, "\n") {
				if b.pats.PromptLike.MatchString(line) || b.pats.Chrome.MatchString(line) {
					return nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.cfg.PollInterval):
		}
	}
}

func (b *Bridge) isResponding(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.responding && b.activeSend == name
}
