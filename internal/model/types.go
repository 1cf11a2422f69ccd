package model

import "time"

// ParseState is the parser's single discrete state within one response cycle.
type ParseState string

const (
	StateIdle         ParseState = "idle"
	StateThinking     ParseState = "thinking"
	StateToolUse      ParseState = "tool_use"
	StateTextOutput   ParseState = "text_output"
	StateWaitingInput ParseState = "waiting_input"
	StateComplete     ParseState = "complete"
)

// BlockKind tags one emitted parser block.
type BlockKind string

const (
	BlockThinking BlockKind = "thinking"
	BlockTool     BlockKind = "tool"
	BlockText     BlockKind = "text"
	BlockPrompt   BlockKind = "prompt"
	BlockError    BlockKind = "error"
)

// Block is an immutable parsed unit. Blocks are append-only within a
// response cycle and are never retracted once handed to a callback.
type Block struct {
	Kind    BlockKind
	Content string
}

// CreatedBy records which actor started a session.
type CreatedBy string

const (
	CreatedByBridge   CreatedBy = "bridge"
	CreatedByExternal CreatedBy = "external"
)

// Session is the persisted handle to one controlled CLI process running
// inside a tmux session. Liveness is joined in from the live tmux session
// list; everything else survives bridge restarts.
type Session struct {
	Name           string
	WorkDir        string
	Alive          bool
	CreatedBy      CreatedBy
	Owned          bool
	MarkedForExit  bool
	MarkedAt       *time.Time
	LastActivityAt *time.Time
	UpdatedAt      time.Time
}

// Lock is an exclusivity token over a session name.
type Lock struct {
	SessionName string
	Holder      string
	AcquiredAt  time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the lock has passed its expiry at the given time.
func (l Lock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Error codes surfaced by the CLI layer.
const (
	ErrCodeBusy       = "E_BUSY"
	ErrCodeNotFound   = "E_NOT_FOUND"
	ErrCodeTimeout    = "E_TIMEOUT"
	ErrCodeCancelled  = "E_CANCELLED"
	ErrCodeUnreadable = "E_UNREADABLE"
)
