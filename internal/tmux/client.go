// Package tmux wraps the session lifecycle and IO primitives the bridge
// needs: detached session creation, listing, literal keystroke injection,
// and pane capture with bounded scrollback.
package tmux

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/g960059/tmuxbridge/internal/config"
	"github.com/g960059/tmuxbridge/internal/target"
	"github.com/g960059/tmuxbridge/internal/tmuxfmt"
)

// LiveSession is one row of the multiplexer's live session list.
type LiveSession struct {
	Name       string
	Path       string
	ActivityAt time.Time
}

type Client struct {
	cfg  config.Config
	exec *target.Executor
}

func NewClient(cfg config.Config, exec *target.Executor) *Client {
	return &Client{cfg: cfg, exec: exec}
}

// NewSession starts command inside a new detached session sized per
// configuration. The scrollback limit is set globally first so the new
// pane inherits it.
func (c *Client) NewSession(ctx context.Context, name, workDir, command string) error {
	if _, err := c.exec.Run(ctx, c.exec.BuildTmuxCommand(
		"set-option", "-g", "history-limit", strconv.Itoa(c.cfg.ScrollbackLines),
	)); err != nil {
		return fmt.Errorf("set history limit: %w", err)
	}
	args := []string{
		"new-session", "-d",
		"-s", name,
		"-x", strconv.Itoa(c.cfg.PaneWidth),
		"-y", strconv.Itoa(c.cfg.PaneHeight),
	}
	if workDir != "" {
		args = append(args, "-c", workDir)
	}
	args = append(args, command)
	if _, err := c.exec.Run(ctx, c.exec.BuildTmuxCommand(args...)); err != nil {
		return fmt.Errorf("new session %s: %w", name, err)
	}
	return nil
}

// HasSession reports whether an exactly-named session exists. tmux signals
// absence through a nonzero exit, so command failure means "no" unless the
// context itself is done.
func (c *Client) HasSession(ctx context.Context, name string) (bool, error) {
	_, err := c.exec.Run(ctx, c.exec.BuildTmuxCommand("has-session", "-t", exact(name)))
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, nil
	}
	return true, nil
}

func (c *Client) ListSessions(ctx context.Context) ([]LiveSession, error) {
	res, err := c.exec.Run(ctx, c.exec.BuildTmuxCommand(
		"list-sessions",
		"-F",
		tmuxfmt.Join("#{session_name}", "#{session_path}", "#{session_activity}"),
	))
	if err != nil {
		// No server running means no sessions, not a failure.
		if strings.Contains(err.Error(), "no server running") {
			return nil, nil
		}
		return nil, err
	}
	return parseListSessionsOutput(res.Output)
}

func (c *Client) KillSession(ctx context.Context, name string) error {
	if _, err := c.exec.Run(ctx, c.exec.BuildTmuxCommand("kill-session", "-t", exact(name))); err != nil {
		return fmt.Errorf("kill session %s: %w", name, err)
	}
	return nil
}

// SendText injects text in literal mode. No shell, no key-name expansion:
// message content can never be interpreted as control sequences.
func (c *Client) SendText(ctx context.Context, name, text string) error {
	if _, err := c.exec.Run(ctx, c.exec.BuildTmuxCommand(
		"send-keys", "-t", exact(name), "-l", "--", text,
	)); err != nil {
		return fmt.Errorf("send text to %s: %w", name, err)
	}
	return nil
}

// SendKey injects one named key (Enter, Escape, C-c, ...).
func (c *Client) SendKey(ctx context.Context, name, key string) error {
	if _, err := c.exec.Run(ctx, c.exec.BuildTmuxCommand(
		"send-keys", "-t", exact(name), key,
	)); err != nil {
		return fmt.Errorf("send key %s to %s: %w", key, name, err)
	}
	return nil
}

// CapturePane returns the visible pane plus up to scrollbackLines of
// history as plain text.
func (c *Client) CapturePane(ctx context.Context, name string, scrollbackLines int) (string, error) {
	res, err := c.exec.Run(ctx, c.exec.BuildTmuxCommand(
		"capture-pane", "-p",
		"-t", exact(name),
		"-S", fmt.Sprintf("-%d", scrollbackLines),
	))
	if err != nil {
		return "", fmt.Errorf("capture pane %s: %w", name, err)
	}
	return res.Output, nil
}

func parseListSessionsOutput(output string) ([]LiveSession, error) {
	s := bufio.NewScanner(strings.NewReader(output))
	var sessions []LiveSession
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		parts := tmuxfmt.SplitLine(line, 3)
		if len(parts) < 1 || strings.TrimSpace(parts[0]) == "" {
			return nil, fmt.Errorf("invalid tmux list-sessions line: %q", line)
		}
		sess := LiveSession{Name: strings.TrimSpace(parts[0])}
		if len(parts) >= 2 {
			sess.Path = strings.TrimSpace(parts[1])
		}
		if len(parts) >= 3 {
			if unix, err := strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 64); err == nil && unix > 0 {
				sess.ActivityAt = time.Unix(unix, 0).UTC()
			}
		}
		sessions = append(sessions, sess)
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("scan tmux output: %w", err)
	}
	return sessions, nil
}

// exact pins a target to the full session name; without the prefix tmux
// matches names loosely.
func exact(name string) string {
	return "=" + name
}
