// Package target runs multiplexer commands on the local host with
// timeouts and bounded retries.
package target

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/g960059/tmuxbridge/internal/config"
)

type RunResult struct {
	Output   string
	Duration time.Duration
}

type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

type Executor struct {
	cfg    config.Config
	runner Runner
}

func NewExecutor(cfg config.Config) *Executor {
	return &Executor{
		cfg:    cfg,
		runner: OSRunner{},
	}
}

func NewExecutorWithRunner(cfg config.Config, runner Runner) *Executor {
	e := NewExecutor(cfg)
	e.runner = runner
	return e
}

// Run executes the command with a per-attempt timeout. Read-only tmux
// queries get retried with jittered backoff; mutating commands run once.
func (e *Executor) Run(ctx context.Context, command []string) (RunResult, error) {
	if len(command) == 0 {
		return RunResult{}, fmt.Errorf("empty command")
	}

	maxAttempts := 1
	if e.isRetryableCommand(command) {
		maxAttempts += len(e.cfg.RetryBackoff)
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		start := time.Now()
		runCtx, cancel := context.WithTimeout(ctx, e.cfg.CommandTimeout)
		out, err := e.runner.Run(runCtx, command[0], command[1:]...)
		cancel()
		if err == nil {
			return RunResult{Output: string(out), Duration: time.Since(start)}, nil
		}
		lastErr = fmt.Errorf("%s: %w (output: %s)", command[0], err, strings.TrimSpace(string(out)))

		if attempt < maxAttempts {
			backoff := e.cfg.RetryBackoff[attempt-1]
			jitter := time.Duration(0)
			maxJitter := int64(backoff / 4)
			if maxJitter > 0 {
				jitter = time.Duration(time.Now().UTC().UnixNano() % maxJitter)
			}
			select {
			case <-ctx.Done():
				return RunResult{}, ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}
	}
	return RunResult{}, lastErr
}

// BuildTmuxCommand prefixes args with the configured tmux binary.
func (e *Executor) BuildTmuxCommand(args ...string) []string {
	cmd := make([]string, 0, len(args)+1)
	cmd = append(cmd, e.cfg.TmuxBin)
	cmd = append(cmd, args...)
	return cmd
}

func (e *Executor) isRetryableCommand(command []string) bool {
	if len(command) < 2 {
		return false
	}
	if command[0] != e.cfg.TmuxBin {
		return false
	}
	switch strings.ToLower(command[1]) {
	case "list-panes", "list-windows", "list-sessions", "display-message", "capture-pane", "show-options":
		return true
	default:
		return false
	}
}
