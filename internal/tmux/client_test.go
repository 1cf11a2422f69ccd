package tmux

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/g960059/tmuxbridge/internal/config"
	"github.com/g960059/tmuxbridge/internal/target"
)

type recordingRunner struct {
	commands [][]string
	output   string
	err      error
}

func (r *recordingRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.commands = append(r.commands, append([]string{name}, args...))
	return []byte(r.output), r.err
}

func (r *recordingRunner) last() []string {
	if len(r.commands) == 0 {
		return nil
	}
	return r.commands[len(r.commands)-1]
}

func newTestClient(runner *recordingRunner) *Client {
	cfg := config.DefaultConfig()
	cfg.CommandTimeout = time.Second
	cfg.RetryBackoff = nil
	cfg.PaneWidth = 200
	cfg.PaneHeight = 50
	cfg.ScrollbackLines = 10000
	return NewClient(cfg, target.NewExecutorWithRunner(cfg, runner))
}

func TestNewSessionCommands(t *testing.T) {
	runner := &recordingRunner{}
	c := newTestClient(runner)

	if err := c.NewSession(context.Background(), "agent-1", "/work", "claude --resume tok"); err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if len(runner.commands) != 2 {
		t.Fatalf("commands = %v, want set-option then new-session", runner.commands)
	}
	first := strings.Join(runner.commands[0], " ")
	if !strings.Contains(first, "set-option -g history-limit 10000") {
		t.Fatalf("history limit not set first: %q", first)
	}
	second := strings.Join(runner.commands[1], " ")
	for _, want := range []string{"new-session -d", "-s agent-1", "-x 200", "-y 50", "-c /work", "claude --resume tok"} {
		if !strings.Contains(second, want) {
			t.Fatalf("new-session missing %q: %q", want, second)
		}
	}
}

func TestNewSessionOmitsWorkDirWhenEmpty(t *testing.T) {
	runner := &recordingRunner{}
	c := newTestClient(runner)
	if err := c.NewSession(context.Background(), "s", "", "claude"); err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if strings.Contains(strings.Join(runner.last(), " "), " -c ") {
		t.Fatalf("-c passed without a work dir: %v", runner.last())
	}
}

func TestHasSession(t *testing.T) {
	runner := &recordingRunner{}
	c := newTestClient(runner)

	ok, err := c.HasSession(context.Background(), "s")
	if err != nil || !ok {
		t.Fatalf("HasSession = %v, %v", ok, err)
	}
	if got := strings.Join(runner.last(), " "); !strings.Contains(got, "has-session -t =s") {
		t.Fatalf("target not exact-pinned: %q", got)
	}

	runner.err = errors.New("can't find session: s")
	ok, err = c.HasSession(context.Background(), "s")
	if err != nil || ok {
		t.Fatalf("nonzero exit should mean absent: %v, %v", ok, err)
	}
}

func TestHasSessionCancelledContext(t *testing.T) {
	runner := &recordingRunner{err: errors.New("killed")}
	c := newTestClient(runner)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.HasSession(ctx, "s"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestSendTextLiteral(t *testing.T) {
	runner := &recordingRunner{}
	c := newTestClient(runner)

	if err := c.SendText(context.Background(), "s", "-rf / ; Enter"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	cmd := runner.last()
	want := []string{"tmux", "send-keys", "-t", "=s", "-l", "--", "-rf / ; Enter"}
	if len(cmd) != len(want) {
		t.Fatalf("cmd = %v, want %v", cmd, want)
	}
	for i := range want {
		if cmd[i] != want[i] {
			t.Fatalf("cmd[%d] = %q, want %q", i, cmd[i], want[i])
		}
	}
}

func TestSendKey(t *testing.T) {
	runner := &recordingRunner{}
	c := newTestClient(runner)
	if err := c.SendKey(context.Background(), "s", "Enter"); err != nil {
		t.Fatalf("SendKey: %v", err)
	}
	got := strings.Join(runner.last(), " ")
	if !strings.HasSuffix(got, "send-keys -t =s Enter") {
		t.Fatalf("cmd = %q", got)
	}
}

func TestCapturePaneArgs(t *testing.T) {
	runner := &recordingRunner{output: "line1\nline2"}
	c := newTestClient(runner)

	out, err := c.CapturePane(context.Background(), "s", 500)
	if err != nil {
		t.Fatalf("CapturePane: %v", err)
	}
	if out != "line1\nline2" {
		t.Fatalf("out = %q", out)
	}
	got := strings.Join(runner.last(), " ")
	if !strings.Contains(got, "capture-pane -p -t =s -S -500") {
		t.Fatalf("cmd = %q", got)
	}
}

func TestListSessionsNoServerRunning(t *testing.T) {
	runner := &recordingRunner{output: "no server running on /tmp/tmux-0/default", err: errors.New("exit status 1")}
	c := newTestClient(runner)

	sessions, err := c.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("sessions = %v, want none", sessions)
	}
}

func TestParseListSessionsOutput(t *testing.T) {
	out := "agent-1\x1f/work/a\x1f1724500000\n" +
		"\n" +
		"ext\t/home/u\t1724500100\n" +
		"bare\n"
	sessions, err := parseListSessionsOutput(out)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("sessions = %v, want 3", sessions)
	}
	if sessions[0].Name != "agent-1" || sessions[0].Path != "/work/a" {
		t.Fatalf("session[0] = %+v", sessions[0])
	}
	if want := time.Unix(1724500000, 0).UTC(); !sessions[0].ActivityAt.Equal(want) {
		t.Fatalf("activity = %v, want %v", sessions[0].ActivityAt, want)
	}
	if sessions[1].Name != "ext" || sessions[1].Path != "/home/u" {
		t.Fatalf("tab fallback broken: %+v", sessions[1])
	}
	if sessions[2].Name != "bare" || !sessions[2].ActivityAt.IsZero() {
		t.Fatalf("name-only line broken: %+v", sessions[2])
	}
}

func TestParseListSessionsOutputRejectsEmptyName(t *testing.T) {
	if _, err := parseListSessionsOutput("\x1f/path\x1f123\n"); err == nil {
		t.Fatalf("empty session name accepted")
	}
}

func TestKillSession(t *testing.T) {
	runner := &recordingRunner{}
	c := newTestClient(runner)
	if err := c.KillSession(context.Background(), "s"); err != nil {
		t.Fatalf("KillSession: %v", err)
	}
	if got := strings.Join(runner.last(), " "); !strings.Contains(got, "kill-session -t =s") {
		t.Fatalf("cmd = %q", got)
	}

	runner.err = errors.New("exit status 1")
	if err := c.KillSession(context.Background(), "s"); err == nil {
		t.Fatalf("kill failure swallowed")
	}
}
