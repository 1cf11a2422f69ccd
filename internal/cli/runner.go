// Package cli implements the tmuxbridge command line.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/g960059/tmuxbridge/internal/bridge"
	"github.com/g960059/tmuxbridge/internal/config"
	"github.com/g960059/tmuxbridge/internal/db"
	"github.com/g960059/tmuxbridge/internal/locks"
	"github.com/g960059/tmuxbridge/internal/model"
	"github.com/g960059/tmuxbridge/internal/target"
)

type Runner struct {
	out    io.Writer
	errOut io.Writer
}

func NewRunner(out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{out: out, errOut: errOut}
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	configPath, rest, err := parseGlobalArgs(args)
	if err != nil {
		fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if len(rest) == 0 {
		r.printUsage()
		return 2
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}

	switch rest[0] {
	case "create":
		return r.runCreate(ctx, cfg, rest[1:])
	case "attach":
		return r.runAttach(ctx, cfg, rest[1:])
	case "list":
		return r.runList(ctx, cfg)
	case "send":
		return r.runSend(ctx, cfg, rest[1:])
	case "stop":
		return r.runStop(ctx, cfg, rest[1:])
	case "kill":
		return r.runKill(ctx, cfg, rest[1:])
	case "mark-exit":
		return r.runMarkExit(ctx, cfg, rest[1:])
	case "summary":
		return r.runSummary(ctx, cfg, rest[1:])
	case "status":
		return r.runStatus(ctx, cfg)
	case "watch":
		return r.runWatch(ctx, cfg, rest[1:])
	default:
		fmt.Fprintf(r.errOut, "unknown command: %s\n", rest[0])
		r.printUsage()
		return 2
	}
}

func (r *Runner) printUsage() {
	fmt.Fprint(r.errOut, `usage: tmuxbridge [-config PATH] <command> [args]

commands:
  create [-name NAME] [-resume TOKEN]   start the agent in a new session
  attach NAME                           take over an existing session
  list                                  list live sessions with metadata
  send -session NAME [MESSAGE]          send a message, stream the reply
  stop NAME                             interrupt the in-flight response
  kill NAME                             destroy a session
  mark-exit NAME                        schedule idle teardown / release
  summary NAME                          show the last input/response pair
  status                                show bridge status
  watch NAME                            surface externally-typed activity
`)
}

func parseGlobalArgs(args []string) (string, []string, error) {
	configPath := ""
	rest := args
	for len(rest) > 0 {
		switch {
		case rest[0] == "-config" || rest[0] == "--config":
			if len(rest) < 2 {
				return "", nil, fmt.Errorf("-config requires a value")
			}
			configPath = rest[1]
			rest = rest[2:]
		case strings.HasPrefix(rest[0], "-config="):
			configPath = strings.TrimPrefix(rest[0], "-config=")
			rest = rest[1:]
		default:
			return configPath, rest, nil
		}
	}
	return configPath, rest, nil
}

func (r *Runner) openBridge(ctx context.Context, cfg config.Config) (*bridge.Bridge, func(), error) {
	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	executor := target.NewExecutor(cfg)
	b := bridge.New(cfg, store, executor)
	return b, func() { _ = store.Close() }, nil
}

func (r *Runner) runCreate(ctx context.Context, cfg config.Config, args []string) int {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	fs.SetOutput(r.errOut)
	name := fs.String("name", "", "session name (generated when empty)")
	resume := fs.String("resume", "", "agent conversation token to resume")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	b, cleanup, err := r.openBridge(ctx, cfg)
	if err != nil {
		return r.fail(err)
	}
	defer cleanup()
	sess, err := b.CreateSession(ctx, *name, *resume)
	if err != nil {
		return r.fail(err)
	}
	fmt.Fprintf(r.out, "created %s\n", sess.Name)
	return 0
}

func (r *Runner) runAttach(ctx context.Context, cfg config.Config, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(r.errOut, "usage: tmuxbridge attach NAME")
		return 2
	}
	b, cleanup, err := r.openBridge(ctx, cfg)
	if err != nil {
		return r.fail(err)
	}
	defer cleanup()
	sess, err := b.AttachToSession(ctx, args[0])
	if err != nil {
		return r.fail(err)
	}
	fmt.Fprintf(r.out, "attached %s (created_by=%s)\n", sess.Name, sess.CreatedBy)
	return 0
}

func (r *Runner) runList(ctx context.Context, cfg config.Config) int {
	b, cleanup, err := r.openBridge(ctx, cfg)
	if err != nil {
		return r.fail(err)
	}
	defer cleanup()
	sessions, err := b.ListSessions(ctx)
	if err != nil {
		return r.fail(err)
	}
	for _, s := range sessions {
		flags := make([]string, 0, 2)
		if s.Owned {
			flags = append(flags, "owned")
		}
		if s.MarkedForExit {
			flags = append(flags, "exit-marked")
		}
		suffix := ""
		if len(flags) > 0 {
			suffix = " [" + strings.Join(flags, ",") + "]"
		}
		fmt.Fprintf(r.out, "%s\tcreated_by=%s%s\n", s.Name, s.CreatedBy, suffix)
	}
	return 0
}

func (r *Runner) runSend(ctx context.Context, cfg config.Config, args []string) int {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(r.errOut)
	session := fs.String("session", "", "target session name")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *session == "" {
		fmt.Fprintln(r.errOut, "send: -session is required")
		return 2
	}
	message := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(message) == "" {
		data, err := io.ReadAll(io.LimitReader(os.Stdin, 1<<20))
		if err != nil {
			return r.fail(err)
		}
		message = strings.TrimSpace(string(data))
	}
	if message == "" {
		fmt.Fprintln(r.errOut, "send: empty message")
		return 2
	}

	b, cleanup, err := r.openBridge(ctx, cfg)
	if err != nil {
		return r.fail(err)
	}
	defer cleanup()

	final, err := b.SendMessage(ctx, *session, message, func(ev bridge.Event) {
		if ev.Kind == bridge.EventDone {
			return
		}
		fmt.Fprintf(r.out, "[%s] %s\n", ev.Kind, ev.Content)
	})
	if err != nil {
		return r.fail(err)
	}
	fmt.Fprintln(r.out, final)
	return 0
}

func (r *Runner) runStop(ctx context.Context, cfg config.Config, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(r.errOut, "usage: tmuxbridge stop NAME")
		return 2
	}
	b, cleanup, err := r.openBridge(ctx, cfg)
	if err != nil {
		return r.fail(err)
	}
	defer cleanup()
	if err := b.StopResponse(ctx, args[0]); err != nil {
		return r.fail(err)
	}
	fmt.Fprintln(r.out, "interrupt sent")
	return 0
}

func (r *Runner) runKill(ctx context.Context, cfg config.Config, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(r.errOut, "usage: tmuxbridge kill NAME")
		return 2
	}
	b, cleanup, err := r.openBridge(ctx, cfg)
	if err != nil {
		return r.fail(err)
	}
	defer cleanup()
	if err := b.KillSession(ctx, args[0]); err != nil {
		return r.fail(err)
	}
	fmt.Fprintf(r.out, "killed %s\n", args[0])
	return 0
}

func (r *Runner) runMarkExit(ctx context.Context, cfg config.Config, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(r.errOut, "usage: tmuxbridge mark-exit NAME")
		return 2
	}
	b, cleanup, err := r.openBridge(ctx, cfg)
	if err != nil {
		return r.fail(err)
	}
	defer cleanup()
	if err := b.MarkForExit(ctx, args[0]); err != nil {
		return r.fail(err)
	}
	fmt.Fprintf(r.out, "marked %s\n", args[0])
	return 0
}

func (r *Runner) runSummary(ctx context.Context, cfg config.Config, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(r.errOut, "usage: tmuxbridge summary NAME")
		return 2
	}
	b, cleanup, err := r.openBridge(ctx, cfg)
	if err != nil {
		return r.fail(err)
	}
	defer cleanup()
	sum, err := b.SessionSummary(ctx, args[0])
	if err != nil {
		return r.fail(err)
	}
	if sum.Empty {
		fmt.Fprintln(r.out, "(no readable content)")
		return 0
	}
	if sum.Input != "" {
		fmt.Fprintf(r.out, "> %s\n", sum.Input)
	}
	if sum.Response != "" {
		fmt.Fprintln(r.out, sum.Response)
	}
	return 0
}

func (r *Runner) runStatus(ctx context.Context, cfg config.Config) int {
	b, cleanup, err := r.openBridge(ctx, cfg)
	if err != nil {
		return r.fail(err)
	}
	defer cleanup()
	st, err := b.GetStatus(ctx)
	if err != nil {
		return r.fail(err)
	}
	active := st.ActiveSession
	if active == "" {
		active = "(none)"
	}
	fmt.Fprintf(r.out, "active: %s\nresponding: %v\n", active, st.Responding)
	if st.Lock != nil {
		fmt.Fprintf(r.out, "lock: held by %s until %s\n", st.Lock.Holder, st.Lock.ExpiresAt.Format("15:04:05"))
	}
	if st.LastActivity != nil {
		fmt.Fprintf(r.out, "last activity: %s\n", st.LastActivity.Format("2006-01-02 15:04:05"))
	}
	return 0
}

func (r *Runner) runWatch(ctx context.Context, cfg config.Config, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(r.errOut, "usage: tmuxbridge watch NAME")
		return 2
	}
	b, cleanup, err := r.openBridge(ctx, cfg)
	if err != nil {
		return r.fail(err)
	}
	defer cleanup()
	err = b.StartWatcher(ctx, args[0], func(a bridge.Activity) {
		fmt.Fprintf(r.out, "--- %s ---\n%s\n", a.SessionName, strings.TrimSpace(a.Content))
	})
	if err != nil {
		return r.fail(err)
	}
	<-ctx.Done()
	b.StopWatcher()
	return 0
}

func (r *Runner) fail(err error) int {
	fmt.Fprintf(r.errOut, "error: %s %v\n", errorCode(err), err)
	return 1
}

func errorCode(err error) string {
	var busy *locks.BusyError
	switch {
	case errors.As(err, &busy):
		return model.ErrCodeBusy
	case errors.Is(err, bridge.ErrNotFound):
		return model.ErrCodeNotFound
	case errors.Is(err, bridge.ErrTimeout):
		return model.ErrCodeTimeout
	case errors.Is(err, bridge.ErrCancelled):
		return model.ErrCodeCancelled
	default:
		return "E_INTERNAL"
	}
}
