package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"assistantd/internal/autonomy/tasks"
	"assistantd/internal/daemon"
)

// Conn is the daemon connection used by the console; *daemon.Client
// satisfies it.
type Conn interface {
	Initialize(ctx context.Context) (daemon.InitializeResult, error)
	Query(ctx context.Context, content string, contextText string, onEvent func(daemon.QueryEvent)) error
	Abort(ctx context.Context) (daemon.AbortResult, error)
	TriggerHeartbeat(ctx context.Context) (daemon.TriggerResult, error)
	TriggerRun(ctx context.Context, taskID string) (daemon.TriggerResult, error)
	ListTasks(ctx context.Context) ([]tasks.Task, error)
	Status(ctx context.Context) (daemon.StatusResult, error)
}

type Mode string

const (
	ModeAuto  Mode = "auto"
	ModeTUI   Mode = "tui"
	ModePlain Mode = "plain"
)

type Options struct {
	Conn Conn
	In   io.Reader
	Out  io.Writer
	Mode Mode
	// Pushes carries task_result notifications received on Conn.
	Pushes <-chan daemon.TaskResultParams
}

// Run attaches the interactive console. Auto mode picks the TUI when Out is
// a terminal.
func Run(ctx context.Context, opts Options) error {
	if opts.Conn == nil {
		return errors.New("console requires a daemon connection")
	}
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	mode := Mode(strings.ToLower(strings.TrimSpace(string(opts.Mode))))
	switch mode {
	case "", ModeAuto:
		if isTerminal(opts.Out) {
			return RunTUI(ctx, opts)
		}
		return RunPlain(ctx, opts)
	case ModeTUI:
		if !isTerminal(opts.Out) {
			return fmt.Errorf("stdout is not a TTY; use --ui=plain")
		}
		return RunTUI(ctx, opts)
	case ModePlain:
		return RunPlain(ctx, opts)
	default:
		return fmt.Errorf("unknown ui mode %q (want tui, plain or auto)", opts.Mode)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

type command struct {
	name string
	arg  string
}

// parseCommand recognises slash commands. ok is false for chat input.
func parseCommand(line string) (command, bool) {
	text := strings.TrimSpace(line)
	if !strings.HasPrefix(text, "/") {
		return command{}, false
	}
	name, arg, _ := strings.Cut(strings.TrimPrefix(text, "/"), " ")
	return command{name: strings.ToLower(strings.TrimSpace(name)), arg: strings.TrimSpace(arg)}, true
}

const helpText = `Commands:
  /abort         cancel the running request
  /heartbeat     run the heartbeat now
  /run <task>    run a task now
  /tasks         list tasks
  /status        show daemon status
  /exit          detach (the daemon keeps running)`

const commandTimeout = 15 * time.Minute

// runCommand executes one slash command and returns the text to show.
func runCommand(ctx context.Context, conn Conn, cmd command) (out string, quit bool, err error) {
	switch cmd.name {
	case "exit", "quit", "q":
		return "", true, nil
	case "help", "?":
		return helpText, false, nil
	case "abort":
		res, err := conn.Abort(ctx)
		if err != nil {
			return "", false, err
		}
		if res.Aborted {
			return "Abort requested.", false, nil
		}
		return "Nothing is running.", false, nil
	case "heartbeat":
		runCtx, cancel := context.WithTimeout(ctx, commandTimeout)
		defer cancel()
		res, err := conn.TriggerHeartbeat(runCtx)
		if err != nil {
			return "", false, err
		}
		return FormatTrigger(res), false, nil
	case "run":
		if cmd.arg == "" {
			return "usage: /run <task-id>", false, nil
		}
		runCtx, cancel := context.WithTimeout(ctx, commandTimeout)
		defer cancel()
		res, err := conn.TriggerRun(runCtx, cmd.arg)
		if err != nil {
			return "", false, err
		}
		return FormatTrigger(res), false, nil
	case "tasks":
		list, err := conn.ListTasks(ctx)
		if err != nil {
			return "", false, err
		}
		return FormatTaskTable(list, 100), false, nil
	case "status":
		st, err := conn.Status(ctx)
		if err != nil {
			return "", false, err
		}
		return FormatStatus(st), false, nil
	default:
		return fmt.Sprintf("unknown command /%s (try /help)", cmd.name), false, nil
	}
}
