package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"assistantd/internal/appinfo"
	"assistantd/internal/autonomy/tasks"
	"assistantd/internal/console"
	"assistantd/internal/daemon"
	"assistantd/internal/presence"
)

const wsSecretEnv = "ASSISTANTD_WS_SECRET"

type clientFlags struct {
	configPath string
	stateDir   string
	url        string
	wsSecret   string
}

func (c *clientFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "config.json", "path to config file")
	fs.StringVar(&c.stateDir, "state-dir", "", "daemon state directory")
	fs.StringVar(&c.url, "url", "", "socket path or ws:// url")
	fs.StringVar(&c.wsSecret, "ws-secret", "", "websocket secret")
}

// target resolves the dial target and the websocket secret, falling back to
// start_params.console and the daemon section of the config.
func (c *clientFlags) target(set map[string]bool, params startParamsConsole) (string, string, error) {
	applyString(set, "state-dir", &c.stateDir, params.StateDir)
	applyString(set, "url", &c.url, params.URL)

	dcfg, err := daemon.LoadConfig(c.configPath)
	if err != nil {
		return "", "", err
	}
	secret := strings.TrimSpace(c.wsSecret)
	if secret == "" {
		secret = strings.TrimSpace(os.Getenv(wsSecretEnv))
	}
	if secret == "" {
		secret = dcfg.WSSecret
	}
	if u := strings.TrimSpace(c.url); u != "" {
		return u, secret, nil
	}
	dir := strings.TrimSpace(c.stateDir)
	if dir == "" {
		dir = dcfg.StateDir
	}
	stateDir, err := daemon.ResolveStateDir(dir, "")
	if err != nil {
		return "", "", err
	}
	return daemon.SocketPath(stateDir), secret, nil
}

type clientCommand struct {
	fs    *flag.FlagSet
	conn  clientFlags
	set   map[string]bool
	start startParams
}

func newClientCommand(name string) *clientCommand {
	cc := &clientCommand{fs: flag.NewFlagSet(name, flag.ContinueOnError)}
	cc.fs.SetOutput(io.Discard)
	cc.conn.register(cc.fs)
	return cc
}

func (cc *clientCommand) parse(args []string) error {
	if err := cc.fs.Parse(args); err != nil {
		return err
	}
	params, _, err := loadStartParams(cc.conn.configPath)
	if err != nil {
		return err
	}
	cc.start = params
	cc.set = explicitFlags(cc.fs)
	return nil
}

func (cc *clientCommand) dial(ctx context.Context, opts daemon.ClientOptions) (*daemon.Client, error) {
	target, secret, err := cc.conn.target(cc.set, cc.start.Console)
	if err != nil {
		return nil, err
	}
	opts.Secret = secret
	opts.Client = appinfo.ClientName
	client, err := daemon.Dial(ctx, target, opts)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon at %s: %w (is `%s daemon` running?)", target, err, binaryName())
	}
	return client, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func wantsHelp(args []string) bool {
	for _, a := range args {
		if isHelpArg(a) {
			return true
		}
	}
	return false
}

func runConsole(args []string) error {
	if wantsHelp(args) {
		printCommandUsage("console")
		return nil
	}
	cc := newClientCommand("console")
	ui := cc.fs.String("ui", "auto", "console style: auto|tui|plain")
	if err := cc.parse(args); err != nil {
		return err
	}
	applyString(cc.set, "ui", ui, cc.start.Console.UI)

	// SIGINT belongs to the console (abort or quit), so only SIGTERM ends it.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	pushes := make(chan daemon.TaskResultParams, 16)
	client, err := cc.dial(ctx, daemon.ClientOptions{
		OnTaskResult: func(p daemon.TaskResultParams) {
			select {
			case pushes <- p:
			default:
			}
		},
	})
	if err != nil {
		return err
	}
	defer client.Close()

	return console.Run(ctx, console.Options{
		Conn:   client,
		In:     os.Stdin,
		Out:    os.Stdout,
		Mode:   console.Mode(*ui),
		Pushes: pushes,
	})
}

func runAsk(args []string) error {
	if wantsHelp(args) {
		printCommandUsage("ask")
		return nil
	}
	cc := newClientCommand("ask")
	extra := cc.fs.String("context", "", "extra context")
	if err := cc.parse(args); err != nil {
		return err
	}
	text := strings.TrimSpace(strings.Join(cc.fs.Args(), " "))
	if text == "" {
		return errors.New("ask requires a message")
	}

	ctx, stop := signalContext()
	defer stop()
	client, err := cc.dial(ctx, daemon.ClientOptions{})
	if err != nil {
		return err
	}
	defer client.Close()

	err = console.Ask(ctx, client, strings.TrimSpace(*extra), text, os.Stdout)
	if errors.Is(err, context.Canceled) {
		// Interrupted: do not leave the daemon busy on our behalf.
		abortCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = client.Abort(abortCtx)
	}
	return err
}

func runHeartbeat(args []string) error {
	return withClient("heartbeat", args, func(ctx context.Context, client *daemon.Client, _ []string) error {
		res, err := client.TriggerHeartbeat(ctx)
		if err != nil {
			return err
		}
		fmt.Println(console.FormatTrigger(res))
		return nil
	})
}

func runAbort(args []string) error {
	return withClient("abort", args, func(ctx context.Context, client *daemon.Client, _ []string) error {
		res, err := client.Abort(ctx)
		if err != nil {
			return err
		}
		if res.Aborted {
			fmt.Println("Abort requested.")
		} else {
			fmt.Println("Nothing is running.")
		}
		return nil
	})
}

func runStatus(args []string) error {
	return withClient("status", args, func(ctx context.Context, client *daemon.Client, _ []string) error {
		st, err := client.Status(ctx)
		if err != nil {
			return err
		}
		fmt.Println(console.FormatStatus(st))
		return nil
	})
}

func runRestart(args []string) error {
	if wantsHelp(args) {
		printCommandUsage("restart")
		return nil
	}
	cc := newClientCommand("restart")
	reason := cc.fs.String("reason", "", "restart reason")
	if err := cc.parse(args); err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()
	client, err := cc.dial(ctx, daemon.ClientOptions{})
	if err != nil {
		return err
	}
	defer client.Close()
	res, err := client.Restart(ctx, strings.TrimSpace(*reason))
	if err != nil {
		return err
	}
	fmt.Println(res.Message)
	return nil
}

func withClient(name string, args []string, fn func(ctx context.Context, client *daemon.Client, rest []string) error) error {
	if wantsHelp(args) {
		printCommandUsage(name)
		return nil
	}
	cc := newClientCommand(name)
	if err := cc.parse(args); err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()
	client, err := cc.dial(ctx, daemon.ClientOptions{})
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(ctx, client, cc.fs.Args())
}

type taskFlags struct {
	id       string
	name     string
	prompt   string
	every    string
	at       string
	cron     string
	notify   string
	maxTurns int
	disable  bool
	enable   bool
	limit    int
}

func registerTaskFlags(fs *flag.FlagSet, tf *taskFlags) {
	fs.StringVar(&tf.id, "id", "", "task id")
	fs.StringVar(&tf.name, "name", "", "task name")
	fs.StringVar(&tf.prompt, "prompt", "", "task prompt")
	fs.StringVar(&tf.every, "every", "", "interval, e.g. 30m")
	fs.StringVar(&tf.at, "at", "", "run once at this time")
	fs.StringVar(&tf.cron, "cron", "", "cron expression")
	fs.StringVar(&tf.notify, "notify", "", "notify mode: auto|never")
	fs.IntVar(&tf.maxTurns, "max-turns", 0, "continuation turn limit")
	fs.BoolVar(&tf.disable, "disable", false, "disable the task")
	fs.BoolVar(&tf.enable, "enable", false, "enable the task")
	fs.IntVar(&tf.limit, "limit", 20, "number of run records")
}

// scheduleInput builds a schedule from whichever of --every/--at/--cron was
// given. ok is false when none was.
func (tf taskFlags) scheduleInput(loc *time.Location) (in tasks.ScheduleInput, ok bool, err error) {
	n := 0
	if s := strings.TrimSpace(tf.every); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return in, false, fmt.Errorf("invalid --every: %w", err)
		}
		ms := d.Milliseconds()
		in.IntervalMs = &ms
		n++
	}
	if s := strings.TrimSpace(tf.at); s != "" {
		t, err := tasks.ParseTimeInLocation(s, loc)
		if err != nil {
			return in, false, fmt.Errorf("invalid --at: %w", err)
		}
		in.RunAt = &t
		n++
	}
	if s := strings.TrimSpace(tf.cron); s != "" {
		in.Cron = &s
		n++
	}
	if n > 1 {
		return in, false, errors.New("use only one of --every, --at, --cron")
	}
	return in, n == 1, nil
}

func (tf taskFlags) input(loc *time.Location) (tasks.TaskInput, error) {
	sched, ok, err := tf.scheduleInput(loc)
	if err != nil {
		return tasks.TaskInput{}, err
	}
	if !ok {
		return tasks.TaskInput{}, errors.New("one of --every, --at, --cron is required")
	}
	in := tasks.TaskInput{
		Name:       strings.TrimSpace(tf.name),
		Prompt:     strings.TrimSpace(tf.prompt),
		Schedule:   sched,
		NotifyMode: strings.TrimSpace(tf.notify),
	}
	if tf.maxTurns > 0 {
		v := tf.maxTurns
		in.MaxTurns = &v
	}
	if tf.disable {
		v := false
		in.Enabled = &v
	}
	return in, nil
}

func (tf taskFlags) patch(set map[string]bool, loc *time.Location) (tasks.TaskPatch, error) {
	var p tasks.TaskPatch
	if set["name"] {
		v := strings.TrimSpace(tf.name)
		p.Name = &v
	}
	if set["prompt"] {
		v := strings.TrimSpace(tf.prompt)
		p.Prompt = &v
	}
	sched, ok, err := tf.scheduleInput(loc)
	if err != nil {
		return p, err
	}
	if ok {
		p.Schedule = &sched
	}
	if set["notify"] {
		v := strings.TrimSpace(tf.notify)
		p.NotifyMode = &v
	}
	if set["max-turns"] {
		v := tf.maxTurns
		p.MaxTurns = &v
	}
	switch {
	case tf.enable && tf.disable:
		return p, errors.New("use only one of --enable, --disable")
	case tf.enable:
		v := true
		p.Enabled = &v
	case tf.disable:
		v := false
		p.Enabled = &v
	}
	return p, nil
}

func runTasks(args []string) error {
	if len(args) == 0 || wantsHelp(args[:1]) {
		printTasksUsage(os.Stdout)
		return nil
	}
	sub := strings.ToLower(strings.TrimSpace(args[0]))
	rest := args[1:]
	if wantsHelp(rest) {
		printTasksUsage(os.Stdout)
		return nil
	}

	cc := newClientCommand("tasks " + sub)
	var tf taskFlags
	registerTaskFlags(cc.fs, &tf)
	if err := cc.parse(rest); err != nil {
		return err
	}
	if tf.id == "" && cc.fs.NArg() > 0 {
		tf.id = strings.TrimSpace(cc.fs.Arg(0))
	}
	loc := time.Local

	ctx, stop := signalContext()
	defer stop()
	client, err := cc.dial(ctx, daemon.ClientOptions{})
	if err != nil {
		return err
	}
	defer client.Close()

	needID := func() error {
		if tf.id == "" {
			return fmt.Errorf("tasks %s requires a task id", sub)
		}
		return nil
	}

	switch sub {
	case "list", "ls":
		list, err := client.ListTasks(ctx)
		if err != nil {
			return err
		}
		fmt.Println(console.FormatTaskTable(list, 0))
		return nil
	case "get", "show":
		if err := needID(); err != nil {
			return err
		}
		t, err := client.GetTask(ctx, tf.id)
		if err != nil {
			return err
		}
		fmt.Println(console.FormatTaskTable([]tasks.Task{t}, 0))
		fmt.Printf("prompt: %s\n", t.Prompt)
		return nil
	case "add", "create":
		in, err := tf.input(loc)
		if err != nil {
			return err
		}
		t, err := client.CreateTask(ctx, in)
		if err != nil {
			return err
		}
		fmt.Printf("created %s (%s)\n", t.ID, console.DescribeSchedule(t.Schedule))
		return nil
	case "update", "edit":
		if err := needID(); err != nil {
			return err
		}
		p, err := tf.patch(cc.set, loc)
		if err != nil {
			return err
		}
		t, err := client.UpdateTask(ctx, tf.id, p)
		if err != nil {
			return err
		}
		fmt.Printf("updated %s (%s, enabled=%v)\n", t.ID, console.DescribeSchedule(t.Schedule), t.Enabled)
		return nil
	case "rm", "delete", "remove":
		if err := needID(); err != nil {
			return err
		}
		if err := client.DeleteTask(ctx, tf.id); err != nil {
			return err
		}
		fmt.Printf("deleted %s\n", tf.id)
		return nil
	case "run":
		if err := needID(); err != nil {
			return err
		}
		res, err := client.TriggerRun(ctx, tf.id)
		if err != nil {
			return err
		}
		fmt.Println(console.FormatTrigger(res))
		return nil
	case "runs", "history":
		if err := needID(); err != nil {
			return err
		}
		records, err := client.TaskRuns(ctx, tf.id, tf.limit)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No runs recorded.")
			return nil
		}
		for _, r := range records {
			line := fmt.Sprintf("%s  %-7s %-8s %s", r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Status, r.Trigger, strconv.FormatInt(r.FinishedAt.Sub(r.StartedAt).Milliseconds(), 10)+"ms")
			if r.Error != "" {
				line += "  " + r.Error
			} else if r.OutputPreview != "" {
				line += "  " + r.OutputPreview
			}
			fmt.Println(line)
		}
		return nil
	default:
		return fmt.Errorf("unknown tasks subcommand %q", sub)
	}
}

// runDaemons lists the daemons announced in the presence registry.
func runDaemons(args []string) error {
	if wantsHelp(args) {
		printCommandUsage("daemons")
		return nil
	}
	fs := flag.NewFlagSet("daemons", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "config.json", "path to config file")
	redisURL := fs.String("redis-url", "", "redis url of the presence registry")
	if err := fs.Parse(args); err != nil {
		return err
	}
	params, _, err := loadStartParams(*configPath)
	if err != nil {
		return err
	}
	applyString(explicitFlags(fs), "redis-url", redisURL, params.Daemon.RedisURL)
	url := strings.TrimSpace(*redisURL)
	if url == "" {
		dcfg, err := daemon.LoadConfig(*configPath)
		if err != nil {
			return err
		}
		url = strings.TrimSpace(dcfg.RedisURL)
	}
	if url == "" {
		return errors.New("no presence registry configured; pass --redis-url or set daemon.redis_url")
	}

	store, err := presence.NewRedisStore(url)
	if err != nil {
		return fmt.Errorf("connect to presence registry: %w", err)
	}
	defer store.Close()

	ctx, stop := signalContext()
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	list, err := store.List(ctx)
	if err != nil {
		return err
	}
	fmt.Println(console.FormatDaemons(list, time.Now()))
	return nil
}
