package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"assistantd/internal/appinfo"
	"assistantd/internal/applog"
	"assistantd/internal/autonomy"
	"assistantd/internal/autonomy/heartbeat"
	"assistantd/internal/autonomy/scheduler"
	"assistantd/internal/autonomy/tasks"
	"assistantd/internal/broker"
	"assistantd/internal/daemon"
	"assistantd/internal/llm"
	"assistantd/internal/presence"
	"assistantd/internal/restart"
	"assistantd/internal/supervisor"
)

// daemon.log is rotated to daemon.log.1 at startup past this size.
const maxLogBytes = 10 << 20

type daemonFlags struct {
	configPath string
	stateDir   string
	wsListen   string
	redisURL   string
	logPath    string
	quiet      bool
}

func parseDaemonFlags(args []string) (daemonFlags, error) {
	var f daemonFlags
	fs := flag.NewFlagSet("daemon", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&f.configPath, "config", "config.json", "path to config file")
	fs.StringVar(&f.stateDir, "state-dir", "", "state directory")
	fs.StringVar(&f.wsListen, "ws-listen", "", "websocket listen address")
	fs.StringVar(&f.redisURL, "redis-url", "", "redis url for presence")
	fs.StringVar(&f.logPath, "log", "", "log file")
	fs.BoolVar(&f.quiet, "quiet", false, "do not mirror logs to stderr")
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	if fs.NArg() > 0 {
		return f, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	params, _, err := loadStartParams(f.configPath)
	if err != nil {
		return f, err
	}
	set := explicitFlags(fs)
	applyString(set, "state-dir", &f.stateDir, params.Daemon.StateDir)
	applyString(set, "ws-listen", &f.wsListen, params.Daemon.WSListen)
	applyString(set, "redis-url", &f.redisURL, params.Daemon.RedisURL)
	applyString(set, "log", &f.logPath, params.Daemon.Log)
	applyBool(set, "quiet", &f.quiet, params.Daemon.Quiet)
	return f, nil
}

// runDaemon returns the process exit code. Outside a supervised child it
// becomes the supervisor and relaunches itself after restart requests.
func runDaemon(args []string) (int, error) {
	for _, a := range args {
		if isHelpArg(a) {
			printDaemonUsage(os.Stdout)
			return 0, nil
		}
	}
	f, err := parseDaemonFlags(args)
	if err != nil {
		return 2, err
	}
	if !supervisor.IsSupervisedChild() && !supervisor.SupervisorDisabled() {
		return supervisor.RunForegroundLoop(supervisor.Options{
			Args: append([]string{"daemon"}, args...),
			Logf: func(format string, a ...any) {
				fmt.Fprintf(os.Stderr, "[supervisor] "+format+"\n", a...)
			},
		})
	}
	return serveDaemon(f)
}

func serveDaemon(f daemonFlags) (int, error) {
	dcfg, err := daemon.LoadConfig(f.configPath)
	if err != nil {
		return 1, err
	}
	acfg, err := autonomy.LoadConfig(f.configPath)
	if err != nil {
		return 1, err
	}
	if strings.TrimSpace(f.stateDir) == "" {
		f.stateDir = dcfg.StateDir
	}
	if strings.TrimSpace(f.wsListen) == "" {
		f.wsListen = dcfg.WSListen
	}
	if strings.TrimSpace(f.redisURL) == "" {
		f.redisURL = dcfg.RedisURL
	}
	if strings.TrimSpace(f.logPath) == "" {
		f.logPath = dcfg.LogPath
	}

	wd, err := os.Getwd()
	if err != nil {
		return 1, err
	}
	stateDir, err := daemon.ResolveStateDir(f.stateDir, wd)
	if err != nil {
		return 1, err
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return 1, err
	}
	logPath := strings.TrimSpace(f.logPath)
	if logPath == "" {
		logPath = filepath.Join(stateDir, "daemon.log")
	}
	logFile, err := applog.OpenFile(logPath, maxLogBytes)
	if err != nil {
		return 1, err
	}
	logger := applog.New(applog.Options{
		File:        logFile,
		Term:        os.Stderr,
		TermEnabled: !f.quiet,
		TermColor:   applog.TermColorEnabled(os.Stderr),
	})
	defer logger.Close()

	socketPath := daemon.SocketPath(stateDir)
	ln, err := daemon.ListenUnix(socketPath)
	if err != nil {
		if errors.Is(err, daemon.ErrDaemonRunning) {
			return 1, fmt.Errorf("%w; attach with `%s console`", err, binaryName())
		}
		return 1, err
	}

	restarts := restart.NewManager(restart.ResolveSentinelPath(stateDir))
	notice := ""
	if sentinel, err := restarts.ConsumeSentinel(); err != nil {
		logger.Logf(applog.KindWarn, "read restart sentinel: %v", err)
	} else {
		notice = restart.FormatSentinelMessage(sentinel)
	}

	engine, mcfg, err := llm.NewEngineFromConfig(f.configPath)
	if err != nil {
		_ = ln.Close()
		return 1, err
	}
	loc, err := tasks.LoadLocation(acfg.Scheduler.Timezone)
	if err != nil {
		_ = ln.Close()
		return 1, err
	}

	br := broker.New(broker.Options{
		Engine:       engine,
		PollInterval: dcfg.PollInterval(),
		Logf:         logger.Func(applog.KindBroker),
	})
	hb := heartbeat.NewSystem(acfg, wd)
	paths := tasks.ResolvePaths(stateDir)

	var srv *daemon.Server
	schedOpts := scheduler.Options{
		Store:         tasks.NewStoreManager(paths.TasksPath, logger.Func(applog.KindTask)),
		Runner:        br,
		PreparePrompt: hb.PreparePrompt,
		OnResult:      func(res scheduler.Result) { srv.DeliverResult(res) },
		Location:      loc,
		TaskTimeout:   acfg.TaskTimeout(),
		Logf:          logger.Func(applog.KindSched),
	}
	if acfg.AutonomyEnabled() {
		schedOpts.SystemTasks = hb.Tasks()
	}
	if acfg.Scheduler.RunLog == nil || *acfg.Scheduler.RunLog {
		schedOpts.RunLogPath = paths.RunLogPath
	}
	sched := scheduler.New(schedOpts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var restartRequested atomic.Bool
	instance := uuid.NewString()
	startedAt := time.Now()
	srv = daemon.NewServer(daemon.Options{
		Broker:      br,
		Scheduler:   sched,
		Deliverable: hb.Deliverable,
		RunLogPath:  schedOpts.RunLogPath,
		Restart:     restarts,
		OnRestart: func() {
			restartRequested.Store(true)
			cancel()
		},
		History:   daemon.NewHistory(dcfg.HistoryLimit),
		SessionID: uuid.NewString(),
		Instance:  instance,
		Version:   appinfo.Version,
		Socket:    socketPath,
		Notice:    notice,
		Logf:      logger.Func(applog.KindRPC),
	})

	if acfg.AutonomyEnabled() {
		if err := sched.Start(ctx); err != nil {
			_ = ln.Close()
			return 1, fmt.Errorf("start scheduler: %w", err)
		}
	}
	logger.Logf(applog.KindInfo, "%s listening on %s (model=%s, state=%s)", appinfo.Display(), socketPath, mcfg.Model, stateDir)
	if notice != "" {
		logger.Log(applog.KindInfo, notice)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(ln) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Log(applog.KindInfo, "shutting down")
		sched.Stop()
		br.Stop()
		return srv.Close()
	})

	wsAddr := ""
	if addr := strings.TrimSpace(f.wsListen); addr != "" {
		if strings.TrimSpace(dcfg.WSSecret) == "" {
			cancel()
			_ = g.Wait()
			return 1, errors.New("ws_listen requires daemon.ws_secret")
		}
		wsLn, err := net.Listen("tcp", addr)
		if err != nil {
			cancel()
			_ = g.Wait()
			return 1, fmt.Errorf("ws listen %s: %w", addr, err)
		}
		wsAddr = wsLn.Addr().String()
		auth := daemon.NewAuthenticator(dcfg.WSSecret)
		logger.Logf(applog.KindInfo, "websocket listening on ws://%s%s", wsAddr, daemon.WSPath)
		g.Go(func() error { return srv.ServeWebSocket(wsLn, auth) })
	}

	if url := strings.TrimSpace(f.redisURL); url != "" {
		store, err := presence.NewRedisStore(url)
		if err != nil {
			logger.Logf(applog.KindWarn, "presence disabled: %v", err)
		} else {
			host, _ := os.Hostname()
			g.Go(func() error {
				defer store.Close()
				presence.Announce(gctx, store, dcfg.PresenceEvery(), 0, func() presence.Info {
					return presence.Info{
						Instance:  instance,
						PID:       os.Getpid(),
						Host:      host,
						Socket:    socketPath,
						WSAddr:    wsAddr,
						Version:   appinfo.Version,
						StartedAt: startedAt,
						Busy:      br.Busy(),
						Tasks:     len(sched.ListTasks()),
					}
				}, logger.Func(applog.KindInfo))
				return nil
			})
		}
	}

	err = g.Wait()
	if restartRequested.Load() {
		logger.Log(applog.KindInfo, "exiting for restart")
		return restart.ExitCodeRestartRequested, nil
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Logf(applog.KindError, "daemon stopped: %v", err)
		return 1, err
	}
	return 0, nil
}
