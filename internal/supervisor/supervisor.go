package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"assistantd/internal/restart"
)

const (
	// EnvSupervised is set in the child environment when launched by the
	// foreground supervisor.
	EnvSupervised = "ASSISTANTD_SUPERVISED"

	// EnvSupervisorPID is informational only.
	EnvSupervisorPID = "ASSISTANTD_SUPERVISOR_PID"

	// EnvDisableSupervisor disables auto-supervision.
	EnvDisableSupervisor = "ASSISTANTD_NO_SUPERVISOR"

	maxRestarts  = 25
	killGrace    = 8 * time.Second
	restartDelay = 200 * time.Millisecond
)

// forwardedSignals are the ones the daemon shuts down cleanly on.
var forwardedSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

func IsSupervisedChild() bool {
	return strings.TrimSpace(os.Getenv(EnvSupervised)) != ""
}

func SupervisorDisabled() bool {
	return envTruthy(os.Getenv(EnvDisableSupervisor))
}

func envTruthy(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "0", "false", "no", "off":
		return false
	default:
		return true
	}
}

type Options struct {
	Args []string
	Logf func(format string, args ...any)
}

// RunForegroundLoop runs the current executable with opts.Args as a child and
// relaunches it whenever it exits with restart.ExitCodeRestartRequested.
// Signals received by the supervisor are forwarded to the child.
func RunForegroundLoop(opts Options) (int, error) {
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	exe, err := os.Executable()
	if err != nil {
		return 1, err
	}
	cwd, _ := os.Getwd()

	childEnv := append([]string{}, os.Environ()...)
	childEnv = append(childEnv,
		EnvSupervised+"=1",
		EnvSupervisorPID+"="+strconv.Itoa(os.Getpid()),
	)

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, forwardedSignals...)
	defer signal.Stop(sigCh)

	for restarts := 0; ; restarts++ {
		if restarts > maxRestarts {
			return 1, fmt.Errorf("too many restarts (%d)", restarts-1)
		}
		if restarts > 0 {
			logf("child requested restart (#%d)", restarts)
			time.Sleep(restartDelay)
		}

		cmd := exec.Command(exe, opts.Args...)
		cmd.Env = childEnv
		cmd.Dir = cwd
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return 1, err
		}

		code, shutdown, err := waitChild(cmd, sigCh)
		if err != nil {
			return 1, err
		}
		if shutdown || code != restart.ExitCodeRestartRequested {
			return code, nil
		}
	}
}

func waitChild(cmd *exec.Cmd, sigCh <-chan os.Signal) (code int, shutdown bool, err error) {
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var killCh <-chan time.Time
	var killTimer *time.Timer
	for {
		select {
		case sig := <-sigCh:
			shutdown = true
			if cmd.Process != nil {
				_ = cmd.Process.Signal(sig)
			}
			if killTimer == nil {
				killTimer = time.NewTimer(killGrace)
				killCh = killTimer.C
			}
		case <-killCh:
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			killCh = nil
		case runErr := <-waitCh:
			if killTimer != nil {
				killTimer.Stop()
			}
			code, err := exitCode(runErr)
			return code, shutdown, err
		}
	}
}

func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 1, err
}
