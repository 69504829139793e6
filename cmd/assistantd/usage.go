package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

func binaryName() string {
	if len(os.Args) == 0 {
		return "assistantd"
	}
	name := strings.TrimSpace(filepath.Base(os.Args[0]))
	if name == "" {
		return "assistantd"
	}
	return name
}

func isHelpArg(arg string) bool {
	switch strings.ToLower(strings.TrimSpace(arg)) {
	case "-h", "--help", "-help", "help":
		return true
	default:
		return false
	}
}

func printRootUsage(w io.Writer) {
	bin := binaryName()
	fmt.Fprintf(w, `%s - personal assistant daemon

Usage:
  %s <command> [options]

Commands:
  daemon      Run the daemon (scheduler + broker + socket server)
  console     Attach an interactive console (default)
  ask         Send one message and print the streamed reply
  tasks       Manage scheduled tasks (list/add/update/rm/run/runs)
  heartbeat   Run the heartbeat now
  abort       Cancel the running request
  status      Show daemon status
  restart     Ask the daemon to restart
  daemons     List daemons announced in the redis presence registry

Config:
  - --config is optional; by default ./config.json is read (.yaml/.yml also work).
  - Put default daemon/console flags in the config via:
      start_params.daemon / start_params.console

Help:
  %s -h
  %s <command> -h
  %s help <command>
`, bin, bin, bin, bin, bin)
}

func printDaemonUsage(w io.Writer) {
	bin := binaryName()
	fmt.Fprintf(w, `Usage:
  %s daemon [options]

Config defaults (config.json):
  start_params.daemon: state_dir, ws_listen, redis_url, log, quiet
  daemon:              state_dir, log_path, history_limit, broker_poll_interval,
                       ws_listen, ws_secret, redis_url, presence_interval
  autonomy:            heartbeat, weekly_reset, scheduler
  model_config:        model_type, api_key, base_url, model, max_tokens, system_prompt

Options:
  --config <file>            Config file (default: ./config.json)
  --state-dir <dir>          State dir (default: ./.assistantd)
  --ws-listen <host:port>    Also serve the protocol over websocket at /rpc (needs daemon.ws_secret)
  --redis-url <url>          Announce presence in redis (optional)
  --log <file>               Log file (default: <state-dir>/daemon.log)
  --quiet                    Do not mirror the log to stderr

The daemon runs under a foreground supervisor that relaunches it after a
restart request. Set ASSISTANTD_NO_SUPERVISOR=1 to disable.
`, bin)
}

func printClientUsage(w io.Writer, command string, extra string) {
	bin := binaryName()
	fmt.Fprintf(w, `Usage:
  %s %s [options]%s

Connection options:
  --config <file>            Config file (default: ./config.json)
  --state-dir <dir>          State dir of the daemon (default: ./.assistantd)
  --url <path|ws-url>        Socket path or ws://host:port/rpc (default: derived from --state-dir)
  --ws-secret <secret>       Secret for ws:// urls (default: $ASSISTANTD_WS_SECRET or daemon.ws_secret)
`, bin, command, extra)
}

func printTasksUsage(w io.Writer) {
	bin := binaryName()
	fmt.Fprintf(w, `Usage:
  %s tasks <list|add|update|rm|run|runs> [options]

Examples:
  %s tasks list
  %s tasks add --name digest --prompt "Summarize my inbox" --every 2h
  %s tasks add --name standup --prompt "Prepare standup notes" --cron "30 9 * * 1-5"
  %s tasks add --name call --prompt "Remind me to call Sam" --at "2026-11-02 15:00"
  %s tasks update --id <task-id> --disable
  %s tasks rm <task-id>
  %s tasks run <task-id>
  %s tasks runs <task-id> --limit 5

Schedule options (exactly one for add):
  --every <duration>         Interval, e.g. 30m
  --at <time>                Run once, RFC3339 or "YYYY-MM-DD HH:MM" (local time)
  --cron <expr>              Cron expression (5 or 6 fields, @daily, ...)
`, bin, bin, bin, bin, bin, bin, bin, bin, bin)
}

func printDaemonsUsage(w io.Writer) {
	bin := binaryName()
	fmt.Fprintf(w, `Usage:
  %s daemons [options]

Options:
  --config <file>            Config file (default: ./config.json)
  --redis-url <url>          Presence registry (default: start_params.daemon.redis_url or daemon.redis_url)
`, bin)
}
