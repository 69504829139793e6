package main

import (
	"fmt"
	"os"
	"strings"
)

func main() {
	if len(os.Args) < 2 {
		if err := runConsole(nil); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		return
	}

	cmd := strings.ToLower(strings.TrimSpace(os.Args[1]))
	args := os.Args[2:]
	if isHelpArg(cmd) {
		if len(args) > 0 {
			if printCommandUsage(strings.ToLower(strings.TrimSpace(args[0]))) {
				return
			}
		}
		printRootUsage(os.Stdout)
		return
	}

	var err error
	switch cmd {
	case "daemon":
		var code int
		code, err = runDaemon(args)
		if err == nil && code != 0 {
			os.Exit(code)
		}
	case "console", "chat":
		err = runConsole(args)
	case "ask":
		err = runAsk(args)
	case "tasks", "task":
		err = runTasks(args)
	case "heartbeat":
		err = runHeartbeat(args)
	case "abort":
		err = runAbort(args)
	case "status":
		err = runStatus(args)
	case "restart":
		err = runRestart(args)
	case "daemons":
		err = runDaemons(args)
	default:
		if strings.HasPrefix(cmd, "-") {
			// Flags without a subcommand go to the console.
			err = runConsole(os.Args[1:])
			break
		}
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		printRootUsage(os.Stderr)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func printCommandUsage(cmd string) bool {
	switch cmd {
	case "daemon":
		printDaemonUsage(os.Stdout)
	case "console", "chat":
		printClientUsage(os.Stdout, "console", "\n\n  --ui <auto|tui|plain>      Console style (default: auto)")
	case "ask":
		printClientUsage(os.Stdout, "ask", " <message...>\n\n  --context <text>           Extra context appended to the message")
	case "tasks", "task":
		printTasksUsage(os.Stdout)
	case "heartbeat", "abort", "status":
		printClientUsage(os.Stdout, cmd, "")
	case "daemons":
		printDaemonsUsage(os.Stdout)
	case "restart":
		printClientUsage(os.Stdout, "restart", "\n\n  --reason <text>            Recorded in the restart notice")
	default:
		return false
	}
	return true
}
