package main

import (
	"bytes"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestParseDaemonFlagsAppliesStartParams(t *testing.T) {
	cfg := writeConfig(t, `{"start_params":{"daemon":{"state_dir":"/tmp/from-config","ws_listen":"127.0.0.1:7000","quiet":true}}}`)

	f, err := parseDaemonFlags([]string{"--config", cfg, "--ws-listen", "127.0.0.1:9000"})
	if err != nil {
		t.Fatalf("parseDaemonFlags: %v", err)
	}
	if f.stateDir != "/tmp/from-config" {
		t.Fatalf("state dir from config not applied: %q", f.stateDir)
	}
	if f.wsListen != "127.0.0.1:9000" {
		t.Fatalf("explicit flag must win over config, got %q", f.wsListen)
	}
	if !f.quiet {
		t.Fatalf("quiet from config not applied")
	}
}

func TestParseDaemonFlagsRejectsExtraArgs(t *testing.T) {
	cfg := writeConfig(t, `{}`)
	if _, err := parseDaemonFlags([]string{"--config", cfg, "oops"}); err == nil {
		t.Fatalf("expected error for positional arguments")
	}
}

func TestExplicitFlagsOnlyReportsVisited(t *testing.T) {
	fs := flag.NewFlagSet("x", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	a := fs.String("a", "default", "")
	b := fs.String("b", "default", "")
	if err := fs.Parse([]string{"-a", "cli"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	set := explicitFlags(fs)
	fromConfig := "config"
	applyString(set, "a", a, &fromConfig)
	applyString(set, "b", b, &fromConfig)
	if *a != "cli" || *b != "config" {
		t.Fatalf("unexpected values a=%q b=%q", *a, *b)
	}
}

func TestTaskFlagsInput(t *testing.T) {
	in, err := taskFlags{name: "digest", prompt: "sum it up", every: "90m", maxTurns: 3, disable: true}.input(time.UTC)
	if err != nil {
		t.Fatalf("input: %v", err)
	}
	if in.Schedule.IntervalMs == nil || *in.Schedule.IntervalMs != int64(90*time.Minute/time.Millisecond) {
		t.Fatalf("unexpected interval: %+v", in.Schedule)
	}
	if in.MaxTurns == nil || *in.MaxTurns != 3 {
		t.Fatalf("unexpected max turns: %v", in.MaxTurns)
	}
	if in.Enabled == nil || *in.Enabled {
		t.Fatalf("expected disabled task input")
	}

	at, err := taskFlags{name: "once", prompt: "p", at: "2030-01-02 03:04"}.input(time.UTC)
	if err != nil {
		t.Fatalf("input at: %v", err)
	}
	if at.Schedule.RunAt == nil || !at.Schedule.RunAt.Equal(time.Date(2030, 1, 2, 3, 4, 0, 0, time.UTC)) {
		t.Fatalf("unexpected run_at: %+v", at.Schedule)
	}

	if _, err := (taskFlags{name: "n", prompt: "p"}).input(time.UTC); err == nil {
		t.Fatalf("expected error without a schedule")
	}
	if _, err := (taskFlags{name: "n", prompt: "p", every: "1h", cron: "@daily"}).input(time.UTC); err == nil {
		t.Fatalf("expected error with two schedules")
	}
}

func TestTaskFlagsPatchUsesOnlySetFlags(t *testing.T) {
	tf := taskFlags{name: "renamed", prompt: "ignored", enable: true}
	p, err := tf.patch(map[string]bool{"name": true}, time.UTC)
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if p.Name == nil || *p.Name != "renamed" {
		t.Fatalf("name not patched: %+v", p)
	}
	if p.Prompt != nil || p.Schedule != nil || p.MaxTurns != nil {
		t.Fatalf("unexpected fields in patch: %+v", p)
	}
	if p.Enabled == nil || !*p.Enabled {
		t.Fatalf("enable flag not applied")
	}

	if _, err := (taskFlags{enable: true, disable: true}).patch(nil, time.UTC); err == nil {
		t.Fatalf("expected conflict error")
	}
}

func TestRootUsageListsCommands(t *testing.T) {
	var buf bytes.Buffer
	printRootUsage(&buf)
	for _, cmd := range []string{"daemon", "console", "ask", "tasks", "heartbeat", "abort", "status", "restart", "daemons"} {
		if !strings.Contains(buf.String(), "\n  "+cmd) {
			t.Fatalf("usage is missing %q:\n%s", cmd, buf.String())
		}
	}
	if !isHelpArg("--help") || isHelpArg("tasks") {
		t.Fatalf("unexpected isHelpArg results")
	}
}
