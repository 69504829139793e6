package tasks

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func int64p(v int64) *int64 { return &v }
func strp(v string) *string { return &v }
func intp(v int) *int       { return &v }

func TestScheduleInputRequiresExactlyOne(t *testing.T) {
	at := time.Now().Add(time.Hour)
	cases := []ScheduleInput{
		{},
		{IntervalMs: int64p(1000), Cron: strp("* * * * *")},
		{IntervalMs: int64p(1000), RunAt: &at},
		{IntervalMs: int64p(0)},
		{Cron: strp("not a cron")},
	}
	for i, in := range cases {
		if _, err := in.Resolve(); !errors.Is(err, ErrValidation) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}

	sched, err := ScheduleInput{Cron: strp("0 4 * * 1")}.Resolve()
	if err != nil || sched.Kind != KindCron {
		t.Fatalf("cron resolve: %+v %v", sched, err)
	}
	sched, err = ScheduleInput{Cron: strp("*/10 * * * * *")}.Resolve()
	if err != nil || sched.Kind != KindCron {
		t.Fatalf("six-field cron resolve: %+v %v", sched, err)
	}
}

func TestNextDelay(t *testing.T) {
	now := time.Date(2026, 3, 2, 3, 59, 0, 0, time.UTC) // Monday

	d, ok := NextDelay(Schedule{Kind: KindInterval, IntervalMs: 1500}, now, time.UTC)
	if !ok || d != 1500*time.Millisecond {
		t.Fatalf("interval: %v %v", d, ok)
	}

	past := now.Add(-time.Minute)
	d, ok = NextDelay(Schedule{Kind: KindOnce, RunAt: &past}, now, time.UTC)
	if !ok || d != 0 {
		t.Fatalf("past once should fire immediately: %v %v", d, ok)
	}

	d, ok = NextDelay(Schedule{Kind: KindCron, Expr: "0 4 * * 1"}, now, time.UTC)
	if !ok || d != time.Minute {
		t.Fatalf("cron: %v %v", d, ok)
	}

	if _, ok := NextDelay(Schedule{Kind: "bogus"}, now, time.UTC); ok {
		t.Fatalf("unknown kind must not fire")
	}
}

func TestNewTaskAndPatch(t *testing.T) {
	now := time.Now()
	task, err := NewTask(TaskInput{Name: " digest ", Prompt: "summarise", Schedule: ScheduleInput{IntervalMs: int64p(60000)}}, now)
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	if task.Name != "digest" || !task.Enabled || task.NotifyMode != NotifyAuto || IsReservedID(task.ID) {
		t.Fatalf("unexpected task: %+v", task)
	}

	if _, err := NewTask(TaskInput{Name: "x", Schedule: ScheduleInput{IntervalMs: int64p(1)}}, now); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected empty prompt to be rejected, got %v", err)
	}

	disabled := false
	patched, err := ApplyPatch(task, TaskPatch{Enabled: &disabled, NotifyMode: strp("never")}, now.Add(time.Second))
	if err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	if patched.ID != task.ID || patched.Enabled || patched.NotifyMode != NotifyNever {
		t.Fatalf("unexpected patch result: %+v", patched)
	}
	if _, err := ApplyPatch(task, TaskPatch{NotifyMode: strp("loud")}, now); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected bad notify mode to be rejected, got %v", err)
	}
}

func TestMaxTurnsMustBePositiveWhenGiven(t *testing.T) {
	now := time.Now()
	in := TaskInput{Name: "n", Prompt: "p", Schedule: ScheduleInput{IntervalMs: int64p(1000)}, MaxTurns: intp(0)}
	if _, err := NewTask(in, now); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected max_turns=0 to be rejected, got %v", err)
	}
	in.MaxTurns = nil
	task, err := NewTask(in, now)
	if err != nil || task.MaxTurns != 0 {
		t.Fatalf("omitted max_turns keeps the engine default: %+v %v", task, err)
	}
	if _, err := ApplyPatch(task, TaskPatch{MaxTurns: intp(-1)}, now); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected negative max_turns to be rejected, got %v", err)
	}
	patched, err := ApplyPatch(task, TaskPatch{MaxTurns: intp(4)}, now)
	if err != nil || patched.MaxTurns != 4 {
		t.Fatalf("ApplyPatch: %+v %v", patched, err)
	}
}

func TestUnsetTimestampsAreOmittedFromJSON(t *testing.T) {
	task, err := NewTask(TaskInput{Name: "n", Prompt: "p", Schedule: ScheduleInput{IntervalMs: int64p(1000)}}, time.Now())
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	data, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for _, key := range []string{`"run_at"`, `"last_run_at"`} {
		if strings.Contains(string(data), key) {
			t.Fatalf("%s must be omitted when unset: %s", key, data)
		}
	}

	at := time.Date(2030, 1, 2, 3, 4, 0, 0, time.UTC)
	once, err := NewTask(TaskInput{Name: "n", Prompt: "p", Schedule: ScheduleInput{RunAt: &at}}, time.Now())
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	data, _ = json.Marshal(once)
	if !strings.Contains(string(data), `"run_at":"2030-01-02T03:04:00Z"`) {
		t.Fatalf("once schedule must carry run_at: %s", data)
	}
}

func TestStoreRoundTripSkipsSystemTasks(t *testing.T) {
	dir := t.TempDir()
	m := NewStoreManager(filepath.Join(dir, "scheduler", "tasks.json"), nil)

	user, err := NewTask(TaskInput{Name: "a", Prompt: "p", Schedule: ScheduleInput{Cron: strp("@daily")}}, time.Now())
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	sys := Task{ID: HeartbeatTaskID, Name: "heartbeat", System: true, NotifyMode: NotifyAuto, Enabled: true,
		Schedule: Schedule{Kind: KindInterval, IntervalMs: 1000}}
	if err := m.Save([]Task{user, sys}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 1 || got[0].ID != user.ID {
		t.Fatalf("expected only the user task, got %+v", got)
	}
}

func TestStoreMalformedIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	var logged int
	m := NewStoreManager(path, func(string, ...any) { logged++ })
	got, err := m.Load()
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty set, got %v %v", got, err)
	}
	if logged == 0 {
		t.Fatalf("expected the parse failure to be logged")
	}

	missing := NewStoreManager(filepath.Join(t.TempDir(), "none.json"), nil)
	if got, err := missing.Load(); err != nil || len(got) != 0 {
		t.Fatalf("missing file: %v %v", got, err)
	}
}

func TestRunLogAppendAndRead(t *testing.T) {
	p := ResolvePaths(t.TempDir())
	path := p.RunLogPath(HeartbeatTaskID)
	if filepath.Base(path) != "system_heartbeat.jsonl" {
		t.Fatalf("unexpected run log name: %s", path)
	}
	for i := 0; i < 3; i++ {
		if err := AppendRunRecord(path, RunRecord{TaskID: HeartbeatTaskID, Status: "ok"}); err != nil {
			t.Fatalf("AppendRunRecord: %v", err)
		}
	}
	recs, err := ReadRunRecords(path, 2)
	if err != nil || len(recs) != 2 {
		t.Fatalf("ReadRunRecords: %v %v", recs, err)
	}
}
