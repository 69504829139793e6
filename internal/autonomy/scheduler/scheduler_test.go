package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"assistantd/internal/autonomy/tasks"
	"assistantd/internal/broker"
)

type fakeRunner struct {
	mu      sync.Mutex
	prompts []string
	gate    chan struct{} // when non-nil, every run blocks until closed
	started chan string
	err     error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{started: make(chan string, 256)}
}

func (r *fakeRunner) RunBackgroundQuery(ctx context.Context, q broker.Query) (string, error) {
	r.mu.Lock()
	r.prompts = append(r.prompts, q.Prompt)
	gate := r.gate
	err := r.err
	r.mu.Unlock()
	r.started <- q.Prompt
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return "out:" + q.Prompt, nil
}

func (r *fakeRunner) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.prompts...)
}

func (r *fakeRunner) waitStarted(t *testing.T) string {
	t.Helper()
	select {
	case p := <-r.started:
		return p
	case <-time.After(2 * time.Second):
		t.Fatalf("runner was not invoked")
		return ""
	}
}

func int64p(v int64) *int64 { return &v }
func boolp(v bool) *bool    { return &v }

func hourly(name string) tasks.TaskInput {
	return tasks.TaskInput{Name: name, Prompt: name, Schedule: tasks.ScheduleInput{IntervalMs: int64p(int64(time.Hour / time.Millisecond))}}
}

func newTestScheduler(t *testing.T, runner Runner, mutate func(*Options)) (*Scheduler, *tasks.StoreManager, tasks.Paths) {
	t.Helper()
	paths := tasks.ResolvePaths(t.TempDir())
	store := tasks.NewStoreManager(paths.TasksPath, nil)
	opts := Options{
		Store:       store,
		Runner:      runner,
		RunLogPath:  paths.RunLogPath,
		Location:    time.UTC,
		TaskTimeout: 5 * time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	s := New(opts)
	t.Cleanup(s.Stop)
	return s, store, paths
}

func mustStart(t *testing.T, s *Scheduler) {
	t.Helper()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func heartbeatTask() tasks.Task {
	return tasks.Task{
		ID: tasks.HeartbeatTaskID, Name: "heartbeat", NotifyMode: tasks.NotifyAuto, Enabled: true, System: true,
		Schedule: tasks.Schedule{Kind: tasks.KindInterval, IntervalMs: int64(time.Hour / time.Millisecond)},
	}
}

func TestCreateValidationAndBuiltinProtection(t *testing.T) {
	s, _, _ := newTestScheduler(t, newFakeRunner(), func(o *Options) {
		o.SystemTasks = []tasks.Task{heartbeatTask()}
	})
	mustStart(t, s)
	before := s.ListTasks()
	if len(before) != 1 || before[0].ID != tasks.HeartbeatTaskID {
		t.Fatalf("expected the heartbeat system task, got %+v", before)
	}

	bad := []tasks.TaskInput{
		{Name: "", Prompt: "p", Schedule: tasks.ScheduleInput{IntervalMs: int64p(1000)}},
		{Name: "n", Prompt: "", Schedule: tasks.ScheduleInput{IntervalMs: int64p(1000)}},
		{Name: "n", Prompt: "p"},
		{Name: "n", Prompt: "p", Schedule: tasks.ScheduleInput{IntervalMs: int64p(-5)}},
	}
	for i, in := range bad {
		if _, err := s.CreateTask(in); !errors.Is(err, tasks.ErrValidation) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}

	if _, err := s.UpdateTask(tasks.HeartbeatTaskID, tasks.TaskPatch{Enabled: boolp(false)}); !errors.Is(err, ErrBuiltinTask) {
		t.Fatalf("expected ErrBuiltinTask on update, got %v", err)
	}
	if _, err := s.DeleteTask(tasks.HeartbeatTaskID); !errors.Is(err, ErrBuiltinTask) {
		t.Fatalf("expected ErrBuiltinTask on heartbeat delete, got %v", err)
	}
	if _, err := s.DeleteTask(tasks.WeeklyResetTaskID); !errors.Is(err, ErrBuiltinTask) {
		t.Fatalf("expected ErrBuiltinTask on delete, got %v", err)
	}
	if after := s.ListTasks(); !reflect.DeepEqual(after, before) {
		t.Fatalf("rejected mutations changed the system task:\nbefore %+v\nafter  %+v", before, after)
	}
	if got, err := s.UpdateTask("task-missing", tasks.TaskPatch{}); got != nil || err != nil {
		t.Fatalf("missing update should be nil,nil: %v %v", got, err)
	}
	if ok, err := s.DeleteTask("task-missing"); ok || err != nil {
		t.Fatalf("missing delete should be false,nil: %v %v", ok, err)
	}
}

func TestRunTaskNowRecordsAndPersists(t *testing.T) {
	runner := newFakeRunner()
	var results atomic.Int32
	s, store, paths := newTestScheduler(t, runner, func(o *Options) {
		o.OnResult = func(Result) { results.Add(1) }
	})
	mustStart(t, s)

	task, err := s.CreateTask(hourly("digest"))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	res, err := s.RunTaskNow(context.Background(), task.ID)
	if err != nil || res == nil {
		t.Fatalf("RunTaskNow: %v %v", res, err)
	}
	if res.Output != "out:digest" || res.IsError || res.Task.ID != task.ID {
		t.Fatalf("unexpected result %+v", res)
	}
	if results.Load() != 1 {
		t.Fatalf("result callback fired %d times", results.Load())
	}

	stored, err := store.Load()
	if err != nil || len(stored) != 1 {
		t.Fatalf("store: %v %v", stored, err)
	}
	if stored[0].LastRunAt == nil || stored[0].LastResult != "out:digest" {
		t.Fatalf("bookkeeping not persisted: %+v", stored[0])
	}
	recs, _ := tasks.ReadRunRecords(paths.RunLogPath(task.ID), 0)
	if len(recs) != 1 || recs[0].Trigger != "manual" || recs[0].Status != "ok" {
		t.Fatalf("unexpected run log %+v", recs)
	}
}

func TestRunTaskNowFailureIsRecorded(t *testing.T) {
	runner := newFakeRunner()
	runner.err = errors.New("engine down")
	s, _, _ := newTestScheduler(t, runner, nil)
	mustStart(t, s)
	task, _ := s.CreateTask(hourly("flaky"))

	res, _ := s.RunTaskNow(context.Background(), task.ID)
	if res == nil || !res.IsError || res.Output != "Error: engine down" {
		t.Fatalf("unexpected failure result %+v", res)
	}
	got, _ := s.GetTask(task.ID)
	if !got.LastRunFailed || got.LastResult != "Error: engine down" {
		t.Fatalf("failure not recorded: %+v", got)
	}

	// The consumer survives failures.
	runner.mu.Lock()
	runner.err = nil
	runner.mu.Unlock()
	if res, _ := s.RunTaskNow(context.Background(), task.ID); res == nil || res.IsError {
		t.Fatalf("consumer should keep working after a failure: %+v", res)
	}
}

func TestConcurrentRunTaskNowShareOneExecution(t *testing.T) {
	runner := newFakeRunner()
	runner.gate = make(chan struct{})
	s, _, _ := newTestScheduler(t, runner, nil)
	mustStart(t, s)
	task, _ := s.CreateTask(hourly("shared"))

	const callers = 3
	results := make(chan *Result, callers)
	go func() {
		r, _ := s.RunTaskNow(context.Background(), task.ID)
		results <- r
	}()
	runner.waitStarted(t)
	for i := 1; i < callers; i++ {
		go func() {
			r, _ := s.RunTaskNow(context.Background(), task.ID)
			results <- r
		}()
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.waiterCount(task.ID) < callers {
		if time.Now().After(deadline) {
			t.Fatalf("waiters never registered")
		}
		time.Sleep(time.Millisecond)
	}
	close(runner.gate)

	var first *Result
	for i := 0; i < callers; i++ {
		r := <-results
		if r == nil {
			t.Fatalf("caller %d got nil", i)
		}
		if first == nil {
			first = r
		} else if r != first {
			t.Fatalf("callers must share the same result")
		}
	}
	if n := len(runner.calls()); n != 1 {
		t.Fatalf("expected one execution, got %d", n)
	}
}

func TestRunTaskNowMissingOrDisabled(t *testing.T) {
	s, _, _ := newTestScheduler(t, newFakeRunner(), nil)
	if res, err := s.RunTaskNow(context.Background(), "anything"); res != nil || err != nil {
		t.Fatalf("before start: %v %v", res, err)
	}
	mustStart(t, s)
	in := hourly("off")
	in.Enabled = boolp(false)
	task, err := s.CreateTask(in)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if res, _ := s.RunTaskNow(context.Background(), task.ID); res != nil {
		t.Fatalf("disabled task must resolve nil")
	}
	if res, _ := s.RunTaskNow(context.Background(), "task-nope"); res != nil {
		t.Fatalf("missing task must resolve nil")
	}
	if len(s.ListTasks()) != 1 {
		t.Fatalf("disabled tasks remain listable")
	}
}

func TestIntervalTaskFiresRepeatedly(t *testing.T) {
	fired := make(chan Result, 16)
	s, _, _ := newTestScheduler(t, newFakeRunner(), func(o *Options) {
		o.OnResult = func(r Result) { fired <- r }
	})
	mustStart(t, s)
	if _, err := s.CreateTask(tasks.TaskInput{Name: "tick", Prompt: "tick", Schedule: tasks.ScheduleInput{IntervalMs: int64p(20)}}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-fired:
		case <-time.After(2 * time.Second):
			t.Fatalf("interval fired only %d times", i)
		}
	}
}

func TestIntervalFiringsAreAtLeastOnePeriodApart(t *testing.T) {
	// With no consumer running, the timer goroutine is the only caller of
	// now, once right before arming each timer.
	var mu sync.Mutex
	var stamps []time.Time
	s := New(Options{Now: func() time.Time {
		n := time.Now()
		mu.Lock()
		stamps = append(stamps, n)
		mu.Unlock()
		return n
	}})
	const period = 30 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.runTimer(ctx, "tick", tasks.Schedule{Kind: tasks.KindInterval, IntervalMs: period.Milliseconds()})
		close(done)
	}()
	for i := 0; i < 4; i++ {
		select {
		case tr := <-s.queue:
			if tr.taskID != "tick" || tr.manual {
				t.Fatalf("unexpected trigger %+v", tr)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("interval fired only %d times", i)
		}
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(stamps) < 4 {
		t.Fatalf("expected a clock read per firing, got %d", len(stamps))
	}
	for i := 1; i < len(stamps); i++ {
		if gap := stamps[i].Sub(stamps[i-1]); gap < period {
			t.Fatalf("firings %d and %d only %s apart, want >= %s", i-1, i, gap, period)
		}
	}
}

func TestIntervalTaskRunsOnceInFirstPeriod(t *testing.T) {
	runner := newFakeRunner()
	s, _, _ := newTestScheduler(t, runner, nil)
	mustStart(t, s)
	task, err := s.CreateTask(tasks.TaskInput{Name: "tick", Prompt: "tick", Schedule: tasks.ScheduleInput{IntervalMs: int64p(1000)}})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.LastRunAt != nil || task.LastResult != "" {
		t.Fatalf("new task must not carry run state: %+v", task)
	}

	time.Sleep(1200 * time.Millisecond)

	if n := len(runner.calls()); n != 1 {
		t.Fatalf("expected exactly one execution after 1.2s, got %d", n)
	}
	got, ok := s.GetTask(task.ID)
	if !ok || got.LastRunAt == nil || got.LastResult != "out:tick" {
		t.Fatalf("run not recorded: %+v", got)
	}
}

func TestManualRunKeepsPendingOnceTask(t *testing.T) {
	s, _, _ := newTestScheduler(t, newFakeRunner(), nil)
	mustStart(t, s)
	later := time.Now().Add(time.Hour)
	task, err := s.CreateTask(tasks.TaskInput{Name: "later", Prompt: "later", Schedule: tasks.ScheduleInput{RunAt: &later}})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	res, err := s.RunTaskNow(context.Background(), task.ID)
	if err != nil || res == nil || res.IsError {
		t.Fatalf("manual run failed: %+v %v", res, err)
	}
	got, _ := s.GetTask(task.ID)
	if !got.Enabled || !res.Task.Enabled {
		t.Fatalf("manual run must not disable a pending once task: %+v", got)
	}
	s.mu.Lock()
	_, armed := s.timers[task.ID]
	s.mu.Unlock()
	if !armed {
		t.Fatalf("once task lost its timer after a manual run")
	}
}

func TestOnceTaskFiresThenDisables(t *testing.T) {
	fired := make(chan Result, 4)
	s, store, _ := newTestScheduler(t, newFakeRunner(), func(o *Options) {
		o.OnResult = func(r Result) { fired <- r }
	})
	mustStart(t, s)
	past := time.Now().Add(-time.Minute)
	task, err := s.CreateTask(tasks.TaskInput{Name: "once", Prompt: "once", Schedule: tasks.ScheduleInput{RunAt: &past}})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	select {
	case r := <-fired:
		if r.Task.Enabled {
			t.Fatalf("once task must be disabled after running")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("past once task did not fire")
	}
	stored, _ := store.Load()
	if len(stored) != 1 || stored[0].ID != task.ID || stored[0].Enabled {
		t.Fatalf("disable not persisted: %+v", stored)
	}
	select {
	case <-fired:
		t.Fatalf("once task fired twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestQueueOverflowDropsNewest(t *testing.T) {
	runner := newFakeRunner()
	runner.gate = make(chan struct{})
	s, _, _ := newTestScheduler(t, runner, nil)
	mustStart(t, s)
	task, _ := s.CreateTask(hourly("busy"))

	go func() { _, _ = s.RunTaskNow(context.Background(), task.ID) }()
	runner.waitStarted(t)

	accepted := 0
	for i := 0; i < QueueCapacity+5; i++ {
		if s.enqueue(trigger{taskID: task.ID}) {
			accepted++
		}
	}
	if accepted != QueueCapacity {
		t.Fatalf("accepted %d triggers, want %d", accepted, QueueCapacity)
	}
	if s.QueueLen() != QueueCapacity {
		t.Fatalf("queue length %d", s.QueueLen())
	}
}

func TestQueuedTriggerForDeletedTaskIsSkipped(t *testing.T) {
	runner := newFakeRunner()
	runner.gate = make(chan struct{})
	s, _, _ := newTestScheduler(t, runner, nil)
	mustStart(t, s)
	a, _ := s.CreateTask(hourly("a"))
	b, _ := s.CreateTask(hourly("b"))
	c, _ := s.CreateTask(hourly("c"))

	done := make(chan struct{})
	go func() {
		_, _ = s.RunTaskNow(context.Background(), a.ID)
		close(done)
	}()
	runner.waitStarted(t)
	s.enqueue(trigger{taskID: b.ID})
	s.enqueue(trigger{taskID: c.ID})
	if ok, err := s.DeleteTask(b.ID); !ok || err != nil {
		t.Fatalf("DeleteTask: %v %v", ok, err)
	}
	cRes := make(chan *Result, 1)
	go func() {
		r, _ := s.RunTaskNow(context.Background(), c.ID)
		cRes <- r
	}()
	close(runner.gate)
	<-done

	select {
	case <-cRes:
	case <-time.After(2 * time.Second):
		t.Fatalf("c never ran")
	}
	calls := runner.calls()
	if len(calls) < 2 || calls[0] != "a" || calls[1] != "c" {
		t.Fatalf("expected FIFO a then c with b skipped, got %v", calls)
	}
	for _, p := range calls {
		if p == "b" {
			t.Fatalf("deleted task ran: %v", calls)
		}
	}
}

func TestStopResolvesWaitersAndIsIdempotent(t *testing.T) {
	runner := newFakeRunner()
	runner.gate = make(chan struct{})
	s, _, _ := newTestScheduler(t, runner, nil)
	mustStart(t, s)
	task, _ := s.CreateTask(hourly("long"))

	res := make(chan *Result, 1)
	go func() {
		r, _ := s.RunTaskNow(context.Background(), task.ID)
		res <- r
	}()
	runner.waitStarted(t)
	s.Stop()
	s.Stop()

	select {
	case r := <-res:
		if r != nil {
			t.Fatalf("waiter should resolve nil on stop, got %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("waiter not resolved by Stop")
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("Start after Stop: %v", err)
	}

	never := New(Options{})
	never.Stop()
}

func TestSystemTasksMergedButNeverPersisted(t *testing.T) {
	runner := newFakeRunner()
	hb := tasks.Task{
		ID: tasks.HeartbeatTaskID, Name: "heartbeat", NotifyMode: tasks.NotifyAuto, Enabled: true, System: true,
		Schedule: tasks.Schedule{Kind: tasks.KindInterval, IntervalMs: int64(time.Hour / time.Millisecond)},
	}
	var manualSeen atomic.Bool
	s, store, paths := newTestScheduler(t, runner, func(o *Options) {
		o.SystemTasks = []tasks.Task{hb}
		o.PreparePrompt = func(t tasks.Task, manual bool) (string, error) {
			if t.ID != tasks.HeartbeatTaskID {
				return t.Prompt, nil
			}
			if !manual {
				return "", tasks.ErrSkipRun
			}
			manualSeen.Store(true)
			return "check heartbeat", nil
		}
	})

	// A stored record squatting on a reserved id is ignored.
	raw := fmt.Sprintf(`{"version":1,"tasks":[{"id":%q,"name":"evil","prompt":"x","schedule":{"kind":"interval","interval_ms":1},"notify_mode":"auto","enabled":true}]}`, tasks.HeartbeatTaskID)
	if err := os.MkdirAll(filepath.Dir(paths.TasksPath), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(paths.TasksPath, []byte(raw), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	mustStart(t, s)

	list := s.ListTasks()
	if len(list) != 1 || list[0].Name != "heartbeat" || !list[0].System {
		t.Fatalf("expected only the built-in heartbeat, got %+v", list)
	}

	res, _ := s.RunTaskNow(context.Background(), tasks.HeartbeatTaskID)
	if res == nil || res.Output != "out:check heartbeat" || !manualSeen.Load() {
		t.Fatalf("manual heartbeat should run: %+v", res)
	}

	if _, err := s.CreateTask(hourly("user")); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	stored, _ := store.Load()
	if len(stored) != 1 || stored[0].Name != "user" {
		t.Fatalf("system task leaked into the store: %+v", stored)
	}

	// Scheduled firings go through the hook and may be skipped.
	s.enqueue(trigger{taskID: tasks.HeartbeatTaskID})
	time.Sleep(50 * time.Millisecond)
	if n := len(runner.calls()); n != 1 {
		t.Fatalf("skipped heartbeat must not reach the runner, calls=%d", n)
	}
}

func TestConcurrentMutationsAreSerialized(t *testing.T) {
	s, store, _ := newTestScheduler(t, newFakeRunner(), nil)
	mustStart(t, s)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.CreateTask(hourly(fmt.Sprintf("t%02d", i))); err != nil {
				t.Errorf("CreateTask: %v", err)
			}
		}(i)
	}
	wg.Wait()
	stored, err := store.Load()
	if err != nil || len(stored) != n {
		t.Fatalf("expected %d stored tasks, got %d (%v)", n, len(stored), err)
	}
	if len(s.ListTasks()) != n {
		t.Fatalf("in-memory set out of sync")
	}
}

func TestUpdateRearmsAndPersists(t *testing.T) {
	fired := make(chan Result, 8)
	s, store, _ := newTestScheduler(t, newFakeRunner(), func(o *Options) {
		o.OnResult = func(r Result) { fired <- r }
	})
	mustStart(t, s)
	task, _ := s.CreateTask(hourly("slow"))

	fast := int64(20)
	updated, err := s.UpdateTask(task.ID, tasks.TaskPatch{Schedule: &tasks.ScheduleInput{IntervalMs: &fast}})
	if err != nil || updated == nil || updated.Schedule.IntervalMs != fast {
		t.Fatalf("UpdateTask: %+v %v", updated, err)
	}
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("re-armed timer never fired")
	}

	if _, err := s.UpdateTask(task.ID, tasks.TaskPatch{Enabled: boolp(false)}); err != nil {
		t.Fatalf("disable: %v", err)
	}
	stored, _ := store.Load()
	if len(stored) != 1 || stored[0].Enabled {
		t.Fatalf("disable not persisted: %+v", stored)
	}
}
