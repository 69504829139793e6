package scheduler

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"assistantd/internal/autonomy/tasks"
	"assistantd/internal/broker"
)

var (
	ErrBuiltinTask = errors.New("system tasks cannot be modified")
	ErrStopped     = errors.New("scheduler stopped")
)

// QueueCapacity bounds the trigger queue. Timers never block: a trigger that
// does not fit is dropped.
const QueueCapacity = 128

const maxStoredResult = 8000

// Runner executes a task prompt; *broker.Broker satisfies it.
type Runner interface {
	RunBackgroundQuery(ctx context.Context, q broker.Query) (string, error)
}

type Result struct {
	Task       tasks.Task `json:"task"`
	Output     string     `json:"output"`
	DurationMs int64      `json:"duration_ms"`
	IsError    bool       `json:"is_error"`
}

type Options struct {
	Store  *tasks.StoreManager
	Runner Runner

	SystemTasks []tasks.Task
	// PreparePrompt builds the prompt at fire time. tasks.ErrSkipRun skips the
	// firing without bookkeeping.
	PreparePrompt func(t tasks.Task, manual bool) (string, error)
	OnResult      func(Result)

	// RunLogPath maps a task id to its JSONL run log; nil disables the log.
	RunLogPath  func(taskID string) string
	Location    *time.Location
	TaskTimeout time.Duration
	Now         func() time.Time
	Logf        func(format string, args ...any)
}

type trigger struct {
	taskID string
	manual bool
}

type Scheduler struct {
	opts Options
	logf func(format string, args ...any)
	now  func() time.Time
	loc  *time.Location

	// mutMu orders create/update/delete and post-run bookkeeping.
	mutMu sync.Mutex

	mu      sync.Mutex
	loaded  bool
	started bool
	stopped bool
	tasks   map[string]tasks.Task
	timers  map[string]context.CancelFunc
	waiters map[string][]chan *Result

	queue  chan trigger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *Scheduler {
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 10 * time.Minute
	}
	return &Scheduler{
		opts:    opts,
		logf:    logf,
		now:     now,
		loc:     loc,
		tasks:   make(map[string]tasks.Task),
		timers:  make(map[string]context.CancelFunc),
		waiters: make(map[string][]chan *Result),
		queue:   make(chan trigger, QueueCapacity),
	}
}

// Start loads persisted tasks, merges the system tasks, arms timers and
// starts the consumer. Calling it again is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mutMu.Lock()
	defer s.mutMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return nil
	}
	if err := s.ensureLoadedLocked(); err != nil {
		return err
	}
	for _, t := range s.opts.SystemTasks {
		if _, exists := s.tasks[t.ID]; exists {
			continue
		}
		t.System = true
		s.tasks[t.ID] = t
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	armed := 0
	for _, t := range s.tasks {
		if t.Enabled {
			s.armLocked(t)
			armed++
		}
	}
	s.wg.Add(1)
	go s.consume()
	s.logf("scheduler started tasks=%d armed=%d", len(s.tasks), armed)
	return nil
}

// Stop disarms every timer, stops the consumer and resolves every RunTaskNow
// waiter with nil. It is safe to call more than once, and before Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for id, cancel := range s.timers {
		cancel()
		delete(s.timers, id)
	}
	if s.cancel != nil {
		s.cancel()
	}
	waiters := s.waiters
	s.waiters = make(map[string][]chan *Result)
	s.mu.Unlock()

	for _, list := range waiters {
		for _, ch := range list {
			ch <- nil
		}
	}
	s.wg.Wait()
	s.logf("scheduler stopped")
}

func (s *Scheduler) ensureLoadedLocked() error {
	if s.loaded {
		return nil
	}
	if s.opts.Store != nil {
		list, err := s.opts.Store.Load()
		if err != nil {
			return err
		}
		for _, t := range list {
			if tasks.IsReservedID(t.ID) {
				continue
			}
			s.tasks[t.ID] = t
		}
	}
	s.loaded = true
	return nil
}

func (s *Scheduler) CreateTask(in tasks.TaskInput) (tasks.Task, error) {
	t, err := tasks.NewTask(in, s.now())
	if err != nil {
		return tasks.Task{}, err
	}

	s.mutMu.Lock()
	defer s.mutMu.Unlock()
	if err := s.commit(t.ID, &t, true); err != nil {
		return tasks.Task{}, err
	}
	s.logf("task created id=%s kind=%s", t.ID, t.Schedule.Kind)
	return t, nil
}

// UpdateTask applies patch to a user task. It returns nil when id is unknown.
func (s *Scheduler) UpdateTask(id string, patch tasks.TaskPatch) (*tasks.Task, error) {
	id = strings.TrimSpace(id)
	if tasks.IsReservedID(id) {
		return nil, ErrBuiltinTask
	}

	s.mutMu.Lock()
	defer s.mutMu.Unlock()
	s.mu.Lock()
	if err := s.ensureLoadedLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	cur, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	next, err := tasks.ApplyPatch(cur, patch, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.commit(id, &next, true); err != nil {
		return nil, err
	}
	s.logf("task updated id=%s enabled=%v", id, next.Enabled)
	return &next, nil
}

// DeleteTask removes a user task. It returns false when id is unknown.
func (s *Scheduler) DeleteTask(id string) (bool, error) {
	id = strings.TrimSpace(id)
	if tasks.IsReservedID(id) {
		return false, ErrBuiltinTask
	}

	s.mutMu.Lock()
	defer s.mutMu.Unlock()
	s.mu.Lock()
	if err := s.ensureLoadedLocked(); err != nil {
		s.mu.Unlock()
		return false, err
	}
	_, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := s.commit(id, nil, true); err != nil {
		return false, err
	}
	s.logf("task deleted id=%s", id)
	return true, nil
}

// commit replaces (or with next == nil removes) one task and persists the
// user set. With rearm the task's timer is rebuilt; otherwise it is only torn
// down when the task became disabled. Callers hold mutMu.
func (s *Scheduler) commit(id string, next *tasks.Task, rearm bool) error {
	s.mu.Lock()
	if err := s.ensureLoadedLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	prev, had := s.tasks[id]
	if next == nil {
		delete(s.tasks, id)
	} else {
		s.tasks[id] = *next
	}
	user := s.userTasksLocked()
	s.mu.Unlock()

	persist := !(had && prev.System) && !(next != nil && next.System)
	if persist && s.opts.Store != nil {
		if err := s.opts.Store.Save(user); err != nil {
			s.mu.Lock()
			if had {
				s.tasks[id] = prev
			} else {
				delete(s.tasks, id)
			}
			s.mu.Unlock()
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case next == nil || !next.Enabled:
		s.disarmLocked(id)
	case rearm:
		s.armLocked(*next)
	}
	return nil
}

func (s *Scheduler) userTasksLocked() []tasks.Task {
	out := make([]tasks.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if !t.System {
			out = append(out, t)
		}
	}
	return out
}

// ListTasks returns every task, system tasks included, sorted by creation time.
func (s *Scheduler) ListTasks() []tasks.Task {
	s.mu.Lock()
	out := make([]tasks.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Scheduler) GetTask(id string) (tasks.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[strings.TrimSpace(id)]
	return t, ok
}

func (s *Scheduler) QueueLen() int { return len(s.queue) }

// RunTaskNow queues a manual trigger and blocks until the task's next
// completed execution. Concurrent callers for one id share a single trigger.
// The result is nil when the task is missing or disabled, the trigger was
// dropped, or the scheduler stopped.
func (s *Scheduler) RunTaskNow(ctx context.Context, id string) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	id = strings.TrimSpace(id)

	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil, nil
	}
	t, ok := s.tasks[id]
	if !ok || !t.Enabled {
		s.mu.Unlock()
		return nil, nil
	}
	ch := make(chan *Result, 1)
	first := len(s.waiters[id]) == 0
	s.waiters[id] = append(s.waiters[id], ch)
	s.mu.Unlock()

	if first && !s.enqueue(trigger{taskID: id, manual: true}) {
		s.resolveWaiters(id, nil)
	}

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		s.removeWaiter(id, ch)
		return nil, ctx.Err()
	}
}

func (s *Scheduler) enqueue(tr trigger) bool {
	select {
	case s.queue <- tr:
		return true
	default:
		s.logf("trigger queue full (%d), dropping trigger for %s", QueueCapacity, tr.taskID)
		return false
	}
}

func (s *Scheduler) resolveWaiters(id string, res *Result) {
	s.mu.Lock()
	list := s.waiters[id]
	delete(s.waiters, id)
	s.mu.Unlock()
	for _, ch := range list {
		ch <- res
	}
}

func (s *Scheduler) removeWaiter(id string, ch chan *Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.waiters[id]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.waiters, id)
		return
	}
	s.waiters[id] = list
}

func (s *Scheduler) waiterCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters[id])
}
