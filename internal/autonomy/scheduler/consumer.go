package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"assistantd/internal/autonomy/tasks"
	"assistantd/internal/broker"
)

// armLocked (re)starts the timer goroutine for t. Disabled tasks and a
// scheduler that is not running get no timer.
func (s *Scheduler) armLocked(t tasks.Task) {
	s.disarmLocked(t.ID)
	if !t.Enabled || !s.started || s.stopped {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.timers[t.ID] = cancel
	go s.runTimer(ctx, t.ID, t.Schedule)
}

func (s *Scheduler) disarmLocked(id string) {
	if cancel, ok := s.timers[id]; ok {
		cancel()
		delete(s.timers, id)
	}
}

func (s *Scheduler) runTimer(ctx context.Context, id string, sched tasks.Schedule) {
	for {
		d, ok := tasks.NextDelay(sched, s.now(), s.loc)
		if !ok {
			s.logf("task %s has no further fire time", id)
			return
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.enqueue(trigger{taskID: id})
		if sched.Kind == tasks.KindOnce {
			return
		}
	}
}

func (s *Scheduler) consume() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case tr := <-s.queue:
			s.execute(tr)
		}
	}
}

func (s *Scheduler) execute(tr trigger) {
	s.mu.Lock()
	t, ok := s.tasks[tr.taskID]
	s.mu.Unlock()
	if !ok || !t.Enabled {
		s.logf("skipping trigger for %s (deleted or disabled)", tr.taskID)
		s.resolveWaiters(tr.taskID, nil)
		return
	}

	prompt := t.Prompt
	if s.opts.PreparePrompt != nil {
		p, err := s.opts.PreparePrompt(t, tr.manual)
		if errors.Is(err, tasks.ErrSkipRun) {
			s.logf("task %s skipped: nothing to do", t.ID)
			s.appendRunLog(tasks.RunRecord{TaskID: t.ID, Trigger: triggerName(tr), StartedAt: s.now().UTC(), FinishedAt: s.now().UTC(), Status: "skipped"})
			return
		}
		if err != nil {
			s.finish(t, tr, s.now(), "Error: "+err.Error(), true)
			return
		}
		prompt = p
	}

	if s.opts.Runner == nil {
		s.finish(t, tr, s.now(), "Error: no runner configured", true)
		return
	}

	runCtx, cancel := context.WithTimeout(s.ctx, s.opts.TaskTimeout)
	start := s.now()
	s.logf("running task %s (%s)", t.ID, triggerName(tr))
	out, err := s.opts.Runner.RunBackgroundQuery(runCtx, broker.Query{Prompt: prompt, MaxTurns: t.MaxTurns})
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	cancel()

	if s.ctx.Err() != nil || errors.Is(err, broker.ErrStopped) {
		s.logf("task %s interrupted by shutdown", t.ID)
		s.resolveWaiters(t.ID, nil)
		return
	}
	if err != nil {
		msg := "Error: " + strings.TrimSpace(err.Error())
		if timedOut {
			msg = fmt.Sprintf("Error: task timed out after %s", s.opts.TaskTimeout)
		}
		s.finish(t, tr, start, msg, true)
		return
	}
	s.finish(t, tr, start, out, false)
}

// finish records the run under the mutation lock, then notifies the result
// callback and waiters.
func (s *Scheduler) finish(t tasks.Task, tr trigger, start time.Time, output string, isError bool) {
	end := s.now()
	res := Result{
		Output:     output,
		DurationMs: end.Sub(start).Milliseconds(),
		IsError:    isError,
	}

	s.mutMu.Lock()
	s.mu.Lock()
	cur, ok := s.tasks[t.ID]
	s.mu.Unlock()
	if ok {
		last := end.UTC()
		cur.LastRunAt = &last
		cur.LastResult = truncate(output, maxStoredResult)
		cur.LastRunFailed = isError
		// A manual run leaves a pending once task armed for its run_at.
		if cur.Schedule.Kind == tasks.KindOnce && !tr.manual {
			cur.Enabled = false
		}
		if err := s.commit(cur.ID, &cur, false); err != nil {
			s.logf("persist run of %s failed: %v", cur.ID, err)
		}
		res.Task = cur
	} else {
		res.Task = t
	}
	s.mutMu.Unlock()

	status := "ok"
	errText := ""
	if isError {
		status = "error"
		errText = output
	}
	s.appendRunLog(tasks.RunRecord{
		TaskID:        t.ID,
		Trigger:       triggerName(tr),
		StartedAt:     start.UTC(),
		FinishedAt:    end.UTC(),
		Status:        status,
		Error:         errText,
		OutputPreview: truncate(output, 400),
	})
	s.logf("task %s finished status=%s duration=%dms", t.ID, status, res.DurationMs)

	if s.opts.OnResult != nil {
		s.opts.OnResult(res)
	}
	s.resolveWaiters(t.ID, &res)
}

func (s *Scheduler) appendRunLog(rec tasks.RunRecord) {
	if s.opts.RunLogPath == nil {
		return
	}
	path := s.opts.RunLogPath(rec.TaskID)
	if strings.TrimSpace(path) == "" {
		return
	}
	if err := tasks.AppendRunRecord(path, rec); err != nil {
		s.logf("append run log for %s: %v", rec.TaskID, err)
	}
}

func triggerName(tr trigger) string {
	if tr.manual {
		return "manual"
	}
	return "schedule"
}

func truncate(s string, max int) string {
	text := strings.TrimSpace(s)
	if len(text) <= max {
		return text
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "…"
}
