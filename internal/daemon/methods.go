package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"assistantd/internal/appinfo"
	"assistantd/internal/autonomy/scheduler"
	"assistantd/internal/autonomy/tasks"
	"assistantd/internal/broker"
	"assistantd/internal/llm"
	"assistantd/internal/restart"
	"assistantd/internal/rpc"
)

const defaultRunsLimit = 20

func (s *Server) handle(ctx context.Context, cc *clientConn, method string, params json.RawMessage) (any, error) {
	switch method {
	case MethodInitialize:
		return s.initialize(cc, params)
	case MethodQuery:
		return s.query(cc, params)
	case MethodAbort:
		var p AbortParams
		if err := rpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		aborted := s.opts.Broker.RequestAbort()
		s.logf("abort from %s request=%s aborted=%v", cc.id, p.RequestID, aborted)
		return AbortResult{OK: true, Aborted: aborted}, nil
	case MethodTriggerHeartbeat:
		return s.trigger(ctx, tasks.HeartbeatTaskID, "heartbeat")
	case MethodTriggerRun:
		var p TriggerRunParams
		if err := rpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		id := strings.TrimSpace(p.TaskID)
		if id == "" {
			return nil, rpc.NewError(rpc.CodeInvalidParams, "taskId is required")
		}
		return s.trigger(ctx, id, "task "+id)
	case MethodTasksList:
		return TaskListResult{Tasks: s.opts.Scheduler.ListTasks()}, nil
	case MethodTasksGet:
		var p TaskIDParams
		if err := rpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		t, ok := s.opts.Scheduler.GetTask(strings.TrimSpace(p.ID))
		if !ok {
			return nil, notFound(p.ID)
		}
		return TaskResult{Task: t}, nil
	case MethodTasksCreate:
		var in tasks.TaskInput
		if err := rpc.DecodeParams(params, &in); err != nil {
			return nil, err
		}
		t, err := s.opts.Scheduler.CreateTask(in)
		if err != nil {
			return nil, toRPCError(err)
		}
		s.logf("task %s created by %s", t.ID, cc.id)
		return TaskResult{Task: t}, nil
	case MethodTasksUpdate:
		var p TaskUpdateParams
		if err := rpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		t, err := s.opts.Scheduler.UpdateTask(strings.TrimSpace(p.ID), p.Patch)
		if err != nil {
			return nil, toRPCError(err)
		}
		if t == nil {
			return nil, notFound(p.ID)
		}
		return TaskResult{Task: *t}, nil
	case MethodTasksDelete:
		var p TaskIDParams
		if err := rpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		ok, err := s.opts.Scheduler.DeleteTask(strings.TrimSpace(p.ID))
		if err != nil {
			return nil, toRPCError(err)
		}
		if !ok {
			return nil, notFound(p.ID)
		}
		return TaskDeleteResult{Deleted: true}, nil
	case MethodTasksRuns:
		return s.taskRuns(params)
	case MethodStatus:
		return s.status(), nil
	case MethodRestart:
		return s.restart(cc, params)
	default:
		return nil, rpc.NewError(rpc.CodeMethodNotFound, "method not found: %s", method)
	}
}

func (s *Server) initialize(cc *clientConn, params json.RawMessage) (any, error) {
	var p InitializeParams
	if err := rpc.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	s.logf("client %s initialized client=%q version=%q", cc.id, p.Client, p.Version)
	return InitializeResult{
		SessionID:     s.opts.SessionID,
		Instance:      s.opts.Instance,
		DaemonVersion: s.opts.Version,
		History:       s.history.Snapshot(),
		Notice:        s.opts.Notice,
	}, nil
}

func (s *Server) query(cc *clientConn, params json.RawMessage) (any, error) {
	var p QueryParams
	if err := rpc.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	p.RequestID = strings.TrimSpace(p.RequestID)
	if p.RequestID == "" {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "requestId is required")
	}
	if strings.TrimSpace(p.Content) == "" {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "content is required")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, rpc.NewError(rpc.CodeServerError, "daemon is shutting down")
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.runQuery(cc, p)
	}()
	return QueryResult{Accepted: true}, nil
}

// runQuery submits one query and finishes it with a done or error
// notification.
func (s *Server) runQuery(cc *clientConn, p QueryParams) {
	caller := &connCaller{peer: cc.peer, requestID: p.RequestID}
	err := s.opts.Broker.Submit(s.ctx, caller, broker.InboundMessage{
		Content:  p.Content,
		Channel:  cc.channel,
		Context:  p.Context,
		History:  s.history.Snapshot(),
		MaxTurns: p.MaxTurns,
	})
	if err != nil {
		s.logf("query %s failed: %v", p.RequestID, err)
		_ = cc.peer.Notify(NotifyError, ErrorParams{RequestID: p.RequestID, Message: llm.DescribeError(err)})
		return
	}
	if final, ok := caller.Final(); ok && final != broker.BusyMessage {
		s.history.Append("user", p.Content)
		s.history.Append("assistant", final)
	}
	_ = cc.peer.Notify(NotifyDone, DoneParams{RequestID: p.RequestID})
}

// connCaller relays one query's output as notifications tagged with its
// request id.
type connCaller struct {
	peer      *rpc.Peer
	requestID string

	mu       sync.Mutex
	final    string
	hasFinal bool
}

func (c *connCaller) SendMessage(content string, isPartial bool) error {
	if !isPartial {
		c.mu.Lock()
		c.final = content
		c.hasFinal = true
		c.mu.Unlock()
	}
	return c.peer.Notify(NotifyStream, StreamParams{RequestID: c.requestID, Content: content, IsPartial: isPartial})
}

func (c *connCaller) SendStats(text string) error {
	return c.peer.Notify(NotifyStats, StatsParams{RequestID: c.requestID, Text: text})
}

func (c *connCaller) Final() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.final, c.hasFinal
}

func (s *Server) trigger(ctx context.Context, id string, label string) (any, error) {
	res, err := s.opts.Scheduler.RunTaskNow(ctx, id)
	if err != nil {
		return nil, toRPCError(err)
	}
	if res == nil {
		return TriggerResult{OK: false, Message: label + " did not run (missing, disabled, queue full or shutting down)"}, nil
	}
	msg := label + " finished"
	if res.IsError {
		msg = label + " failed"
	}
	return TriggerResult{OK: !res.IsError, Message: msg, Result: res.Output, DurationMs: res.DurationMs}, nil
}

func (s *Server) taskRuns(params json.RawMessage) (any, error) {
	var p TaskRunsParams
	if err := rpc.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	id := strings.TrimSpace(p.ID)
	if _, ok := s.opts.Scheduler.GetTask(id); !ok {
		return nil, notFound(id)
	}
	if s.opts.RunLogPath == nil {
		return TaskRunsResult{Runs: []tasks.RunRecord{}}, nil
	}
	limit := p.Limit
	if limit <= 0 {
		limit = defaultRunsLimit
	}
	runs, err := tasks.ReadRunRecords(s.opts.RunLogPath(id), limit)
	if err != nil {
		return nil, toRPCError(err)
	}
	if runs == nil {
		runs = []tasks.RunRecord{}
	}
	return TaskRunsResult{Runs: runs}, nil
}

func (s *Server) restart(cc *clientConn, params json.RawMessage) (any, error) {
	var p RestartParams
	if err := rpc.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	if s.opts.Restart == nil {
		return nil, rpc.NewError(rpc.CodeServerError, "restart is not available")
	}
	first, err := s.opts.Restart.RequestRestart(restart.SentinelEntry{
		App:       appinfo.Name,
		Version:   s.opts.Version,
		SessionID: s.opts.SessionID,
		Reason:    strings.TrimSpace(p.Reason),
		Note:      "requested by " + cc.id,
	})
	if err != nil {
		return nil, toRPCError(err)
	}
	if !first {
		return RestartResult{OK: true, Message: "restart already pending"}, nil
	}
	s.logf("restart requested by %s reason=%q", cc.id, p.Reason)
	if s.opts.OnRestart != nil {
		// Let the response reach the client before shutdown starts.
		time.AfterFunc(100*time.Millisecond, s.opts.OnRestart)
	}
	return RestartResult{OK: true, Message: "restarting"}, nil
}

func notFound(id string) *rpc.Error {
	return rpc.NewError(rpc.CodeServerError, "task not found: %s", strings.TrimSpace(id))
}

func toRPCError(err error) error {
	var rpcErr *rpc.Error
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr
	case errors.Is(err, tasks.ErrValidation):
		return rpc.NewError(rpc.CodeInvalidParams, "%s", err.Error())
	case errors.Is(err, scheduler.ErrBuiltinTask), errors.Is(err, scheduler.ErrStopped):
		return rpc.NewError(rpc.CodeServerError, "%s", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return rpc.NewError(rpc.CodeServerError, "%s", err.Error())
	default:
		return rpc.NewError(rpc.CodeInternalError, "%s", fmt.Sprint(err))
	}
}
