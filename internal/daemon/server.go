package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"assistantd/internal/autonomy/scheduler"
	"assistantd/internal/autonomy/tasks"
	"assistantd/internal/broker"
	"assistantd/internal/restart"
	"assistantd/internal/rpc"
)

// Broker is the admission side used by the daemon methods; *broker.Broker
// satisfies it.
type Broker interface {
	Submit(ctx context.Context, caller broker.Caller, msg broker.InboundMessage) error
	RequestAbort() bool
	ResolveDeliveryTarget(explicit string) (string, error)
	Busy() bool
}

// Scheduler is the task side used by the daemon methods; *scheduler.Scheduler
// satisfies it.
type Scheduler interface {
	CreateTask(in tasks.TaskInput) (tasks.Task, error)
	UpdateTask(id string, patch tasks.TaskPatch) (*tasks.Task, error)
	DeleteTask(id string) (bool, error)
	ListTasks() []tasks.Task
	GetTask(id string) (tasks.Task, bool)
	RunTaskNow(ctx context.Context, id string) (*scheduler.Result, error)
	QueueLen() int
}

type Options struct {
	Broker    Broker
	Scheduler Scheduler
	// Deliverable filters finished task output before it is pushed to the
	// delivery target. Nil pushes every non-empty notify_mode=auto result.
	Deliverable func(t tasks.Task, output string, isError bool) (string, bool)
	RunLogPath  func(taskID string) string
	Restart     *restart.Manager
	// OnRestart is called after a restart was requested over RPC.
	OnRestart func()

	History   *History
	SessionID string
	Instance  string
	Version   string
	Socket    string
	// Notice is returned from initialize, e.g. why the daemon restarted.
	Notice string

	Logf func(format string, args ...any)
	Now  func() time.Time
}

type clientConn struct {
	id      string
	channel string
	remote  string
	peer    *rpc.Peer
}

// Server serves the daemon methods to every attached client connection.
type Server struct {
	opts      Options
	logf      func(format string, args ...any)
	now       func() time.Time
	history   *History
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	conns     map[string]*clientConn
	listeners []net.Listener
	wg        sync.WaitGroup
}

func NewServer(opts Options) *Server {
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	history := opts.History
	if history == nil {
		history = NewHistory(DefaultHistoryLimit)
	}
	if strings.TrimSpace(opts.SessionID) == "" {
		opts.SessionID = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:      opts,
		logf:      logf,
		now:       now,
		history:   history,
		startedAt: now(),
		ctx:       ctx,
		cancel:    cancel,
		conns:     make(map[string]*clientConn),
	}
}

func (s *Server) SessionID() string { return s.opts.SessionID }

// Serve accepts connections until ln is closed. It returns nil when the
// server was closed.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.ServeConn(conn, remoteName(conn))
	}
}

func remoteName(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil && addr.String() != "" {
		return addr.String()
	}
	return "local"
}

// ServeConn attaches one client connection and starts its read loop.
func (s *Server) ServeConn(conn io.ReadWriteCloser, remote string) *rpc.Peer {
	cc := &clientConn{id: uuid.NewString(), remote: remote}
	cc.channel = "conn:" + cc.id
	cc.peer = rpc.NewPeer(conn, rpc.PeerOptions{
		OnRequest: func(ctx context.Context, method string, params json.RawMessage) (any, error) {
			return s.handle(ctx, cc, method, params)
		},
		OnClose: func(err error) {
			s.mu.Lock()
			delete(s.conns, cc.id)
			s.mu.Unlock()
			if err != nil && !errors.Is(err, io.EOF) {
				s.logf("client %s (%s) closed: %v", cc.id, cc.remote, err)
				return
			}
			s.logf("client %s (%s) detached", cc.id, cc.remote)
		},
		Logf: s.logf,
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = cc.peer.Close()
		return cc.peer
	}
	s.conns[cc.id] = cc
	s.mu.Unlock()

	s.logf("client %s attached from %s", cc.id, cc.remote)
	cc.peer.Start()
	return cc.peer
}

func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) connByChannel(channel string) *clientConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cc := range s.conns {
		if cc.channel == channel {
			return cc
		}
	}
	return nil
}

// DeliverResult pushes a finished task to the most recent interactive
// client. It is meant as the scheduler's result callback.
func (s *Server) DeliverResult(res scheduler.Result) {
	text, ok := s.deliverable(res)
	if !ok {
		return
	}
	target, err := s.opts.Broker.ResolveDeliveryTarget("")
	if err != nil {
		s.logf("task %s result not delivered: %v", res.Task.ID, err)
		return
	}
	cc := s.connByChannel(target)
	if cc == nil {
		s.logf("task %s result not delivered: %s is gone", res.Task.ID, target)
		return
	}
	err = cc.peer.Notify(NotifyTaskResult, TaskResultParams{
		TaskID:     res.Task.ID,
		TaskName:   res.Task.Name,
		Content:    text,
		IsError:    res.IsError,
		DurationMs: res.DurationMs,
	})
	if err != nil {
		s.logf("task %s result delivery to %s failed: %v", res.Task.ID, target, err)
	}
}

func (s *Server) deliverable(res scheduler.Result) (string, bool) {
	if s.opts.Deliverable != nil {
		return s.opts.Deliverable(res.Task, res.Output, res.IsError)
	}
	if res.Task.NotifyMode != tasks.NotifyAuto {
		return "", false
	}
	text := strings.TrimSpace(res.Output)
	return text, text != ""
}

func (s *Server) status() StatusResult {
	now := s.now()
	return StatusResult{
		Instance:    s.opts.Instance,
		SessionID:   s.opts.SessionID,
		Version:     s.opts.Version,
		PID:         os.Getpid(),
		Socket:      s.opts.Socket,
		Busy:        s.opts.Broker.Busy(),
		QueueLength: s.opts.Scheduler.QueueLen(),
		Tasks:       len(s.opts.Scheduler.ListTasks()),
		Connections: s.ConnCount(),
		StartedAt:   s.startedAt,
		UptimeMs:    now.Sub(s.startedAt).Milliseconds(),
	}
}

// Close stops accepting, detaches every client and waits for in-flight
// queries to return.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listeners := s.listeners
	s.listeners = nil
	conns := make([]*clientConn, 0, len(s.conns))
	for _, cc := range s.conns {
		conns = append(conns, cc)
	}
	s.mu.Unlock()

	s.cancel()
	for _, ln := range listeners {
		_ = ln.Close()
	}
	for _, cc := range conns {
		_ = cc.peer.Close()
	}
	s.wg.Wait()
	return nil
}
