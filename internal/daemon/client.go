package daemon

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"assistantd/internal/autonomy/tasks"
	"assistantd/internal/rpc"
)

type ClientOptions struct {
	// Secret signs websocket handshakes; unused for unix sockets.
	Secret       string
	Client       string
	DialTimeout  time.Duration
	OnTaskResult func(TaskResultParams)
	OnClose      func(err error)
	Logf         func(format string, args ...any)
}

// QueryEvent is one notification belonging to a running query.
type QueryEvent struct {
	Kind      string // stream|stats|done|error
	Content   string
	IsPartial bool
	Text      string
	Message   string
}

// QueryError is the terminal error notification of a query.
type QueryError struct {
	Message string
}

func (e *QueryError) Error() string { return e.Message }

type querySink struct {
	onEvent func(QueryEvent)
	done    chan error
}

// Client is the attaching side of the daemon connection.
type Client struct {
	peer *rpc.Peer
	opts ClientOptions

	mu    sync.Mutex
	sinks map[string]*querySink
}

// Dial connects to a unix socket path or a ws:// / wss:// URL.
func Dial(ctx context.Context, target string, opts ClientOptions) (*Client, error) {
	target = strings.TrimSpace(target)
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var conn io.ReadWriteCloser
	if strings.HasPrefix(target, "ws://") || strings.HasPrefix(target, "wss://") {
		client := opts.Client
		if strings.TrimSpace(client) == "" {
			client = "client"
		}
		c, err := DialWebSocket(dialCtx, target, opts.Secret, client)
		if err != nil {
			return nil, err
		}
		conn = c
	} else {
		var d net.Dialer
		c, err := d.DialContext(dialCtx, "unix", target)
		if err != nil {
			return nil, err
		}
		conn = c
	}
	return NewClient(conn, opts), nil
}

// NewClient wraps an established connection and starts reading from it.
func NewClient(conn io.ReadWriteCloser, opts ClientOptions) *Client {
	c := &Client{opts: opts, sinks: make(map[string]*querySink)}
	c.peer = rpc.NewPeer(conn, rpc.PeerOptions{
		OnNotification: c.handleNotification,
		OnClose: func(err error) {
			c.failSinks(rpc.ErrConnClosed)
			if opts.OnClose != nil {
				opts.OnClose(err)
			}
		},
		Logf: opts.Logf,
	})
	c.peer.Start()
	return c
}

func (c *Client) Close() error          { return c.peer.Close() }
func (c *Client) Done() <-chan struct{} { return c.peer.Done() }

type notificationFields struct {
	RequestID string `json:"requestId"`
	Content   string `json:"content"`
	IsPartial bool   `json:"isPartial"`
	Text      string `json:"text"`
	Message   string `json:"message"`
}

func (c *Client) handleNotification(method string, params json.RawMessage) {
	if method == NotifyTaskResult {
		var p TaskResultParams
		if err := json.Unmarshal(params, &p); err == nil && c.opts.OnTaskResult != nil {
			c.opts.OnTaskResult(p)
		}
		return
	}

	var n notificationFields
	if err := json.Unmarshal(params, &n); err != nil {
		return
	}
	c.mu.Lock()
	sink := c.sinks[n.RequestID]
	if method == NotifyDone || method == NotifyError {
		delete(c.sinks, n.RequestID)
	}
	c.mu.Unlock()
	if sink == nil {
		return
	}

	ev := QueryEvent{Kind: method, Content: n.Content, IsPartial: n.IsPartial, Text: n.Text, Message: n.Message}
	switch method {
	case NotifyStream, NotifyStats:
		if sink.onEvent != nil {
			sink.onEvent(ev)
		}
	case NotifyDone:
		if sink.onEvent != nil {
			sink.onEvent(ev)
		}
		sink.done <- nil
	case NotifyError:
		if sink.onEvent != nil {
			sink.onEvent(ev)
		}
		sink.done <- &QueryError{Message: n.Message}
	}
}

func (c *Client) failSinks(err error) {
	c.mu.Lock()
	sinks := c.sinks
	c.sinks = make(map[string]*querySink)
	c.mu.Unlock()
	for _, sink := range sinks {
		select {
		case sink.done <- err:
		default:
		}
	}
}

func (c *Client) Initialize(ctx context.Context) (InitializeResult, error) {
	var out InitializeResult
	err := c.peer.Call(ctx, MethodInitialize, InitializeParams{Client: c.opts.Client}, &out)
	return out, err
}

// Query submits content and blocks until the daemon reports done or error.
// onEvent sees every stream and stats notification in order.
func (c *Client) Query(ctx context.Context, content string, contextText string, onEvent func(QueryEvent)) error {
	requestID := uuid.NewString()
	sink := &querySink{onEvent: onEvent, done: make(chan error, 1)}
	c.mu.Lock()
	c.sinks[requestID] = sink
	c.mu.Unlock()

	var res QueryResult
	err := c.peer.Call(ctx, MethodQuery, QueryParams{RequestID: requestID, Content: content, Context: contextText}, &res)
	if err == nil && !res.Accepted {
		err = &QueryError{Message: "query was not accepted"}
	}
	if err != nil {
		c.mu.Lock()
		delete(c.sinks, requestID)
		c.mu.Unlock()
		return err
	}

	select {
	case err := <-sink.done:
		return err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.sinks, requestID)
		c.mu.Unlock()
		return ctx.Err()
	}
}

func (c *Client) Abort(ctx context.Context) (AbortResult, error) {
	var out AbortResult
	err := c.peer.Call(ctx, MethodAbort, AbortParams{}, &out)
	return out, err
}

func (c *Client) TriggerHeartbeat(ctx context.Context) (TriggerResult, error) {
	var out TriggerResult
	err := c.peer.Call(ctx, MethodTriggerHeartbeat, nil, &out)
	return out, err
}

func (c *Client) TriggerRun(ctx context.Context, taskID string) (TriggerResult, error) {
	var out TriggerResult
	err := c.peer.Call(ctx, MethodTriggerRun, TriggerRunParams{TaskID: taskID}, &out)
	return out, err
}

func (c *Client) ListTasks(ctx context.Context) ([]tasks.Task, error) {
	var out TaskListResult
	if err := c.peer.Call(ctx, MethodTasksList, nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

func (c *Client) GetTask(ctx context.Context, id string) (tasks.Task, error) {
	var out TaskResult
	err := c.peer.Call(ctx, MethodTasksGet, TaskIDParams{ID: id}, &out)
	return out.Task, err
}

func (c *Client) CreateTask(ctx context.Context, in tasks.TaskInput) (tasks.Task, error) {
	var out TaskResult
	err := c.peer.Call(ctx, MethodTasksCreate, in, &out)
	return out.Task, err
}

func (c *Client) UpdateTask(ctx context.Context, id string, patch tasks.TaskPatch) (tasks.Task, error) {
	var out TaskResult
	err := c.peer.Call(ctx, MethodTasksUpdate, TaskUpdateParams{ID: id, Patch: patch}, &out)
	return out.Task, err
}

func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.peer.Call(ctx, MethodTasksDelete, TaskIDParams{ID: id}, nil)
}

func (c *Client) TaskRuns(ctx context.Context, id string, limit int) ([]tasks.RunRecord, error) {
	var out TaskRunsResult
	if err := c.peer.Call(ctx, MethodTasksRuns, TaskRunsParams{ID: id, Limit: limit}, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

func (c *Client) Status(ctx context.Context) (StatusResult, error) {
	var out StatusResult
	err := c.peer.Call(ctx, MethodStatus, nil, &out)
	return out, err
}

func (c *Client) Restart(ctx context.Context, reason string) (RestartResult, error) {
	var out RestartResult
	err := c.peer.Call(ctx, MethodRestart, RestartParams{Reason: reason}, &out)
	return out, err
}
