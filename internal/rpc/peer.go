package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

var ErrConnClosed = errors.New("connection closed")

const defaultMaxLineBytes = 16 << 20

// RequestHandler answers one inbound request. Returning an *Error sends it
// verbatim; other errors become CodeInternalError.
type RequestHandler func(ctx context.Context, method string, params json.RawMessage) (any, error)

type NotificationHandler func(method string, params json.RawMessage)

type PeerOptions struct {
	OnRequest      RequestHandler
	OnNotification NotificationHandler
	// OnClose fires exactly once with the error that ended the connection
	// (nil for a local Close).
	OnClose      func(err error)
	MaxLineBytes int
	Logf         func(format string, args ...any)
}

// Peer is one end of a line-delimited JSON connection. Either side may send
// requests and notifications.
type Peer struct {
	conn io.ReadWriteCloser
	opts PeerOptions
	logf func(format string, args ...any)

	writeMu sync.Mutex

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan Message

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	startOnce sync.Once
}

func NewPeer(conn io.ReadWriteCloser, opts PeerOptions) *Peer {
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = defaultMaxLineBytes
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Peer{
		conn:    conn,
		opts:    opts,
		logf:    logf,
		pending: make(map[int64]chan Message),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Start launches the read loop.
func (p *Peer) Start() {
	p.startOnce.Do(func() { go p.readLoop() })
}

func (p *Peer) Done() <-chan struct{} { return p.done }

// Err returns the error that closed the peer, if any.
func (p *Peer) Err() error {
	select {
	case <-p.done:
		return p.closeErr
	default:
		return nil
	}
}

func (p *Peer) Close() error {
	p.closeWith(nil)
	return nil
}

// Call sends a request and waits for its response. When out is non-nil the
// result is decoded into it.
func (p *Peer) Call(ctx context.Context, method string, params any, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	id := p.nextID.Add(1)
	msg, err := NewRequest(id, method, params)
	if err != nil {
		return err
	}

	ch := make(chan Message, 1)
	p.mu.Lock()
	select {
	case <-p.done:
		p.mu.Unlock()
		return ErrConnClosed
	default:
	}
	p.pending[id] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	if err := p.write(msg); err != nil {
		return err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return err
			}
		}
		return nil
	case <-p.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Peer) Notify(method string, params any) error {
	msg, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	return p.write(msg)
}

func (p *Peer) write(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	select {
	case <-p.done:
		return ErrConnClosed
	default:
	}
	p.writeMu.Lock()
	_, err = p.conn.Write(data)
	p.writeMu.Unlock()
	if err != nil {
		p.closeWith(err)
		return ErrConnClosed
	}
	return nil
}

// readLoop dispatches one message per line. Lines longer than MaxLineBytes
// are discarded whole; the connection stays up.
func (p *Peer) readLoop() {
	r := bufio.NewReaderSize(p.conn, 64*1024)
	var line []byte
	oversized := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !oversized {
			if len(line)+len(chunk) > p.opts.MaxLineBytes {
				oversized = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if oversized {
			p.logf("skipping line longer than %d bytes", p.opts.MaxLineBytes)
			oversized = false
		} else {
			p.handleLine(line)
		}
		line = nil
		if err != nil {
			p.closeWith(err)
			return
		}
	}
}

func (p *Peer) handleLine(raw []byte) {
	line := bytes.TrimSpace(raw)
	if len(line) == 0 {
		return
	}
	msg, err := Unmarshal(line)
	if err != nil {
		p.logf("skipping malformed line: %v", err)
		return
	}
	p.dispatch(msg)
}

func (p *Peer) dispatch(msg Message) {
	switch {
	case msg.IsRequest():
		go p.handleRequest(msg)
	case msg.IsNotification():
		if p.opts.OnNotification != nil {
			p.opts.OnNotification(msg.Method, msg.Params)
		}
	case msg.IsResponse():
		id, err := strconv.ParseInt(strings.TrimSpace(string(msg.ID)), 10, 64)
		if err != nil {
			p.logf("dropping response with foreign id %s", string(msg.ID))
			return
		}
		p.mu.Lock()
		ch, ok := p.pending[id]
		p.mu.Unlock()
		if !ok {
			p.logf("dropping response for unknown id %d", id)
			return
		}
		select {
		case ch <- msg:
		default:
		}
	default:
		p.logf("skipping message without method or id")
	}
}

func (p *Peer) handleRequest(msg Message) {
	if p.opts.OnRequest == nil {
		_ = p.write(NewErrorResponse(msg.ID, NewError(CodeMethodNotFound, "method not found: %s", msg.Method)))
		return
	}
	result, err := p.opts.OnRequest(p.ctx, msg.Method, msg.Params)
	if err != nil {
		var rpcErr *Error
		if !errors.As(err, &rpcErr) {
			rpcErr = NewError(CodeInternalError, "%s", err.Error())
		}
		_ = p.write(NewErrorResponse(msg.ID, rpcErr))
		return
	}
	resp, err := NewResponse(msg.ID, result)
	if err != nil {
		_ = p.write(NewErrorResponse(msg.ID, NewError(CodeInternalError, "encode result: %v", err)))
		return
	}
	_ = p.write(resp)
}

func (p *Peer) closeWith(err error) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closeErr = err
		close(p.done)
		p.mu.Unlock()
		p.cancel()
		_ = p.conn.Close()
		if p.opts.OnClose != nil {
			p.opts.OnClose(err)
		}
	})
}
