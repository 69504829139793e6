package broker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"assistantd/internal/llm"
)

var (
	ErrStopped  = errors.New("broker stopped")
	ErrNoTarget = errors.New("no delivery target")
)

const (
	BusyMessage         = "Still working on the previous request. Wait for it to finish or abort it."
	DefaultPollInterval = 500 * time.Millisecond
)

// Caller receives the relayed output of one Submit.
type Caller interface {
	SendMessage(content string, isPartial bool) error
	SendStats(text string) error
}

type InboundMessage struct {
	Content  string
	Channel  string
	Context  string
	History  []llm.Message
	MaxTurns int
}

type Query struct {
	Prompt   string
	MaxTurns int
}

type Options struct {
	Engine       llm.Engine
	PollInterval time.Duration
	Logf         func(format string, args ...any)
}

// Broker admits at most one engine invocation at a time.
type Broker struct {
	engine llm.Engine
	poll   time.Duration
	logf   func(format string, args ...any)

	mu          sync.Mutex
	busy        bool
	cancel      context.CancelFunc
	lastChannel string
	stopped     bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(opts Options) *Broker {
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Broker{
		engine: opts.Engine,
		poll:   poll,
		logf:   logf,
		stopCh: make(chan struct{}),
	}
}

// acquire marks the broker busy. ok is false when another invocation holds it.
func (b *Broker) acquire(parent context.Context) (ctx context.Context, release func(), ok bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return nil, nil, false, ErrStopped
	}
	if b.busy {
		return nil, nil, false, nil
	}
	ctx, cancel := context.WithCancel(parent)
	b.busy = true
	b.cancel = cancel
	release = func() {
		b.mu.Lock()
		b.busy = false
		b.cancel = nil
		b.mu.Unlock()
		cancel()
	}
	return ctx, release, true, nil
}

// Submit runs an interactive message. When another invocation is active the
// caller gets BusyMessage and Submit returns nil.
func (b *Broker) Submit(ctx context.Context, caller Caller, msg InboundMessage) error {
	if caller == nil {
		return errors.New("caller is nil")
	}
	if ch := strings.TrimSpace(msg.Channel); ch != "" {
		b.mu.Lock()
		b.lastChannel = ch
		b.mu.Unlock()
	}

	runCtx, release, ok, err := b.acquire(ctx)
	if err != nil {
		return err
	}
	if !ok {
		b.logf("busy, rejecting message from %s", msg.Channel)
		return b.send(caller, BusyMessage, false)
	}
	defer release()

	req := llm.Request{
		Prompt:   withContext(msg.Content, msg.Context),
		History:  msg.History,
		MaxTurns: msg.MaxTurns,
	}
	out, runErr := b.run(runCtx, req, func(ev llm.Event) {
		switch ev.Kind {
		case llm.EventDelta:
			_ = b.send(caller, ev.Text, true)
		case llm.EventStats:
			if err := caller.SendStats(ev.Text); err != nil {
				b.logf("relay stats: %v", err)
			}
		}
	})
	if runErr != nil {
		b.logf("invocation failed: %v", runErr)
		_ = b.send(caller, llm.DescribeError(runErr), false)
		return runErr
	}
	return b.send(caller, out, false)
}

// RunBackgroundQuery waits until the broker is free, then runs q and returns
// the aggregated text.
func (b *Broker) RunBackgroundQuery(ctx context.Context, q Query) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		runCtx, release, ok, err := b.acquire(ctx)
		if err != nil {
			return "", err
		}
		if ok {
			defer release()
			return b.run(runCtx, llm.Request{Prompt: q.Prompt, MaxTurns: q.MaxTurns}, func(ev llm.Event) {
				if ev.Kind == llm.EventStats {
					b.logf("background query %s", ev.Text)
				}
			})
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-b.stopCh:
			return "", ErrStopped
		case <-time.After(b.poll):
		}
	}
}

func (b *Broker) run(ctx context.Context, req llm.Request, emit func(llm.Event)) (string, error) {
	if b.engine == nil {
		return "", errors.New("no engine configured")
	}
	return b.engine.Stream(ctx, req, emit)
}

// RequestAbort cancels the active invocation. It reports whether one was running.
func (b *Broker) RequestAbort() bool {
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()
	if cancel == nil {
		return false
	}
	b.logf("abort requested")
	cancel()
	return true
}

func (b *Broker) ResolveDeliveryTarget(explicit string) (string, error) {
	if t := strings.TrimSpace(explicit); t != "" {
		return t, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastChannel == "" {
		return "", ErrNoTarget
	}
	return b.lastChannel, nil
}

func (b *Broker) Busy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.busy
}

// Stop cancels the active invocation and makes later calls fail with ErrStopped.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.stopped = true
		cancel := b.cancel
		b.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		close(b.stopCh)
	})
}

func (b *Broker) send(caller Caller, content string, partial bool) error {
	if err := caller.SendMessage(content, partial); err != nil {
		b.logf("relay message: %v", err)
		return err
	}
	return nil
}

func withContext(content string, extra string) string {
	c := strings.TrimSpace(extra)
	if c == "" {
		return content
	}
	return "[Context]\n" + c + "\n[/Context]\n\n" + content
}
