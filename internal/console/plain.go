package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"assistantd/internal/appinfo"
	"assistantd/internal/daemon"
)

type lockedWriter struct {
	mu  sync.Mutex
	out io.Writer
}

func (w *lockedWriter) printf(format string, args ...any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.out, format, args...)
}

// RunPlain is the line-oriented console: one prompt per line, streamed
// replies written as they arrive.
func RunPlain(ctx context.Context, opts Options) error {
	out := &lockedWriter{out: opts.Out}
	conn := opts.Conn

	init, err := conn.Initialize(ctx)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	out.printf("%s attached (session %s). Type /help for commands.\n", appinfo.Display(), init.SessionID)
	if n := strings.TrimSpace(init.Notice); n != "" {
		out.printf("%s\n", n)
	}
	if len(init.History) > 0 {
		out.printf("(%d earlier messages in this session)\n", len(init.History))
	}

	if opts.Pushes != nil {
		pushCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			for {
				select {
				case <-pushCtx.Done():
					return
				case p, ok := <-opts.Pushes:
					if !ok {
						return
					}
					out.printf("\n%s\n", formatPush(p))
				}
			}
		}()
	}

	scanner := bufio.NewScanner(opts.In)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		out.printf("> ")
		if !scanner.Scan() {
			out.printf("\n")
			return scanner.Err()
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if cmd, ok := parseCommand(text); ok {
			msg, quit, err := runCommand(ctx, conn, cmd)
			if err != nil {
				out.printf("error: %v\n", err)
				continue
			}
			if quit {
				return nil
			}
			if msg != "" {
				out.printf("%s\n", msg)
			}
			continue
		}
		if err := plainQuery(ctx, conn, out, text, ""); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var qErr *daemon.QueryError
			if !errors.As(err, &qErr) {
				out.printf("error: %v\n", err)
			}
		}
	}
}

func plainQuery(ctx context.Context, conn Conn, out *lockedWriter, text string, contextText string) error {
	streamed := false
	stats := ""
	return conn.Query(ctx, text, contextText, func(ev daemon.QueryEvent) {
		switch ev.Kind {
		case daemon.NotifyStream:
			if ev.IsPartial {
				streamed = true
				out.printf("%s", ev.Content)
				return
			}
			if !streamed {
				out.printf("%s", ev.Content)
			}
			out.printf("\n")
			if stats != "" {
				out.printf("[%s]\n", stats)
			}
		case daemon.NotifyStats:
			stats = ev.Text
		case daemon.NotifyError:
			out.printf("error: %s\n", ev.Message)
		}
	})
}

// Ask runs a single query and writes the streamed reply to out.
func Ask(ctx context.Context, conn Conn, contextText string, text string, out io.Writer) error {
	return plainQuery(ctx, conn, &lockedWriter{out: out}, text, contextText)
}
