package applog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

// Kind tags a log line with the subsystem that wrote it.
type Kind string

const (
	KindInfo   Kind = "INFO"
	KindWarn   Kind = "WARN"
	KindError  Kind = "ERROR"
	KindRPC    Kind = "RPC"
	KindSched  Kind = "SCHED"
	KindBroker Kind = "BROKER"
	KindTask   Kind = "TASK"
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiYellow = "\x1b[33m"
	ansiCyan   = "\x1b[36m"
	ansiGreen  = "\x1b[32m"
	ansiPurple = "\x1b[35m"
)

var palette = map[Kind]string{
	KindInfo:   ansiCyan,
	KindWarn:   ansiYellow,
	KindError:  ansiRed,
	KindRPC:    ansiPurple,
	KindSched:  ansiGreen,
	KindBroker: ansiCyan,
	KindTask:   ansiGreen,
}

// Logger writes "[ts] [KIND] msg" lines to a file and, optionally, mirrors
// them to a terminal.
type Logger struct {
	mu   sync.Mutex
	file io.Writer
	term io.Writer
	opts Options
}

type Options struct {
	File io.Writer
	Term io.Writer

	TermEnabled bool
	TermColor   bool
	// Now stamps lines; defaults to time.Now.
	Now func() time.Time
}

func New(opts Options) *Logger {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	l := &Logger{file: opts.File, opts: opts}
	if opts.TermEnabled {
		l.term = opts.Term
	}
	return l
}

// OpenFile opens path for appending. When the existing file is larger than
// maxBytes it is first moved to path.1, replacing any older copy. maxBytes
// <= 0 disables rotation.
func OpenFile(path string, maxBytes int64) (*os.File, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, fmt.Errorf("log path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, err
	}
	if maxBytes > 0 {
		if st, err := os.Stat(p); err == nil && st.Size() > maxBytes {
			if err := os.Rename(p, p+".1"); err != nil {
				return nil, fmt.Errorf("rotate %s: %w", p, err)
			}
		}
	}
	return os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.file.(io.Closer)
	if !ok {
		return nil
	}
	l.file = nil
	return c.Close()
}

// TermColorEnabled reports whether w is a colour-capable terminal.
func TermColorEnabled(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if t := strings.TrimSpace(os.Getenv("TERM")); t == "" || t == "dumb" {
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (l *Logger) Logf(kind Kind, format string, args ...any) {
	if l == nil {
		return
	}
	l.Log(kind, fmt.Sprintf(format, args...))
}

// Func adapts the logger to the Logf option taken by the scheduler, broker and
// transport packages.
func (l *Logger) Func(kind Kind) func(format string, args ...any) {
	if l == nil {
		return func(string, ...any) {}
	}
	return func(format string, args ...any) {
		l.Logf(kind, format, args...)
	}
}

func (l *Logger) Log(kind Kind, msg string) {
	if l == nil {
		return
	}
	text := strings.TrimRight(msg, "\n")
	if strings.TrimSpace(text) == "" {
		return
	}
	line := fmt.Sprintf("[%s] [%s] %s\n", l.opts.Now().Format("2006-01-02 15:04:05.000"), kind, text)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		_, _ = io.WriteString(l.file, line)
	}
	if l.term != nil {
		if l.opts.TermColor {
			line = colorize(kind, line)
		}
		_, _ = io.WriteString(l.term, line)
	}
}

func colorize(kind Kind, line string) string {
	code, ok := palette[kind]
	if !ok {
		return line
	}
	return code + line + ansiReset
}
