package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Engine is the reasoning backend. Stream emits deltas in order and returns
// the aggregated text. Implementations must stop when ctx is cancelled.
type Engine interface {
	Stream(ctx context.Context, req Request, emit func(Event)) (string, error)
}

type Message struct {
	Role    string `json:"role"` // user|assistant
	Content string `json:"content"`
}

type Request struct {
	Prompt   string
	System   string
	History  []Message
	MaxTurns int
}

type EventKind string

const (
	EventDelta EventKind = "delta"
	EventStats EventKind = "stats"
)

type Event struct {
	Kind EventKind
	Text string
}

type Usage struct {
	InputTokens  int64
	OutputTokens int64
	Turns        int
}

// FormatStats renders the one-line usage summary relayed to clients.
func FormatStats(model string, u Usage, elapsed time.Duration) string {
	parts := []string{
		fmt.Sprintf("model=%s", strings.TrimSpace(model)),
		fmt.Sprintf("tokens in=%d out=%d", u.InputTokens, u.OutputTokens),
	}
	if u.Turns > 1 {
		parts = append(parts, fmt.Sprintf("turns=%d", u.Turns))
	}
	parts = append(parts, fmt.Sprintf("elapsed=%s", elapsed.Round(time.Millisecond)))
	return strings.Join(parts, " ")
}

func maxTurnsOrDefault(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

func emitTo(emit func(Event), kind EventKind, text string) {
	if emit == nil || text == "" {
		return
	}
	emit(Event{Kind: kind, Text: text})
}

// ContinuePrompt is sent as the next user turn when a reply was cut off by
// the output token limit and turns remain.
const ContinuePrompt = "Continue exactly where you stopped. Do not repeat earlier text."
