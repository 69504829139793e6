package daemon

import (
	"strings"
	"sync"

	"assistantd/internal/llm"
)

// History keeps the most recent conversation turns in memory.
type History struct {
	mu    sync.Mutex
	limit int
	items []llm.Message
}

func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &History{limit: limit}
}

func (h *History) Append(role string, content string) {
	if strings.TrimSpace(content) == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, llm.Message{Role: role, Content: content})
	if over := len(h.items) - h.limit; over > 0 {
		h.items = append([]llm.Message(nil), h.items[over:]...)
	}
}

func (h *History) Snapshot() []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]llm.Message(nil), h.items...)
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.items)
}
