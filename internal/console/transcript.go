package console

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"assistantd/internal/daemon"
	"assistantd/internal/llm"
)

const (
	roleUser      = "user"
	roleAssistant = "assistant"
	roleSystem    = "system"
	roleStats     = "stats"
	roleError     = "error"
	roleTask      = "task"
)

type entry struct {
	role    string
	text    string
	partial bool
}

// transcript is the console's view of the conversation. Partial stream
// chunks accumulate in one assistant entry until the final message replaces
// it.
type transcript struct {
	entries []entry
	limit   int
}

func newTranscript(limit int) *transcript {
	if limit <= 0 {
		limit = 500
	}
	return &transcript{limit: limit}
}

func (t *transcript) add(role string, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	t.entries = append(t.entries, entry{role: role, text: text})
	t.trim()
}

func (t *transcript) loadHistory(history []llm.Message) {
	for _, m := range history {
		t.add(strings.ToLower(strings.TrimSpace(m.Role)), m.Content)
	}
}

func (t *transcript) apply(ev daemon.QueryEvent) {
	switch ev.Kind {
	case daemon.NotifyStream:
		last := t.last()
		if ev.IsPartial {
			if last != nil && last.role == roleAssistant && last.partial {
				last.text += ev.Content
				return
			}
			t.entries = append(t.entries, entry{role: roleAssistant, text: ev.Content, partial: true})
			t.trim()
			return
		}
		if last != nil && last.role == roleAssistant && last.partial {
			last.text = ev.Content
			last.partial = false
			return
		}
		t.add(roleAssistant, ev.Content)
	case daemon.NotifyStats:
		t.add(roleStats, ev.Text)
	case daemon.NotifyError:
		if last := t.last(); last != nil && last.role == roleAssistant && last.partial {
			last.partial = false
		}
		t.add(roleError, ev.Message)
	}
}

func (t *transcript) last() *entry {
	if len(t.entries) == 0 {
		return nil
	}
	return &t.entries[len(t.entries)-1]
}

func (t *transcript) trim() {
	if over := len(t.entries) - t.limit; over > 0 {
		t.entries = append([]entry(nil), t.entries[over:]...)
	}
}

var (
	userStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("7"))
	systemStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
	statsStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	taskStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
)

// lines renders the transcript wrapped to width.
func (t *transcript) lines(width int) []string {
	if width <= 0 {
		width = 80
	}
	out := make([]string, 0, len(t.entries)*2)
	addBlank := func() {
		if len(out) > 0 && strings.TrimSpace(out[len(out)-1]) != "" {
			out = append(out, "")
		}
	}
	for _, e := range t.entries {
		switch e.role {
		case roleUser:
			out = append(out, wrapPrefixedLines("You: ", userStyle, e.text, width)...)
			addBlank()
		case roleAssistant:
			out = append(out, wrapPrefixedLines("AI:  ", assistantStyle, e.text, width)...)
			if !e.partial {
				addBlank()
			}
		case roleStats:
			if n := len(out); n > 0 && out[n-1] == "" {
				out = out[:n-1]
			}
			out = append(out, statsStyle.Render(truncateANSI("     "+safeOneLine(e.text, 0), width)))
			addBlank()
		case roleError:
			out = append(out, wrapPrefixedLines("ERR: ", errorStyle, e.text, width)...)
			addBlank()
		case roleTask:
			out = append(out, wrapPrefixedLines("TASK:", taskStyle, e.text, width)...)
			addBlank()
		default:
			out = append(out, wrapPrefixedLines("SYS: ", systemStyle, e.text, width)...)
			addBlank()
		}
	}
	return out
}

func formatPush(p daemon.TaskResultParams) string {
	name := strings.TrimSpace(p.TaskName)
	if name == "" {
		name = p.TaskID
	}
	label := " [" + name + "]"
	if p.IsError {
		label += " failed"
	}
	return label + "\n" + strings.TrimSpace(p.Content)
}
