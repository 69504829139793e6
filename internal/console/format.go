package console

import (
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"assistantd/internal/autonomy/tasks"
	"assistantd/internal/daemon"
	"assistantd/internal/presence"
)

func DescribeSchedule(s tasks.Schedule) string {
	switch s.Kind {
	case tasks.KindInterval:
		return "every " + (time.Duration(s.IntervalMs) * time.Millisecond).String()
	case tasks.KindOnce:
		if s.RunAt == nil {
			return "once"
		}
		return "once at " + s.RunAt.Local().Format("2006-01-02 15:04")
	case tasks.KindCron:
		return "cron " + s.Expr
	default:
		return string(s.Kind)
	}
}

// FormatTaskTable renders tasks as a fixed-width table no wider than width.
// A width of zero or less leaves rows untruncated.
func FormatTaskTable(list []tasks.Task, width int) string {
	if len(list) == 0 {
		return "No tasks."
	}
	cols := []struct {
		title string
		width int
	}{
		{"ID", 30}, {"NAME", 20}, {"SCHEDULE", 22}, {"ON", 3}, {"LAST RUN", 16},
	}
	cell := func(s string, w int) string {
		return runewidth.FillRight(runewidth.Truncate(s, w, "…"), w)
	}

	fit := func(line string) string {
		line = strings.TrimRight(line, " ")
		if width <= 0 {
			return line
		}
		return runewidth.Truncate(line, width, "…")
	}

	var b strings.Builder
	header := make([]string, 0, len(cols))
	for _, c := range cols {
		header = append(header, cell(c.title, c.width))
	}
	b.WriteString(fit(strings.Join(header, " ")))
	for _, t := range list {
		enabled := "no"
		if t.Enabled {
			enabled = "yes"
		}
		last := "-"
		if t.LastRunAt != nil {
			last = t.LastRunAt.Local().Format("01-02 15:04")
			if t.LastRunFailed {
				last += " !"
			}
		}
		row := []string{
			cell(t.ID, cols[0].width),
			cell(t.Name, cols[1].width),
			cell(DescribeSchedule(t.Schedule), cols[2].width),
			cell(enabled, cols[3].width),
			cell(last, cols[4].width),
		}
		b.WriteString("\n")
		b.WriteString(fit(strings.Join(row, " ")))
	}
	return b.String()
}

func FormatStatus(st daemon.StatusResult) string {
	busy := "idle"
	if st.Busy {
		busy = "busy"
	}
	uptime := (time.Duration(st.UptimeMs) * time.Millisecond).Round(time.Second)
	return fmt.Sprintf("instance=%s pid=%d version=%s %s queue=%d tasks=%d clients=%d uptime=%s",
		st.Instance, st.PID, st.Version, busy, st.QueueLength, st.Tasks, st.Connections, uptime)
}

func FormatTrigger(res daemon.TriggerResult) string {
	msg := strings.TrimSpace(res.Message)
	if res.DurationMs > 0 {
		msg += fmt.Sprintf(" (%s)", (time.Duration(res.DurationMs) * time.Millisecond).Round(time.Millisecond))
	}
	if out := strings.TrimSpace(res.Result); out != "" {
		msg += "\n" + out
	}
	return msg
}

// FormatDaemons renders the presence registry, one daemon per line.
func FormatDaemons(list []presence.Info, now time.Time) string {
	if len(list) == 0 {
		return "No daemons announced."
	}
	cell := func(s string, w int) string {
		return runewidth.FillRight(runewidth.Truncate(s, w, "…"), w)
	}
	lines := []string{strings.TrimRight(cell("INSTANCE", 36)+" "+cell("HOST", 16)+" "+cell("PID", 7)+" "+cell("STATE", 5)+" "+cell("TASKS", 5)+" UP", " ")}
	for _, info := range list {
		state := "idle"
		if info.Busy {
			state = "busy"
		}
		up := "-"
		if !info.StartedAt.IsZero() {
			up = now.Sub(info.StartedAt).Round(time.Second).String()
		}
		lines = append(lines, cell(info.Instance, 36)+" "+cell(info.Host, 16)+" "+
			cell(fmt.Sprint(info.PID), 7)+" "+cell(state, 5)+" "+cell(fmt.Sprint(info.Tasks), 5)+" "+up)
	}
	return strings.Join(lines, "\n")
}
