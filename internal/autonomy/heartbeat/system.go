package heartbeat

import (
	"fmt"
	"strings"
	"time"

	"assistantd/internal/autonomy"
	"assistantd/internal/autonomy/tasks"
)

// System owns the daemon's built-in tasks: the HEARTBEAT.md check and the
// weekly reset.
type System struct {
	cfg     autonomy.Config
	workDir string
	now     func() time.Time
}

func NewSystem(cfg autonomy.Config, workDir string) *System {
	return &System{cfg: cfg.WithDefaults(), workDir: strings.TrimSpace(workDir), now: time.Now}
}

func (s *System) FilePath() string {
	return ResolveFilePath(s.cfg.Heartbeat.Path, s.workDir)
}

func (s *System) OKToken() string {
	return strings.TrimSpace(s.cfg.Heartbeat.OkToken)
}

// Tasks returns the enabled system task definitions.
func (s *System) Tasks() []tasks.Task {
	// Fixed creation time keeps system tasks at the head of sorted listings.
	epoch := time.Unix(0, 0).UTC()
	var out []tasks.Task
	if s.cfg.HeartbeatEnabled() {
		mode, err := tasks.ParseNotifyMode(s.cfg.Heartbeat.NotifyMode)
		if err != nil {
			mode = tasks.NotifyAuto
		}
		out = append(out, tasks.Task{
			ID:         tasks.HeartbeatTaskID,
			Name:       "heartbeat",
			Schedule:   tasks.Schedule{Kind: tasks.KindInterval, IntervalMs: s.cfg.HeartbeatEvery().Milliseconds()},
			NotifyMode: mode,
			Enabled:    true,
			System:     true,
			CreatedAt:  epoch,
			UpdatedAt:  epoch,
		})
	}
	if s.cfg.WeeklyResetEnabled() {
		expr := strings.TrimSpace(s.cfg.WeeklyReset.Expr)
		if _, err := tasks.ParseCron(expr); err != nil {
			expr = autonomy.DefaultConfig().WeeklyReset.Expr
		}
		out = append(out, tasks.Task{
			ID:         tasks.WeeklyResetTaskID,
			Name:       "weekly reset",
			Prompt:     strings.TrimSpace(s.cfg.WeeklyReset.Prompt),
			Schedule:   tasks.Schedule{Kind: tasks.KindCron, Expr: expr},
			NotifyMode: tasks.NotifyAuto,
			Enabled:    true,
			System:     true,
			CreatedAt:  epoch.Add(time.Second),
			UpdatedAt:  epoch.Add(time.Second),
		})
	}
	return out
}

// PreparePrompt builds the prompt for a firing. Scheduled heartbeats with a
// missing or empty HEARTBEAT.md return tasks.ErrSkipRun.
func (s *System) PreparePrompt(t tasks.Task, manual bool) (string, error) {
	if t.ID != tasks.HeartbeatTaskID {
		return t.Prompt, nil
	}
	path := s.FilePath()
	content, exists, empty, err := ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	if (!exists || empty) && !manual {
		return "", tasks.ErrSkipRun
	}
	reason := "interval"
	if manual {
		reason = "manual"
	}
	return BuildPrompt(s.now(), reason, path, content, s.OKToken()), nil
}

// Deliverable filters a finished run's output for proactive delivery. ok is
// false when nothing should be pushed.
func (s *System) Deliverable(t tasks.Task, output string, isError bool) (string, bool) {
	if t.NotifyMode != tasks.NotifyAuto {
		return "", false
	}
	if isError || t.ID != tasks.HeartbeatTaskID {
		text := strings.TrimSpace(output)
		return text, text != ""
	}
	cleaned, skip := StripOK(output, s.OKToken())
	if skip {
		return "", false
	}
	return cleaned, true
}
