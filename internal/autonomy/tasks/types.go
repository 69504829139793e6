package tasks

import "time"

const StoreVersion = 1

type ScheduleKind string

const (
	KindInterval ScheduleKind = "interval"
	KindOnce     ScheduleKind = "once"
	KindCron     ScheduleKind = "cron"
)

type NotifyMode string

const (
	NotifyAuto  NotifyMode = "auto"
	NotifyNever NotifyMode = "never"
)

// Store is the on-disk record set. System tasks are never written here.
type Store struct {
	Version int    `json:"version"`
	Tasks   []Task `json:"tasks"`
}

type Task struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Prompt     string     `json:"prompt"`
	Schedule   Schedule   `json:"schedule"`
	NotifyMode NotifyMode `json:"notify_mode"`
	MaxTurns   int        `json:"max_turns,omitempty"`
	Enabled    bool       `json:"enabled"`
	System     bool       `json:"system,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastResult    string     `json:"last_result,omitempty"`
	LastRunFailed bool       `json:"last_run_failed,omitempty"`
}

type Schedule struct {
	Kind       ScheduleKind `json:"kind"` // interval|once|cron
	IntervalMs int64        `json:"interval_ms,omitempty"`
	RunAt      *time.Time   `json:"run_at,omitempty"`
	Expr       string       `json:"expr,omitempty"`
}

// ScheduleInput is the caller-facing schedule shape: exactly one field must be set.
type ScheduleInput struct {
	IntervalMs *int64     `json:"interval_ms,omitempty"`
	RunAt      *time.Time `json:"run_at,omitempty"`
	Cron       *string    `json:"cron,omitempty"`
}

type TaskInput struct {
	Name       string        `json:"name"`
	Prompt     string        `json:"prompt"`
	Schedule   ScheduleInput `json:"schedule"`
	NotifyMode string        `json:"notify_mode,omitempty"`
	MaxTurns   *int          `json:"max_turns,omitempty"`
	Enabled    *bool         `json:"enabled,omitempty"`
}

type TaskPatch struct {
	Name       *string        `json:"name,omitempty"`
	Prompt     *string        `json:"prompt,omitempty"`
	Schedule   *ScheduleInput `json:"schedule,omitempty"`
	NotifyMode *string        `json:"notify_mode,omitempty"`
	MaxTurns   *int           `json:"max_turns,omitempty"`
	Enabled    *bool          `json:"enabled,omitempty"`
}

type RunRecord struct {
	TaskID        string    `json:"task_id"`
	Trigger       string    `json:"trigger,omitempty"` // schedule|manual
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	Status        string    `json:"status"` // ok|error|skipped
	Error         string    `json:"error,omitempty"`
	OutputPreview string    `json:"output_preview,omitempty"`
}
