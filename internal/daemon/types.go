package daemon

import (
	"time"

	"assistantd/internal/autonomy/tasks"
	"assistantd/internal/llm"
)

// Method names served by the daemon.
const (
	MethodInitialize       = "initialize"
	MethodQuery            = "query"
	MethodAbort            = "abort"
	MethodTriggerHeartbeat = "trigger.heartbeat"
	MethodTriggerRun       = "trigger.run"
	MethodTasksList        = "tasks.list"
	MethodTasksGet         = "tasks.get"
	MethodTasksCreate      = "tasks.create"
	MethodTasksUpdate      = "tasks.update"
	MethodTasksDelete      = "tasks.delete"
	MethodTasksRuns        = "tasks.runs"
	MethodStatus           = "status"
	MethodRestart          = "restart"
)

// Notification names pushed to clients.
const (
	NotifyStream     = "stream"
	NotifyStats      = "stats"
	NotifyDone       = "done"
	NotifyError      = "error"
	NotifyTaskResult = "task_result"
)

type InitializeParams struct {
	Client  string `json:"client,omitempty"`
	Version string `json:"version,omitempty"`
}

type InitializeResult struct {
	SessionID     string        `json:"sessionId"`
	Instance      string        `json:"instance,omitempty"`
	DaemonVersion string        `json:"daemonVersion,omitempty"`
	History       []llm.Message `json:"history"`
	Notice        string        `json:"notice,omitempty"`
}

type QueryParams struct {
	RequestID string `json:"requestId"`
	Content   string `json:"content"`
	Context   string `json:"context,omitempty"`
	MaxTurns  int    `json:"maxTurns,omitempty"`
}

type QueryResult struct {
	Accepted bool `json:"accepted"`
}

type StreamParams struct {
	RequestID string `json:"requestId"`
	Content   string `json:"content"`
	IsPartial bool   `json:"isPartial"`
}

type StatsParams struct {
	RequestID string `json:"requestId"`
	Text      string `json:"text"`
}

type DoneParams struct {
	RequestID string `json:"requestId"`
}

type ErrorParams struct {
	RequestID string `json:"requestId"`
	Message   string `json:"message"`
}

type AbortParams struct {
	RequestID string `json:"requestId,omitempty"`
}

type AbortResult struct {
	OK      bool `json:"ok"`
	Aborted bool `json:"aborted"`
}

type TriggerRunParams struct {
	TaskID string `json:"taskId"`
}

type TriggerResult struct {
	OK         bool   `json:"ok"`
	Message    string `json:"message"`
	Result     string `json:"result,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

type TaskIDParams struct {
	ID string `json:"id"`
}

type TaskUpdateParams struct {
	ID    string          `json:"id"`
	Patch tasks.TaskPatch `json:"patch"`
}

type TaskRunsParams struct {
	ID    string `json:"id"`
	Limit int    `json:"limit,omitempty"`
}

type TaskListResult struct {
	Tasks []tasks.Task `json:"tasks"`
}

type TaskResult struct {
	Task tasks.Task `json:"task"`
}

type TaskDeleteResult struct {
	Deleted bool `json:"deleted"`
}

type TaskRunsResult struct {
	Runs []tasks.RunRecord `json:"runs"`
}

type TaskResultParams struct {
	TaskID     string `json:"taskId"`
	TaskName   string `json:"taskName"`
	Content    string `json:"content"`
	IsError    bool   `json:"isError"`
	DurationMs int64  `json:"durationMs"`
}

type StatusResult struct {
	Instance    string    `json:"instance"`
	SessionID   string    `json:"sessionId"`
	Version     string    `json:"version"`
	PID         int       `json:"pid"`
	Socket      string    `json:"socket,omitempty"`
	Busy        bool      `json:"busy"`
	QueueLength int       `json:"queueLength"`
	Tasks       int       `json:"tasks"`
	Connections int       `json:"connections"`
	StartedAt   time.Time `json:"startedAt"`
	UptimeMs    int64     `json:"uptimeMs"`
}

type RestartParams struct {
	Reason string `json:"reason,omitempty"`
}

type RestartResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}
