package tasks

import (
	"path/filepath"
	"strings"
)

const (
	HeartbeatTaskID   = "system:heartbeat"
	WeeklyResetTaskID = "system:weekly-reset"

	reservedPrefix = "system:"
)

// IsReservedID reports whether id belongs to the daemon-owned system tasks.
func IsReservedID(id string) bool {
	return strings.HasPrefix(strings.TrimSpace(id), reservedPrefix)
}

type Paths struct {
	TasksPath string
	RunsDir   string
}

func ResolvePaths(stateDir string) Paths {
	root := filepath.Join(strings.TrimSpace(stateDir), "scheduler")
	return Paths{
		TasksPath: filepath.Join(root, "tasks.json"),
		RunsDir:   filepath.Join(root, "runs"),
	}
}

// RunLogPath maps a task id to its JSONL run log; ':' is not portable in file names.
func (p Paths) RunLogPath(taskID string) string {
	name := strings.NewReplacer(":", "_", "/", "_", "\\", "_").Replace(strings.TrimSpace(taskID))
	return filepath.Join(p.RunsDir, name+".jsonl")
}
