package restart

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"assistantd/internal/util"
)

const sentinelVersion = 1

// Sentinel survives a restart so the next daemon can report why it came back.
type Sentinel struct {
	Version int           `json:"version"`
	Payload SentinelEntry `json:"payload"`
}

type SentinelEntry struct {
	Kind      string    `json:"kind"`
	TS        time.Time `json:"ts"`
	App       string    `json:"app,omitempty"`
	Version   string    `json:"version,omitempty"`
	PID       int       `json:"pid,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Note      string    `json:"note,omitempty"`
}

type Manager struct {
	sentinelPath string

	mu          sync.Mutex
	requested   bool
	lastRequest SentinelEntry
}

func NewManager(sentinelPath string) *Manager {
	trimmed := strings.TrimSpace(sentinelPath)
	if trimmed == "" {
		return &Manager{}
	}
	return &Manager{sentinelPath: filepath.Clean(trimmed)}
}

func ResolveSentinelPath(stateDir string) string {
	return filepath.Join(strings.TrimSpace(stateDir), "restart-sentinel.json")
}

func (m *Manager) SentinelPath() string {
	if m == nil {
		return ""
	}
	return m.sentinelPath
}

func (m *Manager) IsRestartRequested() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requested
}

// RequestRestart writes the sentinel once. first is false when a restart was
// already requested.
func (m *Manager) RequestRestart(entry SentinelEntry) (first bool, err error) {
	if m == nil {
		return false, errors.New("restart manager is nil")
	}
	if m.sentinelPath == "" {
		return false, errors.New("restart sentinel path is empty")
	}
	entry.Kind = "restart"
	if entry.TS.IsZero() {
		entry.TS = time.Now().UTC()
	}
	if entry.PID == 0 {
		entry.PID = os.Getpid()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.requested {
		return false, nil
	}
	if err := util.WriteJSONAtomic(m.sentinelPath, Sentinel{Version: sentinelVersion, Payload: entry}); err != nil {
		return false, err
	}
	m.lastRequest = entry
	m.requested = true
	return true, nil
}

// ConsumeSentinel reads and removes the sentinel. A missing or unreadable
// sentinel yields nil.
func (m *Manager) ConsumeSentinel() (*Sentinel, error) {
	if m == nil || m.sentinelPath == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(m.sentinelPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	_ = os.Remove(m.sentinelPath)
	var out Sentinel
	if err := json.Unmarshal(raw, &out); err != nil || out.Version != sentinelVersion {
		return nil, nil
	}
	return &out, nil
}

func FormatSentinelMessage(s *Sentinel) string {
	if s == nil {
		return ""
	}
	note := strings.TrimSpace(s.Payload.Note)
	reason := strings.TrimSpace(s.Payload.Reason)
	switch {
	case note != "" && reason != "":
		return fmt.Sprintf("Restarted (%s): %s", reason, note)
	case note != "":
		return "Restarted: " + note
	case reason != "":
		return "Restarted (" + reason + ")."
	default:
		return "Restarted."
	}
}
