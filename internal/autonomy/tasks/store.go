package tasks

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"assistantd/internal/util"
)

const lockTimeout = 5 * time.Second

// StoreManager persists user tasks as one JSON document.
type StoreManager struct {
	Path string
	Logf func(format string, args ...any)
}

func NewStoreManager(path string, logf func(format string, args ...any)) *StoreManager {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &StoreManager{Path: strings.TrimSpace(path), Logf: logf}
}

// Load returns the persisted tasks. A missing or unparsable file yields an
// empty set; invalid records are dropped individually.
func (m *StoreManager) Load() ([]Task, error) {
	path := strings.TrimSpace(m.Path)
	if path == "" {
		return nil, errors.New("tasks path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var st Store
	if err := json.Unmarshal(data, &st); err != nil {
		m.logf("tasks store %s unreadable, starting empty: %v", path, err)
		return nil, nil
	}
	out := make([]Task, 0, len(st.Tasks))
	seen := make(map[string]bool, len(st.Tasks))
	for _, t := range st.Tasks {
		if t.System || IsReservedID(t.ID) {
			continue
		}
		if err := ValidateTask(t); err != nil {
			m.logf("dropping stored task %q: %v", t.ID, err)
			continue
		}
		if seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		out = append(out, t)
	}
	return out, nil
}

// Save replaces the persisted set. System tasks are filtered out.
func (m *StoreManager) Save(list []Task) error {
	path := strings.TrimSpace(m.Path)
	if path == "" {
		return errors.New("tasks path is empty")
	}
	st := Store{Version: StoreVersion, Tasks: make([]Task, 0, len(list))}
	for _, t := range list {
		if t.System || IsReservedID(t.ID) {
			continue
		}
		st.Tasks = append(st.Tasks, t)
	}
	sort.Slice(st.Tasks, func(i, j int) bool {
		if st.Tasks[i].CreatedAt.Equal(st.Tasks[j].CreatedAt) {
			return st.Tasks[i].ID < st.Tasks[j].ID
		}
		return st.Tasks[i].CreatedAt.Before(st.Tasks[j].CreatedAt)
	})
	return util.WithFileLock(path+".lock", lockTimeout, func() error {
		return util.WriteJSONAtomic(path, st)
	})
}

func (m *StoreManager) logf(format string, args ...any) {
	if m.Logf != nil {
		m.Logf(format, args...)
	}
}

// NewTask builds a validated user task from caller input.
func NewTask(in TaskInput, now time.Time) (Task, error) {
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()
	sched, err := in.Schedule.Resolve()
	if err != nil {
		return Task{}, err
	}
	mode, err := ParseNotifyMode(in.NotifyMode)
	if err != nil {
		return Task{}, err
	}
	t := Task{
		ID:         GenerateTaskID(),
		Name:       strings.TrimSpace(in.Name),
		Prompt:     strings.TrimSpace(in.Prompt),
		Schedule:   sched,
		NotifyMode: mode,
		Enabled:    true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if in.MaxTurns != nil {
		if *in.MaxTurns <= 0 {
			return Task{}, invalid("max_turns must be > 0")
		}
		t.MaxTurns = *in.MaxTurns
	}
	if in.Enabled != nil {
		t.Enabled = *in.Enabled
	}
	if err := ValidateTask(t); err != nil {
		return Task{}, err
	}
	return t, nil
}

// ApplyPatch returns t with the non-nil patch fields applied. The id never
// changes.
func ApplyPatch(t Task, p TaskPatch, now time.Time) (Task, error) {
	if now.IsZero() {
		now = time.Now()
	}
	out := t
	if p.Name != nil {
		out.Name = strings.TrimSpace(*p.Name)
	}
	if p.Prompt != nil {
		out.Prompt = strings.TrimSpace(*p.Prompt)
	}
	if p.Schedule != nil {
		sched, err := p.Schedule.Resolve()
		if err != nil {
			return Task{}, err
		}
		out.Schedule = sched
	}
	if p.NotifyMode != nil {
		mode, err := ParseNotifyMode(*p.NotifyMode)
		if err != nil {
			return Task{}, err
		}
		out.NotifyMode = mode
	}
	if p.MaxTurns != nil {
		if *p.MaxTurns <= 0 {
			return Task{}, invalid("max_turns must be > 0")
		}
		out.MaxTurns = *p.MaxTurns
	}
	if p.Enabled != nil {
		out.Enabled = *p.Enabled
	}
	out.UpdatedAt = now.UTC()
	if err := ValidateTask(out); err != nil {
		return Task{}, err
	}
	return out, nil
}

func GenerateTaskID() string {
	return "task-" + time.Now().UTC().Format("20060102-150405") + "-" + randomHex(3)
}

func randomHex(n int) string {
	if n <= 0 {
		n = 4
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UTC().UnixNano())
	}
	return hex.EncodeToString(buf)
}
