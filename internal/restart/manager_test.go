package restart

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRequestRestartWritesSentinelOnce(t *testing.T) {
	m := NewManager(ResolveSentinelPath(t.TempDir()))
	first, err := m.RequestRestart(SentinelEntry{Reason: "rpc", Note: "config changed"})
	if err != nil || !first {
		t.Fatalf("RequestRestart: first=%v err=%v", first, err)
	}
	again, err := m.RequestRestart(SentinelEntry{Reason: "second"})
	if err != nil || again {
		t.Fatalf("second request should be a no-op: %v %v", again, err)
	}
	if !m.IsRestartRequested() {
		t.Fatalf("restart flag not set")
	}

	next := NewManager(m.SentinelPath())
	s, err := next.ConsumeSentinel()
	if err != nil || s == nil {
		t.Fatalf("ConsumeSentinel: %v %v", s, err)
	}
	if got := FormatSentinelMessage(s); got != "Restarted (rpc): config changed" {
		t.Fatalf("unexpected message %q", got)
	}
	if _, err := os.Stat(m.SentinelPath()); !os.IsNotExist(err) {
		t.Fatalf("sentinel should be removed after consume")
	}
	if s, _ := next.ConsumeSentinel(); s != nil {
		t.Fatalf("second consume should be empty")
	}
}

func TestConsumeSentinelIgnoresGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "restart-sentinel.json")
	if err := os.WriteFile(path, []byte("nope"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	s, err := NewManager(path).ConsumeSentinel()
	if err != nil || s != nil {
		t.Fatalf("garbage sentinel: %v %v", s, err)
	}
	if FormatSentinelMessage(nil) != "" {
		t.Fatalf("nil sentinel should format empty")
	}
}
