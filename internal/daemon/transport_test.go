package daemon

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSocketPathFallsBackForLongStateDirs(t *testing.T) {
	short := "/tmp/proj/.assistantd"
	if got := SocketPath(short); got != "/tmp/proj/.assistantd/daemon.sock" {
		t.Fatalf("unexpected socket path: %s", got)
	}
	long := "/" + strings.Repeat("deep/", 30) + ".assistantd"
	got := SocketPath(long)
	if !strings.HasPrefix(got, os.TempDir()) || !strings.HasSuffix(got, ".sock") || len(got) > maxSocketPathLen {
		t.Fatalf("unexpected fallback path: %s", got)
	}
	if SocketPath(long) != got {
		t.Fatalf("fallback path must be stable")
	}
}

func TestResolveStateDir(t *testing.T) {
	work := t.TempDir()
	got, err := ResolveStateDir("", work)
	if err != nil || got != filepath.Join(work, StateDirName) {
		t.Fatalf("default state dir: %s %v", got, err)
	}
	got, err = ResolveStateDir("state", work)
	if err != nil || got != filepath.Join(work, "state") {
		t.Fatalf("relative state dir: %s %v", got, err)
	}
	abs := filepath.Join(t.TempDir(), "elsewhere")
	got, err = ResolveStateDir(abs, work)
	if err != nil || got != abs {
		t.Fatalf("absolute state dir: %s %v", got, err)
	}
}

func TestListenUnixDetectsLiveOwnerAndRemovesStaleFile(t *testing.T) {
	dir, err := os.MkdirTemp("", "ad")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	path := filepath.Join(dir, "d.sock")

	if err := os.WriteFile(path, []byte("stale"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	ln, err := ListenUnix(path)
	if err != nil {
		t.Fatalf("ListenUnix over stale file: %v", err)
	}
	defer ln.Close()

	if _, err := ListenUnix(path); !errors.Is(err, ErrDaemonRunning) {
		t.Fatalf("expected ErrDaemonRunning, got %v", err)
	}
}

func TestHistoryKeepsMostRecentTurns(t *testing.T) {
	h := NewHistory(3)
	for _, c := range []string{"a", "b", " ", "c", "d"} {
		h.Append("user", c)
	}
	got := h.Snapshot()
	if len(got) != 3 || got[0].Content != "b" || got[2].Content != "d" {
		t.Fatalf("unexpected history: %+v", got)
	}
}

func TestAuthenticatorVerify(t *testing.T) {
	now := time.Unix(1_800_000_000, 0).UTC()
	auth := NewAuthenticator("s3cret")
	auth.Now = func() time.Time { return now }

	sig, err := Sign([]byte("s3cret"), "console", now.Unix(), "n-1")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := auth.Verify("console", now.Unix(), "n-1", sig); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := auth.Verify("console", now.Unix(), "n-1", sig); err == nil {
		t.Fatalf("expected replayed nonce to be rejected")
	}

	cases := []struct {
		name   string
		client string
		ts     int64
		nonce  string
		secret string
	}{
		{name: "wrong secret", client: "console", ts: now.Unix(), nonce: "n-2", secret: "other"},
		{name: "stale timestamp", client: "console", ts: now.Add(-5 * time.Minute).Unix(), nonce: "n-3", secret: "s3cret"},
		{name: "different client", client: "mallory", ts: now.Unix(), nonce: "n-4", secret: "s3cret"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sig, err := Sign([]byte(tc.secret), "console", tc.ts, tc.nonce)
			if err != nil {
				t.Fatalf("Sign: %v", err)
			}
			if err := auth.Verify(tc.client, tc.ts, tc.nonce, sig); err == nil {
				t.Fatalf("expected rejection")
			}
		})
	}
}

func TestWebSocketTransport(t *testing.T) {
	h := newHarness(t)
	auth := NewAuthenticator("ws-secret")
	mux := http.NewServeMux()
	mux.Handle(WSPath, h.srv.WSHandler(auth))
	hs := httptest.NewServer(mux)
	t.Cleanup(hs.Close)
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + WSPath

	ctx := testCtx(t)
	if _, err := Dial(ctx, url, ClientOptions{Secret: "wrong", Client: "test"}); err == nil {
		t.Fatalf("expected handshake with the wrong secret to fail")
	}

	c, err := Dial(ctx, url, ClientOptions{Secret: "ws-secret", Client: "test"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	var log eventLog
	if err := c.Query(ctx, "over ws", "", log.add); err != nil {
		t.Fatalf("Query: %v", err)
	}
	events := log.snapshot()
	if len(events) == 0 || events[len(events)-1].Kind != NotifyDone {
		t.Fatalf("unexpected events: %+v", events)
	}
	st, err := c.Status(ctx)
	if err != nil || st.Connections != 1 {
		t.Fatalf("Status: %+v %v", st, err)
	}
}
