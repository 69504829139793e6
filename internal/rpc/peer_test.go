package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func pipePeers(t *testing.T, server PeerOptions, client PeerOptions) (*Peer, *Peer) {
	t.Helper()
	a, b := net.Pipe()
	sp := NewPeer(a, server)
	cp := NewPeer(b, client)
	sp.Start()
	cp.Start()
	t.Cleanup(func() {
		_ = sp.Close()
		_ = cp.Close()
	})
	return sp, cp
}

func TestCallRoundTrip(t *testing.T) {
	_, client := pipePeers(t, PeerOptions{
		OnRequest: func(ctx context.Context, method string, params json.RawMessage) (any, error) {
			var in struct {
				Text string `json:"text"`
			}
			if err := DecodeParams(params, &in); err != nil {
				return nil, err
			}
			switch method {
			case "echo":
				return map[string]string{"text": strings.ToUpper(in.Text)}, nil
			case "fail":
				return nil, NewError(CodeInvalidParams, "bad %s", in.Text)
			default:
				return nil, errors.New("boom")
			}
		},
	}, PeerOptions{})

	var out struct {
		Text string `json:"text"`
	}
	if err := client.Call(context.Background(), "echo", map[string]string{"text": "hi"}, &out); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out.Text != "HI" {
		t.Fatalf("unexpected result %+v", out)
	}

	err := client.Call(context.Background(), "fail", map[string]string{"text": "x"}, nil)
	var rpcErr *Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != CodeInvalidParams || rpcErr.Message != "bad x" {
		t.Fatalf("expected invalid params error, got %v", err)
	}

	err = client.Call(context.Background(), "other", nil, nil)
	if !errors.As(err, &rpcErr) || rpcErr.Code != CodeInternalError {
		t.Fatalf("expected internal error, got %v", err)
	}
}

func TestCallWithoutHandlerIsMethodNotFound(t *testing.T) {
	_, client := pipePeers(t, PeerOptions{}, PeerOptions{})
	err := client.Call(context.Background(), "nope", nil, nil)
	var rpcErr *Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != CodeMethodNotFound {
		t.Fatalf("expected method not found, got %v", err)
	}
}

func TestNotificationsArriveInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []string
	all := make(chan struct{})
	server, _ := pipePeers(t, PeerOptions{}, PeerOptions{
		OnNotification: func(method string, params json.RawMessage) {
			var n struct {
				Seq string `json:"seq"`
			}
			_ = json.Unmarshal(params, &n)
			mu.Lock()
			got = append(got, method+":"+n.Seq)
			if len(got) == 3 {
				close(all)
			}
			mu.Unlock()
		},
	})
	for _, seq := range []string{"1", "2", "3"} {
		if err := server.Notify("stream", map[string]string{"seq": seq}); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}
	select {
	case <-all:
	case <-time.After(2 * time.Second):
		t.Fatalf("notifications not delivered")
	}
	if strings.Join(got, ",") != "stream:1,stream:2,stream:3" {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestCloseRejectsPendingAndFiresCallbackOnce(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	var closes atomic.Int32
	_, client := pipePeers(t, PeerOptions{
		OnRequest: func(ctx context.Context, method string, params json.RawMessage) (any, error) {
			<-block
			return nil, nil
		},
	}, PeerOptions{OnClose: func(error) { closes.Add(1) }})

	errCh := make(chan error, 1)
	go func() { errCh <- client.Call(context.Background(), "slow", nil, nil) }()
	time.Sleep(20 * time.Millisecond)

	_ = client.Close()
	_ = client.Close()
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrConnClosed) {
			t.Fatalf("expected ErrConnClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pending call not rejected")
	}
	if n := closes.Load(); n != 1 {
		t.Fatalf("close callback fired %d times", n)
	}
	if err := client.Call(context.Background(), "late", nil, nil); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("call after close: %v", err)
	}
}

func TestRemoteCloseEndsPeer(t *testing.T) {
	closed := make(chan error, 1)
	server, client := pipePeers(t, PeerOptions{}, PeerOptions{OnClose: func(err error) { closed <- err }})
	_ = server.Close()
	select {
	case err := <-closed:
		if err == nil {
			t.Fatalf("remote close should carry an I/O error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("client never noticed the remote close")
	}
	<-client.Done()
}

func TestMalformedLinesAndUnknownResponsesAreSkipped(t *testing.T) {
	raw, end := net.Pipe()
	peer := NewPeer(end, PeerOptions{
		OnRequest: func(ctx context.Context, method string, params json.RawMessage) (any, error) {
			return map[string]bool{"ok": true}, nil
		},
	})
	peer.Start()
	defer peer.Close()
	defer raw.Close()

	go func() {
		_, _ = raw.Write([]byte("this is not json\n"))
		_, _ = raw.Write([]byte(`{"version":1,"id":999,"result":{}}` + "\n"))
		_, _ = raw.Write([]byte(`{"version":1,"id":7,"method":"ping"}` + "\n"))
	}()

	_ = raw.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(raw).ReadString('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	msg, err := Unmarshal([]byte(line))
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if string(msg.ID) != "7" || msg.Error != nil || !strings.Contains(string(msg.Result), `"ok":true`) {
		t.Fatalf("unexpected response %s", line)
	}
}

func TestOversizedLineIsSkippedWithoutClosing(t *testing.T) {
	raw, end := net.Pipe()
	got := make(chan string, 1)
	peer := NewPeer(end, PeerOptions{
		MaxLineBytes: 256,
		OnNotification: func(method string, params json.RawMessage) {
			got <- method
		},
	})
	peer.Start()
	defer peer.Close()
	defer raw.Close()

	go func() {
		_, _ = raw.Write([]byte(`{"version":1,"method":"huge","params":"` + strings.Repeat("x", 100*1024) + `"}` + "\n"))
		_, _ = raw.Write([]byte(`{"version":1,"method":"after"}` + "\n"))
	}()

	select {
	case method := <-got:
		if method != "after" {
			t.Fatalf("oversized line was dispatched as %q", method)
		}
	case <-peer.Done():
		t.Fatalf("oversized line closed the connection: %v", peer.Err())
	case <-time.After(2 * time.Second):
		t.Fatalf("line after the oversized one was not delivered")
	}
}

func TestMessageClassification(t *testing.T) {
	req, _ := NewRequest(1, "query", nil)
	note, _ := NewNotification("stream", nil)
	resp, _ := NewResponse(json.RawMessage("1"), nil)
	if !req.IsRequest() || req.IsNotification() || req.IsResponse() {
		t.Fatalf("request misclassified: %+v", req)
	}
	if !note.IsNotification() || note.IsRequest() {
		t.Fatalf("notification misclassified: %+v", note)
	}
	if !resp.IsResponse() || string(resp.Result) != "null" {
		t.Fatalf("response misclassified: %+v", resp)
	}
	if _, err := NewRequest(1, " ", nil); err == nil {
		t.Fatalf("empty method must be rejected")
	}
}
