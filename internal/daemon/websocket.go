package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
)

const (
	WSPath      = "/rpc"
	wsReadLimit = 16 << 20
)

// WSHandler carries the same line protocol over websocket text frames. Every
// handshake must be signed for auth.
func (s *Server) WSHandler(auth *Authenticator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client, err := auth.VerifyRequest(r)
		if err != nil {
			s.logf("ws: rejected remote=%s client=%q: %v", r.RemoteAddr, client, err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			s.logf("ws: accept remote=%s: %v", r.RemoteAddr, err)
			return
		}
		conn.SetReadLimit(wsReadLimit)
		nc := websocket.NetConn(s.ctx, conn, websocket.MessageText)
		s.ServeConn(nc, client+"@"+strings.TrimSpace(r.RemoteAddr))
	})
}

// ServeWebSocket serves WSHandler on ln until the server is closed.
func (s *Server) ServeWebSocket(ln net.Listener, auth *Authenticator) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.Handle(WSPath, s.WSHandler(auth))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	err := srv.Serve(ln)
	if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// DialWebSocket opens a signed websocket connection and adapts it to a
// byte stream for rpc.Peer.
func DialWebSocket(ctx context.Context, url string, secret string, client string) (net.Conn, error) {
	h, err := SignedHeaders([]byte(strings.TrimSpace(secret)), client, time.Now())
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: h})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(wsReadLimit)
	return websocket.NetConn(context.Background(), conn, websocket.MessageText), nil
}
