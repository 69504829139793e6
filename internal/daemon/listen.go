package daemon

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"assistantd/internal/util"
)

var ErrDaemonRunning = errors.New("daemon already running")

const probeTimeout = 500 * time.Millisecond

// ListenUnix binds the daemon socket. A socket with a live owner is a fatal
// conflict; a stale socket file is removed first.
func ListenUnix(path string) (net.Listener, error) {
	if conn, err := net.DialTimeout("unix", path, probeTimeout); err == nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrDaemonRunning, path)
	}
	if _, err := os.Lstat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}
	if err := util.EnsureParentDir(path); err != nil {
		return nil, err
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	_ = os.Chmod(path, 0o600)
	return ln, nil
}
