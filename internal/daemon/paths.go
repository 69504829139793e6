package daemon

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
)

const (
	StateDirName   = ".assistantd"
	socketFileName = "daemon.sock"

	// sun_path is 104 bytes on darwin and 108 on linux.
	maxSocketPathLen = 100
)

// ResolveStateDir returns the configured state dir (relative paths are taken
// from workDir) or <workDir>/.assistantd.
func ResolveStateDir(configured string, workDir string) (string, error) {
	base := strings.TrimSpace(workDir)
	if base == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		base = wd
	}
	p := strings.TrimSpace(configured)
	if p == "" {
		p = StateDirName
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(base, p)
	}
	return filepath.Abs(p)
}

// SocketPath returns <stateDir>/daemon.sock, or a hashed name under the temp
// dir when that path would not fit in a unix socket address.
func SocketPath(stateDir string) string {
	p := filepath.Join(stateDir, socketFileName)
	if len(p) <= maxSocketPathLen {
		return p
	}
	sum := sha256.Sum256([]byte(filepath.Clean(stateDir)))
	return filepath.Join(os.TempDir(), "assistantd-"+hex.EncodeToString(sum[:])[:16]+".sock")
}
