package daemon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
)

// Paths locates the per-workspace runtime files of one daemon.
type Paths struct {
	Dir    string
	Socket string
	PID    string
	Lock   string
	Log    string
	HashDB string
}

// WorkspaceKey names the runtime directory for root: the first 16 hex
// characters of the sha256 of its absolute path.
func WorkspaceKey(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:])[:16], nil
}

// PathsFor returns the runtime paths for root under runtimeDir. A non-empty
// socket overrides the default socket location.
func PathsFor(runtimeDir, root, socket string) (Paths, error) {
	if strings.TrimSpace(runtimeDir) == "" {
		return Paths{}, fmt.Errorf("runtime directory is empty")
	}
	key, err := WorkspaceKey(root)
	if err != nil {
		return Paths{}, err
	}
	dir := filepath.Join(runtimeDir, key)
	p := Paths{
		Dir:    dir,
		Socket: filepath.Join(dir, "kiln.sock"),
		PID:    filepath.Join(dir, "kiln.pid"),
		Lock:   filepath.Join(dir, "kiln.lock"),
		Log:    filepath.Join(dir, "daemon.log"),
		HashDB: filepath.Join(dir, "hashes.db"),
	}
	if s := strings.TrimSpace(socket); s != "" {
		p.Socket = s
	}
	return p, nil
}
