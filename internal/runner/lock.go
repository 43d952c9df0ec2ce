package runner

import (
	"fmt"
	"os"
	"path/filepath"
)

// EngineLock is a non-reentrant, non-blocking lock on an engine
// installation directory: at most one Workspace per installation per
// machine. Acquisition fails immediately if another process holds it.
type EngineLock struct {
	path string
}

const lockFileName = ".geoepic.lock"

// AcquireEngineLock creates the lockfile inside engineDir, failing if it
// already exists.
func AcquireEngineLock(engineDir string) (*EngineLock, error) {
	path := filepath.Join(engineDir, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("runner: engine directory %s is already locked by another workspace", engineDir)
		}
		return nil, fmt.Errorf("runner: acquire lock on %s: %w", engineDir, err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close()
	return &EngineLock{path: path}, nil
}

// Release removes the lockfile. Best-effort: a failure here must never
// leak a handle on the engine directory, so errors are swallowed.
func (l *EngineLock) Release() {
	_ = os.Remove(l.path)
}

// Path returns the lockfile's path, used by the sandbox copy step to
// exclude it from the materialized engine installation.
func (l *EngineLock) Path() string { return l.path }
