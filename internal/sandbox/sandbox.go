// Package sandbox provides deterministic, isolated working directories for
// per-site engine invocations, preferring a RAM-backed filesystem when one
// is available.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ramFS is the conventional Linux tmpfs mount checked for before falling
// back to a directory under the workspace cache.
const ramFS = "/dev/shm"

// FS materializes numbered slot directories 0..N-1 under a base directory.
// If no base directory is configured, slots are abstract tokens with no
// backing path.
type FS struct {
	mu       sync.Mutex
	base     string
	onRAMFS  bool
	capacity int
	taken    map[int]bool
}

// New creates a sandbox rooted at preferredBase/geoepic_sandbox_<pid>, or
// under the RAM filesystem when preferredBase is empty and one is
// available, or returns abstract (pathless) slots otherwise. It returns an
// error if the root or a slot directory cannot be created.
func New(preferredBase string, capacity int) (*FS, error) {
	base := preferredBase
	onRAM := false
	if base == "" {
		if info, err := os.Stat(ramFS); err == nil && info.IsDir() {
			base = ramFS
			onRAM = true
		}
	}

	fs := &FS{capacity: capacity, taken: make(map[int]bool)}
	if base == "" {
		return fs, nil
	}

	root := filepath.Join(base, fmt.Sprintf("geoepic_sandbox_%d", os.Getpid()))
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("sandbox: create root %s: %w", root, err)
	}
	for i := 0; i < capacity; i++ {
		if err := os.MkdirAll(filepath.Join(root, fmt.Sprintf("%d", i)), 0o755); err != nil {
			return nil, fmt.Errorf("sandbox: create slot %d: %w", i, err)
		}
	}
	fs.base = root
	fs.onRAMFS = onRAM
	return fs, nil
}

// Abstract reports whether slots have no backing directory (no base was
// configured and no RAM filesystem was found).
func (fs *FS) Abstract() bool { return fs.base == "" }

// OnRAMFS reports whether slots live on a RAM-backed filesystem. It does
// not change cleanup: a slot's contents are cleared on its next Acquire.
func (fs *FS) OnRAMFS() bool { return fs.onRAMFS }

// Acquire returns the path for slot index i, after clearing any leftover
// contents from a previous run.
func (fs *FS) Acquire(i int) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.taken[i] {
		return "", fmt.Errorf("sandbox: slot %d already acquired", i)
	}
	fs.taken[i] = true

	if fs.Abstract() {
		return fmt.Sprintf("slot-%d", i), nil
	}
	path := filepath.Join(fs.base, fmt.Sprintf("%d", i))
	if err := ClearDir(path); err != nil {
		return "", fmt.Errorf("sandbox: clear slot %d: %w", i, err)
	}
	return path, nil
}

// Release marks slot i free again. The caller is responsible for removing
// any files it wants discarded; Release does not itself purge the subtree.
func (fs *FS) Release(i int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.taken, i)
}

// Close recursively removes the sandbox root, if one was materialized.
func (fs *FS) Close() error {
	if fs.Abstract() {
		return nil
	}
	return os.RemoveAll(fs.base)
}

// ClearDir removes every entry under path (creating it if absent), without
// removing path itself. Used by FS.Acquire.
func ClearDir(path string) error {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(path, 0o755)
		}
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(path, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
