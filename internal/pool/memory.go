package pool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// MemoryPool is the in-process Worker Pool backend: a buffered channel of
// resource tokens, optionally backed by materialized slot directories.
type MemoryPool struct {
	baseDir string
	slots   chan string

	mu        sync.Mutex
	isClosed  bool
	closeOnce sync.Once
	closed    chan struct{}
}

// OpenMemoryPool initializes a pool of capacity slots. If baseDir is
// non-empty, numbered subdirectories 0..capacity-1 are created and their
// paths are used as the tokens; otherwise tokens are bare indices.
func OpenMemoryPool(baseDir string, capacity int) (*MemoryPool, error) {
	p := &MemoryPool{
		baseDir: baseDir,
		slots:   make(chan string, capacity),
		closed:  make(chan struct{}),
	}
	if baseDir != "" {
		if err := os.MkdirAll(baseDir, 0o755); err != nil {
			return nil, fmt.Errorf("pool: create base dir %s: %w", baseDir, err)
		}
	}
	for i := 0; i < capacity; i++ {
		token := fmt.Sprintf("%d", i)
		if baseDir != "" {
			dir := filepath.Join(baseDir, token)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("pool: create slot %d: %w", i, err)
			}
			token = dir
		}
		p.slots <- token
	}
	return p, nil
}

func (p *MemoryPool) Acquire(ctx context.Context) (string, error) {
	select {
	case token, ok := <-p.slots:
		if !ok {
			return "", ErrClosed
		}
		return token, nil
	case <-p.closed:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (p *MemoryPool) Release(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isClosed {
		// pool already closed; dropping the token is fine, Close already
		// drained and removed every directory it knew about.
		return
	}
	p.slots <- token
}

func (p *MemoryPool) QueueLen() (int, error) {
	return len(p.slots), nil
}

func (p *MemoryPool) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.isClosed = true
		close(p.closed)
		for drained := false; !drained; {
			select {
			case <-p.slots:
			default:
				drained = true
			}
		}
		p.mu.Unlock()
		if p.baseDir != "" {
			err = os.RemoveAll(p.baseDir)
		}
	})
	return err
}

var _ Pool = (*MemoryPool)(nil)
