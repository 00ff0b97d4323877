package gateway

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Workspace is a client workspace leased from a WorkspacePool.
type Workspace struct {
	Name string
	Root string
}

// WorkspacePool hands out client workspaces for exclusive use.
type WorkspacePool interface {
	Acquire(ctx context.Context) (*Workspace, error)
	Release(ws *Workspace)
}

// Pool is a fixed-size WorkspacePool. Acquire blocks until a workspace is
// free or the context is done.
type Pool struct {
	sem  *semaphore.Weighted
	mu   sync.Mutex
	free []*Workspace
}

// NewPool creates a pool of size workspaces named "<prefix>-<n>" rooted
// under root.
func NewPool(prefix, root string, size int) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{sem: semaphore.NewWeighted(int64(size))}
	for i := 0; i < size; i++ {
		name := fmt.Sprintf("%s-%d", prefix, i)
		p.free = append(p.free, &Workspace{Name: name, Root: filepath.Join(root, name)})
	}
	return p
}

// Acquire leases a workspace. The caller must Release it.
func (p *Pool) Acquire(ctx context.Context) (*Workspace, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire workspace: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ws := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return ws, nil
}

// Release returns a workspace to the pool.
func (p *Pool) Release(ws *Workspace) {
	if ws == nil {
		return
	}
	p.mu.Lock()
	p.free = append(p.free, ws)
	p.mu.Unlock()
	p.sem.Release(1)
}

// Available returns the number of idle workspaces.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
