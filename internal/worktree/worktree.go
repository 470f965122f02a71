// Package worktree hands out exclusive working directories for runs.
// One (project, branch) pair maps to one stable directory; two runs never
// hold the same directory at once.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Lease is exclusive ownership of a working directory until Release.
type Lease interface {
	Path() string
	Release()
}

// Provider acquires working directories for runs.
type Provider interface {
	// Acquire blocks until the (project, branch) directory is free or ctx
	// is done.
	Acquire(ctx context.Context, project, branch string) (Lease, error)
}

// DirProvider maps (project, branch) to subdirectories of a root and
// enforces exclusivity with per-directory mutexes.
type DirProvider struct {
	root string

	mu   sync.Mutex
	held map[string]chan struct{}
}

// NewDirProvider builds a provider rooted at root. The root is created
// lazily on first Acquire.
func NewDirProvider(root string) *DirProvider {
	return &DirProvider{root: root, held: make(map[string]chan struct{})}
}

type dirLease struct {
	path    string
	release func()
	once    sync.Once
}

func (l *dirLease) Path() string { return l.path }
func (l *dirLease) Release()     { l.once.Do(l.release) }

// Acquire implements Provider. Waiting runs are admitted in wakeup order
// once the current holder releases.
func (p *DirProvider) Acquire(ctx context.Context, project, branch string) (Lease, error) {
	key := project + "/" + branch
	dir := filepath.Join(p.root, sanitize(project), sanitize(branch))

	for {
		p.mu.Lock()
		busy, ok := p.held[key]
		if !ok {
			done := make(chan struct{})
			p.held[key] = done
			p.mu.Unlock()

			if err := os.MkdirAll(dir, 0o755); err != nil {
				p.mu.Lock()
				delete(p.held, key)
				p.mu.Unlock()
				close(done)
				return nil, fmt.Errorf("create worktree dir: %w", err)
			}

			return &dirLease{
				path: dir,
				release: func() {
					p.mu.Lock()
					delete(p.held, key)
					p.mu.Unlock()
					close(done)
				},
			}, nil
		}
		p.mu.Unlock()

		select {
		case <-busy:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// sanitize keeps directory names flat: path separators and other
// surprising characters in branch names collapse to '-'.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '_' || r == '-':
			return r
		default:
			return '-'
		}
	}, s)
}
