// Package runlock serializes dispatch and sweep runs across processes with
// an advisory file lock.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

var ErrLocked = errors.New("run lock held by another process")

type Lock struct {
	path string
}

func New(path string) *Lock { return &Lock{path: path} }

func (l *Lock) Path() string { return l.path }

// Do runs fn while holding the lock. It never waits: a held lock returns
// ErrLocked and fn is not called.
func (l *Lock) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if l == nil || l.path == "" {
		return fn(ctx)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	fl := flock.New(l.path)
	ok, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLocked, l.path)
	}
	defer func() { _ = fl.Unlock() }()
	return fn(ctx)
}
