package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dagucloud/pipeline/internal/filelock"
)

// SharedDiskBackend wraps a DiskBackend with a per-key exclusive file lock,
// for the case where multiple processes on the same filesystem share a
// cache root (spec.md §4.2's "shared-disk" variant).
type SharedDiskBackend struct {
	disk     *DiskBackend
	lockOpts *filelock.LockOptions
}

// NewSharedDiskBackend wraps disk with shared-disk locking semantics.
func NewSharedDiskBackend(disk *DiskBackend, opts *filelock.LockOptions) *SharedDiskBackend {
	return &SharedDiskBackend{disk: disk, lockOpts: opts}
}

func (b *SharedDiskBackend) lockPath(key string) string {
	return filepath.Join(b.disk.Root, key+".lock")
}

func (b *SharedDiskBackend) withLock(ctx context.Context, key string, fn func() error) error {
	lock := filelock.New(b.lockPath(key), b.lockOpts)
	if err := lock.TryLockWait(ctx); err != nil {
		return fmt.Errorf("cache: shared-disk backend: %w", err)
	}
	defer func() { _ = lock.Unlock() }()
	return fn()
}

func (b *SharedDiskBackend) Get(ctx context.Context, key string) (*Entry, bool, error) {
	var entry *Entry
	var ok bool
	err := b.withLock(ctx, key, func() error {
		var innerErr error
		entry, ok, innerErr = b.disk.Get(ctx, key)
		return innerErr
	})
	return entry, ok, err
}

func (b *SharedDiskBackend) Put(ctx context.Context, key string, meta Meta, arrays map[string][]byte, ttl time.Duration) error {
	return b.withLock(ctx, key, func() error {
		return b.disk.Put(ctx, key, meta, arrays, ttl)
	})
}

func (b *SharedDiskBackend) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := b.withLock(ctx, key, func() error {
		var innerErr error
		exists, innerErr = b.disk.Exists(ctx, key)
		return innerErr
	})
	return exists, err
}
