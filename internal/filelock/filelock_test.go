package filelock

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryLock_AcquireAndRelease(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "k.lock")

	lock := New(path, nil)
	require.NoError(t, lock.TryLock())
	assert.True(t, lock.IsHeldByMe())
	assert.True(t, lock.IsLocked())

	require.NoError(t, lock.Unlock())
	assert.False(t, lock.IsHeldByMe())
}

func TestTryLock_Conflict(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "k.lock")

	lock1 := New(path, nil)
	lock2 := New(path, nil)

	require.NoError(t, lock1.TryLock())
	err := lock2.TryLock()
	require.ErrorIs(t, err, ErrLockConflict)
	assert.False(t, lock2.IsHeldByMe())

	require.NoError(t, lock1.Unlock())
}

func TestTryLock_ReacquireAfterUnlock(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "k.lock")

	lock := New(path, nil)
	require.NoError(t, lock.TryLock())
	require.NoError(t, lock.Unlock())
	require.NoError(t, lock.TryLock())
	require.NoError(t, lock.Unlock())
}

func TestTryLockWait_AcquiresOnceHolderReleases(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "k.lock")

	holder := New(path, &LockOptions{RetryInterval: 5 * time.Millisecond})
	require.NoError(t, holder.TryLock())

	waiter := New(path, &LockOptions{RetryInterval: 5 * time.Millisecond})
	released := make(chan struct{})
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = holder.Unlock()
		close(released)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, waiter.TryLockWait(ctx))
	<-released
	assert.True(t, waiter.IsHeldByMe())
}

func TestTryLockWait_ContextCanceledWhileWaiting(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "k.lock")

	holder := New(path, nil)
	require.NoError(t, holder.TryLock())
	defer func() { _ = holder.Unlock() }()

	waiter := New(path, &LockOptions{RetryInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := waiter.TryLockWait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, waiter.IsHeldByMe())
}

func TestLockOptions_Defaults(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "k.lock")

	lock := New(path, nil)
	assert.Equal(t, 30*time.Second, lock.opts.StaleThreshold)
	assert.Equal(t, 50*time.Millisecond, lock.opts.RetryInterval)
}

func TestLockOptions_Custom(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "k.lock")

	lock := New(path, &LockOptions{StaleThreshold: 5 * time.Second, RetryInterval: 10 * time.Millisecond})
	assert.Equal(t, 5*time.Second, lock.opts.StaleThreshold)
	assert.Equal(t, 10*time.Millisecond, lock.opts.RetryInterval)
}
