package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistributedLock_SingleInstance(t *testing.T) {
	_, client := newTestClient(t)
	lock := NewRedisDistributedLock(client.GetClient(), "test-lock")
	ctx := context.Background()

	acquired, err := lock.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.True(t, lock.IsHeld())

	require.NoError(t, lock.Unlock(ctx))
	assert.False(t, lock.IsHeld())

	// unlocking twice is a no-op
	require.NoError(t, lock.Unlock(ctx))
}

func TestDistributedLock_MultipleInstances(t *testing.T) {
	_, client := newTestClient(t)
	lock1 := NewRedisDistributedLock(client.GetClient(), "test-lock-multi")
	lock2 := NewRedisDistributedLock(client.GetClient(), "test-lock-multi")
	ctx := context.Background()

	acquired1, err := lock1.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, acquired1)

	acquired2, err := lock2.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, acquired2, "second lock should not be acquired")

	// lock2 must not release lock1's key
	require.NoError(t, lock2.Unlock(ctx))
	assert.True(t, lock1.IsHeld())

	require.NoError(t, lock1.Unlock(ctx))
	acquired2, err = lock2.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, acquired2)
	require.NoError(t, lock2.Unlock(ctx))
}

func TestDistributedLock_NilClient(t *testing.T) {
	lock := NewRedisDistributedLock(nil, "")
	ctx := context.Background()

	acquired, err := lock.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, acquired)
	require.NoError(t, lock.Unlock(ctx))
	assert.False(t, lock.IsHeld())
}

func TestWithLock(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()
	holder := NewRedisDistributedLock(client.GetClient(), "with-lock")

	ran := false
	ok, err := WithLock(ctx, NewRedisDistributedLock(client.GetClient(), "with-lock"), func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, ran)

	acquired, err := holder.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, acquired)
	defer holder.Unlock(ctx)

	ok, err = WithLock(ctx, NewRedisDistributedLock(client.GetClient(), "with-lock"), func(context.Context) error {
		t.Fatal("must not run while another instance holds the lock")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ok)

	holder.Unlock(ctx)
	boom := errors.New("boom")
	_, err = WithLock(ctx, NewRedisDistributedLock(client.GetClient(), "with-lock"), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}
