//go:build integration

package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func TestRedisLocker_LeaseLifecycle(t *testing.T) {
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	client, err := NewRedisClient(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	replicaA := NewRedisLocker(client)
	replicaB := NewRedisLocker(client)

	release, ok, err := replicaA.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = replicaB.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, release(ctx))

	releaseB, ok, err := replicaB.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// A stale release from A must not drop B's lease
	require.NoError(t, release(ctx))
	_, ok, err = replicaA.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, releaseB(ctx))
}

func TestRedisLocker_LeaseExpires(t *testing.T) {
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	client, err := NewRedisClient(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	locker := NewRedisLocker(client)
	_, ok, err := locker.TryLock(ctx, "short", 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		_, ok, err := locker.TryLock(ctx, "short", time.Minute)
		return err == nil && ok
	}, 5*time.Second, 50*time.Millisecond)
}
