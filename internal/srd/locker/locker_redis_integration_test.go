//go:build integration

package locker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"srdwatch/internal/srd/locker"
	"srdwatch/pkg/testutil/containers"
)

func TestRedisLocker(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	rc := containers.NewRedisContainer(t)

	first := locker.NewRedis(rc.Client, locker.WithTTL(5*time.Second), locker.WithRetryInterval(10*time.Millisecond))
	second := locker.NewRedis(rc.Client, locker.WithRetryInterval(10*time.Millisecond))
	key := "srd:0821234567:9206160000085"

	_, release, err := first.Acquire(context.Background(), key)
	require.NoError(t, err)

	t.Run("held lock times out", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_, _, err := second.Acquire(ctx, key)
		assert.ErrorIs(t, err, locker.ErrLockNotObtained)
	})

	t.Run("waiter gets the lock after release", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		go func() {
			time.Sleep(50 * time.Millisecond)
			release()
		}()
		_, got, err := second.Acquire(ctx, key)
		require.NoError(t, err)
		got()
	})
}

func TestRedisLockerOutlivesTTLWhileHeld(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	rc := containers.NewRedisContainer(t)
	key := "srd:0821234567:9206160000085"

	holder := locker.NewRedis(rc.Client, locker.WithTTL(300*time.Millisecond), locker.WithRetryInterval(10*time.Millisecond))
	rival := locker.NewRedis(rc.Client, locker.WithRetryInterval(10*time.Millisecond))

	held, release, err := holder.Acquire(context.Background(), key)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, _, err = rival.Acquire(ctx, key)
	require.ErrorIs(t, err, locker.ErrLockNotObtained, "refresh keeps the key past three TTLs")
	assert.NoError(t, held.Err())
}

func TestRedisLockerCancelsHeldContextWhenLost(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	rc := containers.NewRedisContainer(t)
	key := "srd:0821234567:9206160000085"

	l := locker.NewRedis(rc.Client, locker.WithTTL(300*time.Millisecond))
	held, release, err := l.Acquire(context.Background(), key)
	require.NoError(t, err)
	defer release()

	require.NoError(t, rc.Client.Del(context.Background(), key).Err())

	select {
	case <-held.Done():
		assert.ErrorIs(t, context.Cause(held), locker.ErrLockLost)
	case <-time.After(2 * time.Second):
		t.Fatal("held context survived a lost lock")
	}
}
