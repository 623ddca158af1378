package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return client, mr
}

func TestRedisLockExcludesSecondHolder(t *testing.T) {
	client, mr := setupTestRedis(t)
	a := NewRedisLock(client, time.Minute)
	b := NewRedisLock(client, time.Minute)
	b.pollInterval = 10 * time.Millisecond

	release, err := a.Acquire(context.Background(), "lecture")
	require.NoError(t, err)
	assert.True(t, mr.Exists(lockPrefix+"lecture"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = b.Acquire(ctx, "lecture")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	assert.False(t, mr.Exists(lockPrefix+"lecture"))

	release2, err := b.Acquire(context.Background(), "lecture")
	require.NoError(t, err)
	release2()
	release2()
}

func TestRedisLockReleaseKeepsForeignLock(t *testing.T) {
	client, mr := setupTestRedis(t)
	l := NewRedisLock(client, time.Minute)

	release, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)
	// simulate expiry followed by another holder
	mr.Set(lockPrefix+"k", "someone-else")
	release()

	v, err := mr.Get(lockPrefix + "k")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", v)
}

func TestRedisLockWaitsForRelease(t *testing.T) {
	client, _ := setupTestRedis(t)
	a := NewRedisLock(client, time.Minute)
	b := NewRedisLock(client, time.Minute)
	b.pollInterval = 5 * time.Millisecond

	release, err := a.Acquire(context.Background(), "k")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		rel, err := b.Acquire(context.Background(), "k")
		if err == nil {
			rel()
		}
		close(acquired)
	}()

	time.Sleep(30 * time.Millisecond)
	release()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("second holder never acquired the lock")
	}
}

func TestLocalLockSerializes(t *testing.T) {
	l := NewLocalLock()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background(), "same")
			if err != nil {
				t.Error(err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestLocalLockHonoursContext(t *testing.T) {
	l := NewLocalLock()
	release, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)
	defer release()

	other, err := l.Acquire(context.Background(), "other-key")
	require.NoError(t, err)
	other()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Acquire(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
}
