package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"subdomaind/internal/config"
)

func newTestRedis(t *testing.T, ttl time.Duration, log *zap.Logger) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	l := NewRedisWithClient(client, ttl, log)
	l.retry = 10 * time.Millisecond
	return l, mr
}

func TestNewRedisPingsServer(t *testing.T) {
	mr := miniredis.RunT(t)
	l, client, err := NewRedis(config.RedisConfig{Addr: mr.Addr(), LockTTL: time.Second}, nil)
	require.NoError(t, err)
	defer client.Close()
	assert.Equal(t, time.Second, l.ttl)

	mr.Close()
	_, _, err = NewRedis(config.RedisConfig{Addr: mr.Addr()}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to redis")
}

func TestRedisLockAndRelease(t *testing.T) {
	l, mr := newTestRedis(t, time.Minute, nil)

	release, err := l.Lock(context.Background(), "t1/acme")
	require.NoError(t, err)
	require.True(t, mr.Exists(keyPrefix+"t1/acme"))
	assert.Equal(t, time.Minute, mr.TTL(keyPrefix+"t1/acme"))

	release()
	release()
	assert.False(t, mr.Exists(keyPrefix+"t1/acme"))
}

func TestRedisLockWaitsForHolder(t *testing.T) {
	l, _ := newTestRedis(t, time.Minute, nil)

	release, err := l.Lock(context.Background(), "t1/acme")
	require.NoError(t, err)

	acquired := make(chan func())
	go func() {
		r, err := l.Lock(context.Background(), "t1/acme")
		if err == nil {
			acquired <- r
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held lock")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case r := <-acquired:
		r()
	case <-time.After(2 * time.Second):
		t.Fatal("second holder never acquired the released lock")
	}
}

func TestRedisLockHonoursContext(t *testing.T) {
	l, _ := newTestRedis(t, time.Minute, nil)

	release, err := l.Lock(context.Background(), "t1/acme")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "t1/acme")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisLeaseIsRefreshedWhileHeld(t *testing.T) {
	ttl := 300 * time.Millisecond
	l, mr := newTestRedis(t, ttl, nil)
	key := keyPrefix + "t1/acme"

	release, err := l.Lock(context.Background(), "t1/acme")
	require.NoError(t, err)
	defer release()

	mr.FastForward(200 * time.Millisecond)
	require.True(t, mr.Exists(key))
	require.Less(t, mr.TTL(key), ttl)

	require.Eventually(t, func() bool {
		return mr.TTL(key) == ttl
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisLostLeaseIsLoggedAndNotReleased(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	l, mr := newTestRedis(t, 300*time.Millisecond, zap.New(core))
	key := keyPrefix + "t1/acme"

	release, err := l.Lock(context.Background(), "t1/acme")
	require.NoError(t, err)

	require.NoError(t, mr.Set(key, "another-replica"))

	require.Eventually(t, func() bool {
		return logs.FilterMessage("lock lease lost").Len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	release()
	got, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "another-replica", got)
}

func TestRedisCrashedHolderExpires(t *testing.T) {
	ttl := time.Minute
	l, mr := newTestRedis(t, ttl, nil)
	key := keyPrefix + "t1/acme"

	require.NoError(t, mr.Set(key, "crashed-replica"))
	mr.SetTTL(key, ttl)

	acquired := make(chan func(), 1)
	go func() {
		r, err := l.Lock(context.Background(), "t1/acme")
		if err == nil {
			acquired <- r
		}
	}()

	time.Sleep(30 * time.Millisecond)
	require.Empty(t, acquired)

	mr.FastForward(ttl + time.Second)
	select {
	case r := <-acquired:
		r()
	case <-time.After(2 * time.Second):
		t.Fatal("lock was never acquired after the stale lease expired")
	}
	assert.False(t, mr.Exists(key))
}
