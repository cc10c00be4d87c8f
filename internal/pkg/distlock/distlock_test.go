package distlock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
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

func TestLocalLock_TryLockIsExclusive(t *testing.T) {
	var l LocalLock
	ctx := context.Background()

	ok, err := l.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	again, err := l.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, again, "second acquire must not succeed while held")

	require.NoError(t, l.Release(ctx))

	ok, _ = l.Acquire(ctx)
	assert.True(t, ok, "lock must be acquirable after release")
}

func TestLocalLock_ConcurrentAcquireSingleWinner(t *testing.T) {
	var l LocalLock
	ctx := context.Background()
	var winners int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if ok, _ := l.Acquire(ctx); ok {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), winners)
}

func TestRedisLock_AcquireRelease(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "verifier:fetch", time.Minute)
	b := NewRedisLock(client, "verifier:fetch", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("lock:verifier:fetch"))

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "other process must not acquire a held lock")

	// A non-owner release is a no-op.
	require.NoError(t, b.Release(ctx))
	assert.True(t, mr.Exists("lock:verifier:fetch"))

	require.NoError(t, a.Release(ctx))
	assert.False(t, mr.Exists("lock:verifier:fetch"))

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLock_ExpiresAfterTTL(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "ttl", 30*time.Second)
	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(31 * time.Second)

	b := NewRedisLock(client, "ttl", 30*time.Second)
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock must be reclaimable")
}

func TestRedisLock_UnreachableReturnsError(t *testing.T) {
	client, mr := setupTestRedis(t)
	mr.Close()

	ok, err := NewRedisLock(client, "down", time.Minute).Acquire(context.Background())
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestPGAdvisoryLock_AcquireRelease(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewPGAdvisoryLock(db, "verifier:fetch")

	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WithArgs(l.lockID).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec("SELECT pg_advisory_unlock").
		WithArgs(l.lockID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	ok, err := l.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// Held by this instance: no second round trip.
	again, err := l.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, again)

	require.NoError(t, l.Release(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGAdvisoryLock_HeldElsewhere(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewPGAdvisoryLock(db, "verifier:fetch")
	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WithArgs(l.lockID).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	ok, err := l.Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	// Nothing held, so Release does not touch the database.
	require.NoError(t, l.Release(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewLock_BackendSelection(t *testing.T) {
	client, _ := setupTestRedis(t)
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	assert.IsType(t, &RedisLock{}, NewLock(client, db, "k", time.Minute))
	assert.IsType(t, &PGAdvisoryLock{}, NewLock(nil, db, "k", time.Minute))
	assert.Nil(t, NewLock(nil, nil, "k", time.Minute))
}
