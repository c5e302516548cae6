package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
)

func TestMemoryIdempotencyGuard(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	guard := NewMemoryIdempotencyGuard()
	guard.now = func() time.Time { return now }

	t.Run("remember and lookup", func(t *testing.T) {
		assert.NoError(t, guard.Remember(ctx, "job1", "res1", time.Minute))

		id, ok, err := guard.Lookup(ctx, "job1")
		assert.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "res1", id)
	})

	t.Run("unknown job", func(t *testing.T) {
		_, ok, err := guard.Lookup(ctx, "nope")
		assert.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("forget", func(t *testing.T) {
		assert.NoError(t, guard.Forget(ctx, "job1"))

		_, ok, _ := guard.Lookup(ctx, "job1")
		assert.False(t, ok)
	})

	t.Run("entries expire with ttl", func(t *testing.T) {
		assert.NoError(t, guard.Remember(ctx, "job2", "res2", time.Minute))
		now = now.Add(2 * time.Minute)

		_, ok, _ := guard.Lookup(ctx, "job2")
		assert.False(t, ok)
		assert.Equal(t, 0, guard.Len())
	})
}

func TestRedisIdempotencyGuard(t *testing.T) {
	ctx := context.Background()
	client, mock := redismock.NewClientMock()
	guard := NewRedisIdempotencyGuard(client)

	t.Run("remember", func(t *testing.T) {
		mock.ExpectSet("credits:job:job1", "res1", 30*time.Minute).SetVal("OK")

		assert.NoError(t, guard.Remember(ctx, "job1", "res1", 30*time.Minute))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("lookup hit", func(t *testing.T) {
		mock.ExpectGet("credits:job:job1").SetVal("res1")

		id, ok, err := guard.Lookup(ctx, "job1")
		assert.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "res1", id)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("lookup miss", func(t *testing.T) {
		mock.ExpectGet("credits:job:job2").RedisNil()

		_, ok, err := guard.Lookup(ctx, "job2")
		assert.NoError(t, err)
		assert.False(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("lookup error", func(t *testing.T) {
		mock.ExpectGet("credits:job:job3").SetErr(errors.New("connection refused"))

		_, ok, err := guard.Lookup(ctx, "job3")
		assert.Error(t, err)
		assert.False(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("forget", func(t *testing.T) {
		mock.ExpectDel("credits:job:job1").SetVal(1)

		assert.NoError(t, guard.Forget(ctx, "job1"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
