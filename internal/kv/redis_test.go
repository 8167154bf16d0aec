package kv

import (
	"context"
	"testing"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// INFO: https://github.com/go-redis/redis/issues/1029
		goleak.IgnoreTopFunction(
			"github.com/go-redis/redis/v8/internal/pool.(*ConnPool).reaper",
		),
	)
}

func TestRedisStorage_Get(t *testing.T) {
	db, mock := redismock.NewClientMock()
	defer db.Close()

	storage := NewRedisStorage(db)
	ctx := context.Background()

	mock.ExpectGet(redisKeyPrefix + "some-key").SetVal("some-value")
	val, err := storage.Get(ctx, "some-key")
	require.NoError(t, err)
	assert.Equal(t, "some-value", val)

	mock.ExpectGet(redisKeyPrefix + "missing-key").SetErr(redis.Nil)
	_, err = storage.Get(ctx, "missing-key")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStorage_Set(t *testing.T) {
	db, mock := redismock.NewClientMock()
	defer db.Close()

	storage := NewRedisStorage(db)
	ctx := context.Background()

	mock.ExpectSet(redisKeyPrefix+"some-key", "some-value", 0).SetVal("OK")
	require.NoError(t, storage.Set(ctx, "some-key", "some-value"))

	require.NoError(t, mock.ExpectationsWereMet())
}
