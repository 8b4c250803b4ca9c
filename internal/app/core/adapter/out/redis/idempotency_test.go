package redis_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoeShih716/go-bank-ledger/internal/app/core/adapter/out/memory"
	"github.com/JoeShih716/go-bank-ledger/internal/app/core/adapter/out/redis"
	"github.com/JoeShih716/go-bank-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-bank-ledger/internal/app/core/usecase"
)

func setup(t *testing.T) (*miniredis.Miniredis, *redis.IdempotencyStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, redis.NewIdempotencyStore(client, "test:", time.Minute)
}

func TestIdempotencyStore_ReserveRelease(t *testing.T) {
	ctx := context.Background()
	mr, store := setup(t)
	id := uuid.New()

	ok, err := store.Reserve(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("test:"+id.String()))
	assert.Equal(t, time.Minute, mr.TTL("test:"+id.String()))

	ok, err = store.Reserve(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Release(ctx, id))
	assert.False(t, mr.Exists("test:"+id.String()))

	ok, err = store.Reserve(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIdempotencyStore_ReservationExpires(t *testing.T) {
	ctx := context.Background()
	mr, store := setup(t)
	id := uuid.New()

	ok, err := store.Reserve(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)

	ok, err = store.Reserve(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIdempotencyStore_ServerDown(t *testing.T) {
	mr, store := setup(t)
	mr.Close()

	_, err := store.Reserve(context.Background(), uuid.New())
	assert.Error(t, err)
}

// 兩個引擎共用同一個 Redis，同一個 RequestID 只會提交一次
func TestIdempotencyStore_SharedAcrossEngines(t *testing.T) {
	ctx := context.Background()
	_, store := setup(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	accounts := memory.NewAccountStore(nil)
	log, err := memory.NewTransactionLog(nil)
	require.NoError(t, err)
	acc, err := usecase.NewEngine(accounts, log, usecase.WithLogger(logger)).
		OpenAccount(ctx, "alice", 0, domain.Policy{})
	require.NoError(t, err)

	engines := []*usecase.Engine{
		usecase.NewEngine(accounts, log, usecase.WithLogger(logger), usecase.WithIdempotency(store)),
		usecase.NewEngine(accounts, log, usecase.WithLogger(logger), usecase.WithIdempotency(store)),
	}

	id := uuid.New()
	var committed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(engine *usecase.Engine) {
			defer wg.Done()
			if _, err := engine.Deposit(ctx, id, acc.ID, 100); err == nil {
				committed.Add(1)
			} else {
				assert.ErrorIs(t, err, domain.ErrVersionConflict)
			}
		}(engines[i%2])
	}
	wg.Wait()

	got, err := engines[0].Account(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.Balance)
	assert.GreaterOrEqual(t, committed.Load(), int64(1))
	assert.Equal(t, 1, log.Len())
}
