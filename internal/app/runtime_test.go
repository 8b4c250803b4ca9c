package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	file_adapter "github.com/JoeShih716/go-bank-ledger/internal/app/core/adapter/out/file"
	"github.com/JoeShih716/go-bank-ledger/internal/app/core/usecase"
)

func fileConfig(t *testing.T, dir string) *Config {
	t.Helper()
	cfg, err := LoadConfigFile(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	cfg.Storage.DataDir = dir
	return cfg
}

func openRuntime(t *testing.T, cfg *Config) *Runtime {
	t.Helper()
	rt, err := Open(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	return rt
}

func TestRuntime_FileBackendSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := fileConfig(t, dir)

	rt := openRuntime(t, cfg)
	acc, err := rt.Facade.OpenAccount(ctx, usecase.OpenAccountRequest{Owner: "alice", OpeningBalance: 500})
	require.NoError(t, err)
	requestID := uuid.New()
	_, err = rt.Facade.Deposit(ctx, usecase.DepositRequest{RequestID: requestID, AccountID: acc.ID, Amount: 250})
	require.NoError(t, err)
	require.NoError(t, rt.Close())

	// Close 會寫入最後一次快照
	_, err = os.Stat(filepath.Join(dir, file_adapter.SnapshotFileName))
	require.NoError(t, err)

	reopened := openRuntime(t, cfg)
	defer reopened.Close()

	balance, err := reopened.Facade.BalanceOf(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(750), balance)

	// 重啟後同一個 RequestID 仍然不會重複入帳
	_, err = reopened.Facade.Deposit(ctx, usecase.DepositRequest{RequestID: requestID, AccountID: acc.ID, Amount: 250})
	require.NoError(t, err)
	balance, err = reopened.Facade.BalanceOf(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(750), balance)
}

func TestRuntime_TriggerCheckpoint(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	rt := openRuntime(t, fileConfig(t, dir))
	defer rt.Close()

	_, err := rt.Facade.OpenAccount(ctx, usecase.OpenAccountRequest{Owner: "bob"})
	require.NoError(t, err)
	require.NoError(t, rt.Checkpointer.Trigger(ctx))

	_, err = os.Stat(filepath.Join(dir, file_adapter.SnapshotFileName))
	assert.NoError(t, err)
}

func TestRuntime_RedisIdempotency(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	cfg := fileConfig(t, t.TempDir())
	cfg.Redis.Addr = mr.Addr()
	cfg.Redis.KeyPrefix = "rt:"

	rt := openRuntime(t, cfg)
	defer rt.Close()

	acc, err := rt.Facade.OpenAccount(ctx, usecase.OpenAccountRequest{Owner: "carol"})
	require.NoError(t, err)

	// 其他程序正在處理同一個請求
	requestID := uuid.New()
	require.NoError(t, mr.Set("rt:"+requestID.String(), "1"))
	_, err = rt.Facade.Deposit(ctx, usecase.DepositRequest{RequestID: requestID, AccountID: acc.ID, Amount: 10})
	assert.Error(t, err)

	mr.Del("rt:" + requestID.String())
	_, err = rt.Facade.Deposit(ctx, usecase.DepositRequest{RequestID: requestID, AccountID: acc.ID, Amount: 10})
	require.NoError(t, err)
	assert.False(t, mr.Exists("rt:"+requestID.String()))
}

func TestRuntime_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := fileConfig(t, t.TempDir())
	cfg.Redis.Addr = addr
	_, err := Open(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithRegisterer(prometheus.NewRegistry()))
	assert.Error(t, err)
}
