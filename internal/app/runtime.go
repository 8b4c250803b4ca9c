package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	file_adapter "github.com/JoeShih716/go-bank-ledger/internal/app/core/adapter/out/file"
	memory_adapter "github.com/JoeShih716/go-bank-ledger/internal/app/core/adapter/out/memory"
	mysql_adapter "github.com/JoeShih716/go-bank-ledger/internal/app/core/adapter/out/mysql"
	redis_adapter "github.com/JoeShih716/go-bank-ledger/internal/app/core/adapter/out/redis"
	"github.com/JoeShih716/go-bank-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-bank-ledger/pkg/mysql"
	"github.com/JoeShih716/go-bank-ledger/pkg/redis"
)

// Runtime 組裝完成的帳本
type Runtime struct {
	Facade       *usecase.Facade
	Engine       *usecase.Engine
	Checkpointer *usecase.Checkpointer

	persistence usecase.Persistence
	dbClient    *mysql.Client
	redisClient *goredis.Client
	logger      *slog.Logger
	cancel      context.CancelFunc
}

// RuntimeOption 設定 Runtime 的可選參數
type RuntimeOption func(*runtimeOptions)

type runtimeOptions struct {
	registerer prometheus.Registerer
}

// WithRegisterer 指定指標註冊處 (預設 prometheus.DefaultRegisterer)
func WithRegisterer(registerer prometheus.Registerer) RuntimeOption {
	return func(o *runtimeOptions) {
		o.registerer = registerer
	}
}

// Open 依設定組裝帳本
// 流程:
//  1. 建立持久層 (file 或 mysql) 並還原狀態
//  2. 建立 AccountStore 與 TransactionLog
//  3. 建立引擎 (Redis 有設定時使用 Redis 佔用表)
//  4. 啟動 Checkpointer
func Open(ctx context.Context, cfg *Config, logger *slog.Logger, opts ...RuntimeOption) (_ *Runtime, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o runtimeOptions
	for _, opt := range opts {
		opt(&o)
	}

	rt := &Runtime{logger: logger}
	defer func() {
		if err != nil {
			rt.closeResources()
		}
	}()

	// 1. 持久層
	switch cfg.Storage.Backend {
	case BackendFile:
		p, err := file_adapter.Open(cfg.Storage.DataDir, logger)
		if err != nil {
			return nil, err
		}
		rt.persistence = p
	case BackendMySQL:
		client, err := mysql.NewClient(ctx, cfg.MySQL, logger)
		if err != nil {
			return nil, err
		}
		rt.dbClient = client
		logger.Info("connected to mysql", slog.String("host", cfg.MySQL.Host), slog.String("db", cfg.MySQL.DBName))
		p, err := mysql_adapter.NewPersistence(ctx, client.DB(), logger)
		if err != nil {
			return nil, err
		}
		rt.persistence = p
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	state, err := rt.persistence.Load(ctx)
	if err != nil {
		return nil, err
	}

	// 2. 記憶體狀態
	store := memory_adapter.NewAccountStore(state.Accounts, memory_adapter.WithLockTimeout(cfg.Engine.LockTimeout))
	log, err := memory_adapter.NewTransactionLog(state.Records, memory_adapter.WithJournal(rt.persistence))
	if err != nil {
		return nil, err
	}

	// 3. 引擎
	metrics := usecase.NewMetrics(o.registerer)
	engineOpts := []usecase.EngineOption{
		usecase.WithLogger(logger),
		usecase.WithMetrics(metrics),
		usecase.WithAccountJournal(rt.persistence),
		usecase.WithMaxRetries(cfg.Engine.MaxRetries),
	}
	if cfg.Redis.Enabled() {
		client, err := redis.NewClient(ctx, cfg.Redis.Config)
		if err != nil {
			return nil, err
		}
		rt.redisClient = client
		engineOpts = append(engineOpts, usecase.WithIdempotency(
			redis_adapter.NewIdempotencyStore(client, cfg.Redis.KeyPrefix, cfg.Redis.TTL)))
	}
	rt.Engine = usecase.NewEngine(store, log, engineOpts...)
	rt.Facade = usecase.NewFacade(rt.Engine)

	// 4. Checkpointer 的生命週期與 Runtime 相同，不跟隨 Open 的 ctx
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rt.cancel = cancel
	rt.Checkpointer = usecase.NewCheckpointer(rt.Engine, rt.persistence, cfg.CheckpointInterval, logger, metrics)
	rt.Checkpointer.Start(loopCtx)

	logger.Info("ledger ready",
		slog.String("backend", cfg.Storage.Backend),
		slog.Int("accounts", store.Len()),
		slog.Uint64("last_sequence", log.LastSequence()),
		slog.Bool("redis_idempotency", rt.redisClient != nil))
	return rt, nil
}

// Close 停止 Checkpointer (會做最後一次快照) 並關閉所有連線
func (rt *Runtime) Close() error {
	if rt.cancel != nil {
		rt.cancel()
		<-rt.Checkpointer.Done()
	}
	return rt.closeResources()
}

func (rt *Runtime) closeResources() error {
	var errs []error
	if rt.persistence != nil {
		errs = append(errs, rt.persistence.Close())
	}
	if rt.redisClient != nil {
		errs = append(errs, rt.redisClient.Close())
	}
	if rt.dbClient != nil {
		errs = append(errs, rt.dbClient.Close())
	}
	return errors.Join(errs...)
}
