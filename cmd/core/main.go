package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/JoeShih716/go-bank-ledger/internal/app"
)

func main() {
	// 1. 載入設定
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := app.NewLogger(cfg)
	slog.SetDefault(logger)

	// 2. 組裝帳本 (持久層 -> 還原 -> 引擎 -> Checkpointer)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open ledger", slog.Any("error", err))
		os.Exit(1)
	}

	// SIGHUP: 立即寫一次快照
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	// 3. Wait for interrupt
loop:
	for {
		select {
		case <-hup:
			if err := rt.Checkpointer.Trigger(ctx); err != nil {
				logger.Error("checkpoint failed", slog.Any("error", err))
			} else {
				logger.Info("checkpoint saved")
			}
		case <-ctx.Done():
			break loop
		}
	}

	logger.Info("shutting down ledger...")
	if err := rt.Close(); err != nil {
		logger.Error("failed to close ledger", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("ledger exited")
}
