package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrCheckpointerStopped Checkpointer 已結束，不再接受觸發
var ErrCheckpointerStopped = errors.New("checkpointer stopped")

// SnapshotSaver 快照寫入端 (Persistence 的子集)
type SnapshotSaver interface {
	Save(ctx context.Context, snapshot Snapshot) error
}

// checkpointRequest 手動觸發的請求，Result 讓 Trigger 可以等待結果
type checkpointRequest struct {
	Result chan error
}

// Checkpointer 背景定期把帳戶快照寫入持久層
//
// Run Loop:
//
//	ticker / Trigger -> Engine.Snapshot -> Persistence.Save
//	ctx.Done -> 處理剩下的 Trigger -> 最後一次 Save -> 結束
type Checkpointer struct {
	engine   *Engine
	saver    SnapshotSaver
	interval time.Duration
	logger   *slog.Logger
	metrics  *Metrics
	// 輸送帶 負責接收手動觸發
	requests chan *checkpointRequest
	done     chan struct{}
}

// NewCheckpointer 建立一個新的 Checkpointer 實例
//
// 參數:
//
//	engine: 提供一致快照的交易引擎
//	saver: 快照寫入端
//	interval: 定期寫入間隔，<= 0 表示只在 Trigger 與結束時寫入
//	logger: logger (nil 使用 slog.Default)
//	metrics: 指標 (可為 nil)
func NewCheckpointer(engine *Engine, saver SnapshotSaver, interval time.Duration, logger *slog.Logger, metrics *Metrics) *Checkpointer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checkpointer{
		engine:   engine,
		saver:    saver,
		interval: interval,
		logger:   logger,
		metrics:  metrics,
		requests: make(chan *checkpointRequest, 16),
		done:     make(chan struct{}),
	}
}

// Start 啟動背景 loop (非同步)，ctx 取消後會做最後一次寫入
func (c *Checkpointer) Start(ctx context.Context) {
	go c.run(ctx)
}

// Done 在最後一次寫入完成後關閉
func (c *Checkpointer) Done() <-chan struct{} {
	return c.done
}

func (c *Checkpointer) run(ctx context.Context) {
	defer close(c.done)

	var tick <-chan time.Time
	if c.interval > 0 {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			// 收到關閉信號，把剩下的請求處理完
			final := context.WithoutCancel(ctx)
			c.drain(final)
			if err := c.Checkpoint(final); err != nil {
				c.logger.Error("final checkpoint failed", slog.Any("error", err))
			}
			return
		case <-tick:
			if err := c.Checkpoint(ctx); err != nil {
				c.logger.Error("periodic checkpoint failed", slog.Any("error", err))
			}
		case req := <-c.requests:
			req.Result <- c.Checkpoint(ctx)
		}
	}
}

func (c *Checkpointer) drain(ctx context.Context) {
	for {
		select {
		case req := <-c.requests:
			req.Result <- c.Checkpoint(ctx)
		default:
			return
		}
	}
}

// Trigger 要求立即寫入一次並等待結果
func (c *Checkpointer) Trigger(ctx context.Context) error {
	req := &checkpointRequest{Result: make(chan error, 1)}
	select {
	case c.requests <- req:
	case <-c.done:
		return ErrCheckpointerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.Result:
		return err
	case <-c.done:
		select {
		case err := <-req.Result:
			return err
		default:
			return ErrCheckpointerStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Checkpoint 同步寫入一次快照
func (c *Checkpointer) Checkpoint(ctx context.Context) error {
	snap, err := c.engine.Snapshot(ctx)
	if err == nil {
		err = c.saver.Save(ctx, snap)
	}
	c.metrics.checkpoint(err)
	if err != nil {
		return err
	}
	c.logger.Debug("checkpoint saved",
		slog.Int("accounts", len(snap.Accounts)),
		slog.Uint64("last_sequence", snap.LastSequence))
	return nil
}
