package usecase

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JoeShih716/go-bank-ledger/internal/app/core/domain"
)

// DefaultMaxRetries 鎖等待逾時後的預設重試次數
const DefaultMaxRetries = 3

// Engine 交易引擎
// 把一筆交易請求轉成 AccountStore 的異動加上恰好一筆 TransactionLog 紀錄
//
// 流程:
//
//	Requested -> Validating -> Lock -> Applying -> 扣款/入帳 -> Log.Append -> Committed
//	                                            \-> 失敗時 Rollback -> Rejected
type Engine struct {
	store       AccountStore
	log         TransactionLog
	journal     Journal
	idempotency IdempotencyStore
	logger      *slog.Logger
	metrics     *Metrics
	now         func() time.Time
	maxRetries  int
	backoff     time.Duration
	// fenced: 提交結果不明 (持久層回報失敗，但紀錄可能已落盤) 的帳戶
	// 記憶體狀態可能與日誌不一致，重新 Load 之前拒絕再異動
	fenced sync.Map
}

// EngineOption 定義了 Engine 的配置選項函數
type EngineOption func(*Engine)

// WithLogger 設定 logger
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics 設定指標
func WithMetrics(metrics *Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// WithAccountJournal 設定帳戶事件 (開戶、狀態變更) 的寫入路徑
func WithAccountJournal(journal Journal) EngineOption {
	return func(e *Engine) {
		e.journal = journal
	}
}

// WithIdempotency 設定處理中請求表 (例如跨程序共用的 Redis)
func WithIdempotency(store IdempotencyStore) EngineOption {
	return func(e *Engine) {
		if store != nil {
			e.idempotency = store
		}
	}
}

// WithClock 設定時間來源
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithMaxRetries 設定重試上限 (0 表示不重試)
func WithMaxRetries(n int) EngineOption {
	return func(e *Engine) {
		if n >= 0 {
			e.maxRetries = n
		}
	}
}

// NewEngine 建立一個新的 Engine 實例
//
// 參數:
//
//	store: 帳戶儲存
//	log: 交易紀錄 (自行負責交易的持久化寫入)
//	opts: 配置選項
//
// 回傳:
//
//	*Engine: Engine 實例
func NewEngine(store AccountStore, log TransactionLog, opts ...EngineOption) *Engine {
	e := &Engine{
		store:       store,
		log:         log,
		idempotency: newLocalIdempotency(),
		logger:      slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
		maxRetries:  DefaultMaxRetries,
		backoff:     time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Deposit 存款
func (e *Engine) Deposit(ctx context.Context, requestID uuid.UUID, accountID string, amount int64) (domain.TransactionRecord, error) {
	return e.PostTransaction(ctx, domain.Operation{
		RequestID:   requestID,
		Kind:        domain.OperationDeposit,
		Destination: accountID,
		Amount:      amount,
	})
}

// Withdraw 提款，餘額不足回傳 ErrInsufficientFunds 並留下 rejected 紀錄
func (e *Engine) Withdraw(ctx context.Context, requestID uuid.UUID, accountID string, amount int64) (domain.TransactionRecord, error) {
	return e.PostTransaction(ctx, domain.Operation{
		RequestID: requestID,
		Kind:      domain.OperationWithdraw,
		Source:    accountID,
		Amount:    amount,
	})
}

// Transfer 轉帳
func (e *Engine) Transfer(ctx context.Context, requestID uuid.UUID, sourceID, destinationID string, amount int64) (domain.TransactionRecord, error) {
	return e.PostTransaction(ctx, domain.Operation{
		RequestID:   requestID,
		Kind:        domain.OperationTransfer,
		Source:      sourceID,
		Destination: destinationID,
		Amount:      amount,
	})
}

// PostTransaction 處理交易請求
//
// 參數:
//
//	ctx: 上下文 (取得帳戶鎖之前可取消)
//	op: 交易請求
//
// 回傳:
//
//	domain.TransactionRecord: committed 或 rejected 紀錄 (衝突、取消、持久化失敗時為零值)
//	error: 業務錯誤、ErrVersionConflict、ErrPersistenceFailure 或 ctx.Err()
func (e *Engine) PostTransaction(ctx context.Context, op domain.Operation) (rec domain.TransactionRecord, err error) {
	t := e.metrics.track(string(op.Kind))
	duplicate := false
	defer func() {
		if duplicate {
			t.end(outcomeDuplicate)
			return
		}
		t.end(outcomeOf(err))
	}()

	if op.RequestID == uuid.Nil {
		return e.execute(ctx, op)
	}

	// 0. Idempotency Check
	if prev, ok := e.log.ByRequestID(op.RequestID); ok {
		duplicate = true
		return prev, nil
	}
	reserved, err := e.idempotency.Reserve(ctx, op.RequestID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.TransactionRecord{}, ctxErr
		}
		return domain.TransactionRecord{}, fmt.Errorf("%w: reserve request %s: %w", domain.ErrPersistenceFailure, op.RequestID, err)
	}
	if !reserved {
		return domain.TransactionRecord{}, fmt.Errorf("%w: request %s already in flight", domain.ErrVersionConflict, op.RequestID)
	}
	defer func() {
		if err := e.idempotency.Release(context.WithoutCancel(ctx), op.RequestID); err != nil {
			e.logger.Warn("release request reservation", slog.String("request_id", op.RequestID.String()), slog.Any("error", err))
		}
	}()
	// 佔用後再查一次，前一個持有者可能剛提交
	if prev, ok := e.log.ByRequestID(op.RequestID); ok {
		duplicate = true
		return prev, nil
	}
	return e.execute(ctx, op)
}

func (e *Engine) execute(ctx context.Context, op domain.Operation) (domain.TransactionRecord, error) {
	state := domain.StateRequested
	e.advance(&state, domain.StateValidating)

	if err := op.Validate(); err != nil {
		return e.reject(ctx, op, &state, err)
	}

	for attempt := 0; ; attempt++ {
		rec, retry, err := e.attempt(ctx, op, &state)
		if !retry {
			return rec, err
		}
		e.metrics.versionConflict()
		if attempt >= e.maxRetries {
			return domain.TransactionRecord{}, err
		}
		select {
		case <-ctx.Done():
			return domain.TransactionRecord{}, ctx.Err()
		case <-time.After(e.backoff << attempt):
		}
	}
}

// attempt 執行一次上鎖與套用，retry 為 true 表示鎖等待逾時可以重試
func (e *Engine) attempt(ctx context.Context, op domain.Operation, state *domain.OperationState) (domain.TransactionRecord, bool, error) {
	// 1. 依遞增順序上鎖
	guard, err := e.store.Lock(ctx, op.LockIDs()...)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrVersionConflict):
			return domain.TransactionRecord{}, true, err
		case domain.IsRejection(err):
			rec, err := e.reject(ctx, op, state, err)
			return rec, false, err
		}
		return domain.TransactionRecord{}, false, err
	}
	defer guard.Release()

	// 2. 取得鎖後才進入 Applying，之後不再理會取消
	if err := ctx.Err(); err != nil {
		return domain.TransactionRecord{}, false, err
	}
	if err := e.checkFenced(op.LockIDs()...); err != nil {
		return domain.TransactionRecord{}, false, err
	}
	e.advance(state, domain.StateApplying)
	ctx = context.WithoutCancel(ctx)

	// 3. 先扣款後入帳，版本在鎖內讀取
	rec := domain.NewRecord(op, e.now())
	for _, leg := range op.Legs() {
		updated, err := e.applyLeg(guard, leg)
		if err != nil {
			rec, err := e.abort(ctx, op, state, guard, err)
			return rec, false, err
		}
		rec.Balances = append(rec.Balances, domain.BalanceAfter{
			AccountID: updated.ID,
			Balance:   updated.Balance,
			Version:   updated.Version,
		})
	}

	// 4. 寫入紀錄 (含 Journal)，失敗則沖正
	rec.Status = domain.RecordCommitted
	seq, err := e.log.Append(ctx, rec)
	if err != nil {
		e.rollback(op, state, guard, err)
		e.advance(state, domain.StateRejected)
		e.fence(err, op.LockIDs()...)
		e.logger.Error("commit not durable",
			slog.String("kind", string(op.Kind)),
			slog.Int64("amount", op.Amount),
			slog.Any("error", err))
		return domain.TransactionRecord{}, false, err
	}
	rec.Sequence = seq

	e.advance(state, domain.StateCommitted)
	e.logger.Debug("transaction committed",
		slog.Uint64("sequence", seq),
		slog.String("kind", string(op.Kind)),
		slog.Int64("amount", op.Amount))
	return rec, false, nil
}

func (e *Engine) applyLeg(guard Guard, leg domain.Leg) (domain.Account, error) {
	current, err := guard.Get(leg.AccountID)
	if err != nil {
		return domain.Account{}, err
	}
	return guard.ApplyDelta(leg.AccountID, leg.Delta, current.Version)
}

// abort 在 Applying 階段遇到業務錯誤: 沖正已套用的異動後寫入 rejected 紀錄
func (e *Engine) abort(ctx context.Context, op domain.Operation, state *domain.OperationState, guard Guard, cause error) (domain.TransactionRecord, error) {
	e.rollback(op, state, guard, cause)
	return e.reject(ctx, op, state, cause)
}

// rollback 沖正 guard 內的異動，有異動時狀態進入 RolledBack
func (e *Engine) rollback(op domain.Operation, state *domain.OperationState, guard Guard, cause error) {
	n := guard.Rollback()
	if n == 0 {
		return
	}
	e.advance(state, domain.StateRolledBack)
	e.metrics.rollback()
	e.logger.Warn("transaction rolled back",
		slog.String("kind", string(op.Kind)),
		slog.String("source", op.Source),
		slog.String("destination", op.Destination),
		slog.Int("legs", n),
		slog.Any("error", cause))
}

// reject 寫入 rejected 紀錄並回傳原始錯誤
func (e *Engine) reject(ctx context.Context, op domain.Operation, state *domain.OperationState, cause error) (domain.TransactionRecord, error) {
	e.advance(state, domain.StateRejected)

	rec := domain.NewRecord(op, e.now())
	rec.Status = domain.RecordRejected
	rec.Reason = cause.Error()

	seq, err := e.log.Append(context.WithoutCancel(ctx), rec)
	if err != nil {
		e.logger.Error("rejected record not durable", slog.Any("cause", cause), slog.Any("error", err))
		return domain.TransactionRecord{}, fmt.Errorf("%w (rejection not recorded: %w)", cause, err)
	}
	rec.Sequence = seq

	e.logger.Info("transaction rejected",
		slog.Uint64("sequence", seq),
		slog.String("kind", string(op.Kind)),
		slog.String("reason", rec.Reason))
	return rec, cause
}

func (e *Engine) advance(state *domain.OperationState, to domain.OperationState) {
	if err := state.Advance(to); err != nil {
		e.logger.Error("operation state", slog.Any("error", err))
	}
}

// OpenAccount 開戶，開戶事件寫入 Journal 後帳戶才可見
func (e *Engine) OpenAccount(ctx context.Context, owner string, openingBalance int64, policy domain.Policy) (domain.Account, error) {
	acct, err := e.store.Create(ctx, owner, openingBalance, policy, e.commitAccount(domain.JournalAccountOpened))
	if err != nil {
		return domain.Account{}, err
	}
	e.logger.Info("account opened", slog.String("account_id", acct.ID), slog.Int64("opening_balance", acct.OpeningBalance))
	return acct, nil
}

// CloseAccount 關閉帳戶 (餘額必須為 0)
func (e *Engine) CloseAccount(ctx context.Context, accountID string) (domain.Account, error) {
	return e.setStatus(ctx, accountID, domain.AccountStatusClosed)
}

// FreezeAccount 凍結帳戶，凍結期間拒絕所有餘額異動
func (e *Engine) FreezeAccount(ctx context.Context, accountID string) (domain.Account, error) {
	return e.setStatus(ctx, accountID, domain.AccountStatusFrozen)
}

func (e *Engine) UnfreezeAccount(ctx context.Context, accountID string) (domain.Account, error) {
	return e.setStatus(ctx, accountID, domain.AccountStatusActive)
}

func (e *Engine) setStatus(ctx context.Context, accountID string, status domain.AccountStatus) (domain.Account, error) {
	acct, err := e.store.SetStatus(ctx, accountID, status, e.commitAccount(domain.JournalAccountStatus))
	if err != nil {
		return domain.Account{}, err
	}
	e.logger.Info("account status changed", slog.String("account_id", acct.ID), slog.String("status", string(acct.Status)))
	return acct, nil
}

func (e *Engine) commitAccount(entryType domain.JournalEntryType) CommitFunc {
	if e.journal == nil {
		return nil
	}
	return func(ctx context.Context, account domain.Account) error {
		if entryType == domain.JournalAccountStatus {
			if err := e.checkFenced(account.ID); err != nil {
				return err
			}
		}
		if err := e.journal.AppendAccount(context.WithoutCancel(ctx), entryType, account); err != nil {
			err = fmt.Errorf("%w: %s %s: %w", domain.ErrPersistenceFailure, entryType, account.ID, err)
			// 開戶失敗的帳戶不會發布，不需要隔離
			if entryType == domain.JournalAccountStatus {
				e.fence(err, account.ID)
			}
			return err
		}
		return nil
	}
}

// fence 隔離帳戶，直到從日誌重新還原
func (e *Engine) fence(cause error, accountIDs ...string) {
	for _, id := range accountIDs {
		e.fenced.Store(id, cause)
	}
	e.logger.Error("accounts fenced until reload",
		slog.Any("accounts", accountIDs),
		slog.Any("error", cause))
}

func (e *Engine) checkFenced(accountIDs ...string) error {
	for _, id := range accountIDs {
		if cause, ok := e.fenced.Load(id); ok {
			return fmt.Errorf("%w: account %s fenced after unresolved commit (%v), reload required",
				domain.ErrPersistenceFailure, id, cause)
		}
	}
	return nil
}

// Fenced 回傳被隔離的帳戶 ID (遞增排序)
func (e *Engine) Fenced() []string {
	var ids []string
	e.fenced.Range(func(key, _ any) bool {
		ids = append(ids, key.(string))
		return true
	})
	slices.Sort(ids)
	return ids
}

// Account 取得帳戶
func (e *Engine) Account(ctx context.Context, accountID string) (domain.Account, error) {
	return e.store.Get(ctx, accountID)
}

// History 指定帳戶的交易紀錄
func (e *Engine) History(accountID string) iter.Seq[domain.TransactionRecord] {
	return e.log.ListFor(accountID)
}

// Snapshot 取得一致的帳戶狀態與對應的交易序號水位
func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := e.store.Snapshot(ctx, func(accounts []domain.Account) {
		snap.Accounts = accounts
		// 所有帳戶鎖都在手上，沒有進行中的提交
		snap.LastSequence = e.log.LastSequence()
	})
	if err != nil {
		return Snapshot{}, err
	}
	snap.TakenAt = e.now()
	return snap, nil
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return outcomeCommitted
	case errors.Is(err, domain.ErrPersistenceFailure):
		return outcomeFailed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return outcomeCancelled
	case errors.Is(err, domain.ErrVersionConflict):
		return outcomeConflict
	case domain.IsRejection(err):
		return outcomeRejected
	}
	return outcomeFailed
}

// localIdempotency 未設定 IdempotencyStore 時使用的程序內處理中請求表
type localIdempotency struct {
	inFlight sync.Map
}

func newLocalIdempotency() *localIdempotency {
	return &localIdempotency{}
}

func (l *localIdempotency) Reserve(_ context.Context, requestID uuid.UUID) (bool, error) {
	_, loaded := l.inFlight.LoadOrStore(requestID, struct{}{})
	return !loaded, nil
}

func (l *localIdempotency) Release(_ context.Context, requestID uuid.UUID) error {
	l.inFlight.Delete(requestID)
	return nil
}
