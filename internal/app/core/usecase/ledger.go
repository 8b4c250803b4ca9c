package usecase

import (
	"context"
	"iter"
	"time"

	"github.com/google/uuid"

	"github.com/JoeShih716/go-bank-ledger/internal/app/core/domain"
)

// CommitFunc 在變更對外可見前呼叫 (通常是寫入 Journal)，回傳錯誤時變更會被放棄
type CommitFunc func(ctx context.Context, account domain.Account) error

// AccountStore 帳戶資料的唯一持有者，負責餘額不變量
type AccountStore interface {
	// Create 建立帳戶，commit 成功後才對外可見
	Create(ctx context.Context, owner string, openingBalance int64, policy domain.Policy, commit CommitFunc) (domain.Account, error)
	// Get 取得帳戶快照
	Get(ctx context.Context, accountID string) (domain.Account, error)
	// ApplyDelta 單一帳戶的餘額異動 (樂觀鎖檢查 expectedVersion)
	ApplyDelta(ctx context.Context, accountID string, delta int64, expectedVersion uint64) (domain.Account, error)
	// SetStatus 單一帳戶的狀態變更
	SetStatus(ctx context.Context, accountID string, status domain.AccountStatus, commit CommitFunc) (domain.Account, error)
	// Lock 依遞增順序取得多個帳戶的獨佔存取權 (有等待上限)
	Lock(ctx context.Context, accountIDs ...string) (Guard, error)
	// Snapshot 在所有帳戶都鎖定的情況下呼叫 fn，取得一致的帳戶狀態
	Snapshot(ctx context.Context, fn func(accounts []domain.Account)) error
}

// Guard 持有一組帳戶的獨佔存取權
// 所有路徑 (成功、驗證失敗、回滾) 都必須呼叫 Release
type Guard interface {
	Get(accountID string) (domain.Account, error)
	ApplyDelta(accountID string, delta int64, expectedVersion uint64) (domain.Account, error)
	SetStatus(accountID string, status domain.AccountStatus) (domain.Account, error)
	// Rollback 以反向順序沖正此 Guard 內所有已套用的異動，回傳沖正的筆數
	Rollback() int
	Release()
}

// TransactionLog 只能追加的交易紀錄
type TransactionLog interface {
	// Append 分配下一個序號並寫入 (經過 Journal)，回傳序號
	Append(ctx context.Context, record domain.TransactionRecord) (uint64, error)
	// ListFor 指定帳戶的紀錄 (遞增序號，可重複走訪)
	ListFor(accountID string) iter.Seq[domain.TransactionRecord]
	// All 全部紀錄 (提交順序)
	All() iter.Seq[domain.TransactionRecord]
	// ByRequestID 依外部追蹤號查詢已提交的紀錄
	ByRequestID(requestID uuid.UUID) (domain.TransactionRecord, bool)
	LastSequence() uint64
	Len() int
}

// Journal 持久化寫入路徑，每次提交前同步寫入
type Journal interface {
	AppendAccount(ctx context.Context, entryType domain.JournalEntryType, account domain.Account) error
	AppendTransaction(ctx context.Context, record domain.TransactionRecord) error
}

// Snapshot 帳戶狀態快照 (由 Checkpointer 定期寫入)
type Snapshot struct {
	Accounts []domain.Account
	// LastSequence 快照當下已反映的最後交易序號
	LastSequence uint64
	TakenAt      time.Time
}

// State 從持久層還原的帳本
type State struct {
	Accounts []domain.Account
	Records  []domain.TransactionRecord
}

// Persistence 持久層
type Persistence interface {
	Journal
	Save(ctx context.Context, snapshot Snapshot) error
	Load(ctx context.Context) (State, error)
	Close() error
}

// IdempotencyStore 記錄處理中的外部追蹤號，避免同一請求被並行套用兩次
type IdempotencyStore interface {
	// Reserve 佔用 key，已被佔用回傳 false
	Reserve(ctx context.Context, requestID uuid.UUID) (bool, error)
	// Release 釋放 key (交易未提交時呼叫，讓呼叫端可以重試)
	Release(ctx context.Context, requestID uuid.UUID) error
}
