package memory

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/google/uuid"

	"github.com/JoeShih716/go-bank-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-bank-ledger/internal/app/core/usecase"
)

// TransactionLog 只能追加的交易紀錄
//
// 結構:
//
//	records: 依序號排列的紀錄
//	byRequest: 已提交紀錄的外部追蹤號索引
//	journal: 寫入路徑，成功後紀錄才可見
//
// Append 由 mu 串行化，序號分配與寫入是同一個臨界區
type TransactionLog struct {
	mu        sync.RWMutex
	records   []domain.TransactionRecord
	byRequest map[uuid.UUID]int
	lastSeq   uint64
	journal   usecase.Journal
}

// LogOption 定義了 TransactionLog 的配置選項函數
type LogOption func(*TransactionLog)

// WithJournal 設定寫入路徑
func WithJournal(journal usecase.Journal) LogOption {
	return func(l *TransactionLog) {
		l.journal = journal
	}
}

// NewTransactionLog 建立一個新的 TransactionLog 實例
//
// 參數:
//
//	records: 從持久層還原的紀錄 (序號須遞增)
//	opts: 配置選項
//
// 回傳:
//
//	*TransactionLog: TransactionLog 實例
//	error: 紀錄序號不遞增
func NewTransactionLog(records []domain.TransactionRecord, opts ...LogOption) (*TransactionLog, error) {
	l := &TransactionLog{
		records:   make([]domain.TransactionRecord, 0, len(records)),
		byRequest: make(map[uuid.UUID]int),
	}
	for _, opt := range opts {
		opt(l)
	}
	for _, rec := range records {
		if rec.Sequence <= l.lastSeq {
			return nil, fmt.Errorf("%w: record sequence %d after %d", domain.ErrPersistenceFailure, rec.Sequence, l.lastSeq)
		}
		l.store(rec)
	}
	return l, nil
}

func (l *TransactionLog) store(rec domain.TransactionRecord) {
	l.records = append(l.records, rec)
	l.lastSeq = rec.Sequence
	if rec.Status == domain.RecordCommitted && rec.RequestID != uuid.Nil {
		l.byRequest[rec.RequestID] = len(l.records) - 1
	}
}

// Append 分配下一個序號並寫入
//
// 參數:
//
//	ctx: 上下文
//	record: 紀錄 (Sequence 會被覆寫)
//
// 回傳:
//
//	uint64: 分配的序號
//	error: ErrPersistenceFailure (寫入失敗時紀錄不會被保存，序號作廢)
func (l *TransactionLog) Append(ctx context.Context, record domain.TransactionRecord) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// 序號即使寫入失敗也不回收，確保序號不會對應兩筆不同紀錄
	l.lastSeq++
	record.Sequence = l.lastSeq

	if l.journal != nil {
		if err := l.journal.AppendTransaction(ctx, record); err != nil {
			return 0, fmt.Errorf("%w: append sequence %d: %w", domain.ErrPersistenceFailure, record.Sequence, err)
		}
	}

	l.store(record)
	return record.Sequence, nil
}

// ListFor 指定帳戶的紀錄 (遞增序號)
// 每次走訪都重新取得當下的紀錄，可重複走訪
func (l *TransactionLog) ListFor(accountID string) iter.Seq[domain.TransactionRecord] {
	return func(yield func(domain.TransactionRecord) bool) {
		for _, rec := range l.view() {
			if !rec.Touches(accountID) {
				continue
			}
			if !yield(rec) {
				return
			}
		}
	}
}

// All 全部紀錄 (提交順序)
func (l *TransactionLog) All() iter.Seq[domain.TransactionRecord] {
	return func(yield func(domain.TransactionRecord) bool) {
		for _, rec := range l.view() {
			if !yield(rec) {
				return
			}
		}
	}
}

// view 取得當下 slice 的唯讀視圖
// 紀錄只會追加，不會修改，因此 slice header 的副本可以在鎖外走訪
func (l *TransactionLog) view() []domain.TransactionRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.records[:len(l.records):len(l.records)]
}

func (l *TransactionLog) ByRequestID(requestID uuid.UUID) (domain.TransactionRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx, ok := l.byRequest[requestID]
	if !ok {
		return domain.TransactionRecord{}, false
	}
	return l.records[idx], true
}

func (l *TransactionLog) LastSequence() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastSeq
}

func (l *TransactionLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

var _ usecase.TransactionLog = (*TransactionLog)(nil)
