package domain

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// OperationKind 交易類型
type OperationKind string

const (
	// 存款
	OperationDeposit OperationKind = "deposit"
	// 提款
	OperationWithdraw OperationKind = "withdraw"
	// 轉帳
	OperationTransfer OperationKind = "transfer"
	// 開戶金額，只出現在歷史明細，不是可提交的交易
	OperationOpening OperationKind = "initial_deposit"
)

func (k OperationKind) Valid() bool {
	switch k {
	case OperationDeposit, OperationWithdraw, OperationTransfer:
		return true
	}
	return false
}

// RecordStatus 交易紀錄結果
type RecordStatus string

const (
	RecordCommitted RecordStatus = "committed"
	RecordRejected  RecordStatus = "rejected"
)

// Operation 交易請求
type Operation struct {
	// RequestID: 外部追蹤號 (UUID)，非 Nil 時保證同一請求只套用一次
	RequestID uuid.UUID
	Kind      OperationKind
	// Source: 扣款帳戶 (存款為空)
	Source string
	// Destination: 入帳帳戶 (提款為空)
	Destination string
	Amount      int64
}

// Validate 檢查請求本身是否合法 (不檢查帳戶是否存在)
func (o Operation) Validate() error {
	if o.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidArgument, o.Amount)
	}
	switch o.Kind {
	case OperationDeposit:
		if o.Destination == "" || o.Source != "" {
			return fmt.Errorf("%w: deposit requires a destination only", ErrInvalidArgument)
		}
	case OperationWithdraw:
		if o.Source == "" || o.Destination != "" {
			return fmt.Errorf("%w: withdraw requires a source only", ErrInvalidArgument)
		}
	case OperationTransfer:
		if o.Source == "" || o.Destination == "" {
			return fmt.Errorf("%w: transfer requires source and destination", ErrInvalidArgument)
		}
		if o.Source == o.Destination {
			return fmt.Errorf("%w: cannot transfer to the same account", ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("%w: unknown operation kind %q", ErrInvalidArgument, o.Kind)
	}
	return nil
}

// Leg 單一帳戶的餘額異動
type Leg struct {
	AccountID string
	Delta     int64
}

// Legs 回傳要套用的異動，轉帳為先扣款後入帳 (double-entry，總和為 0)
func (o Operation) Legs() []Leg {
	switch o.Kind {
	case OperationDeposit:
		return []Leg{{AccountID: o.Destination, Delta: o.Amount}}
	case OperationWithdraw:
		return []Leg{{AccountID: o.Source, Delta: -o.Amount}}
	case OperationTransfer:
		return []Leg{
			{AccountID: o.Source, Delta: -o.Amount},
			{AccountID: o.Destination, Delta: o.Amount},
		}
	}
	return nil
}

// LockIDs 回傳需要鎖定的帳號 ID，並確保遞增順序以避免死鎖
func (o Operation) LockIDs() []string {
	ids := make([]string, 0, 2)
	if o.Source != "" {
		ids = append(ids, o.Source)
	}
	if o.Destination != "" && o.Destination != o.Source {
		ids = append(ids, o.Destination)
	}
	slices.Sort(ids)
	return ids
}

// BalanceAfter 交易提交後帳戶的餘額與版本
type BalanceAfter struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
	Version   uint64 `json:"version"`
}

// TransactionRecord 交易紀錄，寫入後不可變
type TransactionRecord struct {
	// Sequence: 全局唯一的順序號 (由 TransactionLog 分配，1, 2, 3...)
	Sequence    uint64        `json:"sequence"`
	RequestID   uuid.UUID     `json:"request_id"`
	Timestamp   time.Time     `json:"timestamp"`
	Kind        OperationKind `json:"kind"`
	Source      string        `json:"source,omitempty"`
	Destination string        `json:"destination,omitempty"`
	Amount      int64         `json:"amount"`
	// Balances: 所有被異動帳戶的結果餘額 (只有 committed 有值)
	Balances []BalanceAfter `json:"balances,omitempty"`
	Status   RecordStatus   `json:"status"`
	Reason   string         `json:"reason,omitempty"`
}

// NewRecord 由請求建立一筆尚未分配序號的紀錄
func NewRecord(op Operation, at time.Time) TransactionRecord {
	return TransactionRecord{
		RequestID:   op.RequestID,
		Timestamp:   at,
		Kind:        op.Kind,
		Source:      op.Source,
		Destination: op.Destination,
		Amount:      op.Amount,
	}
}

// Operation 還原成交易請求 (重放時使用)
func (r TransactionRecord) Operation() Operation {
	return Operation{
		RequestID:   r.RequestID,
		Kind:        r.Kind,
		Source:      r.Source,
		Destination: r.Destination,
		Amount:      r.Amount,
	}
}

// Touches 紀錄是否涉及指定帳戶
func (r TransactionRecord) Touches(accountID string) bool {
	return accountID != "" && (r.Source == accountID || r.Destination == accountID)
}

// BalanceOf 回傳紀錄中指定帳戶的結果餘額
func (r TransactionRecord) BalanceOf(accountID string) (BalanceAfter, bool) {
	for _, b := range r.Balances {
		if b.AccountID == accountID {
			return b, true
		}
	}
	return BalanceAfter{}, false
}

// OpeningRecord 由帳戶的開戶金額組成的明細 (序號 0，不在 TransactionLog 內)
func OpeningRecord(account Account) TransactionRecord {
	return TransactionRecord{
		Timestamp:   account.CreatedAt,
		Kind:        OperationOpening,
		Destination: account.ID,
		Amount:      account.OpeningBalance,
		Balances: []BalanceAfter{
			{AccountID: account.ID, Balance: account.OpeningBalance},
		},
		Status: RecordCommitted,
	}
}

// Perspective 從單一帳戶角度描述這筆紀錄
// 轉帳依方向回傳 transfer_sent / transfer_received
func Perspective(r TransactionRecord, accountID string) string {
	if r.Kind != OperationTransfer {
		return string(r.Kind)
	}
	if r.Source == accountID {
		return "transfer_sent"
	}
	return "transfer_received"
}
