package domain

import (
	"fmt"
	"math"
	"time"
)

// AccountStatus 帳戶狀態
type AccountStatus string

const (
	// 正常
	AccountStatusActive AccountStatus = "active"
	// 凍結: 不可異動餘額，可解凍
	AccountStatusFrozen AccountStatus = "frozen"
	// 關閉: 終態，保留供稽核，不可再異動
	AccountStatusClosed AccountStatus = "closed"
)

// Valid 是否為已知狀態
func (s AccountStatus) Valid() bool {
	switch s {
	case AccountStatusActive, AccountStatusFrozen, AccountStatusClosed:
		return true
	}
	return false
}

// Policy 帳戶政策，目前只有透支額度
type Policy struct {
	// OverdraftLimit 允許透支的額度 (最小貨幣單位)，0 表示不允許透支
	OverdraftLimit int64 `json:"overdraft_limit"`
}

// Floor 餘額下限
func (p Policy) Floor() int64 {
	return -p.OverdraftLimit
}

func (p Policy) Validate() error {
	if p.OverdraftLimit < 0 {
		return fmt.Errorf("%w: overdraft limit must not be negative, got %d", ErrInvalidArgument, p.OverdraftLimit)
	}
	return nil
}

// Account 帳戶
// 餘額一律以最小貨幣單位 (int64) 儲存，避免浮點誤差
type Account struct {
	ID             string        `json:"id"`
	Owner          string        `json:"owner"`
	Balance        int64         `json:"balance"`
	OpeningBalance int64         `json:"opening_balance"`
	Status         AccountStatus `json:"status"`
	Policy         Policy        `json:"policy"`
	// Version 每次成功異動 +1，用於樂觀鎖檢查
	Version   uint64    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// NewAccount 建立一個新帳戶 (初始狀態 active，版本 0)
//
// 參數:
//
//	id: 帳戶 ID
//	owner: 擁有者
//	openingBalance: 開戶金額，不可為負
//	policy: 帳戶政策
//	createdAt: 建立時間
//
// 回傳:
//
//	*Account: 帳戶
//	error: ErrInvalidArgument
func NewAccount(id string, owner string, openingBalance int64, policy Policy, createdAt time.Time) (*Account, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: account id is required", ErrInvalidArgument)
	}
	if owner == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidArgument)
	}
	if openingBalance < 0 {
		return nil, fmt.Errorf("%w: opening balance must not be negative, got %d", ErrInvalidArgument, openingBalance)
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Account{
		ID:             id,
		Owner:          owner,
		Balance:        openingBalance,
		OpeningBalance: openingBalance,
		Status:         AccountStatusActive,
		Policy:         policy,
		CreatedAt:      createdAt,
	}, nil
}

// ApplyDelta 異動餘額 (正數入帳，負數扣款)
// 只有 active 帳戶可以異動，結果不可低於透支下限
func (a *Account) ApplyDelta(delta int64) error {
	if delta == 0 {
		return fmt.Errorf("%w: delta must not be zero", ErrInvalidArgument)
	}
	if a.Status != AccountStatusActive {
		return fmt.Errorf("%w: account %s is %s", ErrInvalidTransition, a.ID, a.Status)
	}
	next, ok := addInt64(a.Balance, delta)
	if !ok {
		return fmt.Errorf("%w: balance overflow on account %s", ErrInvalidArgument, a.ID)
	}
	if next < a.Policy.Floor() {
		return fmt.Errorf("%w: account %s balance %d, delta %d, floor %d", ErrInsufficientFunds, a.ID, a.Balance, delta, a.Policy.Floor())
	}
	a.Balance = next
	a.Version++
	return nil
}

// Compensate 沖正一筆已成功的 ApplyDelta (等額反向)
// 餘額與版本都回到異動前，不檢查狀態與下限，沖正一定成功
func (a *Account) Compensate(delta int64) {
	a.Balance -= delta
	a.Version--
}

// Transition 變更帳戶狀態
// closed 為終態; 關閉前餘額必須歸零
func (a *Account) Transition(to AccountStatus) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, to)
	}
	if a.Status == AccountStatusClosed {
		return fmt.Errorf("%w: account %s is closed", ErrInvalidTransition, a.ID)
	}
	if a.Status == to {
		return fmt.Errorf("%w: account %s is already %s", ErrInvalidTransition, a.ID, to)
	}
	if to == AccountStatusClosed && a.Balance != 0 {
		return fmt.Errorf("%w: account %s balance must be zero to close, got %d", ErrInvalidTransition, a.ID, a.Balance)
	}
	a.Status = to
	a.Version++
	return nil
}

func addInt64(a, b int64) (int64, bool) {
	if b > 0 && a > math.MaxInt64-b {
		return 0, false
	}
	if b < 0 && a < math.MinInt64-b {
		return 0, false
	}
	return a + b, true
}
