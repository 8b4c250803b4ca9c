package usecase

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/JoeShih716/go-bank-ledger/internal/app/core/domain"
)

// OpenAccountRequest 開戶請求
type OpenAccountRequest struct {
	Owner          string `validate:"required"`
	OpeningBalance int64
	// OverdraftLimit 允許透支的額度 (0 表示不可透支)
	OverdraftLimit int64
}

// DepositRequest 存款請求，RequestID 可省略
type DepositRequest struct {
	RequestID uuid.UUID
	AccountID string `validate:"required"`
	Amount    int64
}

// WithdrawRequest 提款請求
type WithdrawRequest struct {
	RequestID uuid.UUID
	AccountID string `validate:"required"`
	Amount    int64
}

// TransferRequest 轉帳請求
type TransferRequest struct {
	RequestID     uuid.UUID
	SourceID      string `validate:"required"`
	DestinationID string `validate:"required"`
	Amount        int64
}

// Facade 是帳本對外的入口 (CLI / session 層呼叫)
// 只檢查必要欄位是否存在，其餘交給 Engine
type Facade struct {
	engine   *Engine
	validate *validator.Validate
}

func NewFacade(engine *Engine) *Facade {
	return &Facade{
		engine:   engine,
		validate: validator.New(),
	}
}

// OpenAccount 開戶
func (f *Facade) OpenAccount(ctx context.Context, req OpenAccountRequest) (domain.Account, error) {
	if err := f.check(req); err != nil {
		return domain.Account{}, err
	}
	return f.engine.OpenAccount(ctx, req.Owner, req.OpeningBalance, domain.Policy{OverdraftLimit: req.OverdraftLimit})
}

// BalanceOf 取得帳戶餘額
func (f *Facade) BalanceOf(ctx context.Context, accountID string) (int64, error) {
	acct, err := f.Account(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// Account 取得帳戶
func (f *Facade) Account(ctx context.Context, accountID string) (domain.Account, error) {
	if err := f.checkID("account_id", accountID); err != nil {
		return domain.Account{}, err
	}
	return f.engine.Account(ctx, accountID)
}

// HistoryOf 帳戶的交易明細 (可重複走訪)
// 第一筆為開戶金額 (序號 0)，之後依遞增序號列出 TransactionLog 的紀錄
func (f *Facade) HistoryOf(ctx context.Context, accountID string) (iter.Seq[domain.TransactionRecord], error) {
	acct, err := f.Account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	opening := domain.OpeningRecord(acct)
	records := f.engine.History(accountID)
	return func(yield func(domain.TransactionRecord) bool) {
		if !yield(opening) {
			return
		}
		for rec := range records {
			if !yield(rec) {
				return
			}
		}
	}, nil
}

// Deposit 存款
func (f *Facade) Deposit(ctx context.Context, req DepositRequest) (domain.TransactionRecord, error) {
	if err := f.check(req); err != nil {
		return domain.TransactionRecord{}, err
	}
	return f.engine.Deposit(ctx, req.RequestID, req.AccountID, req.Amount)
}

// Withdraw 提款
func (f *Facade) Withdraw(ctx context.Context, req WithdrawRequest) (domain.TransactionRecord, error) {
	if err := f.check(req); err != nil {
		return domain.TransactionRecord{}, err
	}
	return f.engine.Withdraw(ctx, req.RequestID, req.AccountID, req.Amount)
}

// Transfer 轉帳
func (f *Facade) Transfer(ctx context.Context, req TransferRequest) (domain.TransactionRecord, error) {
	if err := f.check(req); err != nil {
		return domain.TransactionRecord{}, err
	}
	return f.engine.Transfer(ctx, req.RequestID, req.SourceID, req.DestinationID, req.Amount)
}

// CloseAccount 關閉帳戶
func (f *Facade) CloseAccount(ctx context.Context, accountID string) (domain.Account, error) {
	if err := f.checkID("account_id", accountID); err != nil {
		return domain.Account{}, err
	}
	return f.engine.CloseAccount(ctx, accountID)
}

func (f *Facade) FreezeAccount(ctx context.Context, accountID string) (domain.Account, error) {
	if err := f.checkID("account_id", accountID); err != nil {
		return domain.Account{}, err
	}
	return f.engine.FreezeAccount(ctx, accountID)
}

func (f *Facade) UnfreezeAccount(ctx context.Context, accountID string) (domain.Account, error) {
	if err := f.checkID("account_id", accountID); err != nil {
		return domain.Account{}, err
	}
	return f.engine.UnfreezeAccount(ctx, accountID)
}

func (f *Facade) check(req any) error {
	return invalidArgument(f.validate.Struct(req))
}

func (f *Facade) checkID(field, value string) error {
	if err := f.validate.Var(value, "required"); err != nil {
		return fmt.Errorf("%w: %s is required", domain.ErrInvalidArgument, field)
	}
	return nil
}

// invalidArgument 把 validator 的錯誤轉成 ErrInvalidArgument
func invalidArgument(err error) error {
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	missing := make([]string, 0, len(fieldErrs))
	for _, fieldErr := range fieldErrs {
		missing = append(missing, fieldErr.Field())
	}
	return fmt.Errorf("%w: missing %s", domain.ErrInvalidArgument, strings.Join(missing, ", "))
}
