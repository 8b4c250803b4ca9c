package usecase

import (
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"

	"github.com/JoeShih716/go-bank-ledger/internal/app/core/domain"
)

// Rebuild 依 Journal 順序重放，還原帳戶與交易紀錄
//
// 參數:
//
//	base: 起點快照，nil 表示從空帳本開始
//	entries: Journal 的全部項目 (寫入順序)
//
// 回傳:
//
//	State: 還原後的帳本 (帳戶依 ID 排序，紀錄依序號排序)
//	error: ErrPersistenceFailure (序號不遞增、參照不存在的帳戶、餘額與紀錄不符)
//
// 規則:
//
//	開戶事件: 帳戶不在 base 中才套用
//	狀態事件: 版本比目前新才套用
//	交易紀錄: 全部保留；序號大於 base 水位的 committed 紀錄才重算餘額
func Rebuild(base *Snapshot, entries []domain.JournalEntry) (State, error) {
	accounts := make(map[string]*domain.Account)
	var watermark uint64
	if base != nil {
		watermark = base.LastSequence
		for _, acct := range base.Accounts {
			a := acct
			accounts[a.ID] = &a
		}
	}

	var (
		records []domain.TransactionRecord
		lastSeq uint64
	)
	for i, entry := range entries {
		if err := entry.Validate(); err != nil {
			return State{}, fmt.Errorf("journal entry %d: %w", i+1, err)
		}
		switch entry.Type {
		case domain.JournalAccountOpened:
			if _, ok := accounts[entry.Account.ID]; !ok {
				a := *entry.Account
				accounts[a.ID] = &a
			}
		case domain.JournalAccountStatus:
			acct, ok := accounts[entry.Account.ID]
			if !ok {
				return State{}, fmt.Errorf("%w: journal entry %d: status change for unknown account %s",
					domain.ErrPersistenceFailure, i+1, entry.Account.ID)
			}
			if entry.Account.Version > acct.Version {
				acct.Status = entry.Account.Status
				acct.Version = entry.Account.Version
			}
		case domain.JournalTransaction:
			rec := *entry.Transaction
			if rec.Sequence <= lastSeq {
				return State{}, fmt.Errorf("%w: journal entry %d: sequence %d after %d",
					domain.ErrPersistenceFailure, i+1, rec.Sequence, lastSeq)
			}
			lastSeq = rec.Sequence
			records = append(records, rec)
			if rec.Sequence <= watermark || rec.Status != domain.RecordCommitted {
				continue
			}
			if err := replay(accounts, rec); err != nil {
				return State{}, fmt.Errorf("journal entry %d: %w", i+1, err)
			}
		}
	}

	state := State{
		Accounts: make([]domain.Account, 0, len(accounts)),
		Records:  records,
	}
	for _, acct := range accounts {
		state.Accounts = append(state.Accounts, *acct)
	}
	slices.SortFunc(state.Accounts, func(a, b domain.Account) int {
		return strings.Compare(a.ID, b.ID)
	})
	return state, nil
}

// replay 套用一筆已提交紀錄，並與紀錄中的結果餘額比對
// 不經過 Account.ApplyDelta: 提交當下已通過檢查，狀態與政策可能在之後改變
func replay(accounts map[string]*domain.Account, rec domain.TransactionRecord) error {
	for _, leg := range rec.Operation().Legs() {
		acct, ok := accounts[leg.AccountID]
		if !ok {
			return fmt.Errorf("%w: sequence %d references unknown account %s",
				domain.ErrPersistenceFailure, rec.Sequence, leg.AccountID)
		}
		if (leg.Delta > 0 && acct.Balance > math.MaxInt64-leg.Delta) ||
			(leg.Delta < 0 && acct.Balance < math.MinInt64-leg.Delta) {
			return fmt.Errorf("%w: sequence %d overflows account %s", domain.ErrPersistenceFailure, rec.Sequence, acct.ID)
		}
		acct.Balance += leg.Delta
		acct.Version++

		want, ok := rec.BalanceOf(acct.ID)
		if !ok {
			continue
		}
		if want.Balance != acct.Balance || want.Version != acct.Version {
			return fmt.Errorf("%w: sequence %d: account %s replayed to balance %d version %d, recorded %d version %d",
				domain.ErrPersistenceFailure, rec.Sequence, acct.ID, acct.Balance, acct.Version, want.Balance, want.Version)
		}
	}
	return nil
}

// Recover 以 Journal 從空帳本重放為準，並用「快照 + 後續項目」交叉比對
// 兩者不一致時記錄警告，仍以 Journal 為準
func Recover(logger *slog.Logger, snapshot *Snapshot, entries []domain.JournalEntry) (State, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// 1. Journal 為權威來源
	state, err := Rebuild(nil, entries)
	if err != nil {
		return State{}, err
	}
	if snapshot == nil {
		return state, nil
	}

	// 2. 快照只是快取，用來偵測漂移
	cached, err := Rebuild(snapshot, entries)
	if err != nil {
		logger.Warn("snapshot cannot be replayed, using journal", slog.Any("error", err))
		return state, nil
	}
	if diff := diffAccounts(state.Accounts, cached.Accounts); diff != "" {
		logger.Warn("snapshot disagrees with journal, using journal",
			slog.Uint64("snapshot_sequence", snapshot.LastSequence),
			slog.String("diff", diff))
	}
	return state, nil
}

// diffAccounts 比對兩組 (依 ID 排序的) 帳戶，回傳第一個差異的描述
func diffAccounts(want, got []domain.Account) string {
	if len(want) != len(got) {
		return fmt.Sprintf("account count %d != %d", len(want), len(got))
	}
	for i := range want {
		w, g := want[i], got[i]
		if w.ID != g.ID || w.Balance != g.Balance || w.Version != g.Version || w.Status != g.Status {
			return fmt.Sprintf("account %s: balance %d version %d status %s != account %s: balance %d version %d status %s",
				w.ID, w.Balance, w.Version, w.Status, g.ID, g.Balance, g.Version, g.Status)
		}
	}
	return ""
}
