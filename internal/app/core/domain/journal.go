package domain

import "fmt"

// JournalEntryType 持久化日誌的項目類型
type JournalEntryType string

const (
	// 開戶 (含開戶金額)
	JournalAccountOpened JournalEntryType = "account_opened"
	// 帳戶狀態變更
	JournalAccountStatus JournalEntryType = "account_status"
	// 交易紀錄 (committed 與 rejected)
	JournalTransaction JournalEntryType = "transaction"
)

// JournalEntry 持久化日誌的一行，依寫入順序重放即可還原帳本
type JournalEntry struct {
	Type        JournalEntryType   `json:"type"`
	Account     *Account           `json:"account,omitempty"`
	Transaction *TransactionRecord `json:"transaction,omitempty"`
}

func (e JournalEntry) Validate() error {
	switch e.Type {
	case JournalAccountOpened, JournalAccountStatus:
		if e.Account == nil || e.Account.ID == "" {
			return fmt.Errorf("%w: journal entry %s without account", ErrPersistenceFailure, e.Type)
		}
	case JournalTransaction:
		if e.Transaction == nil || e.Transaction.Sequence == 0 {
			return fmt.Errorf("%w: journal transaction entry without sequence", ErrPersistenceFailure)
		}
	default:
		return fmt.Errorf("%w: unknown journal entry type %q", ErrPersistenceFailure, e.Type)
	}
	return nil
}
