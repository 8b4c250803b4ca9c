package mysql

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoeShih716/go-bank-ledger/internal/app/core/domain"
)

func TestJournalRow_RoundTrip(t *testing.T) {
	rec := domain.TransactionRecord{
		Sequence:    7,
		RequestID:   uuid.New(),
		Timestamp:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Kind:        domain.OperationTransfer,
		Source:      "a",
		Destination: "b",
		Amount:      300,
		Balances: []domain.BalanceAfter{
			{AccountID: "a", Balance: 700, Version: 1},
			{AccountID: "b", Balance: 300, Version: 1},
		},
		Status: domain.RecordCommitted,
	}
	entry := domain.JournalEntry{Type: domain.JournalTransaction, Transaction: &rec}

	row, err := journalRow(entry)
	require.NoError(t, err)
	assert.Equal(t, "transaction", row.Type)

	got, err := entryFromRow(row)
	require.NoError(t, err)
	assert.Equal(t, entry, got)
}

func TestEntryFromRow_Mismatch(t *testing.T) {
	account := domain.Account{ID: "a", Owner: "alice", Status: domain.AccountStatusActive}
	row, err := journalRow(domain.JournalEntry{Type: domain.JournalAccountOpened, Account: &account})
	require.NoError(t, err)

	row.Type = string(domain.JournalAccountStatus)
	_, err = entryFromRow(row)
	assert.Error(t, err)

	row.Payload = []byte(`{"type":"transaction"}`)
	row.Type = "transaction"
	_, err = entryFromRow(row)
	assert.ErrorIs(t, err, domain.ErrPersistenceFailure)
}

func TestTransactionRow(t *testing.T) {
	rec := domain.TransactionRecord{
		Sequence:    3,
		Timestamp:   time.UnixMilli(1714564800123),
		Kind:        domain.OperationWithdraw,
		Source:      "a",
		Amount:      50,
		Status:      domain.RecordRejected,
		Reason:      "insufficient funds",
	}
	row := transactionRow(rec)
	assert.Nil(t, row.RefID)
	assert.Equal(t, uint64(3), row.Sequence)
	assert.Equal(t, "withdraw", row.Kind)
	assert.Equal(t, "rejected", row.Status)
	assert.Equal(t, int64(1714564800123), row.Timestamp)

	id := uuid.New()
	rec.RequestID = id
	assert.Equal(t, id[:], transactionRow(rec).RefID)
}

func TestAccountRow_RoundTrip(t *testing.T) {
	account := domain.Account{
		ID:             "acc-1",
		Owner:          "alice",
		Balance:        -20,
		OpeningBalance: 100,
		Status:         domain.AccountStatusFrozen,
		Policy:         domain.Policy{OverdraftLimit: 50},
		Version:        4,
		CreatedAt:      time.Date(2024, 5, 1, 12, 0, 0, 123_000_000, time.UTC),
	}
	assert.Equal(t, account, accountFromRow(accountRow(account)))
}
