package usecase_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoeShih716/go-bank-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-bank-ledger/internal/app/core/usecase"
)

// buildJournal 透過真正的引擎產生一份 Journal 與對應的快照
func buildJournal(t *testing.T) (*harness, usecase.Snapshot) {
	t.Helper()
	ctx := context.Background()
	h := newHarness(t, nil)
	a := h.open(t, 100)
	b := h.open(t, 0)

	_, err := h.engine.Transfer(ctx, uuid.Nil, a.ID, b.ID, 30)
	require.NoError(t, err)
	snap, err := h.engine.Snapshot(ctx)
	require.NoError(t, err)

	_, err = h.engine.Deposit(ctx, uuid.Nil, b.ID, 5)
	require.NoError(t, err)
	_, err = h.engine.Withdraw(ctx, uuid.Nil, a.ID, 1000)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	_, err = h.engine.FreezeAccount(ctx, a.ID)
	require.NoError(t, err)
	return h, snap
}

func TestRebuild_FromSnapshotMatchesFullReplay(t *testing.T) {
	h, snap := buildJournal(t)
	entries := h.journal.Entries()

	full, err := usecase.Rebuild(nil, entries)
	require.NoError(t, err)
	fromSnap, err := usecase.Rebuild(&snap, entries)
	require.NoError(t, err)

	current, err := h.engine.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, current.Accounts, full.Accounts)
	assert.Equal(t, current.Accounts, fromSnap.Accounts)
	assert.Equal(t, full.Records, fromSnap.Records)
	assert.Len(t, full.Records, 3)
}

func TestRebuild_IsIdempotent(t *testing.T) {
	h, _ := buildJournal(t)
	entries := h.journal.Entries()

	first, err := usecase.Rebuild(nil, entries)
	require.NoError(t, err)
	second, err := usecase.Rebuild(nil, entries)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRebuild_RejectsCorruptJournal(t *testing.T) {
	acct := domain.Account{ID: "a", Status: domain.AccountStatusActive, Balance: 10}
	opened := domain.JournalEntry{Type: domain.JournalAccountOpened, Account: &acct}
	deposit := func(seq uint64, balance int64, version uint64) domain.JournalEntry {
		return domain.JournalEntry{Type: domain.JournalTransaction, Transaction: &domain.TransactionRecord{
			Sequence:    seq,
			Kind:        domain.OperationDeposit,
			Destination: "a",
			Amount:      5,
			Status:      domain.RecordCommitted,
			Balances:    []domain.BalanceAfter{{AccountID: "a", Balance: balance, Version: version}},
		}}
	}

	_, err := usecase.Rebuild(nil, []domain.JournalEntry{opened, deposit(1, 15, 1)})
	require.NoError(t, err)

	tests := []struct {
		name    string
		entries []domain.JournalEntry
	}{
		{"unknown account", []domain.JournalEntry{deposit(1, 15, 1)}},
		{"sequence goes backwards", []domain.JournalEntry{opened, deposit(2, 15, 1), deposit(1, 20, 2)}},
		{"balance mismatch", []domain.JournalEntry{opened, deposit(1, 99, 1)}},
		{"invalid entry", []domain.JournalEntry{{Type: "bogus"}}},
		{"status for unknown account", []domain.JournalEntry{{Type: domain.JournalAccountStatus, Account: &acct}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := usecase.Rebuild(nil, tt.entries)
			require.ErrorIs(t, err, domain.ErrPersistenceFailure)
		})
	}
}

func TestRecover_JournalWinsOverStaleSnapshot(t *testing.T) {
	h, snap := buildJournal(t)
	entries := h.journal.Entries()

	// 快照被竄改
	snap.Accounts[0].Balance += 1000

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	state, err := usecase.Recover(logger, &snap, entries)
	require.NoError(t, err)

	full, err := usecase.Rebuild(nil, entries)
	require.NoError(t, err)
	assert.Equal(t, full, state)
	assert.Contains(t, buf.String(), "using journal")
}

func TestRecover_WithoutSnapshot(t *testing.T) {
	h, _ := buildJournal(t)
	state, err := usecase.Recover(nil, nil, h.journal.Entries())
	require.NoError(t, err)
	assert.Len(t, state.Accounts, 2)
}
