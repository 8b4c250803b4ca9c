package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperation_Validate(t *testing.T) {
	tests := []struct {
		name string
		op   Operation
		ok   bool
	}{
		{"deposit", Operation{Kind: OperationDeposit, Destination: "a", Amount: 1}, true},
		{"deposit zero", Operation{Kind: OperationDeposit, Destination: "a", Amount: 0}, false},
		{"deposit with source", Operation{Kind: OperationDeposit, Source: "b", Destination: "a", Amount: 1}, false},
		{"withdraw", Operation{Kind: OperationWithdraw, Source: "a", Amount: 5}, true},
		{"withdraw negative", Operation{Kind: OperationWithdraw, Source: "a", Amount: -5}, false},
		{"withdraw missing source", Operation{Kind: OperationWithdraw, Amount: 5}, false},
		{"transfer", Operation{Kind: OperationTransfer, Source: "a", Destination: "b", Amount: 5}, true},
		{"transfer same account", Operation{Kind: OperationTransfer, Source: "a", Destination: "a", Amount: 5}, false},
		{"unknown kind", Operation{Kind: "refund", Source: "a", Amount: 5}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op.Validate()
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
}

func TestOperation_LegsSumToZeroForTransfer(t *testing.T) {
	op := Operation{Kind: OperationTransfer, Source: "b", Destination: "a", Amount: 70}
	legs := op.Legs()
	require.Len(t, legs, 2)
	assert.Equal(t, Leg{AccountID: "b", Delta: -70}, legs[0])
	assert.Equal(t, Leg{AccountID: "a", Delta: 70}, legs[1])

	var sum int64
	for _, l := range legs {
		sum += l.Delta
	}
	assert.Zero(t, sum)
}

func TestOperation_LockIDsAscending(t *testing.T) {
	op := Operation{Kind: OperationTransfer, Source: "z", Destination: "a", Amount: 1}
	assert.Equal(t, []string{"a", "z"}, op.LockIDs())

	op = Operation{Kind: OperationDeposit, Destination: "m", Amount: 1}
	assert.Equal(t, []string{"m"}, op.LockIDs())
}

func TestTransactionRecord_RoundTripOperation(t *testing.T) {
	op := Operation{RequestID: uuid.New(), Kind: OperationTransfer, Source: "a", Destination: "b", Amount: 9}
	rec := NewRecord(op, time.Unix(10, 0).UTC())

	assert.Equal(t, op, rec.Operation())
	assert.True(t, rec.Touches("a"))
	assert.True(t, rec.Touches("b"))
	assert.False(t, rec.Touches("c"))
	assert.False(t, rec.Touches(""))
}

func TestPerspective(t *testing.T) {
	transfer := TransactionRecord{Kind: OperationTransfer, Source: "a", Destination: "b"}
	assert.Equal(t, "transfer_sent", Perspective(transfer, "a"))
	assert.Equal(t, "transfer_received", Perspective(transfer, "b"))
	assert.Equal(t, "deposit", Perspective(TransactionRecord{Kind: OperationDeposit, Destination: "a"}, "a"))
}

func TestOpeningRecord(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rec := OpeningRecord(Account{ID: "a", Owner: "alice", Balance: 40, OpeningBalance: 100, Version: 3, CreatedAt: created})

	assert.Zero(t, rec.Sequence)
	assert.Equal(t, created, rec.Timestamp)
	assert.Equal(t, "initial_deposit", Perspective(rec, "a"))
	assert.Equal(t, RecordCommitted, rec.Status)
	assert.True(t, rec.Touches("a"))
	bal, ok := rec.BalanceOf("a")
	require.True(t, ok)
	assert.Equal(t, int64(100), bal.Balance)

	// 不是可提交的交易種類
	assert.False(t, OperationOpening.Valid())
}

func TestOperationState_Advance(t *testing.T) {
	s := StateRequested
	require.NoError(t, s.Advance(StateValidating))
	require.NoError(t, s.Advance(StateApplying))
	require.NoError(t, s.Advance(StateRolledBack))
	require.NoError(t, s.Advance(StateRejected))
	assert.True(t, s.Terminal())

	// 終態不可再轉換
	for _, to := range []OperationState{StateRequested, StateValidating, StateApplying, StateCommitted, StateRolledBack} {
		require.ErrorIs(t, s.Advance(to), ErrInvalidTransition)
	}

	c := StateRequested
	require.ErrorIs(t, c.Advance(StateCommitted), ErrInvalidTransition)
	assert.Equal(t, StateRequested, c)
}

func TestJournalEntry_Validate(t *testing.T) {
	require.NoError(t, JournalEntry{Type: JournalAccountOpened, Account: &Account{ID: "a"}}.Validate())
	require.NoError(t, JournalEntry{Type: JournalTransaction, Transaction: &TransactionRecord{Sequence: 1}}.Validate())
	require.ErrorIs(t, JournalEntry{Type: JournalTransaction, Transaction: &TransactionRecord{}}.Validate(), ErrPersistenceFailure)
	require.ErrorIs(t, JournalEntry{Type: "nope"}.Validate(), ErrPersistenceFailure)
}
