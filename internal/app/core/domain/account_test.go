package domain

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAccount(t *testing.T, balance int64, policy Policy) *Account {
	t.Helper()
	acct, err := NewAccount("acc-1", "alice", balance, policy, time.Unix(0, 0).UTC())
	require.NoError(t, err)
	return acct
}

func TestNewAccount_RejectsNegativeOpeningBalance(t *testing.T) {
	_, err := NewAccount("acc-1", "alice", -1, Policy{}, time.Now())
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewAccount("acc-1", "alice", 0, Policy{OverdraftLimit: -5}, time.Now())
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewAccount("", "alice", 0, Policy{}, time.Now())
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestNewAccount_Defaults(t *testing.T) {
	acct := newTestAccount(t, 1000, Policy{})
	assert.Equal(t, AccountStatusActive, acct.Status)
	assert.Equal(t, int64(1000), acct.Balance)
	assert.Equal(t, int64(1000), acct.OpeningBalance)
	assert.Zero(t, acct.Version)
}

func TestAccount_ApplyDelta(t *testing.T) {
	acct := newTestAccount(t, 100, Policy{})

	require.NoError(t, acct.ApplyDelta(50))
	require.NoError(t, acct.ApplyDelta(-150))
	assert.Equal(t, int64(0), acct.Balance)
	assert.Equal(t, uint64(2), acct.Version)

	err := acct.ApplyDelta(-1)
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, int64(0), acct.Balance)
	assert.Equal(t, uint64(2), acct.Version)

	require.ErrorIs(t, acct.ApplyDelta(0), ErrInvalidArgument)
}

func TestAccount_ApplyDeltaHonoursOverdraftFloor(t *testing.T) {
	acct := newTestAccount(t, 0, Policy{OverdraftLimit: 500})

	require.NoError(t, acct.ApplyDelta(-500))
	assert.Equal(t, int64(-500), acct.Balance)
	require.ErrorIs(t, acct.ApplyDelta(-1), ErrInsufficientFunds)
	assert.Equal(t, int64(-500), acct.Balance)
}

func TestAccount_ApplyDeltaOverflow(t *testing.T) {
	acct := newTestAccount(t, math.MaxInt64, Policy{})
	require.ErrorIs(t, acct.ApplyDelta(1), ErrInvalidArgument)
	assert.Equal(t, int64(math.MaxInt64), acct.Balance)
}

func TestAccount_ApplyDeltaRequiresActive(t *testing.T) {
	acct := newTestAccount(t, 100, Policy{})
	require.NoError(t, acct.Transition(AccountStatusFrozen))

	require.ErrorIs(t, acct.ApplyDelta(10), ErrInvalidTransition)
	assert.Equal(t, int64(100), acct.Balance)
}

func TestAccount_Compensate(t *testing.T) {
	acct := newTestAccount(t, 100, Policy{})
	require.NoError(t, acct.ApplyDelta(-40))

	acct.Compensate(-40)
	assert.Equal(t, int64(100), acct.Balance)
	assert.Zero(t, acct.Version)
}

func TestAccount_Transition(t *testing.T) {
	acct := newTestAccount(t, 100, Policy{})

	require.NoError(t, acct.Transition(AccountStatusFrozen))
	require.ErrorIs(t, acct.Transition(AccountStatusFrozen), ErrInvalidTransition)
	require.NoError(t, acct.Transition(AccountStatusActive))

	// 餘額不為 0 不可關閉
	require.ErrorIs(t, acct.Transition(AccountStatusClosed), ErrInvalidTransition)
	require.NoError(t, acct.ApplyDelta(-100))
	require.NoError(t, acct.Transition(AccountStatusClosed))

	for _, to := range []AccountStatus{AccountStatusActive, AccountStatusFrozen} {
		require.ErrorIs(t, acct.Transition(to), ErrInvalidTransition)
	}
	assert.Equal(t, AccountStatusClosed, acct.Status)
	assert.Equal(t, uint64(4), acct.Version)

	require.ErrorIs(t, acct.Transition("bogus"), ErrInvalidArgument)
}

func TestIsRecoverable(t *testing.T) {
	for _, err := range []error{ErrInvalidArgument, ErrNotFound, ErrInsufficientFunds, ErrVersionConflict, ErrInvalidTransition} {
		assert.True(t, IsRecoverable(err), err.Error())
	}
	assert.False(t, IsRecoverable(ErrPersistenceFailure))
	assert.False(t, IsRejection(ErrVersionConflict))
	assert.True(t, IsRejection(ErrInsufficientFunds))
}
