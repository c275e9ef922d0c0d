package ledger

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_CreditWithdrawable(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())

	require.NoError(t, l.CreditWithdrawable(ctx, 2, decimal.RequireFromString("500.00"), "escrow:1"))
	require.NoError(t, l.CreditWithdrawable(ctx, 2, decimal.RequireFromString("20.50"), "escrow:2"))

	bal, err := l.GetBalance(ctx, 2)
	require.NoError(t, err)
	assert.True(t, bal.Withdrawable.Equal(decimal.RequireFromString("520.50")), bal.Withdrawable.String())
	assert.True(t, bal.TotalIn.Equal(bal.Withdrawable))

	history, err := l.GetHistory(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "escrow:2", history[0].Reference)
	assert.Equal(t, "credit", history[0].Type)
}

func TestLedger_CreditIsIdempotentPerReference(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())

	for i := 0; i < 3; i++ {
		require.NoError(t, l.CreditWithdrawable(ctx, 2, decimal.RequireFromString("10.00"), "escrow:7"))
	}

	bal, err := l.GetBalance(ctx, 2)
	require.NoError(t, err)
	assert.True(t, bal.Withdrawable.Equal(decimal.RequireFromString("10")))

	history, err := l.GetHistory(ctx, 2, 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestLedger_RejectsBadCredits(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())

	assert.ErrorIs(t, l.CreditWithdrawable(ctx, 2, decimal.Zero, "escrow:1"), ErrInvalidAmount)
	assert.ErrorIs(t, l.CreditWithdrawable(ctx, 2, decimal.RequireFromString("-1"), "escrow:1"), ErrInvalidAmount)
	assert.ErrorIs(t, l.CreditWithdrawable(ctx, 2, decimal.RequireFromString("0.001"), "escrow:1"), ErrInvalidAmount)
	assert.Error(t, l.CreditWithdrawable(ctx, 2, decimal.RequireFromString("1"), ""))

	bal, err := l.GetBalance(ctx, 2)
	require.NoError(t, err)
	assert.True(t, bal.Withdrawable.IsZero())
}

func TestMemoryStore_HistoryIsPerUser(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Credit(ctx, 1, decimal.RequireFromString("1"), "a", ""))
	require.NoError(t, store.Credit(ctx, 2, decimal.RequireFromString("2"), "b", ""))
	require.NoError(t, store.Credit(ctx, 1, decimal.RequireFromString("3"), "c", ""))

	history, err := store.GetHistory(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "c", history[0].Reference)

	assert.ErrorIs(t, store.Credit(ctx, 2, decimal.RequireFromString("2"), "b", ""), ErrDuplicateReference)
}
