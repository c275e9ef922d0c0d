//go:build integration

package ledger

import (
	"context"
	"testing"

	"github.com/mbd888/gigescrow/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_Credit(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `INSERT INTO users (id, display_name) VALUES (2, 'Grace Seller')`)
	require.NoError(t, err)

	l := New(NewPostgresStore(db))
	require.NoError(t, l.CreditWithdrawable(ctx, 2, decimal.RequireFromString("500.00"), "escrow:1"))
	require.NoError(t, l.CreditWithdrawable(ctx, 2, decimal.RequireFromString("500.00"), "escrow:1"))
	require.NoError(t, l.CreditWithdrawable(ctx, 2, decimal.RequireFromString("0.25"), "escrow:2"))

	bal, err := l.GetBalance(ctx, 2)
	require.NoError(t, err)
	assert.True(t, bal.Withdrawable.Equal(decimal.RequireFromString("500.25")), bal.Withdrawable.String())

	history, err := l.GetHistory(ctx, 2, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "escrow:2", history[0].Reference)

	empty, err := l.GetBalance(ctx, 99)
	require.NoError(t, err)
	assert.True(t, empty.Withdrawable.IsZero())
}
