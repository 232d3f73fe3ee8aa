package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rockola/backend/internal/apperr"
	"github.com/rockola/backend/internal/models"
	"github.com/rockola/backend/internal/store"
)

func newTestLedger(t *testing.T) *LedgerService {
	t.Helper()
	return NewLedgerService(store.NewMemory(), 2000) // 20% commission
}

func TestLedgerSettle(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)

	movements, err := ledger.Settle(ctx, "host1", "sess1", 1000, 0)
	require.NoError(t, err)
	require.Len(t, movements, 1)
	assert.Equal(t, models.MovementIngresoReal, movements[0].Type)
	assert.EqualValues(t, 800, movements[0].Amount)
	assert.EqualValues(t, 800, movements[0].BalanceAfterReal)
	assert.EqualValues(t, 0, movements[0].BalanceAfterBono)

	balance, err := ledger.Balance(ctx, "host1")
	require.NoError(t, err)
	assert.EqualValues(t, 800, balance.SaldoReal)
	assert.EqualValues(t, 0, balance.SaldoBono)
}

func TestLedgerSettleWithBonus(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)

	movements, err := ledger.Settle(ctx, "host1", "sess1", 1000, 50)
	require.NoError(t, err)
	require.Len(t, movements, 2)
	assert.Equal(t, models.MovementIngresoReal, movements[0].Type)
	assert.Equal(t, models.MovementIngresoBono, movements[1].Type)
	assert.EqualValues(t, 50, movements[1].Amount)
	assert.EqualValues(t, 800, movements[1].BalanceAfterReal)
	assert.EqualValues(t, 50, movements[1].BalanceAfterBono)

	balance, err := ledger.Balance(ctx, "host1")
	require.NoError(t, err)
	assert.EqualValues(t, 800, balance.SaldoReal)
	assert.EqualValues(t, 50, balance.SaldoBono)
}

func TestLedgerSettleValidation(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)

	_, err := ledger.Settle(ctx, "host1", "sess1", 0, 0)
	assert.True(t, apperr.Is(err, apperr.CodeValidation))

	_, err = ledger.Settle(ctx, "host1", "sess1", 100, -1)
	assert.True(t, apperr.Is(err, apperr.CodeValidation))
}

func TestLedgerRefund(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)

	_, err := ledger.Settle(ctx, "host1", "sess1", 1000, 50)
	require.NoError(t, err)

	movements, err := ledger.Refund(ctx, "host1", "sess1", 800, 50)
	require.NoError(t, err)
	require.Len(t, movements, 2)
	assert.Equal(t, models.MovementIngresoReal, movements[0].Type)
	assert.EqualValues(t, -800, movements[0].Amount)
	assert.Equal(t, models.MovementIngresoBono, movements[1].Type)
	assert.EqualValues(t, -50, movements[1].Amount)

	balance, err := ledger.Balance(ctx, "host1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, balance.SaldoReal)
	assert.EqualValues(t, 0, balance.SaldoBono)
}

func TestLedgerRefundCappedWithAjuste(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)

	_, err := ledger.Settle(ctx, "host1", "sess1", 1000, 0) // +800 real
	require.NoError(t, err)
	_, err = ledger.Withdraw(ctx, "host1", 700) // 100 real left
	require.NoError(t, err)

	// Refunding 800 can only recover 100; the rest is written off.
	movements, err := ledger.Refund(ctx, "host1", "sess1", 800, 0)
	require.NoError(t, err)
	require.Len(t, movements, 2)
	assert.Equal(t, models.MovementIngresoReal, movements[0].Type)
	assert.EqualValues(t, -100, movements[0].Amount)
	assert.Equal(t, models.MovementAjuste, movements[1].Type)
	assert.EqualValues(t, 700, movements[1].Amount)
	assert.EqualValues(t, 0, movements[1].BalanceAfterReal, "ajuste touches no balance")

	balance, err := ledger.Balance(ctx, "host1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, balance.SaldoReal)
}

func TestLedgerRefundNothingToDo(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)

	movements, err := ledger.Refund(ctx, "host1", "sess1", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, movements)
}

func TestLedgerWithdraw(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)

	_, err := ledger.Settle(ctx, "host1", "sess1", 1000, 100)
	require.NoError(t, err)

	movement, err := ledger.Withdraw(ctx, "host1", 500)
	require.NoError(t, err)
	assert.Equal(t, models.MovementRetiro, movement.Type)
	assert.EqualValues(t, -500, movement.Amount)
	assert.EqualValues(t, 300, movement.BalanceAfterReal)
	assert.Nil(t, movement.SessionID)

	balance, err := ledger.Balance(ctx, "host1")
	require.NoError(t, err)
	assert.EqualValues(t, 300, balance.SaldoReal)
	assert.EqualValues(t, 100, balance.SaldoBono, "bonus balance is untouched by withdrawals")
}

func TestLedgerWithdrawInsufficientBalance(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)

	_, err := ledger.Settle(ctx, "host1", "sess1", 1000, 500)
	require.NoError(t, err)

	// 800 real available; the 500 bonus must not cover the difference.
	_, err = ledger.Withdraw(ctx, "host1", 900)
	assert.True(t, apperr.Is(err, apperr.CodeInsufficientBalance))

	balance, err := ledger.Balance(ctx, "host1")
	require.NoError(t, err)
	assert.EqualValues(t, 800, balance.SaldoReal, "failed withdrawal must not move the balance")
}

func TestLedgerWithdrawValidation(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)

	_, err := ledger.Withdraw(ctx, "host1", 0)
	assert.True(t, apperr.Is(err, apperr.CodeValidation))

	_, err = ledger.Withdraw(ctx, "host1", -10)
	assert.True(t, apperr.Is(err, apperr.CodeValidation))
}

func TestLedgerBalanceUnknownHost(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)

	balance, err := ledger.Balance(ctx, "nobody")
	require.NoError(t, err)
	assert.EqualValues(t, 0, balance.SaldoReal)
	assert.EqualValues(t, 0, balance.SaldoBono)
}

func TestLedgerMovementsNewestFirst(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)

	_, err := ledger.Settle(ctx, "host1", "sess1", 1000, 0)
	require.NoError(t, err)
	_, err = ledger.Withdraw(ctx, "host1", 100)
	require.NoError(t, err)

	movements, err := ledger.Movements(ctx, "host1", 10)
	require.NoError(t, err)
	require.Len(t, movements, 2)
	assert.Equal(t, models.MovementRetiro, movements[0].Type)
	assert.Equal(t, models.MovementIngresoReal, movements[1].Type)
}

func TestLedgerHostShare(t *testing.T) {
	ledger := newTestLedger(t)
	assert.EqualValues(t, 800, ledger.HostShare(1000))
	assert.EqualValues(t, 80, ledger.HostShare(100))
}
