package lending

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RentEscrow/internal/auth"
	"RentEscrow/internal/token"
)

var (
	dai      = common.HexToAddress("0x00000000000000000000000000000000000000da")
	aDai     = common.HexToAddress("0x00000000000000000000000000000000000a00da")
	pool     = common.HexToAddress("0x0000000000000000000000000000000000000001")
	service  = common.HexToAddress("0x0000000000000000000000000000000000005e21")
	owner    = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	intruder = common.HexToAddress("0x0000000000000000000000000000000000000bad")
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func setup(t *testing.T) (*Service, *MemoryVenue, *token.MemoryLedger) {
	t.Helper()
	ledger := token.NewMemoryLedger(dai)
	venue := NewMemoryVenue(pool, aDai, ledger)
	svc, err := NewService(service, owner, ledger, venue)
	require.NoError(t, err)
	require.NoError(t, ledger.Mint(service, u(50)))
	return svc, venue, ledger
}

func bal(t *testing.T, l *token.MemoryLedger, a common.Address) uint64 {
	t.Helper()
	b, err := l.BalanceOf(context.Background(), a)
	require.NoError(t, err)
	return b.Uint64()
}

func TestSupplyAndRedeemAllWithInterest(t *testing.T) {
	svc, venue, ledger := setup(t)
	ctx := auth.WithCaller(context.Background(), owner)

	assert.Equal(t, dai, svc.PaymentToken())
	assert.Equal(t, aDai, svc.ReceiptToken())

	require.NoError(t, svc.Supply(ctx, u(50)))
	pos, err := venue.ReceiptBalance(ctx, service)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), pos.Uint64())
	assert.Zero(t, bal(t, ledger, service))

	interest, err := venue.Accrue(200)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), interest.Uint64())

	got, err := svc.RedeemAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(51), got.Uint64())
	assert.Equal(t, uint64(51), bal(t, ledger, owner))
	assert.Zero(t, bal(t, ledger, pool))
}

func TestRedeemPartial(t *testing.T) {
	svc, venue, ledger := setup(t)
	ctx := auth.WithCaller(context.Background(), owner)
	require.NoError(t, svc.Supply(ctx, u(50)))

	got, err := svc.Redeem(ctx, u(25))
	require.NoError(t, err)
	assert.Equal(t, uint64(25), got.Uint64())
	assert.Equal(t, uint64(25), bal(t, ledger, owner))

	pos, _ := venue.ReceiptBalance(ctx, service)
	assert.Equal(t, uint64(25), pos.Uint64())

	_, err = svc.Redeem(ctx, u(26))
	require.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestOwnerOnly(t *testing.T) {
	svc, _, _ := setup(t)
	ctx := auth.WithCaller(context.Background(), intruder)

	require.ErrorIs(t, svc.Supply(ctx, u(1)), ErrNotOwner)
	_, err := svc.RedeemAll(context.Background())
	require.ErrorIs(t, err, ErrNotOwner)
	_, err = svc.Close(ctx)
	require.ErrorIs(t, err, ErrNotOwner)
}

func TestSupplyBeyondIdleBalance(t *testing.T) {
	svc, _, _ := setup(t)
	ctx := auth.WithCaller(context.Background(), owner)
	require.ErrorIs(t, svc.Supply(ctx, u(51)), ErrInsufficientFunds)
	require.Error(t, svc.Supply(ctx, u(0)))
}

func TestCloseIsTerminal(t *testing.T) {
	svc, _, ledger := setup(t)
	ctx := auth.WithCaller(context.Background(), owner)
	require.NoError(t, svc.Supply(ctx, u(30)))

	returned, err := svc.Close(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), returned.Uint64())
	assert.Equal(t, uint64(50), bal(t, ledger, owner))
	assert.True(t, svc.Closed())

	require.ErrorIs(t, svc.Supply(ctx, u(1)), ErrClosed)
	_, err = svc.RedeemAll(ctx)
	require.ErrorIs(t, err, ErrClosed)
	_, err = svc.Close(ctx)
	require.ErrorIs(t, err, ErrClosed)
}

func TestAccrueOverflowLeavesBalancesUntouched(t *testing.T) {
	ledger := token.NewMemoryLedger(dai)
	venue := NewMemoryVenue(pool, aDai, ledger)
	small := common.HexToAddress("0x0000000000000000000000000000000000001001")
	large := common.HexToAddress("0x0000000000000000000000000000000000002002")
	huge := new(uint256.Int).Div(new(uint256.Int).SetAllOne(), u(100))

	require.NoError(t, ledger.Mint(small, u(100)))
	require.NoError(t, ledger.Mint(large, huge))
	ctx := context.Background()
	require.NoError(t, venue.Supply(ctx, small, u(100)))
	require.NoError(t, venue.Supply(ctx, large, huge))
	poolBefore, err := ledger.BalanceOf(ctx, pool)
	require.NoError(t, err)

	_, err = venue.Accrue(200)
	require.Error(t, err)

	pos, err := venue.ReceiptBalance(ctx, small)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), pos.Uint64())
	pos, err = venue.ReceiptBalance(ctx, large)
	require.NoError(t, err)
	assert.True(t, pos.Eq(huge))
	poolAfter, err := ledger.BalanceOf(ctx, pool)
	require.NoError(t, err)
	assert.True(t, poolAfter.Eq(poolBefore))
}
