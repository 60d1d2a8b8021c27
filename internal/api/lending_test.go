package api

import (
	"net/http"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RentEscrow/internal/auth"
	"RentEscrow/internal/lending"
	"RentEscrow/internal/token"
)

var (
	lendingAddr = common.HexToAddress("0x0000000000000000000000000000000000005e21")
	pool        = common.HexToAddress("0x0000000000000000000000000000000000009001")
	aDai        = common.HexToAddress("0x00000000000000000000000000000000000a0da1")
)

func newLendingHarness(t *testing.T) (*harness, *lending.MemoryVenue) {
	t.Helper()
	// 借贷服务与租约共用同一个内存账本。
	ledger := token.NewMemoryLedger(dai)
	venue := lending.NewMemoryVenue(pool, aDai, ledger)
	svc, err := lending.NewService(lendingAddr, landlord, ledger, venue)
	require.NoError(t, err)
	require.NoError(t, ledger.Mint(lendingAddr, uint256.NewInt(800)))

	h := newHarness(t, auth.ModeDisabled, WithLending(svc))
	h.ledger = ledger
	return h, venue
}

func TestLendingOverHTTP(t *testing.T) {
	h, venue := newLendingHarness(t)

	rec := h.do(http.MethodGet, "/api/v1/lending", common.Address{}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[lendingStatus](t, rec)
	assert.Equal(t, landlord, status.Owner)
	assert.Equal(t, dai, status.PaymentToken)
	assert.Equal(t, aDai, status.ReceiptToken)
	assert.False(t, status.Closed)

	rec = h.do(http.MethodPost, "/api/v1/lending/supply", landlord, lendingAmountRequest{Amount: "600"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, uint64(200), h.balance(lendingAddr))

	_, err := venue.Accrue(1_000)
	require.NoError(t, err)

	rec = h.do(http.MethodPost, "/api/v1/lending/redeem", landlord, lendingAmountRequest{Amount: "100"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "100", decode[lendingResult](t, rec).Amount)

	rec = h.do(http.MethodPost, "/api/v1/lending/redeem-all", landlord, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "560", decode[lendingResult](t, rec).Amount)
	assert.Equal(t, uint64(660), h.balance(landlord))

	rec = h.do(http.MethodPost, "/api/v1/lending/close", landlord, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[lendingResult](t, rec)
	assert.Equal(t, "200", result.Amount)
	assert.True(t, result.Status.Closed)
	assert.Equal(t, uint64(860), h.balance(landlord))
}

func TestLendingErrorStatuses(t *testing.T) {
	h, _ := newLendingHarness(t)

	cases := []struct {
		name   string
		path   string
		caller common.Address
		body   any
		status int
		code   string
	}{
		{"not owner", "/api/v1/lending/supply", tenant, lendingAmountRequest{Amount: "1"}, http.StatusForbidden, string(lending.CodeNotOwner)},
		{"anonymous", "/api/v1/lending/redeem-all", common.Address{}, nil, http.StatusForbidden, string(lending.CodeNotOwner)},
		{"beyond idle", "/api/v1/lending/supply", landlord, lendingAmountRequest{Amount: "801"}, http.StatusUnprocessableEntity, string(lending.CodeInsufficientFunds)},
		{"missing amount", "/api/v1/lending/redeem", landlord, lendingAmountRequest{}, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"redeem empty position", "/api/v1/lending/redeem", landlord, lendingAmountRequest{Amount: "5"}, http.StatusUnprocessableEntity, string(lending.CodeInsufficientFunds)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.do(http.MethodPost, tc.path, tc.caller, tc.body)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.Equal(t, tc.code, decode[errorResponse](t, rec).Code)
		})
	}

	rec := h.do(http.MethodPost, "/api/v1/lending/close", landlord, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = h.do(http.MethodPost, "/api/v1/lending/supply", landlord, lendingAmountRequest{Amount: "1"})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestLendingRoutesAbsentWithoutService(t *testing.T) {
	h := newHarness(t, auth.ModeDisabled)
	rec := h.do(http.MethodGet, "/api/v1/lending", common.Address{}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
