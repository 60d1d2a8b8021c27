package lending

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	xerrors "RentEscrow/internal/errors"
	"RentEscrow/internal/token"
)

const bpsDenominator = 10_000

// MemoryVenue is an in-process lending market. Receipt balances track the
// redeemable amount one-for-one, as rebasing receipt tokens do, and grow only
// when Accrue runs.
type MemoryVenue struct {
	mu       sync.Mutex
	pool     common.Address
	receipt  common.Address
	ledger   *token.MemoryLedger
	balances map[common.Address]*uint256.Int
}

// NewMemoryVenue keeps supplied funds at pool on ledger.
func NewMemoryVenue(pool, receipt common.Address, ledger *token.MemoryLedger) *MemoryVenue {
	return &MemoryVenue{
		pool:     pool,
		receipt:  receipt,
		ledger:   ledger,
		balances: make(map[common.Address]*uint256.Int),
	}
}

// ReceiptToken implements Venue.
func (v *MemoryVenue) ReceiptToken() common.Address { return v.receipt }

// Supply implements Venue.
func (v *MemoryVenue) Supply(ctx context.Context, holder common.Address, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	grown, overflow := new(uint256.Int).AddOverflow(v.balanceLocked(holder), amount)
	if overflow {
		return xerrors.New(xerrors.CodeInvalidArgument, "receipt balance overflows")
	}
	if err := v.ledger.Execute(ctx, token.Transfer(holder, v.pool, amount)); err != nil {
		return err
	}
	v.balances[holder] = grown
	return nil
}

// Redeem implements Venue.
func (v *MemoryVenue) Redeem(ctx context.Context, holder, to common.Address, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	bal := v.balanceLocked(holder)
	if bal.Lt(amount) {
		return xerrors.New(CodeInsufficientFunds, "receipt balance below redeem amount",
			xerrors.WithMetadata("receipt_balance", bal.Dec()))
	}
	if err := v.ledger.Execute(ctx, token.Transfer(v.pool, to, amount)); err != nil {
		return err
	}
	bal.Sub(bal, amount)
	return nil
}

// ReceiptBalance implements Venue.
func (v *MemoryVenue) ReceiptBalance(_ context.Context, holder common.Address) (*uint256.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return token.Copy(v.balances[holder]), nil
}

// Accrue credits every holder with bps basis points of interest and mints the
// matching payment tokens into the pool. It returns the total interest.
func (v *MemoryVenue) Accrue(bps uint64) (*uint256.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	holders := make([]common.Address, 0, len(v.balances))
	for h := range v.balances {
		holders = append(holders, h)
	}
	sort.Slice(holders, func(i, j int) bool { return holders[i].Hex() < holders[j].Hex() })

	// Every new balance is computed before any is written, so an overflow
	// leaves the venue untouched.
	total := new(uint256.Int)
	rate := uint256.NewInt(bps)
	denom := uint256.NewInt(bpsDenominator)
	next := make(map[common.Address]*uint256.Int, len(holders))
	for _, h := range holders {
		bal := v.balances[h]
		interest, overflow := new(uint256.Int).MulOverflow(bal, rate)
		if overflow {
			return nil, accrueOverflow(h)
		}
		interest.Div(interest, denom)
		grown, overflow := new(uint256.Int).AddOverflow(bal, interest)
		if overflow {
			return nil, accrueOverflow(h)
		}
		if _, overflow := total.AddOverflow(total, interest); overflow {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "total interest overflows")
		}
		next[h] = grown
	}
	if !total.IsZero() {
		if err := v.ledger.Mint(v.pool, total); err != nil {
			return nil, err
		}
	}
	for h, grown := range next {
		v.balances[h] = grown
	}
	return total, nil
}

func accrueOverflow(holder common.Address) error {
	return xerrors.New(xerrors.CodeInvalidArgument, "interest overflows",
		xerrors.WithMetadata("holder", holder.Hex()))
}

func (v *MemoryVenue) balanceLocked(holder common.Address) *uint256.Int {
	bal, ok := v.balances[holder]
	if !ok {
		bal = new(uint256.Int)
		v.balances[holder] = bal
	}
	return bal
}

var _ Venue = (*MemoryVenue)(nil)
