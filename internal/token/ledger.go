// Package token models the fungible token ledger the escrow relies on. The
// ledger is an external collaborator: agreements only ever talk to it through
// the Ledger interface and hand it whole batches so that a multi-leg fund
// movement either fully happens or does not happen at all.
package token

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	xerrors "RentEscrow/internal/errors"
)

// LegKind distinguishes a direct transfer from an allowance-backed one.
type LegKind string

const (
	// LegTransfer moves tokens out of From's own balance, signed by From.
	LegTransfer LegKind = "transfer"
	// LegTransferFrom moves tokens from From to To on behalf of Spender and
	// consumes Spender's allowance.
	LegTransferFrom LegKind = "transfer_from"
)

// Leg is one movement inside a batch.
type Leg struct {
	Kind    LegKind
	Spender common.Address
	From    common.Address
	To      common.Address
	Amount  *uint256.Int
}

// Transfer builds a direct transfer leg.
func Transfer(from, to common.Address, amount *uint256.Int) Leg {
	return Leg{Kind: LegTransfer, From: from, To: to, Amount: amount}
}

// TransferFrom builds an allowance-backed leg.
func TransferFrom(spender, from, to common.Address, amount *uint256.Int) Leg {
	return Leg{Kind: LegTransferFrom, Spender: spender, From: from, To: to, Amount: amount}
}

func (l Leg) String() string {
	if l.Kind == LegTransferFrom {
		return fmt.Sprintf("transferFrom(%s: %s -> %s, %s)", l.Spender.Hex(), l.From.Hex(), l.To.Hex(), amountString(l.Amount))
	}
	return fmt.Sprintf("transfer(%s -> %s, %s)", l.From.Hex(), l.To.Hex(), amountString(l.Amount))
}

// Ledger is the capability an agreement depends on.
type Ledger interface {
	// Token returns the address identifying the token this ledger tracks.
	Token() common.Address
	BalanceOf(ctx context.Context, owner common.Address) (*uint256.Int, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*uint256.Int, error)
	Approve(ctx context.Context, owner, spender common.Address, amount *uint256.Int) error
	// Execute applies every leg or none of them.
	Execute(ctx context.Context, legs ...Leg) error
}

// Resolver hands out the ledger for a payment token.
type Resolver interface {
	Ledger(token common.Address) (Ledger, error)
}

const (
	CodeInsufficientBalance   xerrors.Code = "TOKEN_INSUFFICIENT_BALANCE"
	CodeInsufficientAllowance xerrors.Code = "TOKEN_INSUFFICIENT_ALLOWANCE"
	CodeInvalidTransfer       xerrors.Code = "TOKEN_INVALID_TRANSFER"
	CodeUnknownToken          xerrors.Code = "TOKEN_UNKNOWN"
	CodeLedgerUnavailable     xerrors.Code = "TOKEN_LEDGER_UNAVAILABLE"
)

var (
	ErrInsufficientBalance   = xerrors.New(CodeInsufficientBalance, "transfer amount exceeds balance")
	ErrInsufficientAllowance = xerrors.New(CodeInsufficientAllowance, "transfer amount exceeds allowance")
	ErrInvalidTransfer       = xerrors.New(CodeInvalidTransfer, "invalid transfer")
	ErrUnknownToken          = xerrors.New(CodeUnknownToken, "no ledger registered for token")
)

func init() {
	xerrors.Register(CodeInsufficientBalance, xerrors.Attributes{
		Message:  "transfer amount exceeds balance",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInsufficientAllowance, xerrors.Attributes{
		Message:   "transfer amount exceeds allowance",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
	})
	xerrors.Register(CodeInvalidTransfer, xerrors.Attributes{
		Message:  "invalid transfer",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeUnknownToken, xerrors.Attributes{
		Message:  "no ledger registered for token",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeLedgerUnavailable, xerrors.Attributes{
		Message:   "token ledger unavailable",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

// Sum adds amounts and reports whether the result overflowed 256 bits.
func Sum(amounts ...*uint256.Int) (*uint256.Int, bool) {
	total := new(uint256.Int)
	for _, a := range amounts {
		if a == nil {
			continue
		}
		if _, overflow := total.AddOverflow(total, a); overflow {
			return nil, true
		}
	}
	return total, false
}

// Copy returns a private copy of amount, treating nil as zero.
func Copy(amount *uint256.Int) *uint256.Int {
	if amount == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(amount)
}

// ParseAmount parses a base-10 token amount in the smallest unit.
func ParseAmount(raw string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("invalid token amount %q", raw))
	}
	return v, nil
}

func amountString(a *uint256.Int) string {
	if a == nil {
		return "0"
	}
	return a.Dec()
}
