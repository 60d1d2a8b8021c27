package token

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	xerrors "RentEscrow/internal/errors"
)

// MemoryLedger is an ERC-20 style ledger kept in process memory. Execute
// validates a batch against a scratch view and commits only if every leg
// succeeds.
type MemoryLedger struct {
	token common.Address

	mu         sync.RWMutex
	balances   map[common.Address]*uint256.Int
	allowances map[common.Address]map[common.Address]*uint256.Int
}

// NewMemoryLedger creates an empty ledger for the given token address.
func NewMemoryLedger(token common.Address) *MemoryLedger {
	return &MemoryLedger{
		token:      token,
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[common.Address]map[common.Address]*uint256.Int),
	}
}

// Token implements Ledger.
func (m *MemoryLedger) Token() common.Address { return m.token }

// Mint credits new tokens to an account.
func (m *MemoryLedger) Mint(to common.Address, amount *uint256.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.balanceLocked(to)
	next, overflow := new(uint256.Int).AddOverflow(current, Copy(amount))
	if overflow {
		return xerrors.New(CodeInvalidTransfer, "mint overflows balance")
	}
	m.balances[to] = next
	return nil
}

// BalanceOf implements Ledger.
func (m *MemoryLedger) BalanceOf(_ context.Context, owner common.Address) (*uint256.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Copy(m.balances[owner]), nil
}

// Allowance implements Ledger.
func (m *MemoryLedger) Allowance(_ context.Context, owner, spender common.Address) (*uint256.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Copy(m.allowances[owner][spender]), nil
}

// Approve implements Ledger. The new allowance replaces the old one.
func (m *MemoryLedger) Approve(_ context.Context, owner, spender common.Address, amount *uint256.Int) error {
	if spender == (common.Address{}) {
		return xerrors.New(CodeInvalidTransfer, "approve to the zero address")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.allowances[owner] == nil {
		m.allowances[owner] = make(map[common.Address]*uint256.Int)
	}
	m.allowances[owner][spender] = Copy(amount)
	return nil
}

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

// Execute implements Ledger.
func (m *MemoryLedger) Execute(ctx context.Context, legs ...Leg) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	balances := make(map[common.Address]*uint256.Int)
	allowances := make(map[allowanceKey]*uint256.Int)

	balance := func(addr common.Address) *uint256.Int {
		if b, ok := balances[addr]; ok {
			return b
		}
		b := Copy(m.balances[addr])
		balances[addr] = b
		return b
	}

	for i, leg := range legs {
		if leg.To == (common.Address{}) {
			return xerrors.New(CodeInvalidTransfer, fmt.Sprintf("leg %d: transfer to the zero address", i))
		}
		amount := Copy(leg.Amount)

		if leg.Kind == LegTransferFrom {
			key := allowanceKey{owner: leg.From, spender: leg.Spender}
			allowed, ok := allowances[key]
			if !ok {
				allowed = Copy(m.allowances[leg.From][leg.Spender])
				allowances[key] = allowed
			}
			if allowed.Lt(amount) {
				return xerrors.New(CodeInsufficientAllowance, fmt.Sprintf("leg %d: %s", i, leg),
					xerrors.WithMetadata("allowance", allowed.Dec()),
					xerrors.WithMetadata("required", amount.Dec()))
			}
			allowed.Sub(allowed, amount)
		} else if leg.Kind != LegTransfer {
			return xerrors.New(CodeInvalidTransfer, fmt.Sprintf("leg %d: unknown kind %q", i, leg.Kind))
		}

		from := balance(leg.From)
		if from.Lt(amount) {
			return xerrors.New(CodeInsufficientBalance, fmt.Sprintf("leg %d: %s", i, leg),
				xerrors.WithMetadata("balance", from.Dec()),
				xerrors.WithMetadata("required", amount.Dec()))
		}
		from.Sub(from, amount)
		to := balance(leg.To)
		if _, overflow := to.AddOverflow(to, amount); overflow {
			return xerrors.New(CodeInvalidTransfer, fmt.Sprintf("leg %d: balance overflow", i))
		}
	}

	for addr, b := range balances {
		m.balances[addr] = b
	}
	for key, a := range allowances {
		if m.allowances[key.owner] == nil {
			m.allowances[key.owner] = make(map[common.Address]*uint256.Int)
		}
		m.allowances[key.owner][key.spender] = a
	}
	return nil
}

func (m *MemoryLedger) balanceLocked(addr common.Address) *uint256.Int {
	return Copy(m.balances[addr])
}

var _ Ledger = (*MemoryLedger)(nil)
