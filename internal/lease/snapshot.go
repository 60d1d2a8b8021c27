package lease

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	xerrors "RentEscrow/internal/errors"
	"RentEscrow/internal/token"
)

// Snapshot is the persisted form of an agreement. Amounts are decimal strings
// in the token's smallest unit.
type Snapshot struct {
	Address       common.Address `json:"address"`
	Landlord      common.Address `json:"landlord"`
	Tenant        common.Address `json:"tenant"`
	PaymentToken  common.Address `json:"payment_token"`
	Rent          string         `json:"rent"`
	Deposit       string         `json:"deposit"`
	RentGuarantee string         `json:"rent_guarantee"`
	RentPeriod    uint64         `json:"rent_period_seconds"`
	NextRentDue   uint64         `json:"next_rent_due"`
	State         State          `json:"state"`
	CreatedAt     uint64         `json:"created_at"`
	EnteredAt     uint64         `json:"entered_at,omitempty"`
	TerminatedAt  uint64         `json:"terminated_at,omitempty"`
}

// Snapshot captures the agreement's current state.
func (a *Agreement) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		Address:       a.address,
		Landlord:      a.landlord,
		Tenant:        a.tenant,
		PaymentToken:  a.paymentToken,
		Rent:          a.rent.Dec(),
		Deposit:       a.deposit.Dec(),
		RentGuarantee: a.rentGuarantee.Dec(),
		RentPeriod:    a.rentPeriod,
		NextRentDue:   a.nextRentDue,
		State:         a.state,
		CreatedAt:     a.createdAt,
		EnteredAt:     a.enteredAt,
		TerminatedAt:  a.terminatedAt,
	}
}

// Checkpoint takes a fresh snapshot and hands it to save. Checkpoints of one
// agreement run one at a time and each reads the state when it starts, so
// the last save to finish always holds the newest state.
func (a *Agreement) Checkpoint(ctx context.Context, save func(context.Context, Snapshot) error) error {
	a.checkpointMu.Lock()
	defer a.checkpointMu.Unlock()
	return save(ctx, a.Snapshot())
}

// Restore rebuilds an agreement from a snapshot. The ledger must track the
// snapshot's payment token.
func Restore(s Snapshot, ledger token.Ledger, opts ...Option) (*Agreement, error) {
	rent, err := parseSnapshotAmount("rent", s.Rent)
	if err != nil {
		return nil, err
	}
	deposit, err := parseSnapshotAmount("deposit", s.Deposit)
	if err != nil {
		return nil, err
	}
	guarantee, err := parseSnapshotAmount("rent_guarantee", s.RentGuarantee)
	if err != nil {
		return nil, err
	}

	p := Params{
		Address:      s.Address,
		Landlord:     s.Landlord,
		Tenant:       s.Tenant,
		PaymentToken: s.PaymentToken,
		Terms:        Terms{Rent: rent, Deposit: deposit, RentGuarantee: guarantee},
		RentPeriod:   time.Duration(s.RentPeriod) * time.Second,
		Ledger:       ledger,
	}
	if err := validateParams(p); err != nil {
		return nil, err
	}
	if err := validateSnapshotState(s, deposit, guarantee); err != nil {
		return nil, err
	}

	a := newAgreement(ledger, opts)
	a.address = s.Address
	a.landlord = s.Landlord
	a.tenant = s.Tenant
	a.paymentToken = s.PaymentToken
	a.rent = rent
	a.deposit = deposit
	a.rentGuarantee = guarantee
	a.rentPeriod = s.RentPeriod
	a.nextRentDue = s.NextRentDue
	a.state = s.State
	a.createdAt = s.CreatedAt
	a.enteredAt = s.EnteredAt
	a.terminatedAt = s.TerminatedAt
	return a, nil
}

func validateSnapshotState(s Snapshot, deposit, guarantee *uint256.Int) error {
	bad := func(reason string) error {
		return xerrors.New(CodeInvariantViolation, reason,
			xerrors.WithMetadata("agreement", s.Address.Hex()),
			xerrors.WithMetadata("state", string(s.State)))
	}
	switch s.State {
	case StateProposed:
		if s.NextRentDue != 0 {
			return bad("proposed agreement has a rent schedule")
		}
	case StateActive:
		if s.Tenant == (common.Address{}) {
			return bad("active agreement has no tenant")
		}
		if s.NextRentDue == 0 {
			return bad("active agreement has no rent schedule")
		}
	case StateTerminated:
		if s.Tenant == (common.Address{}) {
			return bad("terminated agreement has no tenant")
		}
		if !deposit.IsZero() || !guarantee.IsZero() {
			return bad("terminated agreement still holds funds")
		}
	default:
		return bad("unknown agreement state")
	}
	return nil
}

func parseSnapshotAmount(field, raw string) (*uint256.Int, error) {
	if raw == "" {
		return new(uint256.Int), nil
	}
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, xerrors.Wrap(CodeInvalidTerms, err, "snapshot amount is not a decimal integer",
			xerrors.WithMetadata("field", field))
	}
	return v, nil
}
