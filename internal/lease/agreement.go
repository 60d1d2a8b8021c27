// Package lease implements the escrow state machine behind a single
// landlord/tenant rental agreement.
//
// An agreement custodies two pools, the refundable deposit and the rent
// guarantee, and keeps a fixed rent schedule. Rent itself is never escrowed:
// it moves from the tenant to the landlord in the same batch that records the
// payment. Every state-changing operation computes its fund movements up
// front, hands them to the token ledger as one atomic batch and only mutates
// the agreement once the ledger has accepted the whole batch.
package lease

import (
	"context"
	"fmt"
	"log/slog"
	"math/bits"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"RentEscrow/internal/auth"
	xerrors "RentEscrow/internal/errors"
	"RentEscrow/internal/events"
	"RentEscrow/internal/token"
	"RentEscrow/pkg/logger"
)

// DefaultRentPeriod is four weeks.
const DefaultRentPeriod = 28 * 24 * time.Hour

// State is the lifecycle position of an agreement.
type State string

const (
	StateProposed   State = "proposed"
	StateActive     State = "active"
	StateTerminated State = "terminated"
)

// IsValid reports whether s is a known state.
func (s State) IsValid() bool {
	switch s {
	case StateProposed, StateActive, StateTerminated:
		return true
	default:
		return false
	}
}

// Terms are the amounts both parties agree on before entry.
type Terms struct {
	Rent          *uint256.Int
	Deposit       *uint256.Int
	RentGuarantee *uint256.Int
}

// Params describe a new agreement. A zero Tenant leaves the agreement open to
// whoever enters it first.
type Params struct {
	Address      common.Address
	Landlord     common.Address
	Tenant       common.Address
	PaymentToken common.Address
	Terms        Terms
	RentPeriod   time.Duration
	Ledger       token.Ledger
}

// Observer is notified after every operation attempt.
type Observer interface {
	ObserveOperation(op string, code xerrors.Code, moved *uint256.Int)
}

// Option customises an agreement.
type Option func(*Agreement)

// WithClock sets the time source. Defaults to SystemClock.
func WithClock(c Clock) Option {
	return func(a *Agreement) {
		if c != nil {
			a.clock = c
		}
	}
}

// WithEventSink sets where committed events go.
func WithEventSink(s events.Sink) Option {
	return func(a *Agreement) {
		if s != nil {
			a.sink = s
		}
	}
}

// WithLogger overrides the operational logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agreement) {
		if l != nil {
			a.log = l
		}
	}
}

// WithAuditLogger overrides the logger that records fund movements.
func WithAuditLogger(l *slog.Logger) Option {
	return func(a *Agreement) {
		if l != nil {
			a.audit = l
		}
	}
}

// WithObserver attaches an operation observer (metrics).
func WithObserver(o Observer) Option {
	return func(a *Agreement) {
		a.observer = o
	}
}

// Agreement is one lease. All methods are safe for concurrent use; mutating
// calls on the same agreement are serialised.
type Agreement struct {
	mu sync.Mutex
	// checkpointMu orders snapshot saves; it is never held together with mu
	// across a ledger call.
	checkpointMu sync.Mutex

	address      common.Address
	landlord     common.Address
	tenant       common.Address
	paymentToken common.Address

	rent          *uint256.Int
	deposit       *uint256.Int
	rentGuarantee *uint256.Int

	rentPeriod  uint64
	nextRentDue uint64
	state       State

	createdAt    uint64
	enteredAt    uint64
	terminatedAt uint64

	ledger   token.Ledger
	clock    Clock
	sink     events.Sink
	log      *slog.Logger
	audit    *slog.Logger
	observer Observer
}

// New validates p and returns a proposed agreement.
func New(p Params, opts ...Option) (*Agreement, error) {
	if err := validateParams(p); err != nil {
		return nil, err
	}
	a := newAgreement(p.Ledger, opts)
	a.address = p.Address
	a.landlord = p.Landlord
	a.tenant = p.Tenant
	a.paymentToken = p.PaymentToken
	a.rent = token.Copy(p.Terms.Rent)
	a.deposit = token.Copy(p.Terms.Deposit)
	a.rentGuarantee = token.Copy(p.Terms.RentGuarantee)
	a.rentPeriod = periodSeconds(p.RentPeriod)
	a.state = StateProposed
	a.createdAt = a.now()
	return a, nil
}

func newAgreement(ledger token.Ledger, opts []Option) *Agreement {
	a := &Agreement{
		ledger: ledger,
		clock:  SystemClock{},
		sink:   events.Discard,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	if a.log == nil {
		a.log = logger.Named("lease")
	}
	if a.audit == nil {
		a.audit = logger.Audit()
	}
	return a
}

func validateParams(p Params) error {
	invalid := func(reason string) error {
		return xerrors.New(CodeInvalidTerms, reason)
	}
	if p.Address == (common.Address{}) {
		return invalid("agreement address is required")
	}
	if p.Landlord == (common.Address{}) {
		return invalid("landlord is required")
	}
	if p.Tenant == p.Landlord {
		return invalid("tenant and landlord must differ")
	}
	if p.Address == p.Landlord || p.Address == p.Tenant {
		return invalid("agreement address must not be a party")
	}
	if p.PaymentToken == (common.Address{}) {
		return invalid("payment token is required")
	}
	if p.Ledger == nil {
		return invalid("token ledger is required")
	}
	if p.Ledger.Token() != p.PaymentToken {
		return xerrors.New(CodeInvalidTerms, "ledger does not track the payment token",
			xerrors.WithMetadata("payment_token", p.PaymentToken.Hex()),
			xerrors.WithMetadata("ledger_token", p.Ledger.Token().Hex()))
	}
	if p.Terms.Rent == nil || p.Terms.Deposit == nil || p.Terms.RentGuarantee == nil {
		return invalid("rent, deposit and rent guarantee are required")
	}
	if p.RentPeriod < time.Second {
		return invalid("rent period must be at least one second")
	}
	if _, overflow := token.Sum(p.Terms.Rent, p.Terms.Deposit, p.Terms.RentGuarantee); overflow {
		return xerrors.New(CodeOverflow, "upfront amount overflows")
	}
	return nil
}

func periodSeconds(d time.Duration) uint64 {
	return uint64(d / time.Second)
}

// Address returns the agreement's custody address.
func (a *Agreement) Address() common.Address { return a.address }

// Landlord returns the landlord address.
func (a *Agreement) Landlord() common.Address { return a.landlord }

// PaymentToken returns the token all transfers use.
func (a *Agreement) PaymentToken() common.Address { return a.paymentToken }

// RentPeriod returns the schedule interval.
func (a *Agreement) RentPeriod() time.Duration {
	return time.Duration(a.rentPeriod) * time.Second
}

// Tenant returns the tenant, or the zero address while an open proposal has
// not been entered.
func (a *Agreement) Tenant() common.Address {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tenant
}

// Rent returns the per-period rent.
func (a *Agreement) Rent() *uint256.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return token.Copy(a.rent)
}

// Deposit returns the current deposit pool.
func (a *Agreement) Deposit() *uint256.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return token.Copy(a.deposit)
}

// RentGuarantee returns the current guarantee pool.
func (a *Agreement) RentGuarantee() *uint256.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return token.Copy(a.rentGuarantee)
}

// NextRentDue returns the next due date as Unix seconds (zero before entry).
func (a *Agreement) NextRentDue() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nextRentDue
}

// State returns the lifecycle state.
func (a *Agreement) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// UnpaidPeriods is the number of WithdrawUnpaidRent calls that would succeed
// at now, ignoring the guarantee balance.
func (a *Agreement) UnpaidPeriods(now time.Time) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateActive || now.Unix() < 0 {
		return 0
	}
	ts := uint64(now.Unix())
	threshold, carry := bits.Add64(a.nextRentDue, a.rentPeriod, 0)
	if carry != 0 || ts < threshold {
		return 0
	}
	return (ts - a.nextRentDue) / a.rentPeriod
}

func (a *Agreement) now() uint64 {
	ts := a.clock.Now().Unix()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

func (a *Agreement) nowTime(ts uint64) time.Time {
	return time.Unix(int64(ts), 0)
}

func callerOf(ctx context.Context) (common.Address, error) {
	caller, ok := auth.CallerFrom(ctx)
	if !ok {
		return common.Address{}, xerrors.New(CodeUnauthorized, "caller identity missing")
	}
	return caller, nil
}

func unauthorized(op string, caller common.Address) error {
	return xerrors.New(CodeUnauthorized, fmt.Sprintf("%s not permitted for caller", op),
		xerrors.WithMetadata("caller", caller.Hex()))
}

func (a *Agreement) notActive(op string) error {
	return xerrors.New(CodeNotActive, fmt.Sprintf("%s requires an active agreement", op),
		xerrors.WithMetadata("state", string(a.state)))
}

func (a *Agreement) finish(op string, caller common.Address, moved *uint256.Int, err error) {
	code := xerrors.Code("OK")
	if err != nil {
		code = xerrors.CodeOf(err)
	}
	if a.observer != nil {
		a.observer.ObserveOperation(op, code, moved)
	}
	if err != nil {
		level := slog.LevelInfo
		if xerrors.ShouldAlert(err) {
			level = slog.LevelError
		}
		a.log.Log(context.Background(), level, "lease operation rejected",
			slog.String("op", op),
			slog.String("agreement", a.address.Hex()),
			slog.String("caller", caller.Hex()),
			slog.String("code", string(code)),
			slog.Any("error", err),
		)
	}
}
