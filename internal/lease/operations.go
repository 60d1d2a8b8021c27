package lease

import (
	"context"
	"log/slog"
	"math/bits"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	xerrors "RentEscrow/internal/errors"
	"RentEscrow/internal/events"
	"RentEscrow/internal/token"
)

const (
	OpEnter              = "enter_agreement"
	OpPayRent            = "pay_rent"
	OpWithdrawUnpaidRent = "withdraw_unpaid_rent"
	OpEndRental          = "end_rental"
)

// EnterAgreement activates a proposed agreement. The caller must be the
// tenant (or anyone but the landlord for an open proposal) and must repeat
// the proposed landlord and amounts exactly. The deposit and guarantee move
// into custody and the first period's rent goes straight to the landlord.
func (a *Agreement) EnterAgreement(ctx context.Context, landlord common.Address, deposit, rentGuarantee, rent *uint256.Int) (err error) {
	caller, err := callerOf(ctx)
	if err != nil {
		a.finish(OpEnter, caller, nil, err)
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var moved *uint256.Int
	defer func() { a.finish(OpEnter, caller, moved, err) }()

	if a.tenant != (common.Address{}) && caller != a.tenant {
		return unauthorized(OpEnter, caller)
	}
	if caller == a.landlord || caller == a.address {
		return unauthorized(OpEnter, caller)
	}
	if a.state != StateProposed {
		return xerrors.New(CodeAlreadyEntered, "agreement can only be entered once",
			xerrors.WithMetadata("state", string(a.state)))
	}
	if err := a.matchTerms(landlord, deposit, rentGuarantee, rent); err != nil {
		return err
	}

	custody, overflow := token.Sum(a.deposit, a.rentGuarantee)
	if overflow {
		return xerrors.New(CodeOverflow, "deposit plus guarantee overflows")
	}
	upfront, overflow := token.Sum(custody, a.rent)
	if overflow {
		return xerrors.New(CodeOverflow, "upfront amount overflows")
	}
	if err := a.requireAllowance(ctx, caller, upfront); err != nil {
		return err
	}

	now := a.now()
	next, carry := bits.Add64(now, a.rentPeriod, 0)
	if carry != 0 {
		return xerrors.New(CodeOverflow, "rent due date overflows")
	}

	legs := nonZero(
		token.TransferFrom(a.address, caller, a.address, custody),
		token.TransferFrom(a.address, caller, a.landlord, a.rent),
	)
	if err := a.execute(ctx, legs); err != nil {
		return err
	}

	a.tenant = caller
	a.nextRentDue = next
	a.enteredAt = now
	a.state = StateActive
	moved = upfront

	a.emit(ctx, events.KindAgreementEntered, now, map[string]string{
		"landlord":       a.landlord.Hex(),
		"tenant":         a.tenant.Hex(),
		"payment_token":  a.paymentToken.Hex(),
		"rent":           a.rent.Dec(),
		"deposit":        a.deposit.Dec(),
		"rent_guarantee": a.rentGuarantee.Dec(),
		"next_rent_due":  strconv.FormatUint(a.nextRentDue, 10),
	})
	a.audit.Info("agreement_entered",
		slog.String("agreement", a.address.Hex()),
		slog.String("tenant", a.tenant.Hex()),
		slog.String("custody_in", custody.Dec()),
		slog.String("rent_forwarded", a.rent.Dec()),
		slog.Uint64("next_rent_due", a.nextRentDue),
	)
	return nil
}

// PayRent forwards one period's rent from the tenant to the landlord and
// advances the schedule by exactly one period, however early or late the
// payment is.
func (a *Agreement) PayRent(ctx context.Context) (err error) {
	caller, err := callerOf(ctx)
	if err != nil {
		a.finish(OpPayRent, caller, nil, err)
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var moved *uint256.Int
	defer func() { a.finish(OpPayRent, caller, moved, err) }()

	if a.tenant == (common.Address{}) || caller != a.tenant {
		return unauthorized(OpPayRent, caller)
	}
	if a.state != StateActive {
		return a.notActive(OpPayRent)
	}
	if err := a.requireAllowance(ctx, caller, a.rent); err != nil {
		return err
	}
	next, carry := bits.Add64(a.nextRentDue, a.rentPeriod, 0)
	if carry != 0 {
		return xerrors.New(CodeOverflow, "rent due date overflows")
	}

	legs := nonZero(token.TransferFrom(a.address, a.tenant, a.landlord, a.rent))
	if err := a.execute(ctx, legs); err != nil {
		return err
	}

	now := a.now()
	a.nextRentDue = next
	moved = token.Copy(a.rent)

	a.emit(ctx, events.KindRentPaid, now, map[string]string{
		"tenant":        a.tenant.Hex(),
		"landlord":      a.landlord.Hex(),
		"amount":        a.rent.Dec(),
		"next_rent_due": strconv.FormatUint(a.nextRentDue, 10),
	})
	a.audit.Info("rent_paid",
		slog.String("agreement", a.address.Hex()),
		slog.String("amount", a.rent.Dec()),
		slog.Uint64("next_rent_due", a.nextRentDue),
	)
	return nil
}

// WithdrawUnpaidRent lets the landlord cover exactly one missed period out of
// the guarantee. It succeeds only once a full period has lapsed past the due
// date, pays min(rent, guarantee) and advances the schedule by one period.
// Landlords sweep several missed periods by calling it repeatedly.
func (a *Agreement) WithdrawUnpaidRent(ctx context.Context) (err error) {
	caller, err := callerOf(ctx)
	if err != nil {
		a.finish(OpWithdrawUnpaidRent, caller, nil, err)
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var moved *uint256.Int
	defer func() { a.finish(OpWithdrawUnpaidRent, caller, moved, err) }()

	if caller != a.landlord {
		return unauthorized(OpWithdrawUnpaidRent, caller)
	}
	if a.state != StateActive {
		return a.notActive(OpWithdrawUnpaidRent)
	}

	threshold, carry := bits.Add64(a.nextRentDue, a.rentPeriod, 0)
	if carry != 0 {
		return xerrors.New(CodeOverflow, "rent due date overflows")
	}
	now := a.now()
	if now < threshold {
		return xerrors.New(CodeNoUnpaidRent, "rent is not a full period overdue",
			xerrors.WithMetadata("next_rent_due", strconv.FormatUint(a.nextRentDue, 10)),
			xerrors.WithMetadata("claimable_at", strconv.FormatUint(threshold, 10)))
	}

	amount := token.Copy(a.rent)
	if a.rentGuarantee.Lt(amount) {
		amount = token.Copy(a.rentGuarantee)
	}
	if err := a.requireCustody(ctx, amount); err != nil {
		return err
	}

	legs := nonZero(token.Transfer(a.address, a.landlord, amount))
	if err := a.execute(ctx, legs); err != nil {
		return err
	}

	a.rentGuarantee.Sub(a.rentGuarantee, amount)
	a.nextRentDue = threshold
	moved = amount

	a.emit(ctx, events.KindUnpaidRentWithdrawn, now, map[string]string{
		"landlord":       a.landlord.Hex(),
		"amount":         amount.Dec(),
		"rent_guarantee": a.rentGuarantee.Dec(),
		"next_rent_due":  strconv.FormatUint(a.nextRentDue, 10),
	})
	a.audit.Info("unpaid_rent_withdrawn",
		slog.String("agreement", a.address.Hex()),
		slog.String("amount", amount.Dec()),
		slog.String("rent_guarantee", a.rentGuarantee.Dec()),
		slog.Uint64("next_rent_due", a.nextRentDue),
	)
	return nil
}

// EndRental terminates the agreement. The tenant receives
// refundToTenantFromDeposit plus the whole guarantee; the landlord keeps the
// rest of the deposit.
func (a *Agreement) EndRental(ctx context.Context, refundToTenantFromDeposit *uint256.Int) (err error) {
	caller, err := callerOf(ctx)
	if err != nil {
		a.finish(OpEndRental, caller, nil, err)
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var moved *uint256.Int
	defer func() { a.finish(OpEndRental, caller, moved, err) }()

	if caller != a.landlord {
		return unauthorized(OpEndRental, caller)
	}
	if a.state != StateActive {
		return a.notActive(OpEndRental)
	}
	if refundToTenantFromDeposit == nil {
		return xerrors.New(CodeInvalidDepositAmount, "refund amount is required")
	}
	if a.deposit.Lt(refundToTenantFromDeposit) {
		return xerrors.New(CodeInvalidDepositAmount, "refund exceeds deposit",
			xerrors.WithMetadata("deposit", a.deposit.Dec()),
			xerrors.WithMetadata("refund", refundToTenantFromDeposit.Dec()))
	}

	landlordShare := new(uint256.Int).Sub(a.deposit, refundToTenantFromDeposit)
	tenantShare, overflow := token.Sum(refundToTenantFromDeposit, a.rentGuarantee)
	if overflow {
		return xerrors.New(CodeOverflow, "tenant refund overflows")
	}
	custody, _ := token.Sum(a.deposit, a.rentGuarantee)
	if err := a.requireCustody(ctx, custody); err != nil {
		return err
	}

	legs := nonZero(
		token.Transfer(a.address, a.landlord, landlordShare),
		token.Transfer(a.address, a.tenant, tenantShare),
	)
	if err := a.execute(ctx, legs); err != nil {
		return err
	}

	now := a.now()
	a.deposit.Clear()
	a.rentGuarantee.Clear()
	a.state = StateTerminated
	a.terminatedAt = now
	moved = custody

	a.emit(ctx, events.KindAgreementTerminated, now, map[string]string{
		"landlord":        a.landlord.Hex(),
		"tenant":          a.tenant.Hex(),
		"landlord_amount": landlordShare.Dec(),
		"tenant_amount":   tenantShare.Dec(),
		"deposit_refund":  refundToTenantFromDeposit.Dec(),
	})
	a.audit.Info("agreement_terminated",
		slog.String("agreement", a.address.Hex()),
		slog.String("landlord_amount", landlordShare.Dec()),
		slog.String("tenant_amount", tenantShare.Dec()),
	)
	return nil
}

func (a *Agreement) matchTerms(landlord common.Address, deposit, rentGuarantee, rent *uint256.Int) error {
	mismatch := func(field, want, got string) error {
		return xerrors.New(CodeTermsMismatch, field+" does not match the proposal",
			xerrors.WithMetadata("field", field),
			xerrors.WithMetadata("proposed", want),
			xerrors.WithMetadata("supplied", got))
	}
	if landlord != a.landlord {
		return mismatch("landlord", a.landlord.Hex(), landlord.Hex())
	}
	if deposit == nil || !deposit.Eq(a.deposit) {
		return mismatch("deposit", a.deposit.Dec(), token.Copy(deposit).Dec())
	}
	if rentGuarantee == nil || !rentGuarantee.Eq(a.rentGuarantee) {
		return mismatch("rent_guarantee", a.rentGuarantee.Dec(), token.Copy(rentGuarantee).Dec())
	}
	if rent == nil || !rent.Eq(a.rent) {
		return mismatch("rent", a.rent.Dec(), token.Copy(rent).Dec())
	}
	return nil
}

// requireAllowance fails before any transfer when owner has not authorised
// the agreement for at least required.
func (a *Agreement) requireAllowance(ctx context.Context, owner common.Address, required *uint256.Int) error {
	allowance, err := a.ledger.Allowance(ctx, owner, a.address)
	if err != nil {
		return xerrors.Wrap(CodeTransferFailed, err, "read allowance")
	}
	if allowance.Lt(required) {
		shortfall := new(uint256.Int).Sub(required, allowance)
		return xerrors.New(CodeInsufficientAllowance, "allowance too low",
			xerrors.WithMetadata("required", required.Dec()),
			xerrors.WithMetadata("allowance", allowance.Dec()),
			xerrors.WithMetadata("shortfall", shortfall.Dec()))
	}
	return nil
}

// requireCustody checks the ledger still holds what the pools say it holds.
func (a *Agreement) requireCustody(ctx context.Context, required *uint256.Int) error {
	balance, err := a.ledger.BalanceOf(ctx, a.address)
	if err != nil {
		return xerrors.Wrap(CodeTransferFailed, err, "read custody balance")
	}
	if balance.Lt(required) {
		return xerrors.New(CodeInvariantViolation, "custody balance below pool total",
			xerrors.WithMetadata("balance", balance.Dec()),
			xerrors.WithMetadata("required", required.Dec()))
	}
	return nil
}

func (a *Agreement) execute(ctx context.Context, legs []token.Leg) error {
	if len(legs) == 0 {
		return nil
	}
	if err := a.ledger.Execute(ctx, legs...); err != nil {
		return xerrors.Wrap(CodeTransferFailed, err, "ledger rejected transfer batch")
	}
	return nil
}

func (a *Agreement) emit(ctx context.Context, kind events.Kind, at uint64, attrs map[string]string) {
	a.sink.Emit(ctx, events.New(kind, a.address, a.nowTime(at), attrs))
}

func nonZero(legs ...token.Leg) []token.Leg {
	out := legs[:0]
	for _, leg := range legs {
		if leg.Amount != nil && !leg.Amount.IsZero() {
			out = append(out, leg)
		}
	}
	return out
}
