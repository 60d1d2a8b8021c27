// Package lending parks idle payment tokens in an external lending market and
// brings them back with accrued interest.
package lending

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"RentEscrow/internal/auth"
	xerrors "RentEscrow/internal/errors"
	"RentEscrow/internal/token"
	"RentEscrow/pkg/logger"
)

const (
	CodeClosed            xerrors.Code = "LENDING_CLOSED"
	CodeNotOwner          xerrors.Code = "LENDING_NOT_OWNER"
	CodeInsufficientFunds xerrors.Code = "LENDING_INSUFFICIENT_FUNDS"
	CodeVenueFailure      xerrors.Code = "LENDING_VENUE_FAILURE"
)

var (
	ErrClosed            = xerrors.New(CodeClosed, "lending service is closed")
	ErrNotOwner          = xerrors.New(CodeNotOwner, "only the owner may move capital")
	ErrInsufficientFunds = xerrors.New(CodeInsufficientFunds, "not enough capital")
	ErrVenueFailure      = xerrors.New(CodeVenueFailure, "lending venue rejected the operation")
)

func init() {
	xerrors.Register(CodeClosed, xerrors.Attributes{Message: "lending service is closed", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeNotOwner, xerrors.Attributes{Message: "only the owner may move capital", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeInsufficientFunds, xerrors.Attributes{Message: "not enough capital", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeVenueFailure, xerrors.Attributes{
		Message:   "lending venue rejected the operation",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// Adapter is what the rest of the system sees of a capital deployment.
type Adapter interface {
	Supply(ctx context.Context, amount *uint256.Int) error
	Redeem(ctx context.Context, amount *uint256.Int) (*uint256.Int, error)
	RedeemAll(ctx context.Context) (*uint256.Int, error)
	ReceiptToken() common.Address
	PaymentToken() common.Address
}

// Venue is an external lending market. Supplying moves payment tokens from
// holder into the market and credits holder with receipt tokens; redeeming
// burns receipt tokens and pays the payment token out to a recipient.
type Venue interface {
	ReceiptToken() common.Address
	Supply(ctx context.Context, holder common.Address, amount *uint256.Int) error
	Redeem(ctx context.Context, holder, to common.Address, amount *uint256.Int) error
	ReceiptBalance(ctx context.Context, holder common.Address) (*uint256.Int, error)
}

// Service deploys the payment tokens held at its own address. Redeemed
// capital always goes to the owner.
type Service struct {
	mu      sync.Mutex
	address common.Address
	owner   common.Address
	ledger  token.Ledger
	venue   Venue
	closed  bool
	log     *slog.Logger
}

// NewService builds a service that custodies funds at address.
func NewService(address, owner common.Address, ledger token.Ledger, venue Venue) (*Service, error) {
	if address == (common.Address{}) || owner == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "service address and owner are required")
	}
	if ledger == nil || venue == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "ledger and venue are required")
	}
	return &Service{
		address: address,
		owner:   owner,
		ledger:  ledger,
		venue:   venue,
		log:     logger.Named("lending"),
	}, nil
}

// Address returns the custody address idle funds are sent to.
func (s *Service) Address() common.Address { return s.address }

// Owner returns the address redeemed capital is paid to.
func (s *Service) Owner() common.Address { return s.owner }

// ReceiptToken implements Adapter.
func (s *Service) ReceiptToken() common.Address { return s.venue.ReceiptToken() }

// PaymentToken implements Adapter.
func (s *Service) PaymentToken() common.Address { return s.ledger.Token() }

// Closed reports whether Close has run.
func (s *Service) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Supply moves amount of the idle balance into the venue.
func (s *Service) Supply(ctx context.Context, amount *uint256.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(ctx); err != nil {
		return err
	}
	if amount == nil || amount.IsZero() {
		return xerrors.New(xerrors.CodeInvalidArgument, "supply amount must be positive")
	}
	idle, err := s.ledger.BalanceOf(ctx, s.address)
	if err != nil {
		return xerrors.Wrap(CodeVenueFailure, err, "read idle balance")
	}
	if idle.Lt(amount) {
		return xerrors.New(CodeInsufficientFunds, "idle balance below supply amount",
			xerrors.WithMetadata("idle", idle.Dec()),
			xerrors.WithMetadata("amount", amount.Dec()))
	}
	if err := s.venue.Supply(ctx, s.address, amount); err != nil {
		return xerrors.Wrap(CodeVenueFailure, err, "supply to venue")
	}
	logger.Audit().Info("capital_supplied",
		slog.String("service", s.address.Hex()),
		slog.String("amount", amount.Dec()))
	return nil
}

// Redeem withdraws amount from the venue to the owner.
func (s *Service) Redeem(ctx context.Context, amount *uint256.Int) (*uint256.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(ctx); err != nil {
		return nil, err
	}
	return s.redeemLocked(ctx, amount)
}

// RedeemAll withdraws the whole position, principal and interest, to the owner.
func (s *Service) RedeemAll(ctx context.Context) (*uint256.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(ctx); err != nil {
		return nil, err
	}
	return s.redeemAllLocked(ctx)
}

// Close redeems everything, returns idle funds to the owner and puts the
// service in its terminal state. Later calls fail with ErrClosed.
func (s *Service) Close(ctx context.Context) (*uint256.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(ctx); err != nil {
		return nil, err
	}
	returned, err := s.redeemAllLocked(ctx)
	if err != nil {
		return nil, err
	}
	idle, err := s.ledger.BalanceOf(ctx, s.address)
	if err != nil {
		return nil, xerrors.Wrap(CodeVenueFailure, err, "read idle balance")
	}
	if !idle.IsZero() {
		if err := s.ledger.Execute(ctx, token.Transfer(s.address, s.owner, idle)); err != nil {
			return nil, xerrors.Wrap(CodeVenueFailure, err, "return idle balance")
		}
		returned.Add(returned, idle)
	}
	s.closed = true
	s.log.Info("lending service closed",
		slog.String("service", s.address.Hex()),
		slog.String("returned", returned.Dec()))
	return returned, nil
}

func (s *Service) guard(ctx context.Context) error {
	if s.closed {
		return ErrClosed
	}
	caller, ok := auth.CallerFrom(ctx)
	if !ok || caller != s.owner {
		return xerrors.New(CodeNotOwner, "only the owner may move capital",
			xerrors.WithMetadata("caller", caller.Hex()))
	}
	return nil
}

func (s *Service) redeemLocked(ctx context.Context, amount *uint256.Int) (*uint256.Int, error) {
	if amount == nil || amount.IsZero() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "redeem amount must be positive")
	}
	position, err := s.venue.ReceiptBalance(ctx, s.address)
	if err != nil {
		return nil, xerrors.Wrap(CodeVenueFailure, err, "read receipt balance")
	}
	if position.Lt(amount) {
		return nil, xerrors.New(CodeInsufficientFunds, "position below redeem amount",
			xerrors.WithMetadata("position", position.Dec()),
			xerrors.WithMetadata("amount", amount.Dec()))
	}
	if err := s.venue.Redeem(ctx, s.address, s.owner, amount); err != nil {
		return nil, xerrors.Wrap(CodeVenueFailure, err, "redeem from venue")
	}
	logger.Audit().Info("capital_redeemed",
		slog.String("service", s.address.Hex()),
		slog.String("owner", s.owner.Hex()),
		slog.String("amount", amount.Dec()))
	return token.Copy(amount), nil
}

func (s *Service) redeemAllLocked(ctx context.Context) (*uint256.Int, error) {
	position, err := s.venue.ReceiptBalance(ctx, s.address)
	if err != nil {
		return nil, xerrors.Wrap(CodeVenueFailure, err, "read receipt balance")
	}
	if position.IsZero() {
		return new(uint256.Int), nil
	}
	return s.redeemLocked(ctx, position)
}

var _ Adapter = (*Service)(nil)
