package lease

import (
	xerrors "RentEscrow/internal/errors"
)

const (
	CodeTermsMismatch         xerrors.Code = "TERMS_MISMATCH"
	CodeInsufficientAllowance xerrors.Code = "INSUFFICIENT_ALLOWANCE"
	CodeTransferFailed        xerrors.Code = "TRANSFER_FAILED"
	CodeInvalidDepositAmount  xerrors.Code = "INVALID_DEPOSIT_AMOUNT"
	CodeNoUnpaidRent          xerrors.Code = "NO_UNPAID_RENT"
	CodeUnauthorized          xerrors.Code = "UNAUTHORIZED"
	CodeOverflow              xerrors.Code = "OVERFLOW"
	CodeInvariantViolation    xerrors.Code = "INVARIANT_VIOLATION"
	CodeNotActive             xerrors.Code = "AGREEMENT_NOT_ACTIVE"
	CodeAlreadyEntered        xerrors.Code = "AGREEMENT_ALREADY_ENTERED"
	CodeInvalidTerms          xerrors.Code = "INVALID_TERMS"
)

var (
	ErrTermsMismatch         = xerrors.New(CodeTermsMismatch, "entry terms do not match the proposal")
	ErrInsufficientAllowance = xerrors.New(CodeInsufficientAllowance, "allowance too low")
	ErrTransferFailed        = xerrors.New(CodeTransferFailed, "token transfer failed")
	ErrInvalidDepositAmount  = xerrors.New(CodeInvalidDepositAmount, "refund exceeds deposit")
	ErrNoUnpaidRent          = xerrors.New(CodeNoUnpaidRent, "no full rent period has lapsed past the due date")
	ErrUnauthorized          = xerrors.New(CodeUnauthorized, "caller may not perform this operation")
	ErrOverflow              = xerrors.New(CodeOverflow, "arithmetic overflow")
	ErrInvariantViolation    = xerrors.New(CodeInvariantViolation, "agreement invariant violated")
	ErrNotActive             = xerrors.New(CodeNotActive, "agreement is not active")
	ErrAlreadyEntered        = xerrors.New(CodeAlreadyEntered, "agreement already entered")
	ErrInvalidTerms          = xerrors.New(CodeInvalidTerms, "invalid agreement terms")
)

func init() {
	xerrors.Register(CodeTermsMismatch, xerrors.Attributes{
		Message:  "entry terms do not match the proposal",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInsufficientAllowance, xerrors.Attributes{
		Message:   "allowance too low",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
	})
	xerrors.Register(CodeTransferFailed, xerrors.Attributes{
		Message:   "token transfer failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeInvalidDepositAmount, xerrors.Attributes{
		Message:  "refund exceeds deposit",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeNoUnpaidRent, xerrors.Attributes{
		Message:   "no full rent period has lapsed past the due date",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
	})
	xerrors.Register(CodeUnauthorized, xerrors.Attributes{
		Message:  "caller may not perform this operation",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeOverflow, xerrors.Attributes{
		Message:  "arithmetic overflow",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeInvariantViolation, xerrors.Attributes{
		Message:  "agreement invariant violated",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeNotActive, xerrors.Attributes{
		Message:  "agreement is not active",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAlreadyEntered, xerrors.Attributes{
		Message:  "agreement already entered",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInvalidTerms, xerrors.Attributes{
		Message:  "invalid agreement terms",
		Severity: xerrors.SeverityInfo,
	})
}
