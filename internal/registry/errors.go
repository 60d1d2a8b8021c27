package registry

import (
	xerrors "RentEscrow/internal/errors"
)

const (
	CodeIndexOutOfRange   xerrors.Code = "INDEX_OUT_OF_RANGE"
	CodeAgreementNotFound xerrors.Code = "AGREEMENT_NOT_FOUND"
	CodeAddressExhausted  xerrors.Code = "ADDRESS_EXHAUSTED"
)

var (
	ErrIndexOutOfRange   = xerrors.New(CodeIndexOutOfRange, "no agreement at index")
	ErrAgreementNotFound = xerrors.New(CodeAgreementNotFound, "agreement not found")
	ErrAddressExhausted  = xerrors.New(CodeAddressExhausted, "could not allocate a fresh agreement address")
)

func init() {
	xerrors.Register(CodeIndexOutOfRange, xerrors.Attributes{
		Message:  "no agreement at index",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAgreementNotFound, xerrors.Attributes{
		Message:  "agreement not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAddressExhausted, xerrors.Attributes{
		Message:  "could not allocate a fresh agreement address",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}
