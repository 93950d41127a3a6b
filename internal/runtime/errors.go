package runtime

import (
	"errors"
	"fmt"
)

// Error classes reported in receipts.
const (
	ClassDomain = "domain"
	ClassFault  = "fault"
)

// FaultCode categorizes runtime faults: failures of the host rather than
// of an instruction's own checks.
type FaultCode string

const (
	// FaultAccountExists indicates a record was created at an occupied address.
	FaultAccountExists FaultCode = "ACCOUNT_EXISTS"

	// FaultAccountNotFound indicates a required record is absent.
	FaultAccountNotFound FaultCode = "ACCOUNT_NOT_FOUND"

	// FaultBadDerivation indicates seeds that cannot produce an address.
	FaultBadDerivation FaultCode = "BAD_DERIVATION"

	// FaultMissingSignature indicates a required signer did not sign.
	FaultMissingSignature FaultCode = "MISSING_SIGNATURE"

	// FaultInvalidSignature indicates a signature that does not verify.
	FaultInvalidSignature FaultCode = "INVALID_SIGNATURE"

	// FaultUnknownInstruction indicates an instruction name with no handler.
	FaultUnknownInstruction FaultCode = "UNKNOWN_INSTRUCTION"

	// FaultMalformedTransaction indicates a transaction that cannot be decoded
	// or lacks required fields or accounts.
	FaultMalformedTransaction FaultCode = "MALFORMED_TRANSACTION"

	// FaultAlreadyProcessed indicates a transaction id already in the log.
	FaultAlreadyProcessed FaultCode = "ALREADY_PROCESSED"

	// FaultAccountKindMismatch indicates a record of the wrong kind or owner.
	FaultAccountKindMismatch FaultCode = "ACCOUNT_KIND_MISMATCH"

	// FaultArithmeticOverflow indicates a balance would exceed the supply cap.
	FaultArithmeticOverflow FaultCode = "ARITHMETIC_OVERFLOW"
)

// Fault is a runtime-level failure. A fault inside an instruction aborts
// the transition like a domain error but is reported with class "fault".
type Fault struct {
	Code    FaultCode
	Message string
}

// Error implements the error interface.
func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// Is matches any Fault with the same code.
func (f *Fault) Is(target error) bool {
	t, ok := target.(*Fault)
	return ok && t.Code == f.Code
}

// NewFault creates a Fault with a formatted message.
func NewFault(code FaultCode, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsFault returns true if err is a Fault with the given code.
// Uses errors.As to handle wrapped errors.
func IsFault(err error, code FaultCode) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code == code
	}
	return false
}

// ProgramError is a domain error raised by an instruction's checks.
// Sentinels are declared by the packages that raise them; errors.Is
// compares by code so a sentinel matches a copy with a detailed message.
type ProgramError struct {
	Code    string
	Message string
}

// Error implements the error interface.
func (e *ProgramError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any ProgramError with the same code.
func (e *ProgramError) Is(target error) bool {
	t, ok := target.(*ProgramError)
	return ok && t.Code == e.Code
}

// Wrapf returns a copy of e with extra detail appended to the message.
func (e *ProgramError) Wrapf(format string, args ...any) *ProgramError {
	return &ProgramError{Code: e.Code, Message: e.Message + " (" + fmt.Sprintf(format, args...) + ")"}
}

// NewProgramError creates a domain error sentinel.
func NewProgramError(code, message string) *ProgramError {
	return &ProgramError{Code: code, Message: message}
}

// Domain errors shared by every instruction.
var (
	// ErrInsufficientFunds is returned when a debit exceeds the spendable
	// balance or an amount that must be positive is zero.
	ErrInsufficientFunds = NewProgramError("InsufficientFunds", "balance must be more than 0 and cover the amount")

	// ErrInvalidArgument is returned when an argument is out of its allowed range.
	ErrInvalidArgument = NewProgramError("InvalidArgument", "invalid argument")
)

// Classify returns the receipt code and class of an instruction error.
// ok is false for errors that are neither faults nor domain errors; those
// abort the transition without a receipt.
func Classify(err error) (code, class string, ok bool) {
	var f *Fault
	if errors.As(err, &f) {
		return string(f.Code), ClassFault, true
	}
	var pe *ProgramError
	if errors.As(err, &pe) {
		return pe.Code, ClassDomain, true
	}
	return "", "", false
}
