// ============================================================================
// Ledger - account store contract shared by every execution domain
// ============================================================================
//
// Package: internal/ledger
// File: ledger.go
// Purpose: The two calls the pipeline makes against a domain:
//
//   GetAccount(addr) -> *AccountInfo | nil   (nil means absent, not an error)
//   Submit(ixs, signer) -> Receipt | *RejectedError
//
// A submission is atomic: either every instruction applies or none does.
//
// ============================================================================

package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/cron-provisioner/pkg/types"
)

// Ledger is a remote or local account store.
type Ledger interface {
	// GetAccount returns the account at addr, or nil if none exists.
	GetAccount(ctx context.Context, addr types.Address) (*types.AccountInfo, error)
	// Submit applies ixs atomically on behalf of signer.
	Submit(ctx context.Context, ixs []types.Instruction, signer types.Address) (types.Receipt, error)
}

// Seeder is implemented by domains that accept a cloned account from another
// domain (delegation hand-off).
type Seeder interface {
	Seed(ctx context.Context, acct *types.AccountInfo) error
}

// Reject codes shared by the built-in programs.
const (
	CodeUnknownProgram     = "unknown_program"
	CodeInvalidInstruction = "invalid_instruction"
	CodeAccountInUse       = "account_in_use"
	CodeAccountNotFound    = "account_not_found"
	CodeInsufficientFunds  = "insufficient_funds"
	CodeMissingSigner      = "missing_signer"
	CodeUnauthorized       = "unauthorized"
	CodeSeedMismatch       = "seed_mismatch"
)

var (
	// ErrRejected is matched by every *RejectedError.
	ErrRejected = errors.New("rejected by ledger")

	errNoAccount = errors.New("no account")
)

// RejectedError is returned when a domain refuses a submission.
type RejectedError struct {
	Code        string
	Reason      string
	Instruction int
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected by ledger: instruction %d: %s: %s", e.Instruction, e.Code, e.Reason)
}

// Is makes errors.Is(err, ErrRejected) hold.
func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

// Reject builds a RejectedError. The instruction index is filled in by the
// domain once the failing instruction is known.
func Reject(code, format string, args ...any) *RejectedError {
	return &RejectedError{Code: code, Reason: fmt.Sprintf(format, args...), Instruction: -1}
}

// RejectCode returns the code of a wrapped RejectedError, or "".
func RejectCode(err error) string {
	var re *RejectedError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// IsRejected reports whether err is a rejection with the given code.
func IsRejected(err error, code string) bool {
	return RejectCode(err) == code
}
