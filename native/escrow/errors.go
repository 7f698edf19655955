package escrow

import "errors"

// Error classes surfaced by the ledger. Every failure returned by an
// operation wraps exactly one of these together with a specific reason, so
// callers classify with errors.Is and report err.Error() verbatim.
var (
	ErrInvalidInput     = errors.New("escrow: invalid input")
	ErrUnauthorized     = errors.New("escrow: unauthorized")
	ErrInvalidState     = errors.New("escrow: invalid state")
	ErrAmountMismatch   = errors.New("escrow: amount mismatch")
	ErrTimingNotElapsed = errors.New("escrow: cooldown not elapsed")
	ErrTransferFailed   = errors.New("escrow: transfer failed")
	ErrReentrant        = errors.New("escrow: reentrant call")

	// ErrUnsolicitedTransfer is returned by the ledger's receive hook for
	// value sent to its custody address outside of Deposit.
	ErrUnsolicitedTransfer = errors.New("escrow: unsolicited transfer rejected")
)

var errNilState = errors.New("escrow ledger: state not configured")

// Code returns a stable machine-readable code for the error class of err, or
// an empty string when err does not belong to the ledger taxonomy.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, ErrReentrant):
		return "reentrant"
	case errors.Is(err, ErrTimingNotElapsed):
		return "timing_not_elapsed"
	case errors.Is(err, ErrAmountMismatch):
		return "amount_mismatch"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrUnsolicitedTransfer):
		return "invalid_input"
	default:
		return ""
	}
}
