package model

import "errors"

// Error kinds. Every failure path wraps exactly one of these; callers
// classify with errors.Is. All of them except ErrTransferUnavailable are
// fatal to the operation and leave state unchanged.
var (
	ErrUnauthorized             = errors.New("wager: unauthorized")
	ErrAlreadyInitialized       = errors.New("wager: already initialized")
	ErrNotInitialized           = errors.New("wager: oracle not initialized")
	ErrPhaseViolation           = errors.New("wager: operation not allowed in current phase")
	ErrInvalidAmount            = errors.New("wager: amount must be positive")
	ErrInvalidOutcome           = errors.New("wager: outcome must be A or B")
	ErrInvalidIdentity          = errors.New("wager: invalid identity")
	ErrEmptyPool                = errors.New("wager: one side of the pool is empty")
	ErrInvalidPhaseTransition   = errors.New("wager: invalid phase transition")
	ErrOracleVerificationFailed = errors.New("wager: oracle verification failed")
	ErrNoWinnerSet              = errors.New("wager: no winner declared")
	ErrArithmeticOverflow       = errors.New("wager: arithmetic overflow")

	// ErrTransferUnavailable is per recipient and non-fatal: the intent is
	// reported as pending and can be retried.
	ErrTransferUnavailable = errors.New("wager: transfer destination unavailable")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrUnauthorized, "unauthorized"},
	{ErrAlreadyInitialized, "already_initialized"},
	{ErrNotInitialized, "not_initialized"},
	{ErrPhaseViolation, "phase_violation"},
	{ErrInvalidAmount, "invalid_amount"},
	{ErrInvalidOutcome, "invalid_outcome"},
	{ErrInvalidIdentity, "invalid_identity"},
	{ErrEmptyPool, "empty_pool"},
	{ErrInvalidPhaseTransition, "invalid_phase_transition"},
	{ErrOracleVerificationFailed, "oracle_verification_failed"},
	{ErrNoWinnerSet, "no_winner_set"},
	{ErrArithmeticOverflow, "arithmetic_overflow"},
	{ErrTransferUnavailable, "transfer_unavailable"},
}

// Kind names the error kind err wraps, or "internal" for anything else.
// Used as a metric label.
func Kind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "internal"
}
