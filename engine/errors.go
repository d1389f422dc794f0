package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when no signing account is configured;
	// every mutating transition refuses immediately.
	ErrNotConnected = errors.New("no signing account connected")
	// ErrReadUnavailable marks a transport failure on a read. It is never
	// conflated with "no lock exists" and is retried on the next
	// scheduled refresh, not in a tight loop.
	ErrReadUnavailable = errors.New("chain read unavailable")
	// ErrWalletRejected means the signer declined to sign; terminal for
	// the attempt, state unchanged.
	ErrWalletRejected = errors.New("signer rejected transaction")
	// ErrWriteReverted marks a write rejected by the contract. State is
	// re-derived via refresh afterwards since partial on-chain effects
	// are possible.
	ErrWriteReverted = errors.New("write reverted")
	// ErrInconsistentState is raised when a confirmed write contradicts
	// the subsequent authoritative read. It is surfaced, never
	// auto-resolved, because it indicates indexing lag or a genuine bug.
	ErrInconsistentState = errors.New("confirmed write contradicts on-chain state")
	// ErrOperationInProgress rejects a second mutating transition while
	// one is already in flight for the same position.
	ErrOperationInProgress = errors.New("operation already in progress")
	// ErrInvalidTransition rejects a transition whose precondition does
	// not hold in the current state.
	ErrInvalidTransition = errors.New("transition not allowed in current state")
	// ErrNothingToClaim rejects a claim when the royalty balance is zero.
	ErrNothingToClaim = errors.New("no claimable royalty balance")
)

// RevertError carries the contract-level reason for a reverted write. It
// unwraps to ErrWriteReverted so callers can match on the class.
type RevertError struct {
	Op     Operation
	Reason string
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: execution reverted", e.Op)
	}
	return fmt.Sprintf("%s: execution reverted: %s", e.Op, e.Reason)
}

func (e *RevertError) Unwrap() error { return ErrWriteReverted }
