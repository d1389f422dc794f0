package engine

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"autorepayd/journal"
)

// LockInfo is the point-in-time view of a lock returned by the chain. A
// zero Owner address is the sentinel for "no lock exists".
type LockInfo struct {
	Owner common.Address
	Token common.Address
	Debt  *big.Int
}

// Reader answers read-only queries against the lending and royalty
// contracts. Every call is an independent point-in-time snapshot with no
// side effects; "not found" conditions map to sentinel values rather than
// errors, and only transport failure yields an error (wrapping
// ErrReadUnavailable).
type Reader interface {
	IsLocked(ctx context.Context, ipID common.Address) (bool, error)
	LockInfo(ctx context.Context, ipID common.Address) (LockInfo, error)
	RoyaltyBalance(ctx context.Context, ipID common.Address) (*big.Int, error)
	PreviewConversion(ctx context.Context, amountRaw *big.Int, target common.Address) (*big.Int, error)
}

// TxState classifies the observed confirmation state of a submitted
// transaction.
type TxState uint8

const (
	// TxPending means no receipt was observable within the bounded wait.
	TxPending TxState = iota
	// TxConfirmed means a successful receipt was observed.
	TxConfirmed
	// TxReverted means the receipt reports contract-level failure.
	TxReverted
)

func (s TxState) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxConfirmed:
		return "confirmed"
	case TxReverted:
		return "reverted"
	default:
		return "unknown"
	}
}

// Confirmation is the outcome of waiting on a transaction receipt.
type Confirmation struct {
	State  TxState
	Reason string
}

// Writer submits state-changing transactions. Each submission is a single
// idempotency-unaware write; confirmation waiting is bounded and reports
// TxPending on timeout instead of failing.
type Writer interface {
	SubmitLock(ctx context.Context, ipID, target common.Address) (common.Hash, error)
	SubmitClaim(ctx context.Context, ipID common.Address) (common.Hash, error)
	SubmitUnlock(ctx context.Context, ipID common.Address) (common.Hash, error)
	AwaitConfirmation(ctx context.Context, hash common.Hash, timeout time.Duration) (Confirmation, error)
	// TxStatus performs a one-shot receipt check used to resolve writes
	// that previously timed out as pending.
	TxStatus(ctx context.Context, hash common.Hash) (Confirmation, error)
}

// Journal persists submitted writes so a pending transaction survives a
// restart and is never silently abandoned.
type Journal interface {
	Append(entry journal.Entry) error
	Resolve(id string, outcome journal.Outcome, reason string, at time.Time) error
	PendingFor(ipID string) ([]journal.Entry, error)
}
