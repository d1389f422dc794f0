package engine

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status enumerates the lifecycle states of an auto-repay position. The
// engine only moves between them on the strength of confirmed on-chain
// reads, never from a submitted transaction alone.
type Status uint8

const (
	// StatusUnlocked is the initial state and the terminal state after a
	// verified unlock.
	StatusUnlocked Status = iota
	// StatusLocked means the IP asset is bound to an outstanding debt
	// position.
	StatusLocked
	// StatusDebtSettled means the lock still exists but the debt balance
	// has reached zero.
	StatusDebtSettled
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusUnlocked, StatusLocked, StatusDebtSettled:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	switch s {
	case StatusUnlocked:
		return "unlocked"
	case StatusLocked:
		return "locked"
	case StatusDebtSettled:
		return "debt_settled"
	default:
		return "unknown"
	}
}

// Operation identifies a state-changing transaction submitted by the engine.
type Operation string

const (
	OpLock   Operation = "lock"
	OpClaim  Operation = "claim_and_repay"
	OpUnlock Operation = "unlock"
)

// Lock captures the on-chain binding between an IP asset and a debt
// position. Amounts are denominated in the smallest unit of the borrowed
// token and expressed as big integers to match on-chain precision.
type Lock struct {
	// IPID identifies the IP asset whose royalties service the debt.
	IPID common.Address
	// Owner is the account that created the lock; only this account may
	// claim or unlock.
	Owner common.Address
	// BorrowedToken is the debt asset this lock services, fixed at lock
	// time.
	BorrowedToken common.Address
	// Debt is the outstanding balance in BorrowedToken smallest units.
	Debt *big.Int
}

// Clone returns a deep copy so callers can safely mutate the copy without
// affecting the stored instance.
func (l *Lock) Clone() *Lock {
	if l == nil {
		return nil
	}
	clone := *l
	if l.Debt != nil {
		clone.Debt = new(big.Int).Set(l.Debt)
	} else {
		clone.Debt = big.NewInt(0)
	}
	return &clone
}

// RoyaltyBalance is the claimable royalty amount attributed to an IP asset.
// It changes externally (royalty deposits) and through claims, so it is
// never cached longer than one reconciliation interval.
type RoyaltyBalance struct {
	IPID      common.Address
	Token     common.Address
	AmountRaw *big.Int
}

// Clone returns a deep copy of the balance.
func (r *RoyaltyBalance) Clone() *RoyaltyBalance {
	if r == nil {
		return nil
	}
	clone := *r
	if r.AmountRaw != nil {
		clone.AmountRaw = new(big.Int).Set(r.AmountRaw)
	} else {
		clone.AmountRaw = big.NewInt(0)
	}
	return &clone
}

// ConversionPreview is a non-binding quote of what the accrued royalty
// balance would yield in the borrowed asset if claimed and converted now.
// Quotes go stale as liquidity moves; a stale preview is advisory only and
// the settled amount always comes from a post-claim refresh.
type ConversionPreview struct {
	InputAmount    *big.Int
	OutputEstimate *big.Int
	// MinimumOut applies the configured slippage tolerance to the
	// estimate.
	MinimumOut *big.Int
	QuotedAt   time.Time
}

// Clone returns a deep copy of the preview.
func (p *ConversionPreview) Clone() *ConversionPreview {
	if p == nil {
		return nil
	}
	clone := *p
	clone.InputAmount = copyAmount(p.InputAmount)
	clone.OutputEstimate = copyAmount(p.OutputEstimate)
	clone.MinimumOut = copyAmount(p.MinimumOut)
	return &clone
}

// StaleAt reports whether the quote is older than maxAge at the supplied
// instant.
func (p *ConversionPreview) StaleAt(now time.Time, maxAge time.Duration) bool {
	if p == nil || maxAge <= 0 {
		return false
	}
	return now.Sub(p.QuotedAt) > maxAge
}

// PendingWrite marks a submitted transaction whose confirmation has not
// been observed yet. A pending write keeps the single in-flight mutation
// slot occupied until a refresh resolves its receipt; it is never silently
// dropped as either success or failure.
type PendingWrite struct {
	ID          string
	Op          Operation
	TxHash      common.Hash
	SubmittedAt time.Time
}

// Snapshot is the single coherent view of a position rendered by
// observers. The engine is its only writer; callers always receive a deep
// copy.
type Snapshot struct {
	IPID        common.Address
	Status      Status
	Lock        *Lock
	Royalty     *RoyaltyBalance
	Preview     *ConversionPreview
	Pending     *PendingWrite
	RefreshedAt time.Time
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	clone := s
	clone.Lock = s.Lock.Clone()
	clone.Royalty = s.Royalty.Clone()
	clone.Preview = s.Preview.Clone()
	if s.Pending != nil {
		pending := *s.Pending
		clone.Pending = &pending
	}
	return clone
}

func copyAmount(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
