package engine

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"autorepayd/journal"
)

type fakeReader struct {
	isLockedFn func(ctx context.Context, ipID common.Address) (bool, error)
	lockInfoFn func(ctx context.Context, ipID common.Address) (LockInfo, error)
	royaltyFn  func(ctx context.Context, ipID common.Address) (*big.Int, error)
	previewFn  func(ctx context.Context, amountRaw *big.Int, target common.Address) (*big.Int, error)
}

func (f *fakeReader) IsLocked(ctx context.Context, ipID common.Address) (bool, error) {
	if f != nil && f.isLockedFn != nil {
		return f.isLockedFn(ctx, ipID)
	}
	return false, nil
}

func (f *fakeReader) LockInfo(ctx context.Context, ipID common.Address) (LockInfo, error) {
	if f != nil && f.lockInfoFn != nil {
		return f.lockInfoFn(ctx, ipID)
	}
	return LockInfo{Debt: big.NewInt(0)}, nil
}

func (f *fakeReader) RoyaltyBalance(ctx context.Context, ipID common.Address) (*big.Int, error) {
	if f != nil && f.royaltyFn != nil {
		return f.royaltyFn(ctx, ipID)
	}
	return big.NewInt(0), nil
}

func (f *fakeReader) PreviewConversion(ctx context.Context, amountRaw *big.Int, target common.Address) (*big.Int, error) {
	if f != nil && f.previewFn != nil {
		return f.previewFn(ctx, amountRaw, target)
	}
	return big.NewInt(0), nil
}

type fakeWriter struct {
	submitLockFn   func(ctx context.Context, ipID, target common.Address) (common.Hash, error)
	submitClaimFn  func(ctx context.Context, ipID common.Address) (common.Hash, error)
	submitUnlockFn func(ctx context.Context, ipID common.Address) (common.Hash, error)
	awaitFn        func(ctx context.Context, hash common.Hash, timeout time.Duration) (Confirmation, error)
	txStatusFn     func(ctx context.Context, hash common.Hash) (Confirmation, error)
}

func (f *fakeWriter) SubmitLock(ctx context.Context, ipID, target common.Address) (common.Hash, error) {
	if f != nil && f.submitLockFn != nil {
		return f.submitLockFn(ctx, ipID, target)
	}
	return common.Hash{}, nil
}

func (f *fakeWriter) SubmitClaim(ctx context.Context, ipID common.Address) (common.Hash, error) {
	if f != nil && f.submitClaimFn != nil {
		return f.submitClaimFn(ctx, ipID)
	}
	return common.Hash{}, nil
}

func (f *fakeWriter) SubmitUnlock(ctx context.Context, ipID common.Address) (common.Hash, error) {
	if f != nil && f.submitUnlockFn != nil {
		return f.submitUnlockFn(ctx, ipID)
	}
	return common.Hash{}, nil
}

func (f *fakeWriter) AwaitConfirmation(ctx context.Context, hash common.Hash, timeout time.Duration) (Confirmation, error) {
	if f != nil && f.awaitFn != nil {
		return f.awaitFn(ctx, hash, timeout)
	}
	return Confirmation{State: TxConfirmed}, nil
}

func (f *fakeWriter) TxStatus(ctx context.Context, hash common.Hash) (Confirmation, error) {
	if f != nil && f.txStatusFn != nil {
		return f.txStatusFn(ctx, hash)
	}
	return Confirmation{State: TxPending}, nil
}

type memoryJournal struct {
	mu      sync.Mutex
	entries map[string]journal.Entry
	order   []string
}

func newMemoryJournal() *memoryJournal {
	return &memoryJournal{entries: make(map[string]journal.Entry)}
}

func (m *memoryJournal) Append(entry journal.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.Outcome == "" {
		entry.Outcome = journal.OutcomePending
	}
	if _, ok := m.entries[entry.ID]; !ok {
		m.order = append(m.order, entry.ID)
	}
	m.entries[entry.ID] = entry
	return nil
}

func (m *memoryJournal) Resolve(id string, outcome journal.Outcome, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return journal.ErrNotFound
	}
	entry.Outcome = outcome
	entry.Reason = reason
	resolved := at.UTC()
	entry.ResolvedAt = &resolved
	m.entries[id] = entry
	return nil
}

func (m *memoryJournal) PendingFor(ipID string) ([]journal.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pending []journal.Entry
	for _, id := range m.order {
		entry := m.entries[id]
		if entry.IPID == ipID && entry.Outcome == journal.OutcomePending {
			pending = append(pending, entry)
		}
	}
	return pending, nil
}
