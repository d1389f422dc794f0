package engine

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestReconcilerRefreshesManagedPositions(t *testing.T) {
	state := &chainState{}
	state.applyLock(testOwner, testUSDC, 33)

	manager, err := NewManager(func(ipID common.Address) (*Engine, error) {
		return New(Config{
			IPID:    ipID,
			Account: testOwner,
			Reader:  state.reader(),
			Writer:  &fakeWriter{},
			Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
			Now:     func() time.Time { return testNow },
		})
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	eng, err := manager.Position(testIP)
	if err != nil {
		t.Fatalf("position: %v", err)
	}

	ticks := make(chan time.Time)
	rec := NewReconciler(ReconcilerConfig{
		Manager: manager,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		NewTicker: func(time.Duration) (<-chan time.Time, func()) {
			return ticks, func() {}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	updates, unsub := eng.Subscribe(1)
	defer unsub()

	ticks <- time.Now()
	select {
	case snap := <-updates:
		if snap.Status != StatusLocked {
			t.Fatalf("status = %s, want locked", snap.Status)
		}
		if got := snap.Lock.Debt.Int64(); got != 33 {
			t.Fatalf("debt = %d, want 33", got)
		}
	case <-time.After(time.Second):
		t.Fatal("tick did not refresh the position")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop on cancel")
	}
}

func TestReconcilerSkipsBusyPosition(t *testing.T) {
	var reads int
	var mu sync.Mutex
	reader := &fakeReader{
		isLockedFn: func(context.Context, common.Address) (bool, error) {
			mu.Lock()
			reads++
			mu.Unlock()
			return false, nil
		},
		royaltyFn: func(context.Context, common.Address) (*big.Int, error) {
			return big.NewInt(0), nil
		},
	}

	manager, err := NewManager(func(ipID common.Address) (*Engine, error) {
		return New(Config{
			IPID:   ipID,
			Reader: reader,
			Writer: &fakeWriter{},
			Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		})
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	eng, err := manager.Position(testIP)
	if err != nil {
		t.Fatalf("position: %v", err)
	}

	// Hold the refresh lock as a mutating transition would.
	eng.refreshMu.Lock()
	rec := NewReconciler(ReconcilerConfig{
		Manager:   manager,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		NewTicker: func(time.Duration) (<-chan time.Time, func()) { return nil, func() {} },
	})
	rec.tick(context.Background())
	mu.Lock()
	if reads != 0 {
		mu.Unlock()
		t.Fatal("tick must skip a position whose refresh lock is held")
	}
	mu.Unlock()
	eng.refreshMu.Unlock()

	rec.tick(context.Background())
	mu.Lock()
	defer mu.Unlock()
	if reads != 1 {
		t.Fatalf("reads = %d, want 1 after the lock is released", reads)
	}
}

func TestManagerReturnsSameEngine(t *testing.T) {
	state := &chainState{}
	var built int
	manager, err := NewManager(func(ipID common.Address) (*Engine, error) {
		built++
		return New(Config{
			IPID:   ipID,
			Reader: state.reader(),
			Writer: &fakeWriter{},
			Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		})
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	first, err := manager.Position(testIP)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	second, err := manager.Position(testIP)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if first != second {
		t.Fatal("manager must hand out one engine per position")
	}
	if built != 1 {
		t.Fatalf("factory calls = %d, want 1", built)
	}

	if _, err := manager.Position(testOther); err != nil {
		t.Fatalf("position: %v", err)
	}
	active := manager.Active()
	if len(active) != 2 {
		t.Fatalf("active = %d engines, want 2", len(active))
	}
}
