package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Factory builds an engine for a position on first use.
type Factory func(ipID common.Address) (*Engine, error)

// Manager hands out exactly one engine per IP asset so the single-writer
// ownership of OrchestrationState holds process-wide.
type Manager struct {
	mu      sync.Mutex
	factory Factory
	engines map[common.Address]*Engine
}

// NewManager constructs a manager around an engine factory.
func NewManager(factory Factory) (*Manager, error) {
	if factory == nil {
		return nil, fmt.Errorf("manager requires an engine factory")
	}
	return &Manager{
		factory: factory,
		engines: make(map[common.Address]*Engine),
	}, nil
}

// Position returns the engine owning the given IP asset, creating it on
// first use.
func (m *Manager) Position(ipID common.Address) (*Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if eng, ok := m.engines[ipID]; ok {
		return eng, nil
	}
	eng, err := m.factory(ipID)
	if err != nil {
		return nil, err
	}
	m.engines[ipID] = eng
	return eng, nil
}

// Active lists the engines currently managed, in stable order.
func (m *Manager) Active() []*Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Engine, 0, len(m.engines))
	for _, eng := range m.engines {
		out = append(out, eng)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ipID.Hex() < out[j].ipID.Hex()
	})
	return out
}
