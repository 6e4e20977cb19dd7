package registry

import (
	"context"

	"github.com/utilitywarehouse/index-sync/internal/lock"
)

// MemoryBackend keeps records in process memory. it is used for dry runs
// and tests.
type MemoryBackend struct {
	lock    lock.RWMutex
	records map[string]State
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]State)}
}

func (m *MemoryBackend) Get(_ context.Context, url string) (*State, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	s, ok := m.records[url]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *MemoryBackend) Insert(_ context.Context, state State) (*State, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.records[state.URL]; ok {
		return nil, ErrAlreadyExists
	}
	state.Version = 0
	m.records[state.URL] = state
	return &state, nil
}

func (m *MemoryBackend) CompareAndSwap(_ context.Context, state State, expected int64) (*State, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	current, ok := m.records[state.URL]
	if !ok || current.Version != expected {
		return nil, ErrVersionConflict
	}
	state.Version = expected + 1
	m.records[state.URL] = state
	return &state, nil
}

func (m *MemoryBackend) Close() error {
	return nil
}
