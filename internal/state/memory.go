package state

import (
	"context"
	"sort"
	"sync"

	"github.com/picklr-io/tierctl/internal/ir"
)

// MemoryStore keeps state in process. It backs tests and dry runs.
type MemoryStore struct {
	mu        sync.Mutex
	resources map[string]*ir.ResourceState
	locks     *lockSet
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		resources: make(map[string]*ir.ResourceState),
		locks:     newLockSet(),
	}
}

// Seed copies every entry of another store into a new MemoryStore.
func Seed(ctx context.Context, from Store) (*MemoryStore, error) {
	m := NewMemoryStore()
	list, err := from.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, rs := range list {
		m.resources[rs.ID] = rs.Clone()
	}
	return m, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*ir.ResourceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resources[id].Clone(), nil
}

func (m *MemoryStore) Put(_ context.Context, rs *ir.ResourceState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[rs.ID] = rs.Clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.resources, id)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]*ir.ResourceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ir.ResourceState, 0, len(m.resources))
	for _, rs := range m.resources {
		out = append(out, rs.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Lock(_ context.Context, owner string, ids []string) (Unlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.locks.acquire(owner, ids); err != nil {
		return nil, err
	}
	held := append([]string(nil), ids...)
	return func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.locks.release(owner, held)
		return nil
	}, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
