package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/telhawk-systems/controlplane/provisioning/internal/tenant"
)

// MemoryStore implements Store and Resources in memory for tests.
type MemoryStore struct {
	mu        sync.Mutex
	tenants   map[string]tenant.Tenant
	resources map[string]bool
	history   map[string][]tenant.State

	now func() time.Time

	failStore   faults
	failSetup   faults
	failRelease faults

	setups   int
	releases int
}

type faults struct {
	n   int
	err error
}

func (f *faults) take() error {
	if f.n == 0 {
		return nil
	}
	f.n--
	return f.err
}

// NewMemory returns an empty store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		tenants:   make(map[string]tenant.Tenant),
		resources: make(map[string]bool),
		history:   make(map[string][]tenant.State),
		now:       time.Now,
	}
}

var (
	_ Store     = (*MemoryStore)(nil)
	_ Resources = (*MemoryStore)(nil)
)

// SetClock replaces the clock used for timestamps.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Put stores t as-is.
func (m *MemoryStore) Put(t tenant.Tenant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = m.now()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = t.UpdatedAt
	}
	m.tenants[t.Ref] = t
	m.history[t.Ref] = append(m.history[t.Ref], t.State)
}

// FailStore makes the next n Get/CreatePending/Transition calls return err.
func (m *MemoryStore) FailStore(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failStore = faults{n: n, err: err}
}

// FailSetup makes the next n Setup calls return err.
func (m *MemoryStore) FailSetup(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSetup = faults{n: n, err: err}
}

// FailRelease makes the next n Release calls return err.
func (m *MemoryStore) FailRelease(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failRelease = faults{n: n, err: err}
}

// History returns every state ref has been in, oldest first.
func (m *MemoryStore) History(ref string) []tenant.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]tenant.State(nil), m.history[ref]...)
}

// HasResources reports whether ref currently holds resources.
func (m *MemoryStore) HasResources(ref string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resources[ref]
}

// Calls returns how many Setup and Release calls succeeded.
func (m *MemoryStore) Calls() (setups, releases int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setups, m.releases
}

func (m *MemoryStore) Get(ctx context.Context, ref string) (*tenant.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, &m.failStore); err != nil {
		return nil, err
	}
	t, ok := m.tenants[ref]
	if !ok {
		return nil, ErrTenantNotFound
	}
	return &t, nil
}

func (m *MemoryStore) CreatePending(ctx context.Context, t tenant.Tenant) (*tenant.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, &m.failStore); err != nil {
		return nil, err
	}
	if existing, ok := m.tenants[t.Ref]; ok {
		return &existing, nil
	}
	now := m.now()
	t.State = tenant.StatePending
	t.CreatedAt, t.UpdatedAt = now, now
	m.tenants[t.Ref] = t
	m.history[t.Ref] = append(m.history[t.Ref], t.State)
	return &t, nil
}

func (m *MemoryStore) Transition(ctx context.Context, ref string, from, to tenant.State) (*tenant.Tenant, error) {
	if err := tenant.Transition(from, to); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, &m.failStore); err != nil {
		return nil, err
	}
	t, ok := m.tenants[ref]
	if !ok {
		return nil, ErrTenantNotFound
	}
	if t.State != from {
		return nil, fmt.Errorf("%w: %s is %s, expected %s", ErrStateConflict, ref, t.State, from)
	}
	t.State = to
	t.UpdatedAt = m.now()
	m.tenants[ref] = t
	m.history[ref] = append(m.history[ref], to)
	return &t, nil
}

func (m *MemoryStore) Setup(ctx context.Context, t *tenant.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, &m.failSetup); err != nil {
		return err
	}
	m.resources[t.Ref] = true
	m.setups++
	return nil
}

func (m *MemoryStore) Release(ctx context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, &m.failRelease); err != nil {
		return err
	}
	delete(m.resources, ref)
	m.releases++
	return nil
}

func (m *MemoryStore) check(ctx context.Context, f *faults) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.take()
}
