// Package directory resolves who receives a tenant's notifications.
package directory

import (
	"context"
	"errors"
	"sync"
)

var ErrRecipientNotFound = errors.New("recipient not found")

// Recipient is the billing contact of a tenant.
type Recipient struct {
	TenantRef string `json:"tenant_ref"`
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
}

// Directory resolves a tenant's recipient. Resolve returns
// ErrRecipientNotFound when the tenant has no contact.
type Directory interface {
	Resolve(ctx context.Context, tenantRef string) (*Recipient, error)
}

// MemoryDirectory is an in-memory Directory for tests and local runs.
type MemoryDirectory struct {
	mu         sync.Mutex
	recipients map[string]Recipient
	failNext   int
	failErr    error
	calls      int
}

func NewMemory(recipients ...Recipient) *MemoryDirectory {
	m := &MemoryDirectory{recipients: make(map[string]Recipient)}
	for _, r := range recipients {
		m.recipients[r.TenantRef] = r
	}
	return m
}

func (m *MemoryDirectory) Put(r Recipient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recipients[r.TenantRef] = r
}

// FailNext makes the next n Resolve calls return err.
func (m *MemoryDirectory) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext, m.failErr = n, err
}

// Calls returns how many times Resolve was called.
func (m *MemoryDirectory) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MemoryDirectory) Resolve(ctx context.Context, tenantRef string) (*Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failNext > 0 {
		m.failNext--
		return nil, m.failErr
	}
	r, ok := m.recipients[tenantRef]
	if !ok {
		return nil, ErrRecipientNotFound
	}
	return &r, nil
}
