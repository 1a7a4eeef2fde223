package ledger

import (
	"context"
	"sync"
)

type key struct {
	consumer string
	eventID  string
}

// MemoryLedger keeps entries in process memory. It is meant for tests and
// single-process development setups.
type MemoryLedger struct {
	mu      sync.RWMutex
	entries map[key]Entry
	closed  bool

	// failNext makes the next n calls fail with failErr.
	failNext int
	failErr  error
}

// NewMemory returns an empty MemoryLedger.
func NewMemory() *MemoryLedger {
	return &MemoryLedger{entries: make(map[key]Entry)}
}

var _ Ledger = (*MemoryLedger)(nil)

func (l *MemoryLedger) fault() error {
	if l.failNext > 0 {
		l.failNext--
		return l.failErr
	}
	return nil
}

func (l *MemoryLedger) Lookup(ctx context.Context, consumer, eventID string) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}
	if err := l.fault(); err != nil {
		return nil, err
	}

	e, ok := l.entries[key{consumer, eventID}]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (l *MemoryLedger) Record(ctx context.Context, e Entry) (bool, error) {
	if err := e.validate(); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false, ErrClosed
	}
	if err := l.fault(); err != nil {
		return false, err
	}

	k := key{e.Consumer, e.EventID}
	if _, exists := l.entries[k]; exists {
		return false, nil
	}
	l.entries[k] = stamp(e)
	return true, nil
}

func (l *MemoryLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// FailNext makes the next n Lookup or Record calls return err.
func (l *MemoryLedger) FailNext(n int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext = n
	l.failErr = err
}

// Entries returns a snapshot of every entry of consumer.
func (l *MemoryLedger) Entries(consumer string) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	for k, e := range l.entries {
		if k.consumer == consumer {
			out = append(out, e)
		}
	}
	return out
}
