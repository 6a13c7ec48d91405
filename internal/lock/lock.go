// Package lock provides exclusive row locks held for a transaction's lifetime.
//
// Acquire never blocks: a row held by another transaction yields
// ErrContention and the caller decides whether to retry, wait with
// AcquireContext, or abort. There is no deadlock detection; two transactions
// waiting on each other with AcquireContext wait until their contexts end.
package lock

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/thebardofavon/nvram-db/internal/base"
)

var ErrContention = fmt.Errorf("row locked by another transaction: %w", base.ErrLockContention)

// Key identifies a row.
type Key struct {
	Table uint32
	Row   int64
}

type rowLock struct {
	holder   uint64
	waiters  map[uint64]struct{}
	released chan struct{} // closed when the holder lets go
}

// Manager is the row lock table.
type Manager struct {
	mu    sync.Mutex
	locks map[Key]*rowLock
	held  map[uint64][]Key // txn -> keys in acquisition order
}

func NewManager() *Manager {
	return &Manager{
		locks: make(map[Key]*rowLock),
		held:  make(map[uint64][]Key),
	}
}

// Acquire takes the exclusive lock on k for txn. Re-acquiring a lock txn
// already holds is a no-op. On contention txn joins the lock's wait set.
func (m *Manager) Acquire(txn uint64, k Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.tryLocked(txn, k)
	return err
}

// AcquireContext is Acquire that waits for the holder to release instead of
// failing. It returns when the lock is taken or ctx ends.
func (m *Manager) AcquireContext(ctx context.Context, txn uint64, k Key) error {
	for {
		m.mu.Lock()
		released, err := m.tryLocked(txn, k)
		m.mu.Unlock()
		if err == nil {
			return nil
		}

		select {
		case <-released:
		case <-ctx.Done():
			m.mu.Lock()
			if l, ok := m.locks[k]; ok {
				delete(l.waiters, txn)
			}
			m.mu.Unlock()
			return fmt.Errorf("%w: %w", ErrContention, ctx.Err())
		}
	}
}

// tryLocked returns the release channel of the current holder on contention.
func (m *Manager) tryLocked(txn uint64, k Key) (<-chan struct{}, error) {
	l, ok := m.locks[k]
	if !ok {
		m.locks[k] = &rowLock{
			holder:   txn,
			waiters:  make(map[uint64]struct{}),
			released: make(chan struct{}),
		}
		m.held[txn] = append(m.held[txn], k)
		return nil, nil
	}
	if l.holder == txn {
		return nil, nil
	}
	l.waiters[txn] = struct{}{}
	return l.released, ErrContention
}

// ReleaseAll drops every lock held by txn and wakes their waiters. It returns
// the released keys.
func (m *Manager) ReleaseAll(txn uint64) []Key {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := m.held[txn]
	delete(m.held, txn)
	for _, k := range keys {
		if l, ok := m.locks[k]; ok && l.holder == txn {
			delete(m.locks, k)
			close(l.released)
		}
	}
	return keys
}

// Holder returns the transaction holding k.
func (m *Manager) Holder(k Key) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.locks[k]; ok {
		return l.holder, true
	}
	return 0, false
}

// Waiters returns the transactions that found k locked, ascending.
func (m *Manager) Waiters(k Key) []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[k]
	if !ok {
		return nil
	}
	out := make([]uint64, 0, len(l.waiters))
	for txn := range l.waiters {
		out = append(out, txn)
	}
	slices.Sort(out)
	return out
}

// Held returns the keys txn holds in acquisition order.
func (m *Manager) Held(txn uint64) []Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.held[txn])
}

// TableLocked reports whether any row of table is locked.
func (m *Manager) TableLocked(table uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k := range m.locks {
		if k.Table == table {
			return true
		}
	}
	return false
}

// Len returns the number of locked rows.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
