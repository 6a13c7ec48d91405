package nvramdb

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/thebardofavon/nvram-db/internal/base"
	"github.com/thebardofavon/nvram-db/internal/index"
	"github.com/thebardofavon/nvram-db/internal/lock"
	"github.com/thebardofavon/nvram-db/internal/wal"
)

// Cursor is the position of a NextKey iteration.
type Cursor = index.Cursor

// Start is the cursor before the first key.
var Start = index.Start

// After returns the cursor positioned on key; NextKey continues with the
// first key greater than it.
func After(key int64) Cursor {
	return index.At(key)
}

// Table is a handle on one table. Handles stay valid for the life of the DB;
// a closed handle rejects row operations until DB.Open re-opens it.
//
// CONCURRENCY: Table methods are safe for concurrent use. Row isolation
// comes from row locks held by transactions; the table guard only keeps the
// index and WAL consistent with each other.
type Table struct {
	db   *DB
	id   uint32
	name string
	slot int // persistent directory slot

	mu      sync.RWMutex // guards tree, and orders WAL appends with index mutations
	tree    *index.Tree
	wal     *wal.WAL
	open    atomic.Bool
	dropped bool
}

// TableStats describes a table.
type TableStats struct {
	Rows        int
	Height      int
	Nodes       int
	Leaves      int
	Tombstones  int
	WALEntries  uint32
	WALCommit   uint32
	WALCapacity uint32
	WALReserved uint32 // slots held for compensating entries
}

func (t *Table) ID() uint32 {
	return t.id
}

func (t *Table) Name() string {
	return t.name
}

// Close marks the handle closed. The index stays in memory.
func (t *Table) Close() error {
	if !t.open.CompareAndSwap(true, false) {
		return fmt.Errorf("table %q: %w", t.name, ErrTableClosed)
	}
	return nil
}

// check validates the table for a row operation. Caller holds db.mu.
func (t *Table) check() error {
	if t.db.closed {
		return ErrDatabaseClosed
	}
	if !t.open.Load() {
		return fmt.Errorf("table %q: %w", t.name, ErrTableClosed)
	}
	return nil
}

// Put stores value under key, replacing any existing value. Values are
// copied into the extent.
func (t *Table) Put(txnID uint64, key int64, value []byte) error {
	return t.write(txnID, key, func(tx *txn) error {
		return t.put(tx, key, value, false)
	})
}

// Insert stores value under key only if the key is absent; otherwise it
// fails with ErrKeyExists.
func (t *Table) Insert(txnID uint64, key int64, value []byte) error {
	return t.write(txnID, key, func(tx *txn) error {
		return t.put(tx, key, value, true)
	})
}

// Delete removes key. The row's storage is released when the transaction
// commits.
func (t *Table) Delete(txnID uint64, key int64) error {
	return t.write(txnID, key, func(tx *txn) error {
		return t.delete(tx, key)
	})
}

// Get returns a copy of the value stored under key. Inside a transaction the
// row is locked first; with NoTxn the read takes no lock.
func (t *Table) Get(txn uint64, key int64) ([]byte, error) {
	d := t.db
	d.mu.RLock()
	defer d.mu.RUnlock()

	if err := t.check(); err != nil {
		return nil, err
	}
	if txn != NoTxn {
		tx, err := d.txs.get(txn)
		if err != nil {
			return nil, err
		}
		tx.mu.Lock()
		defer tx.mu.Unlock()
		if err := tx.check(); err != nil {
			return nil, err
		}
		if err := d.locks.Acquire(txn, lock.Key{Table: t.id, Row: key}); err != nil {
			return nil, fmt.Errorf("table %q row %d: %w", t.name, key, err)
		}
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	ref, err := t.tree.Get(key)
	if err != nil {
		return nil, fmt.Errorf("table %q row %d: %w", t.name, key, ErrKeyNotFound)
	}
	buf, err := d.arena.Bytes(ref.Offset, ref.Size)
	if err != nil {
		return nil, fmt.Errorf("table %q row %d at %s: %w", t.name, key, ref, err)
	}
	return append([]byte(nil), buf...), nil
}

// NextKey returns the smallest key greater than cursor, or the first key for
// Start. It returns ErrEnd after the last key. The cursor key need not exist.
func (t *Table) NextKey(cursor Cursor) (int64, error) {
	t.db.mu.RLock()
	defer t.db.mu.RUnlock()

	if err := t.check(); err != nil {
		return 0, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	k, err := t.tree.Next(cursor)
	if errors.Is(err, index.ErrEnd) {
		return 0, ErrEnd
	}
	return k, err
}

// Keys iterates the table's keys in ascending order, one NextKey at a time.
// Keys inserted or deleted during iteration may or may not be seen.
func (t *Table) Keys() iter.Seq[int64] {
	return func(yield func(int64) bool) {
		cursor := Start
		for {
			k, err := t.NextKey(cursor)
			if err != nil {
				return
			}
			if !yield(k) {
				return
			}
			cursor = After(k)
		}
	}
}

// LockContext locks key for txn, waiting for the current holder to finish
// until ctx ends. Row operations of txn on key then never contend.
func (t *Table) LockContext(ctx context.Context, txn uint64, key int64) error {
	d := t.db
	d.mu.RLock()
	if err := t.check(); err != nil {
		d.mu.RUnlock()
		return err
	}
	tx, err := d.txs.get(txn)
	d.mu.RUnlock()
	if err != nil {
		return err
	}

	if err := d.locks.AcquireContext(ctx, txn, lock.Key{Table: t.id, Row: key}); err != nil {
		return fmt.Errorf("table %q row %d: %w", t.name, key, err)
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.check(); err != nil {
		// Finished while waiting
		d.locks.ReleaseAll(txn)
		return err
	}
	return nil
}

func (t *Table) Stats() TableStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st := t.tree.Stats()
	snap := t.wal.Snapshot()
	return TableStats{
		Rows:        st.Records,
		Height:      st.Height,
		Nodes:       st.Nodes,
		Leaves:      st.Leaves,
		Tombstones:  st.Tombstones,
		WALEntries:  uint32(len(snap.Entries)),
		WALCommit:   snap.Commit,
		WALCapacity: snap.Capacity,
		WALReserved: snap.Reserved,
	}
}

// write runs a row mutation under txn, or in its own transaction for NoTxn.
func (t *Table) write(txnID uint64, key int64, fn func(*txn) error) error {
	d := t.db
	d.mu.RLock()
	defer d.mu.RUnlock()

	if err := t.check(); err != nil {
		return err
	}
	row := lock.Key{Table: t.id, Row: key}

	if txnID == NoTxn {
		tx := d.txs.newTxn(false)
		if err := d.locks.Acquire(tx.id, row); err != nil {
			return errors.Join(fmt.Errorf("table %q row %d: %w", t.name, key, err), d.abort(tx))
		}

		tx.mu.Lock()
		err := fn(tx)
		tx.mu.Unlock()

		if err != nil {
			return errors.Join(err, d.abort(tx))
		}
		return d.commit(tx)
	}

	tx, err := d.txs.get(txnID)
	if err != nil {
		return err
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.check(); err != nil {
		return err
	}
	if err := d.locks.Acquire(txnID, row); err != nil {
		return fmt.Errorf("table %q row %d: %w", t.name, key, err)
	}
	return fn(tx)
}

// put writes the value blob, logs the intent, then updates the index. Caller
// holds tx.mu and the row lock.
func (t *Table) put(tx *txn, key int64, value []byte, insert bool) error {
	if len(value) == 0 {
		return ErrValueEmpty
	}
	d := t.db

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dropped {
		return fmt.Errorf("table %q: %w", t.name, ErrTableNotFound)
	}

	prev, err := t.tree.Get(key)
	exists := err == nil
	if exists && insert {
		return fmt.Errorf("table %q row %d: %w", t.name, key, ErrKeyExists)
	}
	if err := t.tree.CanPut(key); err != nil {
		d.log.Warn("leaf full", "table", t.name, "key", key)
		return fmt.Errorf("table %q row %d: %w", t.name, key, err)
	}

	size := uint64(len(value))
	offset, err := d.alloc.Allocate(size)
	if err != nil {
		d.log.Warn("extent exhausted", "table", t.name, "size", size)
		return fmt.Errorf("table %q row %d: %w", t.name, key, err)
	}
	data := base.Ref{Offset: offset, Size: size}
	if err := d.storeBlob(data, value); err != nil {
		d.freeBlob(data)
		return err
	}

	entry := wal.Entry{Op: wal.OpAdd, TxnID: tx.id, Key: key, Data: data}
	if exists {
		entry.Op, entry.Prev = wal.OpUpsert, prev
	}
	tombstoned := !exists && t.tree.Tombstoned(key)

	seq, err := t.wal.AppendUndoable(entry)
	if err != nil {
		d.freeBlob(data)
		if errors.Is(err, wal.ErrFull) {
			d.log.Warn("wal full", "table", t.name)
		}
		return fmt.Errorf("table %q row %d: %w", t.name, key, err)
	}
	tx.record(t, seq, undoRecord{table: t, key: key, data: data, prev: prev, tombstoned: tombstoned})

	if _, _, err := t.tree.Put(key, data); err != nil {
		// CanPut held under the same guard
		return fmt.Errorf("table %q row %d after logging: %w", t.name, key, err)
	}
	if exists {
		tx.pending = append(tx.pending, prev)
	}
	return nil
}

// delete logs the removal and tombstones the key until commit. Caller holds
// tx.mu and the row lock.
func (t *Table) delete(tx *txn, key int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dropped {
		return fmt.Errorf("table %q: %w", t.name, ErrTableNotFound)
	}

	prev, err := t.tree.Get(key)
	if err != nil {
		return fmt.Errorf("table %q row %d: %w", t.name, key, ErrKeyNotFound)
	}

	seq, err := t.wal.AppendUndoable(wal.Entry{Op: wal.OpDelete, TxnID: tx.id, Key: key, Prev: prev})
	if err != nil {
		if errors.Is(err, wal.ErrFull) {
			t.db.log.Warn("wal full", "table", t.name)
		}
		return fmt.Errorf("table %q row %d: %w", t.name, key, err)
	}
	tx.record(t, seq, undoRecord{table: t, key: key, prev: prev})

	if _, err := t.tree.Tombstone(key); err != nil {
		return fmt.Errorf("table %q row %d after logging: %w", t.name, key, err)
	}
	tx.pending = append(tx.pending, prev)
	return nil
}
