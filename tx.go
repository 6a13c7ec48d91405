package nvramdb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"

	"github.com/thebardofavon/nvram-db/internal/base"
	"github.com/thebardofavon/nvram-db/internal/wal"
)

// NoTxn runs a single row operation outside any transaction: reads take no
// lock, writes commit immediately.
const NoTxn uint64 = 0

// TxState is the lifecycle state of a transaction.
type TxState uint8

const (
	TxActive TxState = iota
	TxCommitted
	TxAborted
)

func (s TxState) String() string {
	switch s {
	case TxActive:
		return "active"
	case TxCommitted:
		return "committed"
	case TxAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// undoRecord remembers one row mutation so Abort can put the row back.
type undoRecord struct {
	table      *Table
	key        int64
	data       base.Ref // blob this write stored, zero for a delete
	prev       base.Ref // live value before the write, zero if none
	tombstoned bool     // the key held a tombstone before the write
}

// txn is the bookkeeping of one transaction.
//
// CONCURRENCY: mu serializes operations of the same transaction against each
// other and against its Commit or Abort.
type txn struct {
	id    uint64
	mu    sync.Mutex
	state TxState

	undo     []undoRecord
	touched  map[*Table][]uint32 // WAL sequence numbers written per table
	reserved map[*Table]int      // compensation slots held per table
	pending  []base.Ref          // before-images released at commit
}

func (tx *txn) check() error {
	if tx.state != TxActive {
		return ErrTxDone
	}
	return nil
}

// record notes a write logged with AppendUndoable.
func (tx *txn) record(t *Table, seq uint32, u undoRecord) {
	tx.undo = append(tx.undo, u)
	tx.touched[t] = append(tx.touched[t], seq)
	tx.reserved[t]++
}

// release returns the compensation slots tx still holds.
func (d *DB) release(tx *txn) error {
	var errs []error
	for t, n := range tx.reserved {
		if n == 0 {
			continue
		}
		if err := t.wal.Release(n); err != nil {
			errs = append(errs, fmt.Errorf("table %q: %w", t.name, err))
		}
		delete(tx.reserved, t)
	}
	return errors.Join(errs...)
}

// tables returns the touched tables in id order.
func (tx *txn) tables() []*Table {
	out := make([]*Table, 0, len(tx.touched))
	for t := range tx.touched {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b *Table) int {
		return int(a.id) - int(b.id)
	})
	return out
}

// txManager hands out ids and tracks live and finished transactions.
type txManager struct {
	mu     sync.Mutex
	nextID uint64
	active map[uint64]*txn

	// Finished transactions, bounded so long-running processes do not grow
	done *freelru.SyncedLRU[uint64, TxState]
}

func hashTxnID(id uint64) uint32 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], id)
	return uint32(xxhash.Sum64(b[:]))
}

func newTxManager(nextID uint64, cacheSize uint32) (*txManager, error) {
	if cacheSize == 0 {
		cacheSize = 1
	}
	done, err := freelru.NewSynced[uint64, TxState](cacheSize, hashTxnID)
	if err != nil {
		return nil, fmt.Errorf("transaction cache: %w", err)
	}
	return &txManager{
		nextID: max(nextID, NoTxn+1),
		active: make(map[uint64]*txn),
		done:   done,
	}, nil
}

// newTxn allocates the next id. Unregistered transactions cannot be reached
// by id; they back single NoTxn operations.
func (m *txManager) newTxn(register bool) *txn {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &txn{
		id:       m.nextID,
		touched:  make(map[*Table][]uint32),
		reserved: make(map[*Table]int),
	}
	m.nextID++
	if register {
		m.active[tx.id] = tx
	}
	return tx
}

func (m *txManager) missing(id uint64) error {
	if _, ok := m.done.Get(id); ok {
		return fmt.Errorf("txn %d: %w", id, ErrTxDone)
	}
	return fmt.Errorf("txn %d: %w", id, ErrTxNotFound)
}

// get returns an active transaction.
func (m *txManager) get(id uint64) (*txn, error) {
	m.mu.Lock()
	tx, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return nil, m.missing(id)
	}
	return tx, nil
}

// take removes an active transaction so exactly one caller finishes it.
func (m *txManager) take(id uint64) (*txn, error) {
	m.mu.Lock()
	tx, ok := m.active[id]
	delete(m.active, id)
	m.mu.Unlock()
	if !ok {
		return nil, m.missing(id)
	}
	return tx, nil
}

func (m *txManager) finish(tx *txn, state TxState) {
	tx.state = state
	m.done.Add(tx.id, state)
}

func (m *txManager) state(id uint64) (TxState, error) {
	m.mu.Lock()
	_, ok := m.active[id]
	m.mu.Unlock()
	if ok {
		return TxActive, nil
	}
	if s, ok := m.done.Get(id); ok {
		return s, nil
	}
	return 0, fmt.Errorf("txn %d: %w", id, ErrTxNotFound)
}

// drain removes and returns every active transaction.
func (m *txManager) drain() []*txn {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*txn, 0, len(m.active))
	for id, tx := range m.active {
		out = append(out, tx)
		delete(m.active, id)
	}
	return out
}

func (m *txManager) activeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Begin starts a transaction and returns its id.
func (d *DB) Begin() (uint64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return 0, ErrDatabaseClosed
	}
	return d.txs.newTxn(true).id, nil
}

// Commit advances the commit pointer of every table the transaction wrote,
// releases the storage of overwritten and deleted rows, and releases its
// locks.
func (d *DB) Commit(id uint64) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrDatabaseClosed
	}
	tx, err := d.txs.take(id)
	if err != nil {
		return err
	}
	return d.commit(tx)
}

// Abort reverts every row the transaction wrote and releases its locks. The
// transaction is finished even when an error is returned; the error reports
// a reversal that could not be logged.
func (d *DB) Abort(id uint64) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrDatabaseClosed
	}
	tx, err := d.txs.take(id)
	if err != nil {
		return err
	}
	return d.abort(tx)
}

// TxState reports the state of a transaction. Finished transactions are
// forgotten once the finished-transaction cache evicts them.
func (d *DB) TxState(id uint64) (TxState, error) {
	return d.txs.state(id)
}

// Update runs fn inside a transaction, committing if fn returns nil and
// aborting otherwise.
func (d *DB) Update(fn func(txn uint64) error) error {
	id, err := d.Begin()
	if err != nil {
		return err
	}

	if err := fn(id); err != nil {
		if abortErr := d.Abort(id); abortErr != nil && !errors.Is(abortErr, ErrTxDone) {
			return errors.Join(err, abortErr)
		}
		return err
	}
	return d.Commit(id)
}

// commit finishes tx. Caller holds d.mu for reading and has taken tx.
func (d *DB) commit(tx *txn) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	for _, t := range tx.tables() {
		if _, err := t.wal.AdvanceCommitPointer(); err != nil {
			d.log.Error("commit failed, aborting", "txn", tx.id, "table", t.name, "error", err)
			return errors.Join(fmt.Errorf("commit txn %d: %w", tx.id, err), d.rollback(tx))
		}
	}
	if err := d.release(tx); err != nil {
		d.log.Error("release wal reservations", "txn", tx.id, "error", err)
	}

	// Deleted keys leave their leaf only now that the delete is durable
	for _, u := range tx.undo {
		if u.data.IsZero() {
			u.table.mu.Lock()
			u.table.tree.Purge(u.key)
			u.table.mu.Unlock()
		}
	}

	for _, ref := range tx.pending {
		if err := d.alloc.Free(ref.Offset, ref.Size); err != nil {
			d.log.Error("free before-image", "txn", tx.id, "ref", ref.String(), "error", err)
		}
	}

	d.locks.ReleaseAll(tx.id)
	d.txs.finish(tx, TxCommitted)
	return nil
}

// abort finishes tx as aborted. Caller holds d.mu for reading and has taken tx.
func (d *DB) abort(tx *txn) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	return d.rollback(tx)
}

// rollback reverts tx's writes newest first. Each reversal is logged as a
// compensating entry in a slot reserved by the write, before the index
// changes. A reversal that cannot be logged is reported; its write may
// replay at recovery. Caller holds tx.mu.
func (d *DB) rollback(tx *txn) error {
	var errs []error
	for i := len(tx.undo) - 1; i >= 0; i-- {
		if err := d.revert(tx, tx.undo[i]); err != nil {
			errs = append(errs, err)
		}
	}

	// Entries swept below the commit pointer by another transaction's commit
	// replay at recovery, so their compensation has to be committed too.
	for _, t := range tx.tables() {
		seqs := tx.touched[t]
		if len(seqs) == 0 || seqs[0] >= t.wal.Commit() {
			continue
		}
		if _, err := t.wal.AdvanceCommitPointer(); err != nil {
			d.log.Error("commit compensation", "txn", tx.id, "table", t.name, "error", err)
			errs = append(errs, fmt.Errorf("table %q: commit compensation: %w", t.name, err))
		}
	}

	if err := d.release(tx); err != nil {
		errs = append(errs, err)
	}
	d.locks.ReleaseAll(tx.id)
	d.txs.finish(tx, TxAborted)

	if len(errs) > 0 {
		return fmt.Errorf("abort txn %d: %w", tx.id, errors.Join(errs...))
	}
	return nil
}

func (d *DB) revert(tx *txn, u undoRecord) error {
	t := u.table
	t.mu.Lock()
	defer t.mu.Unlock()

	e := wal.Entry{TxnID: tx.id, Key: u.key}
	switch {
	case !u.data.IsZero() && !u.prev.IsZero():
		e.Op, e.Data, e.Prev = wal.OpUpsert, u.prev, u.data
	case !u.data.IsZero():
		e.Op, e.Prev = wal.OpDelete, u.data
	default:
		e.Op, e.Data = wal.OpAdd, u.prev
	}

	seq, logErr := t.wal.Compensate(e)
	if logErr != nil {
		// The blob may still be named by a replayable entry, so it is kept
		// until recovery reclaims it.
		d.log.Error("abort without compensation entry", "txn", tx.id, "table", t.name, "key", u.key, "error", logErr)
		logErr = fmt.Errorf("table %q row %d: %w", t.name, u.key, logErr)
	} else {
		tx.touched[t] = append(tx.touched[t], seq)
		tx.reserved[t]--
	}

	var err error
	switch {
	case !u.prev.IsZero():
		_, _, err = t.tree.Put(u.key, u.prev)
	case u.tombstoned:
		_, err = t.tree.Tombstone(u.key)
	default:
		_, err = t.tree.Delete(u.key)
	}
	if err != nil {
		d.log.Error("revert index", "txn", tx.id, "table", t.name, "key", u.key, "error", err)
	}

	if logErr == nil && !u.data.IsZero() {
		if err := d.alloc.Free(u.data.Offset, u.data.Size); err != nil {
			d.log.Error("free aborted row", "txn", tx.id, "ref", u.data.String(), "error", err)
		}
	}
	return logErr
}
