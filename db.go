// Package nvramdb is a table-oriented key-value store for byte-addressable
// persistent memory exposed as a memory-mapped extent.
//
// Rows live in the extent; each table's B+Tree index lives in ordinary memory
// and is rebuilt from the table's write-ahead log when the extent is opened.
// Every row mutation is logged durably before the index changes, and a
// transaction is durable once Commit has advanced the commit pointer of every
// table it wrote.
package nvramdb

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/thebardofavon/nvram-db/internal/alloc"
	"github.com/thebardofavon/nvram-db/internal/arena"
	"github.com/thebardofavon/nvram-db/internal/base"
	"github.com/thebardofavon/nvram-db/internal/catalog"
	"github.com/thebardofavon/nvram-db/internal/index"
	"github.com/thebardofavon/nvram-db/internal/lock"
	"github.com/thebardofavon/nvram-db/internal/wal"
)

// MaxTableName is the longest table name, in bytes.
const MaxTableName = arena.MaxNameLen

// MaxTables is the number of tables an extent can hold.
const MaxTables = arena.MaxTables

type (
	WALSnapshot = wal.Snapshot
	WALEntry    = wal.Entry
	WALOp       = wal.Op
	AllocStats  = alloc.Stats
)

const (
	WALDelete = wal.OpDelete
	WALAdd    = wal.OpAdd
	WALUpsert = wal.OpUpsert
)

// DB is an open extent.
//
// CONCURRENCY: mu is held for reading by every operation and for writing by
// Create, Drop and Close. Lock order is DB, transaction, table, WAL,
// allocator; row locks never block while any of those are held.
type DB struct {
	mu     sync.RWMutex
	arena  *arena.Arena
	alloc  alloc.Allocator
	header arena.Header
	tables *catalog.Catalog[*Table]
	slots  [arena.MaxTables]bool // directory slots in use
	locks  *lock.Manager
	txs    *txManager
	opts   DBOptions
	log    Logger
	closed bool
}

// Stats describes the database.
type Stats struct {
	Tables     int
	ActiveTxns int
	LockedRows int
	Allocator  AllocStats
	Barriers   uint64 // persistence barriers issued
	Persisted  uint64 // bytes covered by those barriers
}

// Open maps the extent at path, formatting it if it is new and recovering it
// otherwise. A failure to map the extent is returned as is.
func Open(path string, options ...DBOption) (*DB, error) {
	opts := defaultDBOptions()
	for _, opt := range options {
		opt(&opts)
	}
	if opts.fanout < index.MinFanout {
		return nil, index.ErrInvalidFanout
	}
	if opts.walCapacity == 0 {
		return nil, wal.ErrInvalidCapacity
	}

	var (
		a   *arena.Arena
		err error
	)
	if opts.inMemory {
		a, err = arena.NewMemory(opts.extentSize)
	} else {
		a, err = arena.Open(path, opts.extentSize, opts.syncMode == SyncEveryCommit)
	}
	if err != nil {
		return nil, err
	}

	d := &DB{
		arena:  a,
		tables: catalog.New[*Table](arena.MaxTables),
		locks:  lock.NewManager(),
		opts:   opts,
		log:    opts.logger,
	}

	nextTxn := NoTxn + 1
	if !a.Formatted() {
		err = d.format()
	} else {
		nextTxn, err = d.recover()
	}
	if err != nil {
		a.Close()
		return nil, err
	}

	d.txs, err = newTxManager(nextTxn, opts.txCacheSize)
	if err != nil {
		a.Close()
		return nil, err
	}
	return d, nil
}

// format writes a fresh header and hands everything after it to the
// allocator.
func (d *DB) format() error {
	policy := d.opts.policy
	if policy == 0 {
		policy = FirstFit
	}
	if !d.arena.Fresh() {
		// A crash interrupted the first format
		d.log.Warn("formatting existing extent without a header", "size", d.arena.Size())
	}

	d.header = arena.Header{
		Policy:     uint8(policy),
		ExtentSize: d.arena.Size(),
		Instance:   uuid.New(),
	}
	if err := d.arena.WriteHeader(d.header); err != nil {
		return fmt.Errorf("format extent: %w", err)
	}

	var err error
	d.alloc, err = alloc.New(policy, d.arena, arena.HeaderSize, d.arena.Size()-arena.HeaderSize)
	if err != nil {
		return err
	}
	d.log.Info("extent formatted", "size", d.arena.Size(), "allocator", policy.String(),
		"instance", d.header.Instance.String())
	return nil
}

// Close aborts every active transaction, flushes the extent and unmaps it.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}

	active := d.txs.drain()
	if len(active) > 0 {
		d.log.Warn("closing with active transactions", "count", len(active))
	}
	var errs []error
	for _, tx := range active {
		if err := d.abort(tx); err != nil {
			d.log.Error("abort on close", "txn", tx.id, "error", err)
			errs = append(errs, err)
		}
	}

	d.closed = true
	for _, t := range d.tables.Clear() {
		t.open.Store(false)
	}
	return errors.Join(append(errs, d.arena.Close())...)
}

// Create registers a new, closed table and returns its id.
func (d *DB) Create(name string) (uint32, error) {
	if len(name) == 0 || len(name) > MaxTableName {
		return 0, ErrTableName
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, ErrDatabaseClosed
	}

	id, err := d.tables.Reserve(name)
	if errors.Is(err, catalog.ErrExists) {
		return 0, fmt.Errorf("%q: %w", name, ErrTableExists)
	}
	if err != nil {
		return 0, err
	}

	slot := -1
	for i, used := range d.slots {
		if !used {
			slot = i
			break
		}
	}
	if slot < 0 {
		return 0, catalog.ErrFull
	}

	w, err := wal.Create(d.arena, d.alloc, id, d.opts.walCapacity)
	if err != nil {
		return 0, fmt.Errorf("create table %q: %w", name, err)
	}
	tree, err := index.New(d.opts.fanout)
	if err != nil {
		_ = w.Destroy()
		return 0, err
	}

	// The directory slot makes the table durable
	if err := d.arena.WriteSlot(slot, arena.Slot{TableID: id, Name: name, WAL: w.Offset()}); err != nil {
		_ = w.Destroy()
		return 0, fmt.Errorf("create table %q: %w", name, err)
	}

	t := &Table{db: d, id: id, name: name, slot: slot, tree: tree, wal: w}
	if err := d.tables.Add(name, id, t); err != nil {
		return 0, err
	}
	d.slots[slot] = true

	d.log.Info("table created", "table", name, "id", id)
	return id, nil
}

// Open returns the handle of an existing table and marks it open. Opening an
// open table returns the same handle.
func (d *DB) Open(name string) (*Table, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil, ErrDatabaseClosed
	}
	_, t, err := d.tables.ByName(name)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", name, ErrTableNotFound)
	}
	t.open.Store(true)
	return t, nil
}

// Drop deletes a table with all its rows and its WAL. Tables with locked rows
// cannot be dropped.
func (d *DB) Drop(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDatabaseClosed
	}
	id, t, err := d.tables.ByName(name)
	if err != nil {
		return fmt.Errorf("%q: %w", name, ErrTableNotFound)
	}
	if d.locks.TableLocked(id) {
		return fmt.Errorf("%q: %w", name, ErrTableInUse)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Once the slot is gone recovery no longer sees the table; whatever the
	// steps below do not free is reclaimed then.
	if err := d.arena.ClearSlot(t.slot); err != nil {
		return fmt.Errorf("drop table %q: %w", name, err)
	}
	d.slots[t.slot] = false
	t.dropped = true
	t.open.Store(false)
	_, _ = d.tables.Remove(name)

	rows := t.tree.Len()
	t.tree.Destroy(func(_ int64, ref base.Ref) {
		d.freeBlob(ref)
	})
	if err := t.wal.Destroy(); err != nil {
		d.log.Error("destroy wal", "table", name, "error", err)
	}

	d.log.Info("table dropped", "table", name, "id", id, "rows", rows)
	return nil
}

// Tables returns the table names in id order.
func (d *DB) Tables() []string {
	var names []string
	d.tables.Range(func(_ uint32, name string, _ *Table) bool {
		names = append(names, name)
		return true
	})
	return names
}

// WAL returns a snapshot of every table's log in table id order.
func (d *DB) WAL() []WALSnapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []WALSnapshot
	d.tables.Range(func(_ uint32, _ string, t *Table) bool {
		out = append(out, t.wal.Snapshot())
		return true
	})
	return out
}

// Instance returns the id stamped into the extent when it was formatted.
func (d *DB) Instance() uuid.UUID {
	return d.header.Instance
}

// Policy returns the extent's allocation policy.
func (d *DB) Policy() AllocatorPolicy {
	return d.alloc.Policy()
}

func (d *DB) Stats() Stats {
	st := d.arena.Stats()
	return Stats{
		Tables:     d.tables.Len(),
		ActiveTxns: d.txs.activeCount(),
		LockedRows: d.locks.Len(),
		Allocator:  d.alloc.Stats(),
		Barriers:   st.Barriers,
		Persisted:  st.Persisted,
	}
}

// storeBlob copies value into the extent and persists it.
func (d *DB) storeBlob(ref base.Ref, value []byte) error {
	if err := d.arena.WriteAt(value, ref.Offset); err != nil {
		return err
	}
	return d.arena.Persist(ref.Offset, ref.Size)
}

func (d *DB) freeBlob(ref base.Ref) {
	if err := d.alloc.Free(ref.Offset, ref.Size); err != nil {
		d.log.Error("free row", "ref", ref.String(), "error", err)
	}
}
