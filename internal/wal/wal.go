// Package wal implements the per-table write-ahead log kept in the extent.
//
// A log is a bounded sequence of fixed-size entries plus a commit pointer.
// Entries below the commit pointer are durable history; entries at or past it
// belong to transactions that have not committed yet.
//
// A write that may be undone reserves the slot and storage of its
// compensating entry up front, so an abort can always be logged.
package wal

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/thebardofavon/nvram-db/internal/base"
)

// TABLE REGION LAYOUT:
// [Magic:4][TableID:4][Capacity:4][Count:4][Commit:4][Reserved:4][EntryOffsets:Capacity*8]
//
// ENTRY LAYOUT (allocated individually, EntrySize bytes):
// [Seq:4][Op:1][Reserved:3][TxnID:8][Key:8][DataOff:8][DataSize:8][PrevOff:8][PrevSize:8][Checksum:8]
const (
	Magic uint32 = 0x6e76776c // "nvwl"

	HeaderSize = 24
	EntrySize  = 64

	countOffset    = 12
	commitOffset   = 16
	checksumOffset = 56
)

var (
	ErrFull            = fmt.Errorf("wal full: %w", base.ErrCapacityExhausted)
	ErrClosed          = fmt.Errorf("wal destroyed: %w", base.ErrInvalidState)
	ErrInvalidCapacity = fmt.Errorf("invalid wal capacity: %w", base.ErrInvalidState)
	ErrCorrupt         = fmt.Errorf("corrupt wal: %w", base.ErrCorruption)
	ErrTruncate        = fmt.Errorf("truncate below commit pointer: %w", base.ErrInvalidState)
	ErrNoReservation   = fmt.Errorf("no reserved wal entry: %w", base.ErrInvalidState)
)

// Op is the logged mutation kind.
type Op uint8

const (
	OpDelete Op = iota
	OpAdd
	OpUpsert
)

func (o Op) String() string {
	switch o {
	case OpDelete:
		return "DELETE"
	case OpAdd:
		return "ADD"
	case OpUpsert:
		return "UPSERT"
	default:
		return fmt.Sprintf("OP(%d)", uint8(o))
	}
}

// Entry is one logged row mutation.
type Entry struct {
	Seq   uint32
	Op    Op
	TxnID uint64
	Key   int64
	Data  base.Ref // row blob written by Add/Upsert, zero for Delete
	Prev  base.Ref // before-image, zero when the key was absent
}

// Region is the extent view a log lives in.
type Region interface {
	Bytes(off, n uint64) ([]byte, error)
	Persist(off, n uint64) error
}

// Allocator provides durable storage for the table region and its entries.
type Allocator interface {
	Allocate(size uint64) (uint64, error)
	Free(offset, size uint64) error
}

// WAL is one table's log. All methods are safe for concurrent use; the guard
// is held for exactly one append, advance or truncate.
type WAL struct {
	mu     sync.Mutex
	region Region
	alloc  Allocator

	offset   uint64 // table region
	tableID  uint32
	capacity uint32
	commit   uint32

	entries []Entry
	offsets []uint64 // entry storage, parallel to entries
	spares  []uint64 // entry storage held for compensating entries
	closed  bool
}

// Snapshot is a point-in-time copy of a log.
type Snapshot struct {
	TableID  uint32
	Capacity uint32
	Commit   uint32
	Reserved uint32
	Entries  []Entry
}

// Size returns the byte length of a table region with the given capacity.
func Size(capacity uint32) uint64 {
	return HeaderSize + uint64(capacity)*8
}

// Create allocates and formats an empty log for tableID.
func Create(region Region, alloc Allocator, tableID, capacity uint32) (*WAL, error) {
	if capacity == 0 {
		return nil, ErrInvalidCapacity
	}

	size := Size(capacity)
	offset, err := alloc.Allocate(size)
	if err != nil {
		return nil, fmt.Errorf("allocate wal for table %d: %w", tableID, err)
	}

	buf, err := region.Bytes(offset, size)
	if err != nil {
		_ = alloc.Free(offset, size)
		return nil, err
	}
	clear(buf)
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint32(buf[4:8], tableID)
	binary.LittleEndian.PutUint32(buf[8:12], capacity)
	if err := region.Persist(offset, size); err != nil {
		_ = alloc.Free(offset, size)
		return nil, err
	}

	return &WAL{
		region:   region,
		alloc:    alloc,
		offset:   offset,
		tableID:  tableID,
		capacity: capacity,
	}, nil
}

// Load reads the log at offset. Each entry is checked against its checksum;
// the first torn entry ends the log. A torn entry below the commit pointer
// means committed history was lost and is reported as corruption.
func Load(region Region, alloc Allocator, offset uint64) (*WAL, error) {
	hdr, err := region.Bytes(offset, HeaderSize)
	if err != nil {
		return nil, fmt.Errorf("wal header at %d: %w", offset, err)
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != Magic {
		return nil, fmt.Errorf("wal at %d: bad magic: %w", offset, ErrCorrupt)
	}

	w := &WAL{
		region:   region,
		alloc:    alloc,
		offset:   offset,
		tableID:  binary.LittleEndian.Uint32(hdr[4:8]),
		capacity: binary.LittleEndian.Uint32(hdr[8:12]),
		commit:   binary.LittleEndian.Uint32(hdr[commitOffset : commitOffset+4]),
	}
	count := binary.LittleEndian.Uint32(hdr[countOffset : countOffset+4])
	if w.capacity == 0 || count > w.capacity || w.commit > count {
		return nil, fmt.Errorf("wal for table %d: count %d commit %d capacity %d: %w",
			w.tableID, count, w.commit, w.capacity, ErrCorrupt)
	}

	slots, err := region.Bytes(offset+HeaderSize, uint64(w.capacity)*8)
	if err != nil {
		return nil, fmt.Errorf("wal for table %d: %w", w.tableID, ErrCorrupt)
	}

	w.entries = make([]Entry, 0, count)
	w.offsets = make([]uint64, 0, count)
	for i := uint32(0); i < count; i++ {
		entryOff := binary.LittleEndian.Uint64(slots[i*8:])
		e, ok := w.readEntry(entryOff)
		if !ok || e.Seq != i {
			if i < w.commit {
				return nil, fmt.Errorf("wal for table %d: committed entry %d: %w", w.tableID, i, ErrCorrupt)
			}
			break
		}
		w.entries = append(w.entries, e)
		w.offsets = append(w.offsets, entryOff)
	}
	return w, nil
}

// Append makes e durable and returns its sequence number. The entry is
// persisted before it is linked into the sequence, and the sequence is
// persisted before Append returns. Reserved slots are not available to
// Append.
func (w *WAL) Append(e Entry) (uint32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.room(1); err != nil {
		return 0, err
	}
	entryOff, err := w.alloc.Allocate(EntrySize)
	if err != nil {
		return 0, fmt.Errorf("allocate wal entry: %w", err)
	}
	seq, err := w.link(e, entryOff)
	if err != nil {
		_ = w.alloc.Free(entryOff, EntrySize)
		return 0, err
	}
	return seq, nil
}

// AppendUndoable appends e like Append and also reserves one slot and the
// storage of the entry that would undo it. Each reservation is later either
// spent by Compensate or returned by Release.
func (w *WAL) AppendUndoable(e Entry) (uint32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.room(2); err != nil {
		return 0, err
	}
	entryOff, err := w.alloc.Allocate(EntrySize)
	if err != nil {
		return 0, fmt.Errorf("allocate wal entry: %w", err)
	}
	spare, err := w.alloc.Allocate(EntrySize)
	if err != nil {
		_ = w.alloc.Free(entryOff, EntrySize)
		return 0, fmt.Errorf("reserve wal entry: %w", err)
	}
	seq, err := w.link(e, entryOff)
	if err != nil {
		_ = w.alloc.Free(entryOff, EntrySize)
		_ = w.alloc.Free(spare, EntrySize)
		return 0, err
	}
	w.spares = append(w.spares, spare)
	return seq, nil
}

// Compensate appends e into a slot reserved by AppendUndoable. It allocates
// nothing, so it fails only if the extent cannot be written.
func (w *WAL) Compensate(e Entry) (uint32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrClosed
	}
	if len(w.spares) == 0 {
		return 0, fmt.Errorf("table %d: %w", w.tableID, ErrNoReservation)
	}
	last := len(w.spares) - 1
	seq, err := w.link(e, w.spares[last])
	if err != nil {
		return 0, err
	}
	w.spares = w.spares[:last]
	return seq, nil
}

// Release returns n reservations whose writes will not be undone.
func (w *WAL) Release(n int) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	n = min(n, len(w.spares))
	keep := len(w.spares) - n
	for _, off := range w.spares[keep:] {
		if err := w.alloc.Free(off, EntrySize); err != nil {
			return fmt.Errorf("free reserved wal entry at %d: %w", off, err)
		}
	}
	w.spares = w.spares[:keep]
	return nil
}

// room checks that n more entries fit beside the reserved ones.
func (w *WAL) room(n uint32) error {
	if w.closed {
		return ErrClosed
	}
	used := uint32(len(w.entries)) + uint32(len(w.spares))
	if used+n > w.capacity {
		return fmt.Errorf("table %d at %d entries, %d reserved: %w",
			w.tableID, len(w.entries), len(w.spares), ErrFull)
	}
	return nil
}

// link writes e at entryOff and links it as the next entry.
func (w *WAL) link(e Entry, entryOff uint64) (uint32, error) {
	seq := uint32(len(w.entries))
	if seq >= w.capacity {
		return 0, fmt.Errorf("table %d at %d entries: %w", w.tableID, w.capacity, ErrFull)
	}

	e.Seq = seq
	buf, err := w.region.Bytes(entryOff, EntrySize)
	if err != nil {
		return 0, err
	}
	encodeEntry(buf, e)
	if err := w.region.Persist(entryOff, EntrySize); err != nil {
		return 0, err
	}

	slot := w.offset + HeaderSize + uint64(seq)*8
	if err := w.putUint64(slot, entryOff); err != nil {
		return 0, err
	}
	if err := w.putUint32(w.offset+countOffset, seq+1); err != nil {
		return 0, err
	}

	w.entries = append(w.entries, e)
	w.offsets = append(w.offsets, entryOff)
	return seq, nil
}

// AdvanceCommitPointer marks every entry appended so far as committed and
// returns the new commit pointer.
func (w *WAL) AdvanceCommitPointer() (uint32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrClosed
	}
	count := uint32(len(w.entries))
	if count == w.commit {
		return w.commit, nil
	}
	if err := w.putUint32(w.offset+commitOffset, count); err != nil {
		return 0, err
	}
	w.commit = count
	return count, nil
}

// Truncate drops entries at positions >= n and frees their storage. Only
// uncommitted entries can be dropped.
func (w *WAL) Truncate(n uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if n < w.commit {
		return ErrTruncate
	}
	count := uint32(len(w.entries))
	if n >= count {
		// The persisted count may still cover torn entries Load skipped
		return w.putUint32(w.offset+countOffset, count)
	}

	if err := w.putUint32(w.offset+countOffset, n); err != nil {
		return err
	}
	for _, off := range w.offsets[n:] {
		if err := w.alloc.Free(off, EntrySize); err != nil {
			return fmt.Errorf("free wal entry at %d: %w", off, err)
		}
	}
	w.entries = w.entries[:n]
	w.offsets = w.offsets[:n]
	return nil
}

// Destroy frees every entry and the table region. The log is unusable
// afterwards.
func (w *WAL) Destroy() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	w.closed = true

	for _, off := range append(w.offsets, w.spares...) {
		if err := w.alloc.Free(off, EntrySize); err != nil {
			return fmt.Errorf("free wal entry at %d: %w", off, err)
		}
	}
	w.entries, w.offsets, w.spares = nil, nil, nil
	return w.alloc.Free(w.offset, Size(w.capacity))
}

// Footprint returns every extent range the log occupies: the table region
// followed by each entry. Reserved storage is not included; after a crash
// it is free space.
func (w *WAL) Footprint() []base.Ref {
	w.mu.Lock()
	defer w.mu.Unlock()

	refs := make([]base.Ref, 0, len(w.offsets)+1)
	refs = append(refs, base.Ref{Offset: w.offset, Size: Size(w.capacity)})
	for _, off := range w.offsets {
		refs = append(refs, base.Ref{Offset: off, Size: EntrySize})
	}
	return refs
}

// Snapshot copies the log.
func (w *WAL) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	entries := make([]Entry, len(w.entries))
	copy(entries, w.entries)
	return Snapshot{
		TableID:  w.tableID,
		Capacity: w.capacity,
		Commit:   w.commit,
		Reserved: uint32(len(w.spares)),
		Entries:  entries,
	}
}

func (w *WAL) Offset() uint64 {
	return w.offset
}

func (w *WAL) TableID() uint32 {
	return w.tableID
}

// Commit returns the commit pointer.
func (w *WAL) Commit() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.commit
}

// Len returns the number of entries.
func (w *WAL) Len() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return uint32(len(w.entries))
}

func (w *WAL) putUint32(off uint64, v uint32) error {
	buf, err := w.region.Bytes(off, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(buf, v)
	return w.region.Persist(off, 4)
}

func (w *WAL) putUint64(off, v uint64) error {
	buf, err := w.region.Bytes(off, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(buf, v)
	return w.region.Persist(off, 8)
}

func (w *WAL) readEntry(off uint64) (Entry, bool) {
	buf, err := w.region.Bytes(off, EntrySize)
	if err != nil {
		return Entry{}, false
	}
	return decodeEntry(buf)
}

func encodeEntry(buf []byte, e Entry) {
	binary.LittleEndian.PutUint32(buf[0:4], e.Seq)
	buf[4] = byte(e.Op)
	buf[5], buf[6], buf[7] = 0, 0, 0
	binary.LittleEndian.PutUint64(buf[8:16], e.TxnID)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(e.Key))
	binary.LittleEndian.PutUint64(buf[24:32], e.Data.Offset)
	binary.LittleEndian.PutUint64(buf[32:40], e.Data.Size)
	binary.LittleEndian.PutUint64(buf[40:48], e.Prev.Offset)
	binary.LittleEndian.PutUint64(buf[48:56], e.Prev.Size)
	binary.LittleEndian.PutUint64(buf[checksumOffset:EntrySize], xxhash.Sum64(buf[:checksumOffset]))
}

func decodeEntry(buf []byte) (Entry, bool) {
	if binary.LittleEndian.Uint64(buf[checksumOffset:EntrySize]) != xxhash.Sum64(buf[:checksumOffset]) {
		return Entry{}, false
	}
	e := Entry{
		Seq:   binary.LittleEndian.Uint32(buf[0:4]),
		Op:    Op(buf[4]),
		TxnID: binary.LittleEndian.Uint64(buf[8:16]),
		Key:   int64(binary.LittleEndian.Uint64(buf[16:24])),
		Data:  base.Ref{Offset: binary.LittleEndian.Uint64(buf[24:32]), Size: binary.LittleEndian.Uint64(buf[32:40])},
		Prev:  base.Ref{Offset: binary.LittleEndian.Uint64(buf[40:48]), Size: binary.LittleEndian.Uint64(buf[48:56])},
	}
	if e.Op > OpUpsert {
		return Entry{}, false
	}
	return e, true
}
