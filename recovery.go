package nvramdb

import (
	"fmt"
	"maps"
	"slices"

	"github.com/thebardofavon/nvram-db/internal/alloc"
	"github.com/thebardofavon/nvram-db/internal/arena"
	"github.com/thebardofavon/nvram-db/internal/base"
	"github.com/thebardofavon/nvram-db/internal/index"
	"github.com/thebardofavon/nvram-db/internal/wal"
)

// recoveredTable is one directory slot's state between replay and index
// construction.
type recoveredTable struct {
	slot   int
	entry  arena.Slot
	log    *wal.WAL
	rows   map[int64]base.Ref
	commit uint32
	undone int
}

// recover rebuilds volatile state from the extent: every table's committed
// WAL entries are replayed into a row map, entries past a commit pointer are
// discarded, the allocator is rebuilt from what is still referenced, and each
// index is bulk-built. It returns the first unused transaction id.
func (d *DB) recover() (uint64, error) {
	var err error
	d.header, err = d.arena.ReadHeader()
	if err != nil {
		return 0, fmt.Errorf("open extent: %w", err)
	}

	policy := alloc.Policy(d.header.Policy)
	if d.opts.policy != 0 && d.opts.policy != policy {
		return 0, fmt.Errorf("extent uses %s, requested %s: %w", policy, d.opts.policy, ErrPolicyMismatch)
	}
	d.alloc, err = alloc.New(policy, d.arena, arena.HeaderSize, d.arena.Size()-arena.HeaderSize)
	if err != nil {
		return 0, fmt.Errorf("open extent: %w", err)
	}

	var (
		tables  []*recoveredTable
		live    []base.Ref
		maxTxn  uint64
		names   = make(map[string]struct{})
		ids     = make(map[uint32]struct{})
		entries int
	)
	for i := 0; i < arena.MaxTables; i++ {
		slot, ok, err := d.arena.ReadSlot(i)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		if _, dup := names[slot.Name]; dup {
			return 0, fmt.Errorf("table %q listed twice: %w", slot.Name, base.ErrCorruption)
		}
		if _, dup := ids[slot.TableID]; dup {
			return 0, fmt.Errorf("table id %d listed twice: %w", slot.TableID, base.ErrCorruption)
		}
		names[slot.Name], ids[slot.TableID] = struct{}{}, struct{}{}

		log, err := wal.Load(d.arena, d.alloc, slot.WAL)
		if err != nil {
			return 0, fmt.Errorf("table %q: %w", slot.Name, err)
		}
		if log.TableID() != slot.TableID {
			return 0, fmt.Errorf("table %q: wal belongs to table %d: %w", slot.Name, log.TableID(), base.ErrCorruption)
		}

		snap := log.Snapshot()
		rt := &recoveredTable{
			slot:   i,
			entry:  slot,
			log:    log,
			rows:   replay(snap.Entries[:snap.Commit]),
			commit: snap.Commit,
			undone: len(snap.Entries) - int(snap.Commit),
		}
		for _, e := range snap.Entries {
			maxTxn = max(maxTxn, e.TxnID)
		}
		entries += len(snap.Entries)

		live = append(live, log.Footprint()...)
		for _, ref := range rt.rows {
			live = append(live, ref)
		}
		tables = append(tables, rt)
	}

	if err := d.alloc.Rebuild(live); err != nil {
		return 0, fmt.Errorf("rebuild allocator: %w", err)
	}

	for _, rt := range tables {
		if rt.undone > 0 {
			d.log.Warn("discarding uncommitted wal entries", "table", rt.entry.Name, "entries", rt.undone)
		}
		if err := rt.log.Truncate(rt.commit); err != nil {
			return 0, fmt.Errorf("table %q: %w", rt.entry.Name, err)
		}

		tree, err := index.New(d.opts.fanout)
		if err != nil {
			return 0, err
		}
		keys := slices.Sorted(maps.Keys(rt.rows))
		refs := make([]base.Ref, len(keys))
		for i, k := range keys {
			refs[i] = rt.rows[k]
		}
		if err := tree.Build(keys, refs); err != nil {
			return 0, fmt.Errorf("table %q: %w", rt.entry.Name, err)
		}

		t := &Table{db: d, id: rt.entry.TableID, name: rt.entry.Name, slot: rt.slot, tree: tree, wal: rt.log}
		if err := d.tables.Add(t.name, t.id, t); err != nil {
			return 0, err
		}
		d.slots[rt.slot] = true
	}

	st := d.alloc.Stats()
	d.log.Info("recovery complete", "tables", len(tables), "wal_entries", entries,
		"free_bytes", st.TotalFree, "free_blocks", st.FreeBlocks, "next_txn", maxTxn+1)
	return maxTxn + 1, nil
}

// replay applies committed entries in order. Re-applying an entry gives the
// same result, so replaying a prefix twice is harmless.
func replay(entries []wal.Entry) map[int64]base.Ref {
	rows := make(map[int64]base.Ref)
	for _, e := range entries {
		switch e.Op {
		case wal.OpAdd, wal.OpUpsert:
			rows[e.Key] = e.Data
		case wal.OpDelete:
			delete(rows, e.Key)
		}
	}
	return rows
}
