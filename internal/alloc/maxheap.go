package alloc

import (
	"container/heap"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/thebardofavon/nvram-db/internal/base"
)

// HeaderSize is the per-allocation overhead of the MaxHeap policy.
// Layout: [Allocated:1][Reserved:3][Slot:4][Size:8]
// Size counts the usable bytes following the header.
const HeaderSize = 16

const noSlot = ^uint32(0)

// MaxHeap is the size-ordered allocator. It always carves the largest free
// block, trading address adjacency (and therefore coalescing) for O(log n)
// access to the biggest fit.
type MaxHeap struct {
	mu     sync.Mutex
	blocks blockHeap
	start  uint64
	end    uint64
}

// NewMaxHeap creates a heap allocator over [start, start+size). Headers are
// written through mem, but not by the constructor: an existing extent opened
// for recovery still carries live headers that Rebuild has to read.
func NewMaxHeap(mem Memory, start, size uint64) *MaxHeap {
	m := &MaxHeap{
		blocks: blockHeap{mem: mem},
		start:  start,
		end:    start + size,
	}
	if size > HeaderSize {
		m.blocks.items = append(m.blocks.items, Block{Offset: start, Size: size})
	}
	return m
}

func (m *MaxHeap) Policy() Policy {
	return MaxHeapPolicy
}

// Allocate extracts the largest block. Leftover space larger than a header
// goes back to the heap; a smaller tail is absorbed into the allocation.
func (m *MaxHeap) Allocate(size uint64) (uint64, error) {
	if size == 0 {
		return 0, ErrInvalidSize
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	need := size + HeaderSize
	if m.blocks.Len() == 0 || m.blocks.items[0].Size < need {
		return 0, ErrExhausted
	}

	block := heap.Pop(&m.blocks).(Block)

	usable := block.Size - HeaderSize
	if leftover := block.Size - need; leftover > HeaderSize {
		heap.Push(&m.blocks, Block{Offset: block.Offset + need, Size: leftover})
		usable = size
	}

	if err := m.blocks.writeHeader(block.Offset, true, noSlot, usable); err != nil {
		return 0, err
	}
	if err := m.blocks.mem.Persist(block.Offset, HeaderSize); err != nil {
		return 0, err
	}
	return block.Offset + HeaderSize, nil
}

// Free re-inserts the block (header included) by size. offset and size must
// be exactly as passed to and returned by Allocate. The header must read as
// an allocation of that request, which rejects double frees and most offsets
// that point into the middle of a block.
func (m *MaxHeap) Free(offset, size uint64) error {
	if size == 0 {
		return ErrInvalidSize
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if offset < m.start+HeaderSize || offset > m.end {
		return ErrInvalidFree
	}
	hdr := offset - HeaderSize

	allocated, usable, err := m.blocks.readHeader(hdr)
	if err != nil {
		return err
	}
	slot, err := m.blocks.slotOf(hdr)
	if err != nil {
		return err
	}
	// Allocate absorbs at most a header's worth of tail into a block
	if !allocated || slot != noSlot || size > usable || usable > size+HeaderSize ||
		hdr+HeaderSize+usable > m.end {
		return ErrInvalidFree
	}

	heap.Push(&m.blocks, Block{Offset: hdr, Size: usable + HeaderSize})
	return nil
}

// Rebuild derives the free blocks from the live allocations. Each live Ref is
// widened to its header before the gaps are computed; gaps too small to carry
// a header are not tracked.
func (m *MaxHeap) Rebuild(live []base.Ref) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	spans := make([]Block, 0, len(live))
	for _, r := range live {
		if r.Offset < m.start+HeaderSize {
			return ErrOverlap
		}
		allocated, usable, err := m.blocks.readHeader(r.Offset - HeaderSize)
		if err != nil {
			return err
		}
		if !allocated || r.Size > usable {
			return ErrOverlap
		}
		spans = append(spans, Block{Offset: r.Offset - HeaderSize, Size: usable + HeaderSize})
	}

	free, err := gaps(spans, m.start, m.end)
	if err != nil {
		return err
	}

	m.blocks.items = m.blocks.items[:0]
	for _, b := range free {
		if b.Size > HeaderSize {
			heap.Push(&m.blocks, b)
		}
	}
	return nil
}

// Blocks returns the free blocks in heap order; the first is the largest.
func (m *MaxHeap) Blocks() []Block {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Block, len(m.blocks.items))
	copy(out, m.blocks.items)
	return out
}

func (m *MaxHeap) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var st Stats
	for _, b := range m.blocks.items {
		st.TotalFree += b.Size
		st.FreeBlocks++
	}
	if len(m.blocks.items) > 0 {
		st.LargestBlock = m.blocks.items[0].Size
	}
	return st
}

// blockHeap implements heap.Interface. Every move of a free block rewrites
// the slot back-reference in that block's header.
type blockHeap struct {
	mem   Memory
	items []Block
}

func (h *blockHeap) Len() int {
	return len(h.items)
}

func (h *blockHeap) Less(i, j int) bool {
	return h.items[i].Size > h.items[j].Size
}

func (h *blockHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.setSlot(i)
	h.setSlot(j)
}

func (h *blockHeap) Push(x any) {
	h.items = append(h.items, x.(Block))
	h.setSlot(len(h.items) - 1)
}

func (h *blockHeap) Pop() any {
	n := len(h.items)
	b := h.items[n-1]
	h.items = h.items[:n-1]
	return b
}

// setSlot rewrites the back-reference of items[i]. Every tracked block was
// range checked before it entered the heap, so a failed write is a bug.
func (h *blockHeap) setSlot(i int) {
	b := h.items[i]
	if err := h.writeHeader(b.Offset, false, uint32(i), b.Size-HeaderSize); err != nil {
		panic(fmt.Sprintf("BUG: free block %d+%d at slot %d outside the extent: %v", b.Offset, b.Size, i, err))
	}
}

func (h *blockHeap) writeHeader(offset uint64, allocated bool, slot uint32, usable uint64) error {
	buf, err := h.mem.Bytes(offset, HeaderSize)
	if err != nil {
		return err
	}
	buf[0] = 0
	if allocated {
		buf[0] = 1
	}
	buf[1], buf[2], buf[3] = 0, 0, 0
	binary.LittleEndian.PutUint32(buf[4:8], slot)
	binary.LittleEndian.PutUint64(buf[8:16], usable)
	return nil
}

func (h *blockHeap) readHeader(offset uint64) (allocated bool, usable uint64, err error) {
	buf, err := h.mem.Bytes(offset, HeaderSize)
	if err != nil {
		return false, 0, err
	}
	return buf[0] == 1, binary.LittleEndian.Uint64(buf[8:16]), nil
}

// slotOf reads the back-reference of the free block at offset.
func (h *blockHeap) slotOf(offset uint64) (uint32, error) {
	buf, err := h.mem.Bytes(offset, HeaderSize)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[4:8]), nil
}
