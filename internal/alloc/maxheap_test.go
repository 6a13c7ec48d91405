package alloc

import (
	"container/heap"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebardofavon/nvram-db/internal/arena"
	"github.com/thebardofavon/nvram-db/internal/base"
)

func newHeap(t *testing.T, size uint64) (*MaxHeap, *arena.Arena) {
	t.Helper()
	mem, err := arena.NewMemory(arena.HeaderSize + size)
	require.NoError(t, err)
	return NewMaxHeap(mem, arena.HeaderSize, size), mem
}

func TestMaxHeapCarvesLargest(t *testing.T) {
	t.Parallel()

	h, _ := newHeap(t, 1024)
	start := uint64(arena.HeaderSize)

	p1, err := h.Allocate(256)
	require.NoError(t, err)
	assert.Equal(t, start+HeaderSize, p1)

	p2, err := h.Allocate(128)
	require.NoError(t, err)
	assert.Equal(t, p1+256+HeaderSize, p2)

	require.NoError(t, h.Free(p1, 256))

	// The remaining tail (1024-272-144) is larger than the freed block, so it
	// is carved first; the freed block is never merged with it.
	blocks := h.Blocks()
	require.Len(t, blocks, 2)
	assert.Equal(t, uint64(1024-272-144), blocks[0].Size)
	assert.Equal(t, uint64(272), blocks[1].Size)

	p3, err := h.Allocate(16)
	require.NoError(t, err)
	assert.Equal(t, p2+128+HeaderSize, p3)
}

func TestMaxHeapAbsorbsSmallLeftover(t *testing.T) {
	t.Parallel()

	h, _ := newHeap(t, 100)

	// 100 - (80+16) = 4 bytes leftover, not worth a header
	p, err := h.Allocate(80)
	require.NoError(t, err)
	assert.Empty(t, h.Blocks())

	_, err = h.Allocate(1)
	assert.ErrorIs(t, err, ErrExhausted)

	require.NoError(t, h.Free(p, 80))
	assert.Equal(t, Stats{TotalFree: 100, LargestBlock: 100, FreeBlocks: 1}, h.Stats())
}

func TestMaxHeapExhaustedKeepsBlock(t *testing.T) {
	t.Parallel()

	h, _ := newHeap(t, 256)

	_, err := h.Allocate(1024)
	assert.ErrorIs(t, err, base.ErrCapacityExhausted)
	assert.Equal(t, 1, h.Stats().FreeBlocks, "a failed allocation must not leak the largest block")
}

func TestMaxHeapDoubleFree(t *testing.T) {
	t.Parallel()

	h, _ := newHeap(t, 1024)

	p, err := h.Allocate(64)
	require.NoError(t, err)
	require.NoError(t, h.Free(p, 64))
	assert.ErrorIs(t, h.Free(p, 64), ErrInvalidFree)

	assert.ErrorIs(t, h.Free(arena.HeaderSize, 8), ErrInvalidFree)
}

func TestMaxHeapFreeRejectsInteriorOffset(t *testing.T) {
	t.Parallel()

	h, mem := newHeap(t, 1024)

	p, err := h.Allocate(256)
	require.NoError(t, err)
	before := h.Stats()

	// Row bytes that happen to look like a free header
	inner := p + 64
	buf, err := mem.Bytes(inner-HeaderSize, HeaderSize)
	require.NoError(t, err)
	require.NoError(t, h.blocks.writeHeader(inner-HeaderSize, true, 0, 100))
	assert.ErrorIs(t, h.Free(inner, 100), ErrInvalidFree)

	clear(buf)
	assert.ErrorIs(t, h.Free(inner, 100), ErrInvalidFree)

	// The size must match the request
	assert.ErrorIs(t, h.Free(p, 64), ErrInvalidFree)
	assert.ErrorIs(t, h.Free(p, 0), ErrInvalidSize)
	assert.Equal(t, before, h.Stats())

	require.NoError(t, h.Free(p, 256))
}

func TestMaxHeapSlotBackReference(t *testing.T) {
	t.Parallel()

	h, _ := newHeap(t, 4096)

	var ptrs []uint64
	for _, size := range []uint64{100, 200, 300, 400} {
		p, err := h.Allocate(size)
		require.NoError(t, err)
		ptrs = append(ptrs, p)
	}
	for i, p := range ptrs {
		require.NoError(t, h.Free(p, uint64((i+1)*100)))
	}

	for i, b := range h.Blocks() {
		slot, err := h.blocks.slotOf(b.Offset)
		require.NoError(t, err)
		assert.Equal(t, uint32(i), slot, "header of block at %d", b.Offset)
	}
}

func TestMaxHeapSlotWriteOutsideExtent(t *testing.T) {
	t.Parallel()

	_, mem := newHeap(t, 1024)
	bh := &blockHeap{mem: mem}
	assert.Panics(t, func() {
		heap.Push(bh, Block{Offset: mem.Size(), Size: 64})
	})
}

func TestMaxHeapRebuild(t *testing.T) {
	t.Parallel()

	h, _ := newHeap(t, 4096)

	a, err := h.Allocate(100)
	require.NoError(t, err)
	b, err := h.Allocate(200)
	require.NoError(t, err)
	c, err := h.Allocate(300)
	require.NoError(t, err)

	// Forget b, as a crash before its commit would
	require.NoError(t, h.Rebuild([]base.Ref{{Offset: a, Size: 100}, {Offset: c, Size: 300}}))

	st := h.Stats()
	assert.Equal(t, uint64(4096-(100+HeaderSize)-(300+HeaderSize)), st.TotalFree)

	// b's span is free again and the live blocks are still allocated
	assert.ErrorIs(t, h.Free(b, 200), ErrInvalidFree)
	require.NoError(t, h.Free(a, 100))

	assert.ErrorIs(t, h.Rebuild([]base.Ref{{Offset: a, Size: 100}}), ErrOverlap,
		"freed blocks are not live")
}

func TestNewPolicy(t *testing.T) {
	t.Parallel()

	mem, err := arena.NewMemory(arena.HeaderSize * 2)
	require.NoError(t, err)

	a, err := New(FirstFitPolicy, mem, arena.HeaderSize, arena.HeaderSize)
	require.NoError(t, err)
	assert.Equal(t, FirstFitPolicy, a.Policy())

	a, err = New(MaxHeapPolicy, mem, arena.HeaderSize, arena.HeaderSize)
	require.NoError(t, err)
	assert.Equal(t, MaxHeapPolicy, a.Policy())

	_, err = New(Policy(9), mem, 0, 0)
	assert.ErrorIs(t, err, base.ErrInvalidState)
}

func TestMaxHeapReopen(t *testing.T) {
	t.Parallel()

	h, mem := newHeap(t, 4096)
	first, err := h.Allocate(64)
	require.NoError(t, err)
	second, err := h.Allocate(32)
	require.NoError(t, err)

	// A new allocator over the same extent must find the live headers intact
	reopened := NewMaxHeap(mem, arena.HeaderSize, 4096)
	require.NoError(t, reopened.Rebuild([]base.Ref{{Offset: first, Size: 64}, {Offset: second, Size: 32}}))
	assert.Equal(t, uint64(4096-(64+HeaderSize)-(32+HeaderSize)), reopened.Stats().TotalFree)

	require.NoError(t, reopened.Free(first, 64))
	assert.ErrorIs(t, reopened.Free(first, 64), ErrInvalidFree)
}
