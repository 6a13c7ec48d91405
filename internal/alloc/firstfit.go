package alloc

import (
	"sync"

	"github.com/google/btree"

	"github.com/thebardofavon/nvram-db/internal/base"
)

const freeSetDegree = 16

// FirstFit is the address-ordered first-fit allocator.
type FirstFit struct {
	mu    sync.Mutex
	free  *btree.BTreeG[Block] // ordered by Offset
	start uint64
	end   uint64
}

func blockLess(a, b Block) bool {
	return a.Offset < b.Offset
}

// NewFirstFit creates an allocator whose whole range [start, start+size) is
// one free block.
func NewFirstFit(start, size uint64) *FirstFit {
	f := &FirstFit{
		free:  btree.NewG(freeSetDegree, blockLess),
		start: start,
		end:   start + size,
	}
	if size > 0 {
		f.free.ReplaceOrInsert(Block{Offset: start, Size: size})
	}
	return f
}

func (f *FirstFit) Policy() Policy {
	return FirstFitPolicy
}

// Allocate scans free blocks in address order and carves the first one that
// fits. An exact fit removes the block; a larger block shrinks in place.
func (f *FirstFit) Allocate(size uint64) (uint64, error) {
	if size == 0 {
		return 0, ErrInvalidSize
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var found Block
	ok := false
	f.free.Ascend(func(b Block) bool {
		if b.Size >= size {
			found, ok = b, true
			return false
		}
		return true
	})
	if !ok {
		return 0, ErrExhausted
	}

	f.free.Delete(found)
	if found.Size > size {
		f.free.ReplaceOrInsert(Block{Offset: found.Offset + size, Size: found.Size - size})
	}
	return found.Offset, nil
}

// Free inserts the range in address order and merges it with an adjacent
// predecessor and/or successor, so no two free blocks ever touch.
func (f *FirstFit) Free(offset, size uint64) error {
	if size == 0 {
		return ErrInvalidSize
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if offset < f.start || offset+size > f.end || offset+size < offset {
		return ErrInvalidFree
	}

	block := Block{Offset: offset, Size: size}

	prev, hasPrev := f.predecessor(offset)
	if hasPrev && prev.end() > offset {
		return ErrInvalidFree
	}
	next, hasNext := f.successor(offset)
	if hasNext && next.Offset < block.end() {
		return ErrInvalidFree
	}

	if hasPrev && prev.end() == block.Offset {
		f.free.Delete(prev)
		block.Offset = prev.Offset
		block.Size += prev.Size
	}
	if hasNext && block.end() == next.Offset {
		f.free.Delete(next)
		block.Size += next.Size
	}
	f.free.ReplaceOrInsert(block)
	return nil
}

// predecessor returns the free block with the greatest offset <= offset.
func (f *FirstFit) predecessor(offset uint64) (Block, bool) {
	var out Block
	ok := false
	f.free.DescendLessOrEqual(Block{Offset: offset}, func(b Block) bool {
		out, ok = b, true
		return false
	})
	return out, ok
}

// successor returns the free block with the smallest offset >= offset.
func (f *FirstFit) successor(offset uint64) (Block, bool) {
	var out Block
	ok := false
	f.free.AscendGreaterOrEqual(Block{Offset: offset}, func(b Block) bool {
		out, ok = b, true
		return false
	})
	return out, ok
}

// Rebuild recomputes the free set from the live ranges.
func (f *FirstFit) Rebuild(live []base.Ref) error {
	spans := make([]Block, 0, len(live))
	for _, r := range live {
		spans = append(spans, Block{Offset: r.Offset, Size: r.Size})
	}
	free, err := gaps(spans, f.start, f.end)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.free.Clear(false)
	for _, b := range free {
		f.free.ReplaceOrInsert(b)
	}
	return nil
}

// Blocks returns the free blocks in address order.
func (f *FirstFit) Blocks() []Block {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Block, 0, f.free.Len())
	f.free.Ascend(func(b Block) bool {
		out = append(out, b)
		return true
	})
	return out
}

func (f *FirstFit) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()

	var st Stats
	f.free.Ascend(func(b Block) bool {
		st.TotalFree += b.Size
		st.LargestBlock = max(st.LargestBlock, b.Size)
		st.FreeBlocks++
		return true
	})
	return st
}
