// Package alloc manages free and used ranges of the persistent extent.
//
// Two policies implement the same Allocator contract:
//
//   - FirstFit (default): free blocks ordered by address, first block large
//     enough wins, frees coalesce with address-adjacent neighbours.
//   - MaxHeap: free blocks ordered by size, the largest block is always carved,
//     every allocation carries an in-extent header, frees never coalesce.
//
// Allocation failure is local: callers get ErrExhausted and decide what to do.
// Nothing in this package retries.
package alloc

import (
	"fmt"
	"slices"

	"github.com/thebardofavon/nvram-db/internal/base"
)

var (
	ErrExhausted   = fmt.Errorf("allocator exhausted: %w", base.ErrCapacityExhausted)
	ErrInvalidSize = fmt.Errorf("invalid allocation size: %w", base.ErrInvalidState)
	ErrInvalidFree = fmt.Errorf("free of a range that is not allocated: %w", base.ErrInvalidState)
	ErrOverlap     = fmt.Errorf("overlapping live ranges: %w", base.ErrCorruption)
)

// Policy selects the allocation strategy of an extent.
type Policy uint8

const (
	FirstFitPolicy Policy = iota + 1
	MaxHeapPolicy
)

func (p Policy) String() string {
	switch p {
	case FirstFitPolicy:
		return "first-fit"
	case MaxHeapPolicy:
		return "max-heap"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

// Allocator hands out ranges of the extent.
type Allocator interface {
	// Allocate returns the offset of size free bytes, or ErrExhausted.
	Allocate(size uint64) (uint64, error)
	// Free returns a range previously obtained from Allocate.
	Free(offset, size uint64) error
	// Rebuild resets the allocator so that everything is free except the
	// given live ranges, each as originally returned by Allocate.
	Rebuild(live []base.Ref) error
	// Stats summarises the free space.
	Stats() Stats
	Policy() Policy
}

// Memory is the extent view the MaxHeap policy writes its headers through.
type Memory interface {
	Bytes(off, n uint64) ([]byte, error)
	Persist(off, n uint64) error
}

// Block is a free range.
type Block struct {
	Offset uint64
	Size   uint64
}

func (b Block) end() uint64 {
	return b.Offset + b.Size
}

// Stats describes free space.
type Stats struct {
	TotalFree    uint64
	LargestBlock uint64
	FreeBlocks   int
}

// New builds the allocator for a policy over [start, start+size).
func New(p Policy, mem Memory, start, size uint64) (Allocator, error) {
	switch p {
	case FirstFitPolicy:
		return NewFirstFit(start, size), nil
	case MaxHeapPolicy:
		return NewMaxHeap(mem, start, size), nil
	default:
		return nil, fmt.Errorf("unknown allocator %s: %w", p, base.ErrInvalidState)
	}
}

// gaps returns the free blocks of [start, end) left between sorted spans.
func gaps(spans []Block, start, end uint64) ([]Block, error) {
	slices.SortFunc(spans, func(a, b Block) int {
		switch {
		case a.Offset < b.Offset:
			return -1
		case a.Offset > b.Offset:
			return 1
		default:
			return 0
		}
	})

	var free []Block
	cursor := start
	for _, s := range spans {
		if s.Offset < cursor || s.end() > end {
			return nil, fmt.Errorf("live range [%d+%d]: %w", s.Offset, s.Size, ErrOverlap)
		}
		if s.Offset > cursor {
			free = append(free, Block{Offset: cursor, Size: s.Offset - cursor})
		}
		cursor = s.end()
	}
	if cursor < end {
		free = append(free, Block{Offset: cursor, Size: end - cursor})
	}
	return free, nil
}
