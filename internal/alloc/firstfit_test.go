package alloc

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebardofavon/nvram-db/internal/base"
)

func TestFirstFitScenario(t *testing.T) {
	t.Parallel()

	for _, order := range []string{"ascending", "descending"} {
		t.Run(order, func(t *testing.T) {
			f := NewFirstFit(0, 1024)

			off, err := f.Allocate(256)
			require.NoError(t, err)
			assert.Equal(t, uint64(0), off)
			assert.Equal(t, []Block{{Offset: 256, Size: 768}}, f.Blocks())

			off, err = f.Allocate(128)
			require.NoError(t, err)
			assert.Equal(t, uint64(256), off)
			assert.Equal(t, []Block{{Offset: 384, Size: 640}}, f.Blocks())

			if order == "ascending" {
				require.NoError(t, f.Free(0, 256))
				require.NoError(t, f.Free(256, 128))
			} else {
				require.NoError(t, f.Free(256, 128))
				require.NoError(t, f.Free(0, 256))
			}

			assert.Equal(t, []Block{{Offset: 0, Size: 1024}}, f.Blocks(),
				"both frees plus the tail must merge into one block")
		})
	}
}

func TestFirstFitCoalesceWithoutTail(t *testing.T) {
	t.Parallel()

	f := NewFirstFit(0, 1024)
	a, _ := f.Allocate(256)
	b, _ := f.Allocate(128)
	_, err := f.Allocate(640) // consume the tail exactly
	require.NoError(t, err)
	assert.Empty(t, f.Blocks())

	require.NoError(t, f.Free(b, 128))
	require.NoError(t, f.Free(a, 256))
	assert.Equal(t, []Block{{Offset: 0, Size: 384}}, f.Blocks())
}

func TestFirstFitReuse(t *testing.T) {
	t.Parallel()

	f := NewFirstFit(4096, 1<<16)

	a, err := f.Allocate(100)
	require.NoError(t, err)
	_, err = f.Allocate(100)
	require.NoError(t, err)

	require.NoError(t, f.Free(a, 100))

	// Equal or smaller sizes come back at the same offset
	again, err := f.Allocate(64)
	require.NoError(t, err)
	assert.Equal(t, a, again)
}

func TestFirstFitExhausted(t *testing.T) {
	t.Parallel()

	f := NewFirstFit(0, 100)

	_, err := f.Allocate(101)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, base.ErrCapacityExhausted)

	_, err = f.Allocate(0)
	assert.ErrorIs(t, err, ErrInvalidSize)

	off, err := f.Allocate(100)
	require.NoError(t, err)
	_, err = f.Allocate(1)
	assert.ErrorIs(t, err, ErrExhausted)

	require.NoError(t, f.Free(off, 100))
	assert.Equal(t, Stats{TotalFree: 100, LargestBlock: 100, FreeBlocks: 1}, f.Stats())
}

func TestFirstFitInvalidFree(t *testing.T) {
	t.Parallel()

	f := NewFirstFit(0, 1024)
	off, err := f.Allocate(128)
	require.NoError(t, err)

	tests := []struct {
		name   string
		offset uint64
		size   uint64
	}{
		{"already_free", 512, 16},
		{"overlaps_free_tail", 120, 16},
		{"out_of_range", 1020, 16},
		{"zero_size", off, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, f.Free(tt.offset, tt.size))
		})
	}

	require.NoError(t, f.Free(off, 128))
	assert.ErrorIs(t, f.Free(off, 128), ErrInvalidFree, "double free")
}

func TestFirstFitRandomized(t *testing.T) {
	t.Parallel()

	const extent = 1 << 20
	f := NewFirstFit(0, extent)
	rng := rand.New(rand.NewSource(42))

	type live struct{ off, size uint64 }
	var allocated []live

	for i := 0; i < 5000; i++ {
		if len(allocated) == 0 || rng.Intn(3) != 0 {
			size := uint64(rng.Intn(2048) + 1)
			off, err := f.Allocate(size)
			if err != nil {
				require.ErrorIs(t, err, ErrExhausted)
				continue
			}
			// No two live allocations overlap
			for _, l := range allocated {
				require.False(t, off < l.off+l.size && l.off < off+size,
					"allocation [%d+%d] overlaps [%d+%d]", off, size, l.off, l.size)
			}
			allocated = append(allocated, live{off, size})
		} else {
			i := rng.Intn(len(allocated))
			l := allocated[i]
			require.NoError(t, f.Free(l.off, l.size))
			allocated = append(allocated[:i], allocated[i+1:]...)
		}

		// No two free blocks are address-adjacent
		blocks := f.Blocks()
		for j := 1; j < len(blocks); j++ {
			require.Less(t, blocks[j-1].Offset+blocks[j-1].Size, blocks[j].Offset)
		}
	}

	for _, l := range allocated {
		require.NoError(t, f.Free(l.off, l.size))
	}
	assert.Equal(t, []Block{{Offset: 0, Size: extent}}, f.Blocks(),
		"a sequence that nets to zero restores the original extent")
}

func TestFirstFitRebuild(t *testing.T) {
	t.Parallel()

	f := NewFirstFit(100, 900)
	require.NoError(t, f.Rebuild([]base.Ref{
		{Offset: 500, Size: 100},
		{Offset: 100, Size: 50},
		{Offset: 600, Size: 10},
	}))
	assert.Equal(t, []Block{
		{Offset: 150, Size: 350},
		{Offset: 610, Size: 390},
	}, f.Blocks())

	err := f.Rebuild([]base.Ref{{Offset: 200, Size: 100}, {Offset: 250, Size: 10}})
	assert.ErrorIs(t, err, ErrOverlap)
	assert.ErrorIs(t, err, base.ErrCorruption)
}
