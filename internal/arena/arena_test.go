package arena

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebardofavon/nvram-db/internal/base"
)

func TestMemoryBounds(t *testing.T) {
	t.Parallel()

	a, err := NewMemory(HeaderSize * 2)
	require.NoError(t, err)

	_, err = a.Bytes(HeaderSize*2-8, 8)
	assert.NoError(t, err)

	_, err = a.Bytes(HeaderSize*2-8, 9)
	assert.ErrorIs(t, err, ErrInvalidOffset)
	assert.ErrorIs(t, err, base.ErrInvalidState)

	assert.ErrorIs(t, a.Persist(HeaderSize*2, 1), ErrInvalidOffset)

	_, err = NewMemory(HeaderSize - 1)
	assert.ErrorIs(t, err, ErrTooSmall)
}

func TestPersistCountsBarriers(t *testing.T) {
	t.Parallel()

	a, err := NewMemory(HeaderSize * 2)
	require.NoError(t, err)

	require.NoError(t, a.Persist(HeaderSize, 64))
	require.NoError(t, a.Persist(HeaderSize+64, 0))

	st := a.Stats()
	assert.Equal(t, uint64(1), st.Barriers, "empty ranges are not barriers")
	assert.Equal(t, uint64(64), st.Persisted)
}

func TestFileRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "extent.img")

	a, err := Open(path, 64*1024, true)
	require.NoError(t, err)
	assert.True(t, a.Fresh())
	assert.False(t, a.Formatted())

	h := Header{Policy: 1, ExtentSize: a.Size(), Instance: uuid.New()}
	require.NoError(t, a.WriteHeader(h))
	require.NoError(t, a.WriteSlot(3, Slot{TableID: 7, Name: "course", WAL: 8192}))

	payload := []byte("persistent row")
	require.NoError(t, a.WriteAt(payload, 10000))
	require.NoError(t, a.Persist(10000, uint64(len(payload))))
	require.NoError(t, a.Close())

	// Reopen ignores the requested size and keeps the file's own
	b, err := Open(path, 1, true)
	require.NoError(t, err)
	defer b.Close()

	assert.False(t, b.Fresh())
	assert.True(t, b.Formatted())
	assert.Equal(t, uint64(64*1024), b.Size())

	got, err := b.ReadHeader()
	require.NoError(t, err)
	assert.Equal(t, h, got)

	slot, ok, err := b.ReadSlot(3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Slot{TableID: 7, Name: "course", WAL: 8192}, slot)

	buf := make([]byte, len(payload))
	require.NoError(t, b.ReadAt(buf, 10000))
	assert.Equal(t, payload, buf)
}

func TestHeaderValidation(t *testing.T) {
	t.Parallel()

	a, err := NewMemory(HeaderSize)
	require.NoError(t, err)

	_, err = a.ReadHeader()
	assert.ErrorIs(t, err, ErrInvalidMagic)

	require.NoError(t, a.WriteHeader(Header{ExtentSize: HeaderSize, Instance: uuid.New()}))
	_, err = a.ReadHeader()
	require.NoError(t, err)

	// Flip a byte inside the checksummed region
	raw, err := a.Bytes(8, 1)
	require.NoError(t, err)
	raw[0] ^= 0xFF

	_, err = a.ReadHeader()
	assert.ErrorIs(t, err, ErrInvalidHeader)
	assert.ErrorIs(t, err, base.ErrCorruption)
}

func TestSlots(t *testing.T) {
	t.Parallel()

	a, err := NewMemory(HeaderSize)
	require.NoError(t, err)

	_, ok, err := a.ReadSlot(0)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = a.ReadSlot(MaxTables)
	assert.ErrorIs(t, err, ErrInvalidSlot)

	long := make([]byte, MaxNameLen+1)
	assert.ErrorIs(t, a.WriteSlot(0, Slot{Name: string(long)}), ErrNameTooLong)

	require.NoError(t, a.WriteSlot(MaxTables-1, Slot{TableID: 1, Name: "last", WAL: 4096}))
	_, ok, err = a.ReadSlot(MaxTables - 1)
	require.NoError(t, err)
	assert.True(t, ok)

	t.Run("torn", func(t *testing.T) {
		raw, err := a.slot(MaxTables - 1)
		require.NoError(t, err)
		raw[20] ^= 0x01

		_, ok, err := a.ReadSlot(MaxTables - 1)
		require.NoError(t, err)
		assert.False(t, ok, "torn slot must read as free")
	})

	require.NoError(t, a.ClearSlot(MaxTables-1))
	_, ok, err = a.ReadSlot(MaxTables - 1)
	require.NoError(t, err)
	assert.False(t, ok)
}
