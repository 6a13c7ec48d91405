package nvramdb

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reopen(t *testing.T, path string, opts ...DBOption) *DB {
	t.Helper()
	d, err := Open(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func assertRow(t *testing.T, tbl *Table, key int64, want string) {
	t.Helper()
	got, err := tbl.Get(NoTxn, key)
	if want == "" {
		assert.ErrorIs(t, err, ErrKeyNotFound, "row %d", key)
		return
	}
	require.NoError(t, err, "row %d", key)
	assert.Equal(t, want, string(got), "row %d", key)
}

func TestRecoverCommittedOnly(t *testing.T) {
	t.Parallel()

	for _, policy := range []AllocatorPolicy{FirstFit, MaxHeap} {
		t.Run(policy.String(), func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "extent.nvm")
			d, err := Open(path, WithExtentSize(testExtentSize), WithAllocator(policy))
			require.NoError(t, err)

			tbl := newTable(t, d, "users")
			require.NoError(t, d.Update(func(txn uint64) error {
				require.NoError(t, tbl.Put(txn, 1, []byte("one")))
				return tbl.Put(txn, 2, []byte("two"))
			}))
			require.NoError(t, tbl.Put(NoTxn, 3, []byte("three")))
			require.NoError(t, d.Update(func(txn uint64) error {
				require.NoError(t, tbl.Put(txn, 2, []byte("TWO")))
				return tbl.Delete(txn, 3)
			}))

			inflight, err := d.Begin()
			require.NoError(t, err)
			require.NoError(t, tbl.Put(inflight, 4, []byte("four")))
			require.NoError(t, tbl.Put(inflight, 1, []byte("uno")))
			require.NoError(t, tbl.Delete(inflight, 2))

			crash(t, d)

			d = reopen(t, path)
			assert.Equal(t, policy, d.Policy())
			tbl, err = d.Open("users")
			require.NoError(t, err)

			assertRow(t, tbl, 1, "one")
			assertRow(t, tbl, 2, "TWO")
			assertRow(t, tbl, 3, "")
			assertRow(t, tbl, 4, "")
			assert.Equal(t, []int64{1, 2}, collectKeys(t, tbl))

			snap := d.WAL()[0]
			assert.Len(t, snap.Entries, int(snap.Commit), "uncommitted entries are discarded")

			next, err := d.Begin()
			require.NoError(t, err)
			assert.Greater(t, next, inflight, "transaction ids never repeat")

			// The recovered state is fully writable
			require.NoError(t, tbl.Put(next, 4, []byte("four")))
			require.NoError(t, tbl.Delete(next, 1))
			require.NoError(t, d.Commit(next))
			assertRow(t, tbl, 1, "")
			assertRow(t, tbl, 4, "four")
		})
	}
}

func TestRecoverReleasesAbandonedSpace(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "extent.nvm")
	d, err := Open(path, WithExtentSize(testExtentSize))
	require.NoError(t, err)

	tbl := newTable(t, d, "users")
	require.NoError(t, tbl.Put(NoTxn, 1, []byte("one")))
	require.NoError(t, d.Close())

	d, err = Open(path)
	require.NoError(t, err)
	clean := d.Stats().Allocator
	tbl, err = d.Open("users")
	require.NoError(t, err)

	txn, err := d.Begin()
	require.NoError(t, err)
	for k := int64(10); k < 20; k++ {
		require.NoError(t, tbl.Put(txn, k, []byte(fmt.Sprintf("pending-%d", k))))
	}
	require.NoError(t, tbl.Put(txn, 1, []byte("replaced")))
	crash(t, d)

	d = reopen(t, path)
	assert.Equal(t, clean, d.Stats().Allocator, "in-flight rows and WAL entries are reclaimed")

	tbl, err = d.Open("users")
	require.NoError(t, err)
	assertRow(t, tbl, 1, "one")
}

func TestRecoverSweptAbort(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "extent.nvm")
	d, err := Open(path, WithExtentSize(testExtentSize))
	require.NoError(t, err)
	tbl := newTable(t, d, "users")

	t1, err := d.Begin()
	require.NoError(t, err)
	t2, err := d.Begin()
	require.NoError(t, err)

	require.NoError(t, tbl.Put(t1, 1, []byte("aborted")))
	require.NoError(t, tbl.Put(t2, 2, []byte("committed")))

	// t2's commit moves the pointer past t1's entry as well
	require.NoError(t, d.Commit(t2))
	assert.Equal(t, uint32(2), d.WAL()[0].Commit)

	require.NoError(t, d.Abort(t1))
	assert.Equal(t, uint32(3), d.WAL()[0].Commit, "the compensation entry is committed")

	crash(t, d)

	d = reopen(t, path)
	tbl, err = d.Open("users")
	require.NoError(t, err)
	assertRow(t, tbl, 1, "")
	assertRow(t, tbl, 2, "committed")
}

func TestRecoverAbortAtWALCapacity(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "extent.nvm")
	d, err := Open(path, WithExtentSize(testExtentSize), WithWALCapacity(2))
	require.NoError(t, err)
	tbl := newTable(t, d, "users")

	a, err := d.Begin()
	require.NoError(t, err)
	b, err := d.Begin()
	require.NoError(t, err)

	require.NoError(t, tbl.Put(a, 1, []byte("aborted")))
	// a's compensation slot is taken, so b cannot fill the log
	assert.ErrorIs(t, tbl.Put(b, 2, []byte("other")), ErrWALFull)

	require.NoError(t, d.Abort(a))
	require.NoError(t, d.Commit(b))
	snap := d.WAL()[0]
	require.Len(t, snap.Entries, 2)
	assert.Equal(t, WALDelete, snap.Entries[1].Op)
	require.NoError(t, d.Close())

	d = reopen(t, path)
	tbl, err = d.Open("users")
	require.NoError(t, err)
	assertRow(t, tbl, 1, "")
	assertRow(t, tbl, 2, "")
}

func TestRecoverBuildsMultiLevelIndex(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "extent.nvm")
	d, err := Open(path, WithExtentSize(testExtentSize), WithFanout(4))
	require.NoError(t, err)

	tbl := newTable(t, d, "users")
	for k := int64(1); k <= 3; k++ {
		require.NoError(t, tbl.Put(NoTxn, k, []byte("v")))
	}
	assert.ErrorIs(t, tbl.Put(NoTxn, 4, []byte("v")), ErrLeafFull)
	require.NoError(t, d.Close())

	// The rebuilt index packs leaves half full, leaving room to grow
	d = reopen(t, path, WithFanout(4))
	tbl, err = d.Open("users")
	require.NoError(t, err)

	st := tbl.Stats()
	assert.Equal(t, 2, st.Height)
	assert.Equal(t, 3, st.Leaves)

	require.NoError(t, tbl.Put(NoTxn, 4, []byte("v")))
	require.NoError(t, tbl.Put(NoTxn, 5, []byte("v")))
	assert.ErrorIs(t, tbl.Put(NoTxn, 6, []byte("v")), ErrLeafFull)
	require.NoError(t, tbl.Put(NoTxn, 0, []byte("v")))
	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5}, collectKeys(t, tbl))
}

func TestRecoverTablesAndIDs(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "extent.nvm")
	d, err := Open(path, WithExtentSize(testExtentSize))
	require.NoError(t, err)

	ids := map[string]uint32{}
	for _, name := range []string{"a", "b", "c"} {
		tbl := newTable(t, d, name)
		ids[name] = tbl.ID()
		require.NoError(t, tbl.Put(NoTxn, 1, []byte(name)))
	}
	require.NoError(t, d.Drop("b"))
	crash(t, d)

	d = reopen(t, path)
	assert.Equal(t, []string{"a", "c"}, d.Tables())

	for _, name := range []string{"a", "c"} {
		tbl, err := d.Open(name)
		require.NoError(t, err)
		assert.Equal(t, ids[name], tbl.ID())
		assertRow(t, tbl, 1, name)
	}

	id, err := d.Create("d")
	require.NoError(t, err)
	assert.Greater(t, id, ids["c"])
}

func TestRecoverRejectsGarbage(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "extent.nvm")
	d, err := Open(path, WithExtentSize(testExtentSize))
	require.NoError(t, err)
	off := newTable(t, d, "users").wal.Offset()
	require.NoError(t, d.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xde, 0xad, 0xbe, 0xef}, int64(off))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(path)
	assert.ErrorIs(t, err, ErrCorruption)
}
