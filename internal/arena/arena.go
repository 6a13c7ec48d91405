// Package arena manages the fixed-size persistent extent that stands in for
// NVRAM. The extent is a memory-mapped file (or anonymous memory in tests);
// everything outside this package addresses it by arena-relative offset.
package arena

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/thebardofavon/nvram-db/internal/base"
)

var (
	ErrInvalidOffset = fmt.Errorf("arena offset out of bounds: %w", base.ErrInvalidState)
	ErrClosed        = fmt.Errorf("arena closed: %w", base.ErrInvalidState)
	ErrTooSmall      = errors.New("extent smaller than header")
)

// Arena is a byte-addressable persistent extent.
type Arena struct {
	file  *os.File // nil for anonymous extents
	data  []byte
	size  uint64
	fresh bool
	sync  bool // false disables persistence barriers (SyncOff)

	// Stats counters
	barriers  atomic.Uint64
	persisted atomic.Uint64
}

// Stats holds persistence barrier counters.
type Stats struct {
	Barriers  uint64 // Number of Persist calls that reached the device
	Persisted uint64 // Bytes covered by those barriers
}

// Open maps the extent file at path, creating it with the given size when it
// does not exist yet. An existing file keeps its own size. Failing to
// establish the mapping is fatal for the caller.
func Open(path string, size uint64, sync bool) (*Arena, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	var fresh bool
	if info.Size() == 0 {
		if size < HeaderSize {
			file.Close()
			return nil, ErrTooSmall
		}
		// Sparse allocation
		if err := file.Truncate(int64(size)); err != nil {
			file.Close()
			return nil, err
		}
		fresh = true
	} else {
		size = uint64(info.Size())
		if size < HeaderSize {
			file.Close()
			return nil, ErrTooSmall
		}
	}

	a := &Arena{
		file:  file,
		size:  size,
		fresh: fresh,
		sync:  sync,
	}
	if err := a.mapFile(); err != nil {
		file.Close()
		return nil, fmt.Errorf("map extent %s: %w", path, err)
	}

	return a, nil
}

// NewMemory returns an anonymous, volatile extent. Barriers are counted but
// have nothing to flush.
func NewMemory(size uint64) (*Arena, error) {
	if size < HeaderSize {
		return nil, ErrTooSmall
	}
	return &Arena{
		data:  make([]byte, size),
		size:  size,
		fresh: true,
	}, nil
}

// Size returns the extent size in bytes.
func (a *Arena) Size() uint64 {
	return a.size
}

// Fresh reports whether the extent was created by this Open.
func (a *Arena) Fresh() bool {
	return a.fresh
}

// Bytes returns the live view of [off, off+n). Writes through the slice land
// in the extent but are not durable until Persist covers them.
func (a *Arena) Bytes(off, n uint64) ([]byte, error) {
	if a.data == nil {
		return nil, ErrClosed
	}
	if off > a.size || n > a.size-off {
		return nil, ErrInvalidOffset
	}
	return a.data[off : off+n : off+n], nil
}

// ReadAt copies len(p) bytes starting at off into p.
func (a *Arena) ReadAt(p []byte, off uint64) error {
	b, err := a.Bytes(off, uint64(len(p)))
	if err != nil {
		return err
	}
	copy(p, b)
	return nil
}

// WriteAt copies p into the extent at off.
func (a *Arena) WriteAt(p []byte, off uint64) error {
	b, err := a.Bytes(off, uint64(len(p)))
	if err != nil {
		return err
	}
	copy(b, p)
	return nil
}

// Persist is the persistence barrier: once it returns nil, every write
// previously issued to [off, off+n) survives a crash.
func (a *Arena) Persist(off, n uint64) error {
	if a.data == nil {
		return ErrClosed
	}
	if off > a.size || n > a.size-off {
		return ErrInvalidOffset
	}
	if n == 0 {
		return nil
	}
	if a.file != nil && a.sync {
		if err := a.flush(off, off+n); err != nil {
			return err
		}
	}
	a.barriers.Add(1)
	a.persisted.Add(n)
	return nil
}

// Sync flushes the whole extent regardless of sync mode.
func (a *Arena) Sync() error {
	if a.data == nil {
		return ErrClosed
	}
	if a.file == nil {
		return nil
	}
	if err := a.flush(0, a.size); err != nil {
		return err
	}
	return a.file.Sync()
}

// Stats returns barrier statistics.
func (a *Arena) Stats() Stats {
	return Stats{
		Barriers:  a.barriers.Load(),
		Persisted: a.persisted.Load(),
	}
}

// Close flushes, unmaps the extent and closes the backing file.
func (a *Arena) Close() error {
	if a.data == nil {
		return nil
	}
	if a.file == nil {
		a.data = nil
		return nil
	}

	syncErr := a.Sync()
	if err := a.unmapFile(); err != nil {
		a.file.Close()
		return err
	}
	a.data = nil

	if err := a.file.Close(); err != nil {
		return err
	}
	return syncErr
}
