//go:build linux || darwin

package arena

import (
	"golang.org/x/sys/unix"
)

func (a *Arena) mapFile() error {
	data, err := unix.Mmap(int(a.file.Fd()), 0, int(a.size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return err
	}
	a.data = data
	return nil
}

func (a *Arena) unmapFile() error {
	return unix.Munmap(a.data)
}

// flush writes back the pages covering [start, end). msync wants a page
// aligned address, so the range is widened to page boundaries.
func (a *Arena) flush(start, end uint64) error {
	page := uint64(unix.Getpagesize())
	start &^= page - 1
	if end > a.size {
		end = a.size
	}
	return unix.Msync(a.data[start:end], unix.MS_SYNC)
}
