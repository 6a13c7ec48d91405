//go:build !linux && !darwin

package arena

import "io"

// On unsupported platforms the extent is read into memory and written back
// range by range on every barrier.

func (a *Arena) mapFile() error {
	data := make([]byte, a.size)
	if _, err := a.file.ReadAt(data, 0); err != nil && err != io.EOF {
		return err
	}
	a.data = data
	return nil
}

func (a *Arena) unmapFile() error {
	return nil
}

func (a *Arena) flush(start, end uint64) error {
	if _, err := a.file.WriteAt(a.data[start:end], int64(start)); err != nil {
		return err
	}
	return a.file.Sync()
}
