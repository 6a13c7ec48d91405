package arena

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/thebardofavon/nvram-db/internal/base"
)

// EXTENT LAYOUT:
// ┌─────────────────────────────────────────────────────────────────────┐
// │ Header (4096 bytes, reserved, never handed to the allocator)        │
// │   [0:40]     Magic, Version, Policy, ExtentSize, Instance, Checksum │
// │   [128:...]  Directory: MaxTables slots of 96 bytes                 │
// ├─────────────────────────────────────────────────────────────────────┤
// │ Allocator-managed space                                             │
// │   WAL tables, WAL entries and row blobs, interleaved                │
// └─────────────────────────────────────────────────────────────────────┘
const (
	HeaderSize = 4096

	// Magic identifies the extent format ("nvdb" in hex)
	Magic uint32 = 0x6e766462

	FormatVersion uint16 = 1

	MaxTables  = 32
	MaxNameLen = 64

	headerFixedSize = 32 // bytes covered by the header checksum
	directoryOffset = 128
	slotSize        = 96
	slotFixedSize   = 80 // bytes covered by a slot checksum
	slotUsed        = 0x01
)

var (
	ErrInvalidMagic   = fmt.Errorf("invalid magic number: %w", base.ErrCorruption)
	ErrInvalidVersion = fmt.Errorf("invalid format version: %w", base.ErrCorruption)
	ErrInvalidHeader  = fmt.Errorf("invalid header checksum: %w", base.ErrCorruption)
	ErrInvalidSlot    = fmt.Errorf("directory slot out of range: %w", base.ErrInvalidState)
	ErrNameTooLong    = fmt.Errorf("table name longer than %d bytes: %w", MaxNameLen, base.ErrInvalidState)
)

// Header is the fixed extent metadata.
// Layout: [Magic:4][Version:2][Policy:1][Reserved:1][ExtentSize:8][Instance:16][Checksum:8]
type Header struct {
	Policy     uint8     // Allocator policy the extent was formatted with
	ExtentSize uint64    // Size at format time
	Instance   uuid.UUID // Random id stamped at format time
}

// Slot is one persistent catalog directory entry.
// Layout: [Used:1][NameLen:1][Reserved:2][TableID:4][WAL:8][Name:64][Checksum:8][Reserved:8]
type Slot struct {
	TableID uint32
	Name    string
	WAL     uint64 // Offset of the table's WAL region
}

// Formatted reports whether the extent carries a header magic.
func (a *Arena) Formatted() bool {
	b, err := a.Bytes(0, 4)
	if err != nil {
		return false
	}
	return binary.LittleEndian.Uint32(b) == Magic
}

// WriteHeader formats the header and makes it durable. The directory area is
// zeroed.
func (a *Arena) WriteHeader(h Header) error {
	buf, err := a.Bytes(0, HeaderSize)
	if err != nil {
		return err
	}
	clear(buf)

	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint16(buf[4:6], FormatVersion)
	buf[6] = h.Policy
	binary.LittleEndian.PutUint64(buf[8:16], h.ExtentSize)
	copy(buf[16:32], h.Instance[:])
	binary.LittleEndian.PutUint64(buf[32:40], xxhash.Sum64(buf[:headerFixedSize]))

	return a.Persist(0, HeaderSize)
}

// ReadHeader decodes and validates the header.
func (a *Arena) ReadHeader() (Header, error) {
	buf, err := a.Bytes(0, directoryOffset)
	if err != nil {
		return Header{}, err
	}

	if binary.LittleEndian.Uint32(buf[0:4]) != Magic {
		return Header{}, ErrInvalidMagic
	}
	if binary.LittleEndian.Uint16(buf[4:6]) != FormatVersion {
		return Header{}, ErrInvalidVersion
	}
	if binary.LittleEndian.Uint64(buf[32:40]) != xxhash.Sum64(buf[:headerFixedSize]) {
		return Header{}, ErrInvalidHeader
	}

	h := Header{
		Policy:     buf[6],
		ExtentSize: binary.LittleEndian.Uint64(buf[8:16]),
	}
	copy(h.Instance[:], buf[16:32])
	return h, nil
}

func (a *Arena) slot(i int) ([]byte, error) {
	if i < 0 || i >= MaxTables {
		return nil, ErrInvalidSlot
	}
	return a.Bytes(uint64(directoryOffset+i*slotSize), slotSize)
}

// WriteSlot records a directory entry and makes it durable.
func (a *Arena) WriteSlot(i int, s Slot) error {
	if len(s.Name) > MaxNameLen {
		return ErrNameTooLong
	}
	buf, err := a.slot(i)
	if err != nil {
		return err
	}
	clear(buf)

	buf[0] = slotUsed
	buf[1] = uint8(len(s.Name))
	binary.LittleEndian.PutUint32(buf[4:8], s.TableID)
	binary.LittleEndian.PutUint64(buf[8:16], s.WAL)
	copy(buf[16:16+MaxNameLen], s.Name)
	binary.LittleEndian.PutUint64(buf[80:88], xxhash.Sum64(buf[:slotFixedSize]))

	return a.Persist(uint64(directoryOffset+i*slotSize), slotSize)
}

// ClearSlot releases a directory entry.
func (a *Arena) ClearSlot(i int) error {
	buf, err := a.slot(i)
	if err != nil {
		return err
	}
	clear(buf)
	return a.Persist(uint64(directoryOffset+i*slotSize), slotSize)
}

// ReadSlot returns the entry at i. ok is false for free slots and for slots
// whose checksum does not match, which happens when a crash tore the write of
// a table that was never fully created.
func (a *Arena) ReadSlot(i int) (s Slot, ok bool, err error) {
	buf, err := a.slot(i)
	if err != nil {
		return Slot{}, false, err
	}
	if buf[0]&slotUsed == 0 {
		return Slot{}, false, nil
	}
	if binary.LittleEndian.Uint64(buf[80:88]) != xxhash.Sum64(buf[:slotFixedSize]) {
		return Slot{}, false, nil
	}

	n := int(buf[1])
	if n > MaxNameLen {
		return Slot{}, false, nil
	}
	return Slot{
		TableID: binary.LittleEndian.Uint32(buf[4:8]),
		WAL:     binary.LittleEndian.Uint64(buf[8:16]),
		Name:    string(buf[16 : 16+n]),
	}, true, nil
}
