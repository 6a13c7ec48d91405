package base

import "fmt"

// Ref is an arena-relative reference to persistent data. Offsets stay valid
// across remap and restart, unlike raw addresses into the mapping.
type Ref struct {
	Offset uint64
	Size   uint64
}

// IsZero reports whether r refers to nothing.
func (r Ref) IsZero() bool {
	return r.Size == 0
}

// End returns the first offset past the referenced range.
func (r Ref) End() uint64 {
	return r.Offset + r.Size
}

func (r Ref) String() string {
	return fmt.Sprintf("[%d+%d]", r.Offset, r.Size)
}
