package base

import "errors"

// Error taxonomy. Package-specific errors wrap one of these so callers can
// classify failures with errors.Is regardless of which layer produced them.
var (
	ErrCapacityExhausted  = errors.New("capacity exhausted")
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrInvalidState       = errors.New("invalid state")
	ErrLockContention     = errors.New("lock contention")
	ErrStructuralOverflow = errors.New("structural overflow")
	ErrCorruption         = errors.New("data corruption detected")
)
