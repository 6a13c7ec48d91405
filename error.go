package nvramdb

import (
	"errors"
	"fmt"

	"github.com/thebardofavon/nvram-db/internal/alloc"
	"github.com/thebardofavon/nvram-db/internal/base"
	"github.com/thebardofavon/nvram-db/internal/index"
	"github.com/thebardofavon/nvram-db/internal/lock"
	"github.com/thebardofavon/nvram-db/internal/wal"
)

// Error taxonomy. Every error returned by this package matches one of these
// with errors.Is.
//
//goland:noinspection GoUnusedGlobalVariable
var (
	ErrCapacityExhausted  = base.ErrCapacityExhausted
	ErrNotFound           = base.ErrNotFound
	ErrAlreadyExists      = base.ErrAlreadyExists
	ErrInvalidState       = base.ErrInvalidState
	ErrLockContention     = base.ErrLockContention
	ErrStructuralOverflow = base.ErrStructuralOverflow
	ErrCorruption         = base.ErrCorruption
)

//goland:noinspection GoUnusedGlobalVariable
var (
	ErrDatabaseClosed = fmt.Errorf("database is closed: %w", base.ErrInvalidState)
	ErrPolicyMismatch = fmt.Errorf("extent formatted with a different allocator: %w", base.ErrInvalidState)

	ErrTableNotFound = fmt.Errorf("table not found: %w", base.ErrNotFound)
	ErrTableExists   = fmt.Errorf("table already exists: %w", base.ErrAlreadyExists)
	ErrTableClosed   = fmt.Errorf("table is closed: %w", base.ErrInvalidState)
	ErrTableInUse    = fmt.Errorf("table has locked rows: %w", base.ErrInvalidState)
	ErrTableName     = fmt.Errorf("table name must be 1-64 bytes: %w", base.ErrInvalidState)

	ErrKeyNotFound = fmt.Errorf("row not found: %w", base.ErrNotFound)
	ErrKeyExists   = fmt.Errorf("row already exists: %w", base.ErrAlreadyExists)
	ErrValueEmpty  = fmt.Errorf("value cannot be empty: %w", base.ErrInvalidState)

	ErrTxNotFound = fmt.Errorf("transaction not found: %w", base.ErrNotFound)
	ErrTxDone     = fmt.Errorf("transaction has been committed or aborted: %w", base.ErrInvalidState)

	// ErrEnd ends a NextKey iteration.
	ErrEnd = errors.New("no more keys")

	ErrLeafFull        = index.ErrOverflow
	ErrWALFull         = wal.ErrFull
	ErrExtentExhausted = alloc.ErrExhausted
	ErrRowLocked       = lock.ErrContention
)
