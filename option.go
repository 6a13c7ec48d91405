package nvramdb

import (
	"github.com/thebardofavon/nvram-db/internal/alloc"
	"github.com/thebardofavon/nvram-db/internal/index"
)

// SyncMode controls whether persistence barriers reach the device.
type SyncMode int

const (
	// SyncEveryCommit flushes every persistence barrier (msync) before it
	// returns. WAL entries, commit pointers and row data survive power loss.
	SyncEveryCommit SyncMode = iota

	// SyncOff keeps the barrier ordering but skips the flush; the extent is
	// only written back on Close or by the kernel.
	// - All unflushed data lost on crash
	// - Use for: Testing, bulk imports with external durability
	SyncOff
)

func (m SyncMode) String() string {
	if m == SyncOff {
		return "off"
	}
	return "every-commit"
}

// AllocatorPolicy selects how the extent's free space is managed. It is fixed
// when the extent is formatted.
type AllocatorPolicy = alloc.Policy

const (
	// FirstFit scans free blocks in address order and coalesces on free.
	FirstFit = alloc.FirstFitPolicy
	// MaxHeap always carves the largest free block and never coalesces.
	MaxHeap = alloc.MaxHeapPolicy
)

const (
	DefaultExtentSize  = 64 << 20
	DefaultWALCapacity = 1000
	DefaultTxCacheSize = 1024
)

// Logger interface matches the implementation of slog.
// See pkg logger for adapters for zap and logrus.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
}

// DiscardLogger is the default logger that compiles to a no-op
type DiscardLogger struct{}

func (d DiscardLogger) Error(string, ...any) {}

func (d DiscardLogger) Warn(string, ...any) {}

func (d DiscardLogger) Info(string, ...any) {}

// DBOptions configures database behavior.
type DBOptions struct {
	extentSize  uint64 // Size of a newly created extent; existing extents keep theirs.
	fanout      int    // B+Tree fanout of every table index.
	walCapacity uint32 // Entries per table WAL.
	// Zero formats with FirstFit and reopens with the recorded policy.
	policy      AllocatorPolicy
	syncMode    SyncMode
	logger      Logger
	txCacheSize uint32 // Finished transactions remembered for ErrTxDone.
	inMemory    bool   // Anonymous extent; path is ignored.
}

func defaultDBOptions() DBOptions {
	return DBOptions{
		extentSize:  DefaultExtentSize,
		fanout:      index.DefaultFanout,
		walCapacity: DefaultWALCapacity,
		syncMode:    SyncEveryCommit,
		logger:      DiscardLogger{},
		txCacheSize: DefaultTxCacheSize,
	}
}

// DBOption configures database options using the functional options pattern.
type DBOption func(*DBOptions)

// WithExtentSize sets the size of the extent file when it is created.
//
//goland:noinspection GoUnusedExportedFunction
func WithExtentSize(size uint64) DBOption {
	return func(opts *DBOptions) {
		opts.extentSize = size
	}
}

// WithFanout sets the B+Tree fanout M. A node holds at most M-1 keys, so
// without splitting a single-leaf table holds at most M-1 rows until it is
// rebuilt by recovery.
//
//goland:noinspection GoUnusedExportedFunction
func WithFanout(m int) DBOption {
	return func(opts *DBOptions) {
		opts.fanout = m
	}
}

// WithWALCapacity sets the number of entries each table's WAL can hold. A
// full WAL rejects further writes to its table.
//
//goland:noinspection GoUnusedExportedFunction
func WithWALCapacity(n uint32) DBOption {
	return func(opts *DBOptions) {
		opts.walCapacity = n
	}
}

// WithAllocator selects the allocation policy for a new extent. Reopening an
// extent with a different policy fails with ErrPolicyMismatch.
//
//goland:noinspection GoUnusedExportedFunction
func WithAllocator(p AllocatorPolicy) DBOption {
	return func(opts *DBOptions) {
		opts.policy = p
	}
}

// WithSyncMode sets the durability of persistence barriers.
//
//goland:noinspection GoUnusedExportedFunction
func WithSyncMode(m SyncMode) DBOption {
	return func(opts *DBOptions) {
		opts.syncMode = m
	}
}

//goland:noinspection GoUnusedExportedFunction
func WithLogger(l Logger) DBOption {
	return func(opts *DBOptions) {
		if l == nil {
			l = DiscardLogger{}
		}
		opts.logger = l
	}
}

// WithTxCacheSize sets how many finished transactions are remembered so that
// a repeated Commit or Abort reports ErrTxDone instead of ErrTxNotFound.
//
//goland:noinspection GoUnusedExportedFunction
func WithTxCacheSize(n uint32) DBOption {
	return func(opts *DBOptions) {
		opts.txCacheSize = n
	}
}

// WithInMemory backs the database with anonymous memory. Nothing survives
// Close.
//
//goland:noinspection GoUnusedExportedFunction
func WithInMemory() DBOption {
	return func(opts *DBOptions) {
		opts.inMemory = true
	}
}
