package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	nvramdb "github.com/thebardofavon/nvram-db"
	"github.com/thebardofavon/nvram-db/internal/server"
	"github.com/thebardofavon/nvram-db/logger"
)

func main() {
	addr := flag.String("addr", ":8080", "Listen address")
	path := flag.String("path", "nvram.db", "Extent file")
	size := flag.Uint64("size", nvramdb.DefaultExtentSize, "Extent size in bytes, used when the file is created")
	sync := flag.String("sync", "commit", "Sync mode: commit or off")
	allocator := flag.String("allocator", "", "Allocation policy for a new extent: first-fit or max-heap")
	fanout := flag.Int("fanout", 0, "Index fanout (0 for the default)")
	walCapacity := flag.Uint("wal-capacity", nvramdb.DefaultWALCapacity, "WAL entries per table")
	level := zap.LevelFlag("log-level", zapcore.InfoLevel, "Log level")
	flag.Parse()

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(*level)
	log, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	opts := []nvramdb.DBOption{
		nvramdb.WithExtentSize(*size),
		nvramdb.WithWALCapacity(uint32(*walCapacity)),
		nvramdb.WithLogger(logger.NewZap(log)),
	}
	switch *sync {
	case "commit":
		opts = append(opts, nvramdb.WithSyncMode(nvramdb.SyncEveryCommit))
	case "off":
		opts = append(opts, nvramdb.WithSyncMode(nvramdb.SyncOff))
	default:
		log.Fatal("unknown sync mode", zap.String("sync", *sync))
	}
	switch *allocator {
	case "":
	case "first-fit":
		opts = append(opts, nvramdb.WithAllocator(nvramdb.FirstFit))
	case "max-heap":
		opts = append(opts, nvramdb.WithAllocator(nvramdb.MaxHeap))
	default:
		log.Fatal("unknown allocator", zap.String("allocator", *allocator))
	}
	if *fanout > 0 {
		opts = append(opts, nvramdb.WithFanout(*fanout))
	}

	db, err := nvramdb.Open(*path, opts...)
	if err != nil {
		log.Fatal("open database", zap.String("path", *path), zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting nvramdb server", zap.String("addr", *addr), zap.String("path", *path),
		zap.Stringer("allocator", db.Policy()))
	srvErr := server.New(db, log).ListenAndServe(ctx, *addr)
	if srvErr != nil {
		log.Error("server error", zap.Error(srvErr))
	}

	if err := db.Close(); err != nil {
		log.Error("close database", zap.Error(err))
	}
	if srvErr != nil {
		os.Exit(1)
	}
}
