// Package logger provides adapters for popular logger libraries to work with
// nvramdb's Logger interface.
//
// The standard library's slog.Logger already implements nvramdb.Logger
// directly.
//
// Example with zap:
//
//	zapLogger, _ := zap.NewProduction()
//
//	db, err := nvramdb.Open("extent.nvm", nvramdb.WithLogger(logger.NewZap(zapLogger)))
//	if err != nil {
//	    panic(err)
//	}
//	defer db.Close()
package logger

// Component names the database in records written through the adapters.
const Component = "nvramdb"
