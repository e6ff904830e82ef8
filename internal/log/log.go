// Package log provides the structured logging primitive used across
// ociclient's internal packages. It is a thin wrapper over log/slog so
// that the library never forces a particular logging backend on callers:
// the default slog.Default() is used unless the embedding process
// installs its own handler (see cmd/ocictl for an example using tint).
package log

import (
	"context"
	"log/slog"
	"runtime"
	"time"
)

// Log emits a structured record at the given level through slog.Default(),
// attributing the call site of the caller of Log (not of this function).
func Log(ctx context.Context, lvl slog.Level, msg string, attrs ...slog.Attr) {
	logger := slog.Default()
	if !logger.Enabled(ctx, lvl) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(2, pcs[:])
	fs := runtime.CallersFrames(pcs[:])
	f, _ := fs.Next()

	record := slog.NewRecord(time.Now(), lvl, msg, f.PC)
	record.AddAttrs(attrs...)
	_ = logger.Handler().Handle(ctx, record)
}

// Err wraps an error as a slog.Attr under the conventional "error" key.
func Err(err error) slog.Attr {
	return slog.Any("error", err)
}
