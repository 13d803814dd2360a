package natsserver

import (
	"context"
	"fmt"
	"log/slog"
)

// slogAdapter routes the server's own log lines into the runtime logger.
type slogAdapter struct {
	log *slog.Logger
}

func (a slogAdapter) Noticef(format string, v ...any) { a.emit(slog.LevelInfo, format, v) }
func (a slogAdapter) Warnf(format string, v ...any)   { a.emit(slog.LevelWarn, format, v) }
func (a slogAdapter) Fatalf(format string, v ...any)  { a.emit(slog.LevelError, format, v) }
func (a slogAdapter) Errorf(format string, v ...any)  { a.emit(slog.LevelError, format, v) }
func (a slogAdapter) Debugf(format string, v ...any)  { a.emit(slog.LevelDebug, format, v) }
func (a slogAdapter) Tracef(format string, v ...any)  { a.emit(slog.LevelDebug-4, format, v) }

func (a slogAdapter) emit(level slog.Level, format string, v []any) {
	ctx := context.Background()
	if !a.log.Enabled(ctx, level) {
		return
	}
	a.log.Log(ctx, level, fmt.Sprintf(format, v...))
}
