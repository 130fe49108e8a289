package spamubot

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm/logger"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

const loggerNameKey = "logger"

var defaultLogWriter io.Writer = os.Stdout

// newLogHandler returns the tint handler used by every component logger
func newLogHandler(level slog.Leveler) slog.Handler {
	return tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     level,
			AddSource: true,
		},
	)
}

var discordGoLogLevels = map[int]slog.Level{
	discordgo.LogDebug:         slog.LevelDebug,
	discordgo.LogInformational: slog.LevelInfo,
	discordgo.LogWarning:       slog.LevelWarn,
	discordgo.LogError:         slog.LevelError,
}

// discordgoLoggerFunc adapts discordgo's printf-style package logger to
// slog. Unknown discordgo levels log at info.
func discordgoLoggerFunc(
	ctx context.Context,
	handler slog.Handler,
) func(msgL int, caller int, format string, a ...any) {
	log := slog.New(handler)
	return func(msgL int, _ int, format string, a ...any) {
		level, ok := discordGoLogLevels[msgL]
		if !ok {
			level = slog.LevelInfo
		}
		msg := strings.ReplaceAll(fmt.Sprintf(format, a...), "\n", "")
		log.Log(ctx, level, msg)
	}
}

// queryLogger implements gorm's logger.Interface on slog. Verbosity is
// set by the handler's level, so LogMode is ignored.
type queryLogger struct {
	log  *slog.Logger
	slow time.Duration
}

func newQueryLogger(handler slog.Handler, slow time.Duration) *queryLogger {
	return &queryLogger{
		log:  slog.New(handler).With(loggerNameKey, "gorm"),
		slow: slow,
	}
}

func (q *queryLogger) LogMode(logger.LogLevel) logger.Interface { return q }

func (q *queryLogger) Info(ctx context.Context, format string, a ...any) {
	q.log.InfoContext(ctx, fmt.Sprintf(format, a...))
}

func (q *queryLogger) Warn(ctx context.Context, format string, a ...any) {
	q.log.WarnContext(ctx, fmt.Sprintf(format, a...))
}

func (q *queryLogger) Error(ctx context.Context, format string, a ...any) {
	q.log.ErrorContext(ctx, fmt.Sprintf(format, a...))
}

// Trace logs each statement: errors at error, statements slower than
// the threshold at warn, everything else at debug
func (q *queryLogger) Trace(
	ctx context.Context,
	begin time.Time,
	fc func() (sql string, rowsAffected int64),
	err error,
) {
	elapsed := time.Since(begin)
	isSlow := q.slow > 0 && elapsed > q.slow

	level := slog.LevelDebug
	msg := "sql completed"
	switch {
	case err != nil:
		level, msg = slog.LevelError, "sql error"
	case isSlow:
		level, msg = slog.LevelWarn, "slow sql"
	}
	if !q.log.Enabled(ctx, level) {
		return
	}

	sql, rows := fc()
	attrs := []slog.Attr{
		slog.Duration("elapsed", elapsed),
		slog.String("sql", sql),
	}
	if rows >= 0 {
		attrs = append(attrs, slog.Int64("rows", rows))
	}
	if isSlow {
		attrs = append(attrs, slog.Duration("threshold", q.slow))
	}
	if err != nil {
		attrs = append(attrs, tint.Err(err))
	}
	q.log.LogAttrs(ctx, level, msg, attrs...)
}
