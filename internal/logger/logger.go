// Package logger builds the application slog.Logger and carries request scoped loggers through
// the context.
//
// Handlers should log with ContextRequestLogger(r.Context()) so every line carries the request id.
// Attributes added with ContextWithLogAttrs are appended to the single request summary line that
// RequestLogging writes when the request completes.
package logger

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/lmittmann/tint"
)

// LevelNone is above every level used by the application and silences the logger.
const LevelNone = slog.Level(100)

// ParseLogLevel converts a LOG_LEVEL value into a slog.Level. Unknown values map to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "none", "off":
		return LevelNone
	}

	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err == nil {
		return l
	}
	return slog.LevelInfo
}

// InitLogger creates the application logger and installs it as the slog default.
//
// dev and test environments get human readable coloured output (tint), everything else JSON.
func InitLogger(level slog.Level, environment string) *slog.Logger {
	var handler slog.Handler

	switch environment {
	case "dev", "test":
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	default:
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}

	l := slog.New(handler)
	slog.SetDefault(l)
	return l
}

type contextKey int

const (
	loggerKey contextKey = iota
	attrsKey
)

type logAttrs struct {
	mu    sync.Mutex
	attrs []slog.Attr
}

// ContextWithLogger returns a copy of ctx carrying l.
func ContextWithLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// ContextRequestLogger returns the request scoped logger, or slog.Default() outside a request.
func ContextRequestLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

// ContextWithLogAttrs records attributes for the final request log line. It is a no-op when ctx
// was not created by RequestLogging.
func ContextWithLogAttrs(ctx context.Context, attrs ...slog.Attr) {
	holder, ok := ctx.Value(attrsKey).(*logAttrs)
	if !ok {
		return
	}
	holder.mu.Lock()
	holder.attrs = append(holder.attrs, attrs...)
	holder.mu.Unlock()
}

// RequestLogging installs a request scoped logger (with the chi request id) and writes one
// summary line per request. It must run after middleware.RequestID.
func RequestLogging(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqLogger := base.With(
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)

			holder := &logAttrs{}
			ctx := ContextWithLogger(r.Context(), reqLogger)
			ctx = context.WithValue(ctx, attrsKey, holder)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Duration("duration", time.Since(start)),
			}
			holder.mu.Lock()
			attrs = append(attrs, holder.attrs...)
			holder.mu.Unlock()

			level := slog.LevelInfo
			switch {
			case status >= 500:
				level = slog.LevelError
			case status >= 400:
				level = slog.LevelWarn
			}
			reqLogger.LogAttrs(r.Context(), level, "request", attrs...)
		})
	}
}
