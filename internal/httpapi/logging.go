package httpapi

import (
	"bytes"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// LogLevel controls per-request logging behavior.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

// ParseLevel maps a level name to a LogLevel; unknown names mean info.
func ParseLevel(s string) LogLevel {
	switch s {
	case "off", "":
		return LevelOff
	case "error":
		return LevelError
	case "info":
		return LevelInfo
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// requestLogLevel honors ?log= and X-Log-Level overrides.
func requestLogLevel(r *http.Request, def LogLevel) LogLevel {
	if v := r.URL.Query().Get("log"); v != "" {
		if v == "1" {
			return LevelDebug
		}
		return ParseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return ParseLevel(v)
	}
	return def
}

// lineLogger logs complete NDJSON lines at debug level.
type lineLogger struct {
	logger zerolog.Logger
	buf    []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.buf = append(l.buf, p...)
	for {
		idx := bytes.IndexByte(l.buf, '\n')
		if idx < 0 {
			break
		}
		if idx > 0 {
			l.logger.Debug().Str("line", string(l.buf[:idx])).Msg("generate>")
		}
		l.buf = l.buf[idx+1:]
	}
	return len(p), nil
}

// accessLog logs one line per request at the request's log level.
func accessLog(logger zerolog.Logger, def LogLevel) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lvl := requestLogLevel(r, def)
			if lvl == LevelOff {
				next.ServeHTTP(w, r)
				return
			}
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			if lvl < LevelInfo && status < http.StatusInternalServerError {
				return
			}
			ev := logger.Info()
			if status >= http.StatusInternalServerError {
				ev = logger.Error()
			}
			ev.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Dur("dur", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}
