package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"concierge/pkg/errors"
	"concierge/pkg/logger"
)

// Middleware wraps a handler
type Middleware func(http.Handler) http.Handler

func chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			h = mws[i](h)
		}
	}
	return h
}

// RequestLogging logs one line per request with status and latency
func RequestLogging(log *logger.Logger) Middleware {
	log = log.With("component", "http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			fields := []interface{}{
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.statusCode,
				"duration_ms", time.Since(start).Milliseconds(),
				"bytes", wrapped.bytes,
			}
			switch {
			case wrapped.statusCode >= http.StatusInternalServerError:
				log.Warnw("HTTP request failed", fields...)
			case r.URL.Path == "/live" || r.URL.Path == "/ready" || r.URL.Path == "/metrics":
				log.Debugw("HTTP request", fields...)
			default:
				log.Infow("HTTP request", fields...)
			}
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	bytes      int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}

// AdminAuth guards operator endpoints with a static bearer token.
// An empty token disables the admin surface entirely.
func AdminAuth(token string, log *logger.Logger) Middleware {
	log = log.With("middleware", "admin_auth")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				writeError(w, r, log, errors.Wrap(errors.ErrNotFound, "admin API is disabled"))
				return
			}

			header := r.Header.Get("Authorization")
			presented, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				log.Warnw("Rejected admin request",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
					"has_header", header != "",
				)
				writeError(w, r, log, errors.ErrUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
