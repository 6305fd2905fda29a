package middleware

import (
	"net/http"
	"strings"
	"time"

	"image-optimizer/internal/logging"
)

// responseWriter captures the status code and bytes written.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
	wroteHeader  bool
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.wroteHeader = true
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// LoggingConfig holds configuration for the logging middleware
type LoggingConfig struct {
	SkipPaths       []string
	LogHealthChecks bool
	// SlowRequest promotes requests slower than this to warnings. Zero
	// disables the promotion.
	SlowRequest time.Duration
}

// DefaultLoggingConfig returns the configuration used by serve.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		SkipPaths:       []string{"/metrics"},
		LogHealthChecks: false,
		SlowRequest:     20 * time.Second,
	}
}

var healthCheckPaths = map[string]bool{
	"/healthz": true,
	"/livez":   true,
	"/readyz":  true,
}

// sanitizeLogField removes control characters that could be used for log injection.
func sanitizeLogField(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r':
			b.WriteRune(' ')
		case r == '\x00', r == '\x1b':
			continue
		case r < 0x20 && r != '\t':
			continue
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Logger returns middleware that logs one structured line per request.
func Logger(config LoggingConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if shouldSkip(r.URL.Path, config) {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			wrapped := newResponseWriter(w)
			next.ServeHTTP(wrapped, r)
			logRequest(config, r, wrapped, time.Since(start))
		})
	}
}

func logRequest(config LoggingConfig, r *http.Request, rw *responseWriter, duration time.Duration) {
	entry := logging.WithFields(logging.Fields{
		"client":      sanitizeLogField(getClientIP(r)),
		"method":      sanitizeLogField(r.Method),
		"path":        sanitizeLogField(r.URL.Path),
		"status":      rw.statusCode,
		"bytes":       rw.bytesWritten,
		"duration_ms": duration.Milliseconds(),
	})
	if q := r.URL.RawQuery; q != "" {
		entry = entry.WithFields(logging.Fields{"query": sanitizeLogField(q)})
	}
	if ua := r.Header.Get("User-Agent"); ua != "" {
		entry = entry.WithFields(logging.Fields{"user_agent": sanitizeLogField(ua)})
	}

	switch {
	case rw.statusCode >= http.StatusInternalServerError:
		entry.Error("request failed")
	case config.SlowRequest > 0 && duration > config.SlowRequest:
		entry.Warn("slow request")
	default:
		entry.Info("request")
	}
}

func shouldSkip(path string, config LoggingConfig) bool {
	for _, skipPath := range config.SkipPaths {
		if strings.HasPrefix(path, skipPath) {
			return true
		}
	}
	return !config.LogHealthChecks && healthCheckPaths[path]
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}
