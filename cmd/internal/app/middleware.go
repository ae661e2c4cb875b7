package app

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"beacon/cmd/internal/metrics"
)

// WithRequestLogging wraps an http.Handler, logs requests, and records request metrics.
// IMPORTANT: ResponseWriter must preserve optional interfaces (Hijacker, Flusher, Pusher, ReaderFrom),
// otherwise WebSocket upgrades can fail.
func WithRequestLogging(next http.Handler, log *slog.Logger, m *metrics.Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		lrw := &loggingResponseWriter{
			ResponseWriter: w,
			status:         http.StatusOK,
		}

		next.ServeHTTP(lrw, r)

		elapsed := time.Since(start)
		class := statusClass(lrw.status)
		if lrw.hijacked {
			class = "upgrade"
		}
		m.HTTPRequest(r.Method, class, elapsed)

		level, result := requestLogMeta(lrw.status)
		log.Log(r.Context(), level, "http.request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lrw.status,
			"status_class", class,
			"result", result,
			"bytes", lrw.bytes,
			"duration_ms", elapsed.Milliseconds(),
			"remote", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		)
	})
}

func requestLogMeta(status int) (slog.Level, string) {
	switch {
	case status >= 500:
		return slog.LevelError, "server_error"
	case status >= 400:
		return slog.LevelWarn, "client_error"
	case status >= 300:
		return slog.LevelInfo, "redirect"
	default:
		return slog.LevelInfo, "success"
	}
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}

// WithCORS applies the configured origin allowlist to browser requests.
// Requests without an Origin header and websocket upgrades pass through; the
// websocket endpoints run their own origin policy.
func WithCORS(next http.Handler, cfg Config, log *slog.Logger) http.Handler {
	allowed := make([]string, 0, len(cfg.CORSAllowedOrigins))
	for _, o := range cfg.CORSAllowedOrigins {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			allowed = append(allowed, strings.ToLower(o))
		}
	}
	maxAge := ""
	if cfg.CORSMaxAgeSeconds > 0 {
		maxAge = strconv.Itoa(cfg.CORSMaxAgeSeconds)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" || len(allowed) == 0 || isWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Add("Vary", "Origin")

		if !corsOriginAllowed(origin, allowed) {
			log.Warn("http.cors.denied", "origin", origin, "path", r.URL.Path)
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		h.Set("Access-Control-Allow-Origin", origin)
		if cfg.CORSAllowCredentials {
			h.Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Add("Vary", "Access-Control-Request-Method")
			h.Add("Vary", "Access-Control-Request-Headers")
			h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
				h.Set("Access-Control-Allow-Headers", reqHeaders)
			}
			if maxAge != "" {
				h.Set("Access-Control-Max-Age", maxAge)
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// corsOriginAllowed matches exact origins and "scheme://host:*" port wildcards.
func corsOriginAllowed(origin string, allowed []string) bool {
	o := strings.ToLower(strings.TrimRight(origin, "/"))
	for _, a := range allowed {
		if a == "*" || a == o {
			return true
		}
		if prefix, ok := strings.CutSuffix(a, ":*"); ok {
			rest, found := strings.CutPrefix(o, prefix+":")
			if !found || rest == "" {
				continue
			}
			if _, err := strconv.Atoi(rest); err == nil {
				return true
			}
		}
	}
	return false
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// WithSecurityHeaders sets conservative defaults on every response.
func WithSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status   int
	bytes    int64
	hijacked bool
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

func (w *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("underlying ResponseWriter does not support hijacking")
	}
	conn, rw, err := hj.Hijack()
	if err == nil {
		w.hijacked = true
	}
	return conn, rw, err
}

func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *loggingResponseWriter) Push(target string, opts *http.PushOptions) error {
	if p, ok := w.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

func (w *loggingResponseWriter) ReadFrom(r io.Reader) (int64, error) {
	if rf, ok := w.ResponseWriter.(io.ReaderFrom); ok {
		n, err := rf.ReadFrom(r)
		w.bytes += n
		return n, err
	}
	n, err := io.Copy(w.ResponseWriter, r)
	w.bytes += n
	return n, err
}

func (w *loggingResponseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
