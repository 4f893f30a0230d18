package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

type correlationIDKey struct{}

// nextCorrelationID is the monotonic allocator described in spec §4.1
// ("per-request correlation id is allocated monotonically").
var nextCorrelationID uint64

func allocateCorrelationID() string {
	return strconv.FormatUint(atomic.AddUint64(&nextCorrelationID, 1), 10)
}

// correlationIDFrom returns the id attached to ctx by the correlation
// middleware, or "" if none is present (e.g. inside a WS read loop that
// predates a per-frame id).
func correlationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// withCorrelationID assigns a correlation id to every request and logs
// method/path/status/duration carrying that id, mirroring the teacher's
// explorer loggingMiddleware but structured through logrus (spec §4.1).
func withCorrelationID(log *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := allocateCorrelationID()
			w.Header().Set("X-Request-Id", id)
			ctx := context.WithValue(r.Context(), correlationIDKey{}, id)
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r.WithContext(ctx))

			log.WithFields(logrus.Fields{
				"request_id": id,
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     sw.status,
				"duration_ms": time.Since(start).Milliseconds(),
			}).Info("request handled")
		})
	}
}

// statusWriter captures the status code a handler wrote, for logging.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack passes through to the wrapped writer so the WS route can
// upgrade its connection behind this middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("statusWriter: underlying ResponseWriter does not implement http.Hijacker")
	}
	return h.Hijack()
}

// recoverer absorbs handler panics into INTERNAL_SERVER_ERROR, the only
// case where a true bug should not crash the process (spec §7, §9
// "only true bugs panic").
func recoverer(log *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.WithFields(logrus.Fields{
						"request_id": correlationIDFrom(r.Context()),
						"panic":      rec,
					}).Error("recovered from panic")
					writeDomainError(w, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type domainErrorBody struct {
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

func writeDomainError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, domainErrorBody{ErrorCode: code, ErrorMessage: message})
}

type lowLevelErrorBody struct {
	Error struct {
		Code    string `json:"code,omitempty"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeLowLevelError(w http.ResponseWriter, status int, message string) {
	var body lowLevelErrorBody
	body.Error.Message = message
	writeJSON(w, status, body)
}
