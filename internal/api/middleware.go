package api

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/portfolio-rebalancer/internal/errors"
	"github.com/portfolio-rebalancer/internal/logging"
	"github.com/portfolio-rebalancer/internal/storage"
)

// IdempotencyKeyHeader carries the client's idempotency key
const IdempotencyKeyHeader = "Idempotency-Key"

// maxIdempotentBody bounds the request body read for fingerprinting.
// Larger bodies are rejected rather than fingerprinted on a prefix.
const maxIdempotentBody = 1 << 20

// RequestLoggerMiddleware attaches a request-scoped logger to the context
// and logs each request when it completes.
func RequestLoggerMiddleware(base *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}
			w.Header().Set("X-Request-ID", requestID)
			logger := base.WithField("requestId", requestID)

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r.WithContext(logging.WithLogger(r.Context(), logger)))

			logger.WithFields(map[string]interface{}{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     wrapped.statusCode,
				"durationMs": time.Since(start).Milliseconds(),
				"remoteAddr": r.RemoteAddr,
			}).Info("HTTP request")
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// RecoveryMiddleware recovers from panics and returns 500 error.
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logging.FromContext(r.Context()).WithField("panic", err).Error("Recovered from panic")
				respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "An internal server error occurred", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// CORSMiddleware adds CORS headers to responses.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key, X-Request-ID")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// IdempotencyMiddleware serves repeated POST requests carrying the same
// Idempotency-Key from the stored response. The same key with a different
// body is rejected with 422 and a key still being executed with 409.
// Server errors are not stored so the client can retry them.
func IdempotencyMiddleware(store IdempotencyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyKeyHeader)
			if key == "" || r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			logger := logging.FromContext(r.Context()).WithField("idempotencyKey", key)

			body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBody+1))
			if err != nil {
				respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Could not read request body", nil)
				return
			}
			if len(body) > maxIdempotentBody {
				respondError(w, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, "Request body too large",
					map[string]interface{}{"maxBytes": maxIdempotentBody})
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			fingerprint := storage.Fingerprint([]byte(r.Method), []byte(r.URL.Path), body)

			state, rec, err := store.Begin(r.Context(), key, fingerprint)
			if err != nil {
				logger.WithError(err).Error("Idempotency store unavailable")
				respondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Idempotency store unavailable", nil)
				return
			}

			switch state {
			case storage.IdempotencyReplay:
				w.Header().Set("Idempotent-Replayed", "true")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(rec.StatusCode)
				if len(rec.Body) > 0 {
					_, _ = w.Write(rec.Body)
				}
				return
			case storage.IdempotencyMismatch:
				respondServiceError(w, r, apperrors.NewIdempotencyKeyReuseError(key))
				return
			case storage.IdempotencyInFlight:
				respondError(w, http.StatusConflict, ErrCodeRequestInFlight,
					"A request with this idempotency key is still being processed", map[string]interface{}{"key": key})
				return
			}

			recorder := &recordingWriter{ResponseWriter: w, statusCode: http.StatusOK}
			completed := false
			defer func() {
				if completed {
					return
				}
				// panics and server errors leave the key free for a retry
				if relErr := store.Release(r.Context(), key); relErr != nil {
					logger.WithError(relErr).Warn("Failed to release idempotency key")
				}
			}()

			next.ServeHTTP(recorder, r)

			if recorder.statusCode >= http.StatusInternalServerError {
				return
			}
			if err := store.Complete(r.Context(), key, fingerprint, recorder.statusCode, recorder.body.Bytes()); err != nil {
				logger.WithError(err).Warn("Failed to store idempotent response")
				return
			}
			completed = true
		})
	}
}

// recordingWriter tees the response so it can be stored
type recordingWriter struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (w *recordingWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}
