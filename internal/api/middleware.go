package api

import (
	"crypto/subtle"
	"eemt-orchestrator/internal/apperrors"
	"eemt-orchestrator/internal/observability"
	"encoding/json"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"
)

// Codes for requests rejected before they reach a handler.
const (
	codeUnauthorized     = "unauthorized"
	codeUnsupportedMedia = "unsupported_media_type"
)

// LoggingMiddleware writes one access log line per request. Requests on a
// job carry its ID so they can be correlated with the job's own log lines.
func LoggingMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := wrap(w)

			next.ServeHTTP(rw, r)

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", rw.statusCode,
				"bytes", rw.written,
				"duration", time.Since(start),
			}
			if id := r.PathValue("jobId"); id != "" {
				attrs = append(attrs, "jobId", id)
			}
			level := slog.LevelInfo
			if r.URL.Path == "/livez" || r.URL.Path == "/readyz" {
				level = slog.LevelDebug
			}
			slog.Log(r.Context(), level, "HTTP request", attrs...)
		})
	}
}

// MetricsMiddleware records request latency, traffic and errors.
func MetricsMiddleware(metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := wrap(w)

			next.ServeHTTP(rw, r)

			metrics.RecordHTTPRequest(r.Context(), r.Method, r.URL.Path, rw.statusCode, time.Since(start).Seconds())
		})
	}
}

// RecoveryMiddleware turns a handler panic into a 500 with the usual error
// body. Nothing is written if the handler had already started its response.
func RecoveryMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := wrap(w)
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					slog.ErrorContext(r.Context(), "Panic recovered", "error", rec, "path", r.URL.Path)
					if !rw.wroteHeader {
						rejectRequest(rw, http.StatusInternalServerError, apperrors.CodeInternal, "internal server error")
					}
				}
			}()

			next.ServeHTTP(rw, r)
		})
	}
}

// ContentTypeMiddleware rejects request bodies the API cannot decode.
// Job submissions are multipart/form-data; everything else is JSON. A
// missing Content-Type is let through for bodiless POSTs such as cancel.
func ContentTypeMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			contentType := r.Header.Get("Content-Type")
			if (r.Method == http.MethodPost || r.Method == http.MethodPut) && contentType != "" {
				want := "application/json"
				if r.URL.Path == "/v1/jobs" {
					want = "multipart/form-data"
				}
				if mediaType, _, err := mime.ParseMediaType(contentType); err != nil || mediaType != want {
					rejectRequest(w, http.StatusUnsupportedMediaType, codeUnsupportedMedia, "Content-Type must be "+want)
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// CORSMiddleware allows browser clients on any origin. Location and
// Content-Disposition are exposed so a UI can follow a submission and name
// a results download.
func CORSMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", "*")
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			h.Set("Access-Control-Expose-Headers", "Location, Content-Disposition")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// AuthMiddleware requires "Authorization: Bearer <apiKey>".
// An empty apiKey disables authentication.
func AuthMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if apiKey == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") {
				w.Header().Set("WWW-Authenticate", `Bearer realm="jobs-service"`)
				rejectRequest(w, http.StatusUnauthorized, codeUnauthorized, "bearer token required")
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
				rejectRequest(w, http.StatusUnauthorized, codeUnauthorized, "invalid API key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func rejectRequest(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(ErrorResponse{Error: msg, Code: code}); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// responseWriter records what a handler sent.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	written     int64
	wroteHeader bool
}

// wrap reuses w when an outer middleware already wrapped it.
func wrap(w http.ResponseWriter) *responseWriter {
	if rw, ok := w.(*responseWriter); ok {
		return rw
	}
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Flush lets streamed result archives reach the client as they are written.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		rw.wroteHeader = true
		f.Flush()
	}
}
