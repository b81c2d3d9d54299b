package observability

import (
	"net/http"
	"strconv"
	"time"
)

// MetricsMiddleware wraps an HTTP handler to record request metrics.
//
// It captures:
//   - aufruf_http_requests_total (counter): incremented per request with method and status class labels
//   - aufruf_http_request_duration_seconds (histogram): request duration with method label
//
// The worker's long poll on the next-invocation endpoint flows through this
// middleware too, so the duration histogram includes handoff wait time.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		RequestsTotal.WithLabelValues(r.Method, statusClass(sw.Status())).Inc()
		RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

// statusClass collapses a status code into its class label, "2xx" through
// "5xx", keeping the label cardinality low.
func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}

// statusWriter records the first status code written so the middleware can
// label the request after the handler returns.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func (w *statusWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Unwrap exposes the wrapped writer to http.ResponseController.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
