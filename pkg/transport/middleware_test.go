package transport

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestChainOrder(t *testing.T) {
	var order []string

	tag := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	handler := Chain(tag("a"), tag("b"), tag("c"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	want := []string{"a", "b", "c", "handler"}
	if len(order) != len(want) {
		t.Fatalf("execution order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("execution order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestRequestIDGenerated(t *testing.T) {
	var got string
	handler := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if got == "" {
		t.Fatal("expected a generated request ID in context")
	}
	if len(got) != 32 {
		t.Errorf("request ID length = %d, want 32 hex chars", len(got))
	}
	if rec.Header().Get("X-Request-ID") != got {
		t.Errorf("X-Request-ID header = %q, want %q", rec.Header().Get("X-Request-ID"), got)
	}
}

func TestRequestIDPropagated(t *testing.T) {
	var got string
	handler := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "client-supplied-id")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got != "client-supplied-id" {
		t.Errorf("request ID = %q, want client-supplied value", got)
	}
	if rec.Header().Get("X-Request-ID") != "client-supplied-id" {
		t.Errorf("X-Request-ID header = %q, want echoed value", rec.Header().Get("X-Request-ID"))
	}
}

func TestRequestIDFromContextEmpty(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	if id := RequestIDFromContext(req.Context()); id != "" {
		t.Errorf("request ID = %q, want empty for bare context", id)
	}
}

func TestLoggingEmitsEntry(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	handler := Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/2018-06-01/ping", nil))

	out := buf.String()
	if !strings.Contains(out, "request completed") {
		t.Errorf("log output missing completion message: %s", out)
	}
	if !strings.Contains(out, "status=404") {
		t.Errorf("log output missing status: %s", out)
	}
	if !strings.Contains(out, "path=/2018-06-01/ping") {
		t.Errorf("log output missing path: %s", out)
	}
}

func TestLoggingPreservesResponse(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	handler := Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"status":"OK"}`))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/", nil))

	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}
	if rec.Body.String() != `{"status":"OK"}` {
		t.Errorf("body = %q, want passthrough", rec.Body.String())
	}
}

func TestRecoveryCatchesPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	handler := Recovery(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}

	var body struct {
		ErrorType    string `json:"errorType"`
		ErrorMessage string `json:"errorMessage"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	if body.ErrorType != "ServiceException" {
		t.Errorf("errorType = %q, want \"ServiceException\"", body.ErrorType)
	}
	if !strings.Contains(body.ErrorMessage, "boom") {
		t.Errorf("errorMessage = %q, want panic value included", body.ErrorMessage)
	}
	if !strings.Contains(buf.String(), "panic in handler") {
		t.Errorf("log output missing panic entry: %s", buf.String())
	}
}

func TestRecoveryPassesThrough(t *testing.T) {
	handler := Recovery(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}
