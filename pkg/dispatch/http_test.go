package dispatch

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rhuss/aufruf/pkg/api"
	"github.com/rhuss/aufruf/pkg/runtimeapi"
)

// startInvokeServer serves the trigger surface for an existing harness.
func startInvokeServer(t *testing.T, h *harness, cfg HandlerConfig) string {
	t.Helper()
	srv := httptest.NewServer(h.d.Handler(cfg))
	t.Cleanup(srv.Close)
	return srv.URL
}

func invokeURL(base string) string {
	return base + "/" + InvokeAPIVersion + "/functions/echo/invocations"
}

func doInvoke(t *testing.T, url string, payload []byte, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("invoke request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestInvokeEndpointSuccess(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	h.startEchoWorker(func(p []byte) []byte {
		return bytes.Replace(p, []byte(`"n":1`), []byte(`"n":2`), 1)
	})
	base := startInvokeServer(t, h, HandlerConfig{})

	resp := doInvoke(t, invokeURL(base), []byte(`{"n":1}`), nil)
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := string(body); got != `{"n":2}` {
		t.Errorf("body = %s, want {\"n\":2}", got)
	}
	if got := resp.Header.Get(HeaderFunctionError); got != "" {
		t.Errorf("unexpected function error header %q", got)
	}
	if got := resp.Header.Get(HeaderExecutedVersion); got != "$LATEST" {
		t.Errorf("executed version = %q, want $LATEST", got)
	}
}

func TestInvokeEndpointFunctionError(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	errBody := []byte(`{"errorMessage":"boom","errorType":"ValueError"}`)
	h.worker.run = func() {
		resp, err := fetchNext(h.url)
		if err != nil {
			return
		}
		io.Copy(io.Discard, resp.Body)
		id := resp.Header.Get(runtimeapi.HeaderRequestID)
		resp.Body.Close()
		postResult(h.url, id, "error", errBody, nil)
	}
	base := startInvokeServer(t, h, HandlerConfig{})

	resp := doInvoke(t, invokeURL(base), []byte(`{}`), nil)
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 with the error header", resp.StatusCode)
	}
	if got := resp.Header.Get(HeaderFunctionError); got != string(api.KindUnhandled) {
		t.Errorf("function error header = %q, want %q", got, api.KindUnhandled)
	}
	if !bytes.Equal(body, errBody) {
		t.Errorf("body = %s, not mirrored verbatim", body)
	}
}

func TestInvokeEndpointEvent(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	h.startEchoWorker(func(p []byte) []byte {
		time.Sleep(300 * time.Millisecond)
		return p
	})
	base := startInvokeServer(t, h, HandlerConfig{})

	start := time.Now()
	resp := doInvoke(t, invokeURL(base), []byte(`{}`), map[string]string{
		HeaderInvocationType: string(api.InvokeEvent),
	})
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("accepted after %v, should not wait for the worker", elapsed)
	}
}

func TestInvokeEndpointDryRun(t *testing.T) {
	h := newHarness(t, time.Second)
	base := startInvokeServer(t, h, HandlerConfig{})

	resp := doInvoke(t, invokeURL(base), []byte(`{}`), map[string]string{
		HeaderInvocationType: string(api.InvokeDryRun),
	})
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if got := h.worker.ensured.Load(); got != 0 {
		t.Errorf("worker touched %d times during dry run", got)
	}
}

func TestInvokeEndpointBadInvocationType(t *testing.T) {
	h := newHarness(t, time.Second)
	base := startInvokeServer(t, h, HandlerConfig{})

	resp := doInvoke(t, invokeURL(base), []byte(`{}`), map[string]string{
		HeaderInvocationType: "Banana",
	})
	assertInvokeRejected(t, resp, api.ProtocolInvalidRequestContent)
}

func TestInvokeEndpointBadClientContext(t *testing.T) {
	h := newHarness(t, time.Second)
	base := startInvokeServer(t, h, HandlerConfig{})

	for name, value := range map[string]string{
		"not base64":  "%%%not-base64%%%",
		"not json":    base64.StdEncoding.EncodeToString([]byte("plain text")),
		"partial doc": base64.StdEncoding.EncodeToString([]byte(`{"client":`)),
	} {
		t.Run(name, func(t *testing.T) {
			resp := doInvoke(t, invokeURL(base), []byte(`{}`), map[string]string{
				HeaderClientContext: value,
			})
			assertInvokeRejected(t, resp, api.ProtocolInvalidRequestContent)
		})
	}
}

func TestInvokeEndpointClientContextDelivered(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	got := make(chan string, 1)
	h.worker.run = func() {
		resp, err := fetchNext(h.url)
		if err != nil {
			return
		}
		io.Copy(io.Discard, resp.Body)
		id := resp.Header.Get(runtimeapi.HeaderRequestID)
		got <- resp.Header.Get(runtimeapi.HeaderClientContext)
		resp.Body.Close()
		postResult(h.url, id, "response", []byte(`"ok"`), nil)
	}
	base := startInvokeServer(t, h, HandlerConfig{})

	clientJSON := `{"client":{"app_title":"demo"}}`
	resp := doInvoke(t, invokeURL(base), []byte(`{}`), map[string]string{
		HeaderClientContext: base64.StdEncoding.EncodeToString([]byte(clientJSON)),
	})
	io.Copy(io.Discard, resp.Body)

	select {
	case delivered := <-got:
		if delivered != clientJSON {
			t.Errorf("worker saw client context %q, want the decoded JSON", delivered)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker never fetched the invocation")
	}
}

func TestInvokeEndpointTailHeader(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	tail := base64.StdEncoding.EncodeToString([]byte("worker output\n"))
	h.worker.run = func() {
		resp, err := fetchNext(h.url)
		if err != nil {
			return
		}
		io.Copy(io.Discard, resp.Body)
		id := resp.Header.Get(runtimeapi.HeaderRequestID)
		resp.Body.Close()
		postResult(h.url, id, "response", []byte(`"ok"`), map[string]string{
			runtimeapi.HeaderLogResult: tail,
		})
	}
	base := startInvokeServer(t, h, HandlerConfig{})

	resp := doInvoke(t, invokeURL(base), []byte(`{}`), map[string]string{
		HeaderLogType: string(api.LogTypeTail),
	})
	io.Copy(io.Discard, resp.Body)

	if got := resp.Header.Get(HeaderLogResult); got != tail {
		t.Errorf("log result header = %q, want %q", got, tail)
	}
}

func TestInvokeEndpointPayloadTooLarge(t *testing.T) {
	h := newHarness(t, time.Second)
	base := startInvokeServer(t, h, HandlerConfig{MaxBodySize: 16})

	resp := doInvoke(t, invokeURL(base), bytes.Repeat([]byte("x"), 64), nil)

	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", resp.StatusCode)
	}
	assertInvokeRejected(t, resp, api.ProtocolRequestTooLarge)
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, time.Second)
	base := startInvokeServer(t, h, HandlerConfig{})

	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := string(body); got != "ok\n" {
		t.Errorf("body = %q, want ok", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, time.Second)
	base := startInvokeServer(t, h, HandlerConfig{Metrics: true, MetricsPath: "/metrics"})

	resp, err := http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(string(body), "aufruf_") {
		t.Error("metrics exposition does not contain emulator metrics")
	}
}

func TestMetricsDisabled(t *testing.T) {
	h := newHarness(t, time.Second)
	base := startInvokeServer(t, h, HandlerConfig{})

	resp, err := http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404 when metrics are disabled", resp.StatusCode)
	}
}

// assertInvokeRejected checks the platform error shape of a rejection.
func assertInvokeRejected(t *testing.T, resp *http.Response, wantType string) {
	t.Helper()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 400 {
		t.Fatalf("status = %d, want a rejection", resp.StatusCode)
	}
	var perr struct {
		Type    string `json:"errorType"`
		Message string `json:"errorMessage"`
	}
	if err := json.Unmarshal(body, &perr); err != nil {
		t.Fatalf("decoding rejection %s: %v", body, err)
	}
	if perr.Type != wantType {
		t.Errorf("errorType = %q, want %q", perr.Type, wantType)
	}
	if perr.Message == "" {
		t.Error("rejection carries no message")
	}
}
