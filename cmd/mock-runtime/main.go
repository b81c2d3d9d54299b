// Command mock-runtime is a scriptable worker for exercising the emulator
// without a real language runtime. It behaves like a managed runtime
// process: poll the runtime API for the next invocation, process it, post
// the result, repeat.
//
// Configuration:
//
//	AWS_LAMBDA_RUNTIME_API - runtime API address (set by the emulator)
//	MOCK_RUNTIME_BEHAVIOR  - echo, upper, error, sleep, exit, init-error (default: echo)
//	MOCK_RUNTIME_SLEEP_MS  - sleep before responding, for the sleep behavior (default: 1000)
//	MOCK_RUNTIME_EXIT_CODE - exit code for the exit behavior (default: 1)
//
// A JSON payload can override the behavior for a single invocation:
//
//	{"mock": {"behavior": "sleep", "sleep_ms": 250}}
package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"
)

const apiVersion = "2018-06-01"

func main() {
	addr := os.Getenv("AWS_LAMBDA_RUNTIME_API")
	if addr == "" {
		slog.Error("AWS_LAMBDA_RUNTIME_API is not set")
		os.Exit(1)
	}

	w := &worker{
		baseURL: fmt.Sprintf("http://%s/%s/runtime", addr, apiVersion),
		// The next poll blocks until work arrives, so its client must not
		// time out. Result posts are bounded.
		pollClient: &http.Client{},
		postClient: &http.Client{Timeout: 5 * time.Second},
		behavior:   envOrDefault("MOCK_RUNTIME_BEHAVIOR", "echo"),
		sleepMS:    envInt("MOCK_RUNTIME_SLEEP_MS", 1000),
		exitCode:   envInt("MOCK_RUNTIME_EXIT_CODE", 1),
		startedMS:  time.Now().UnixMilli(),
	}

	if w.behavior == "init-error" {
		w.postInitError()
		os.Exit(1)
	}
	w.readyMS = time.Now().UnixMilli()

	slog.Info("mock runtime started", "api", addr, "behavior", w.behavior)
	w.run()
}

type worker struct {
	baseURL    string
	pollClient *http.Client
	postClient *http.Client

	behavior string
	sleepMS  int
	exitCode int

	startedMS int64
	readyMS   int64
	reported  bool
}

// directive is the per-invocation behavior override carried in the payload.
type directive struct {
	Behavior string `json:"behavior"`
	SleepMS  int    `json:"sleep_ms"`
	ExitCode int    `json:"exit_code"`
}

type invocation struct {
	requestID string
	payload   []byte
	wantTail  bool
}

func (w *worker) run() {
	for {
		inv, ok := w.next()
		if !ok {
			return
		}
		w.handle(inv)
	}
}

// next fetches the next invocation. A non-200 answer means the emulator is
// draining, so the worker exits cleanly.
func (w *worker) next() (invocation, bool) {
	resp, err := w.pollClient.Get(w.baseURL + "/invocation/next")
	if err != nil {
		slog.Error("fetching next invocation", "error", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Info("no more work", "status", resp.StatusCode)
		return invocation{}, false
	}
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		slog.Error("reading invocation payload", "error", err)
		os.Exit(1)
	}
	return invocation{
		requestID: resp.Header.Get("Lambda-Runtime-Aws-Request-Id"),
		payload:   payload,
		wantTail:  resp.Header.Get("Aufruf-Log-Type") == "Tail",
	}, true
}

func (w *worker) handle(inv invocation) {
	behavior, sleepMS, exitCode := w.behavior, w.sleepMS, w.exitCode
	var wrapped struct {
		Mock *directive `json:"mock"`
	}
	if err := json.Unmarshal(inv.payload, &wrapped); err == nil && wrapped.Mock != nil {
		if wrapped.Mock.Behavior != "" {
			behavior = wrapped.Mock.Behavior
		}
		if wrapped.Mock.SleepMS > 0 {
			sleepMS = wrapped.Mock.SleepMS
		}
		if wrapped.Mock.ExitCode != 0 {
			exitCode = wrapped.Mock.ExitCode
		}
	}

	logLine := fmt.Sprintf("mock-runtime: %s %s\n", behavior, inv.requestID)
	fmt.Fprint(os.Stderr, logLine)

	switch behavior {
	case "upper":
		w.postResponse(inv, bytes.ToUpper(inv.payload))
	case "error":
		w.postError(inv)
	case "sleep":
		time.Sleep(time.Duration(sleepMS) * time.Millisecond)
		w.postResponse(inv, inv.payload)
	case "exit":
		slog.Info("exiting mid-invocation", "code", exitCode)
		os.Exit(exitCode)
	default:
		w.postResponse(inv, inv.payload)
	}
}

func (w *worker) postResponse(inv invocation, body []byte) {
	req, err := http.NewRequest(http.MethodPost,
		fmt.Sprintf("%s/invocation/%s/response", w.baseURL, inv.requestID),
		bytes.NewReader(body))
	if err != nil {
		slog.Error("building response request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	w.decorate(req, inv)
	w.post(req)
}

func (w *worker) postError(inv invocation) {
	report := map[string]any{
		"errorMessage": "mock function failure",
		"errorType":    "MockError",
		"stackTrace":   []string{"mock-runtime"},
	}
	body, _ := json.Marshal(report)
	req, err := http.NewRequest(http.MethodPost,
		fmt.Sprintf("%s/invocation/%s/error", w.baseURL, inv.requestID),
		bytes.NewReader(body))
	if err != nil {
		slog.Error("building error request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Lambda-Runtime-Function-Error-Type", "MockError")
	w.decorate(req, inv)
	w.post(req)
}

func (w *worker) postInitError() {
	body := []byte(`{"errorMessage":"mock init failure","errorType":"Runtime.InitError"}`)
	resp, err := w.postClient.Post(w.baseURL+"/init/error", "application/json", bytes.NewReader(body))
	if err != nil {
		slog.Error("posting init error", "error", err)
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// decorate adds the init report on the first result and the log tail when
// the invocation asked for one.
func (w *worker) decorate(req *http.Request, inv invocation) {
	if !w.reported {
		w.reported = true
		req.Header.Set("Aufruf-Invoke-Wait", strconv.FormatInt(w.startedMS, 10))
		req.Header.Set("Aufruf-Init-End", strconv.FormatInt(w.readyMS, 10))
	}
	if inv.wantTail {
		tail := fmt.Sprintf("mock-runtime: handled %s\n", inv.requestID)
		req.Header.Set("Aufruf-Log-Result", base64.StdEncoding.EncodeToString([]byte(tail)))
	}
}

func (w *worker) post(req *http.Request) {
	resp, err := w.postClient.Do(req)
	if err != nil {
		slog.Error("posting result", "error", err)
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		slog.Warn("result not accepted", "status", resp.StatusCode)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func envInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}
