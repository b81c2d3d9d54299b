package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/rhuss/aufruf/pkg/runtimeapi"
)

// TestHelperRuntime is not a test. The integration bootstrap re-executes
// the test binary with GO_WANT_HELPER_PROCESS=1 to turn it into the
// function's worker process; this entry then speaks the runtime API until
// the emulator drains.
func TestHelperRuntime(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	runWorker()
}

// runWorker is the worker loop: poll for an invocation, compute the
// result, post it back. Any non-200 fetch means the emulator is draining.
func runWorker() {
	base := fmt.Sprintf("http://%s/%s/runtime",
		os.Getenv("AWS_LAMBDA_RUNTIME_API"), runtimeapi.APIVersion)
	// The fetch blocks until work arrives; its client must not time out.
	poll := &http.Client{}
	post := &http.Client{Timeout: 5 * time.Second}

	for {
		resp, err := poll.Get(base + "/invocation/next")
		if err != nil {
			return
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return
		}
		requestID := resp.Header.Get(runtimeapi.HeaderRequestID)
		clientContext := resp.Header.Get(runtimeapi.HeaderClientContext)
		payload, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return
		}

		// Diagnostic line per invocation; the supervisor's tap picks this
		// up for log tail capture.
		fmt.Fprintf(os.Stderr, "handled %s\n", requestID)

		endpoint, body := workerResult(payload, clientContext)
		req, err := http.NewRequest(http.MethodPost,
			fmt.Sprintf("%s/invocation/%s/%s", base, requestID, endpoint),
			bytes.NewReader(body))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")
		ack, err := post.Do(req)
		if err != nil {
			return
		}
		io.Copy(io.Discard, ack.Body)
		ack.Body.Close()
	}
}

// workerResult computes the protocol reply for a payload. JSON payloads
// with a numeric "n" echo with n incremented; a "mock" object scripts
// error, sleep, exit, and context behaviors.
func workerResult(payload []byte, clientContext string) (endpoint string, body []byte) {
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return "response", payload
	}

	if raw, ok := doc["mock"].(map[string]any); ok {
		behavior, _ := raw["behavior"].(string)
		switch behavior {
		case "error":
			return "error", []byte(`{"errorMessage":"scripted failure","errorType":"ScriptedError","stackTrace":["runWorker"]}`)
		case "sleep":
			ms, _ := raw["sleep_ms"].(float64)
			time.Sleep(time.Duration(ms) * time.Millisecond)
			return "response", payload
		case "exit":
			code, _ := raw["exit_code"].(float64)
			os.Exit(int(code))
		case "context":
			return "response", []byte(clientContext)
		}
	}

	if n, ok := doc["n"].(float64); ok {
		doc["n"] = n + 1
		if out, err := json.Marshal(doc); err == nil {
			return "response", out
		}
	}
	return "response", payload
}
