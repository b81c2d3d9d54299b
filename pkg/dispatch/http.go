package dispatch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rhuss/aufruf/pkg/api"
	"github.com/rhuss/aufruf/pkg/debug"
	"github.com/rhuss/aufruf/pkg/transport"
)

// InvokeAPIVersion is the version segment of the trigger paths, matching
// the cloud invoke API.
const InvokeAPIVersion = "2015-03-31"

// Trigger-surface headers, matching the cloud invoke API.
const (
	HeaderInvocationType  = "X-Amz-Invocation-Type"
	HeaderLogType         = "X-Amz-Log-Type"
	HeaderClientContext   = "X-Amz-Client-Context"
	HeaderFunctionError   = "X-Amz-Function-Error"
	HeaderLogResult       = "X-Amz-Log-Result"
	HeaderExecutedVersion = "X-Amz-Executed-Version"
)

// clientContextMessage matches the platform's rejection text for an
// undecodable client context.
const clientContextMessage = "Client context must be a valid Base64-encoded JSON object."

// HandlerConfig tunes the trigger HTTP surface.
type HandlerConfig struct {
	// MaxBodySize bounds accepted payloads in bytes. Zero means the 6 MiB
	// platform limit.
	MaxBodySize int64

	// Metrics exposes the Prometheus registry on MetricsPath.
	Metrics     bool
	MetricsPath string
}

// Handler returns the trigger surface: the cloud-compatible invocations
// endpoint plus health and metrics.
func (d *Dispatcher) Handler(cfg HandlerConfig) http.Handler {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 6 << 20
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /"+InvokeAPIVersion+"/functions/{name}/invocations",
		func(w http.ResponseWriter, r *http.Request) {
			d.handleInvoke(w, r, cfg.MaxBodySize)
		})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	if cfg.Metrics {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.Handler())
	}
	return mux
}

// handleInvoke serves one trigger request. The emulator hosts a single
// function; the name in the path is accepted as-is so callers may use
// names, partial ARNs or full ARNs interchangeably.
func (d *Dispatcher) handleInvoke(w http.ResponseWriter, r *http.Request, maxBody int64) {
	req, perr := parseInvokeRequest(w, r, maxBody)
	if perr != nil {
		transport.WriteProtocolError(w, perr)
		return
	}

	debug.Log("dispatch", "invoke request",
		"function", r.PathValue("name"),
		"type", string(req.Type),
		"log_type", string(req.LogType),
		"payload_bytes", len(req.Payload))

	switch req.Type {
	case api.InvokeDryRun:
		d.Invoke(r.Context(), req)
		w.WriteHeader(http.StatusNoContent)

	case api.InvokeEvent:
		// Accepted now, processed in the background. The request context
		// dies with this response, so the invocation runs on its own.
		go func() {
			if _, err := d.Invoke(context.Background(), req); err != nil {
				d.logger.Error("background invocation failed",
					slog.String("error", err.Error()))
			}
		}()
		w.WriteHeader(http.StatusAccepted)

	default:
		d.respondSync(w, r, req)
	}
}

// respondSync blocks until the invocation completes and mirrors its result:
// the worker's payload byte for byte, with the function-error header set
// only on failure.
func (d *Dispatcher) respondSync(w http.ResponseWriter, r *http.Request, req Request) {
	inv, err := d.Invoke(r.Context(), req)
	if err != nil {
		if r.Context().Err() != nil {
			// Client gone, nothing left to write.
			d.logger.Warn("invoke client disconnected", slog.String("error", err.Error()))
			return
		}
		transport.WriteProtocolError(w, api.NewServiceError(err.Error()))
		return
	}

	if req.LogType == api.LogTypeTail {
		if encoded := inv.LogTailBase64(); encoded != "" {
			w.Header().Set(HeaderLogResult, encoded)
		}
	}
	w.Header().Set(HeaderExecutedVersion, inv.Version)
	w.Header().Set("Content-Type", "application/json")

	if ferr := inv.Err(); ferr != nil {
		w.Header().Set(HeaderFunctionError, string(ferr.Kind))
		w.WriteHeader(http.StatusOK)
		w.Write(ferr.Payload())
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write(inv.Reply())
}

// parseInvokeRequest validates the trigger headers and reads the payload.
func parseInvokeRequest(w http.ResponseWriter, r *http.Request, maxBody int64) (Request, *api.ProtocolError) {
	var req Request

	switch v := r.Header.Get(HeaderInvocationType); v {
	case "", string(api.InvokeRequestResponse):
		req.Type = api.InvokeRequestResponse
	case string(api.InvokeEvent):
		req.Type = api.InvokeEvent
	case string(api.InvokeDryRun):
		req.Type = api.InvokeDryRun
	default:
		return req, api.NewInvalidRequestContentError(fmt.Sprintf("unsupported invocation type %q", v))
	}

	switch v := r.Header.Get(HeaderLogType); v {
	case "", string(api.LogTypeNone):
		req.LogType = api.LogTypeNone
	case string(api.LogTypeTail):
		req.LogType = api.LogTypeTail
	default:
		return req, api.NewInvalidRequestContentError(fmt.Sprintf("unsupported log type %q", v))
	}

	// The client context blob stays opaque apart from this one decode, which
	// only establishes that it is well-formed.
	if cc := r.Header.Get(HeaderClientContext); cc != "" {
		decoded, err := base64.StdEncoding.DecodeString(cc)
		if err != nil || !json.Valid(decoded) {
			return req, api.NewInvalidRequestContentError(clientContextMessage)
		}
		req.ClientContext = string(decoded)
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return req, api.NewRequestTooLargeError(tooLarge.Limit)
		}
		return req, api.NewInvalidRequestContentError(fmt.Sprintf("reading request body: %v", err))
	}
	req.Payload = body

	return req, nil
}
