package runtimeapi

import (
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/rhuss/aufruf/pkg/api"
	"github.com/rhuss/aufruf/pkg/debug"
	"github.com/rhuss/aufruf/pkg/observability"
	"github.com/rhuss/aufruf/pkg/transport"
)

// statusOK is the body acknowledged to the worker on accepted posts.
var statusOK = map[string]string{"status": "OK"}

// Handler returns the http.Handler serving the control-plane endpoints.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /"+APIVersion+"/runtime/invocation/next", s.handleNext)
	mux.HandleFunc("POST /"+APIVersion+"/runtime/invocation/{id}/response", s.handleResponse)
	mux.HandleFunc("POST /"+APIVersion+"/runtime/invocation/{id}/error", s.handleError)
	mux.HandleFunc("POST /"+APIVersion+"/runtime/init/error", s.handleInitError)
	mux.HandleFunc("GET /"+APIVersion+"/ping", s.handlePing)
	return mux
}

// handlePing reports liveness. The supervisor polls it before declaring the
// control plane ready for a worker.
func (s *Service) handlePing(w http.ResponseWriter, r *http.Request) {
	io.WriteString(w, "pong")
}

// handleNext blocks until the dispatcher submits an invocation, then serves
// it to the worker with identity and deadline headers.
func (s *Service) handleNext(w http.ResponseWriter, r *http.Request) {
	fetchStart := time.Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	if perr := s.transitionLocked(api.StateInvokeNext, "next"); perr != nil {
		s.mu.Unlock()
		transport.WriteProtocolError(w, perr)
		return
	}
	prev := s.current
	s.current = nil
	s.mu.Unlock()

	// A worker fetching again without acknowledging the previous invocation
	// implicitly completes it. Preserved for compatibility with runtimes
	// that only ever poll.
	if prev != nil && !prev.Completed() {
		s.logger.Warn("auto-completing unacknowledged invocation",
			slog.String("request_id", prev.RequestID))
		observability.AutoCompletedTotal.Inc()
		prev.Complete(nil)
	}

	for {
		select {
		case item := <-s.handoff:
			if item.kind == handoffWake {
				s.mu.Lock()
				closed := s.closed
				s.mu.Unlock()
				if closed {
					// Forward the wake so any other blocked fetch drains too.
					s.Wake()
					http.Error(w, "shutting down", http.StatusServiceUnavailable)
					return
				}
				continue
			}
			s.deliver(w, item.inv, fetchStart)
			return
		case <-r.Context().Done():
			// Worker disconnected while waiting. Queued work is not
			// consumed; it stays available for the next fetch.
			debug.Log("protocol", "fetch abandoned", "wait", time.Since(fetchStart))
			return
		}
	}
}

// deliver takes ownership of the invocation and writes it to the worker.
func (s *Service) deliver(w http.ResponseWriter, inv *api.Invocation, fetchStart time.Time) {
	s.mu.Lock()
	s.current = inv
	s.mu.Unlock()

	wait := time.Since(fetchStart)
	observability.HandoffWaitSeconds.Observe(wait.Seconds())

	inv.LogStart()

	h := w.Header()
	h.Set(HeaderRequestID, inv.RequestID)
	h.Set(HeaderDeadlineMS, strconv.FormatInt(inv.Deadline().UnixMilli(), 10))
	h.Set(HeaderInvokedARN, inv.InvokedARN)
	h.Set(HeaderTraceID, inv.TraceID)
	if inv.ClientContext != "" {
		h.Set(HeaderClientContext, inv.ClientContext)
	}
	if inv.CognitoIdentity != "" {
		h.Set(HeaderCognitoIdentity, inv.CognitoIdentity)
	}
	if inv.LogType == api.LogTypeTail {
		h.Set(HeaderLogType, string(api.LogTypeTail))
	}
	h.Set("Content-Type", "application/json")

	debug.Log("protocol", "invocation delivered",
		"request_id", inv.RequestID, "wait", wait, "payload_bytes", len(inv.Payload))
	debug.Trace("protocol", "invocation payload",
		"request_id", inv.RequestID, "body", string(inv.Payload))

	w.Write(inv.Payload)
}

// handleResponse completes the in-flight invocation with the worker's raw
// success payload.
func (s *Service) handleResponse(w http.ResponseWriter, r *http.Request) {
	if perr := s.transition(api.StateInvokeResponse, "response"); perr != nil {
		transport.WriteProtocolError(w, perr)
		return
	}

	inv, perr := s.currentFor(r.PathValue("id"))
	if perr != nil {
		transport.WriteProtocolError(w, perr)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		transport.WriteProtocolError(w, api.NewBodyReadError(err))
		return
	}

	s.captureReportHeaders(inv, r)

	debug.Log("protocol", "response received",
		"request_id", inv.RequestID, "payload_bytes", len(body))
	debug.Trace("protocol", "response payload",
		"request_id", inv.RequestID, "body", string(body))

	inv.SetReply(body)
	inv.Complete(nil)

	transport.WriteJSON(w, http.StatusAccepted, statusOK)
}

// handleError completes the in-flight invocation with the worker's reported
// failure. A malformed error body is downgraded to a fixed invalid-shape
// error instead of failing the call.
func (s *Service) handleError(w http.ResponseWriter, r *http.Request) {
	if perr := s.transition(api.StateInvokeError, "error"); perr != nil {
		transport.WriteProtocolError(w, perr)
		return
	}

	inv, perr := s.currentFor(r.PathValue("id"))
	if perr != nil {
		transport.WriteProtocolError(w, perr)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		transport.WriteProtocolError(w, api.NewBodyReadError(err))
		return
	}

	s.captureReportHeaders(inv, r)

	funcErr := api.ParseFunctionError(body, r.Header.Get(HeaderFunctionErrorType))

	debug.Log("protocol", "error received",
		"request_id", inv.RequestID, "error_type", funcErr.Type)

	inv.Complete(funcErr)

	transport.WriteJSON(w, http.StatusAccepted, statusOK)
}

// handleInitError records a worker startup failure. The state becomes
// terminal until the worker is restarted; an invocation already in flight
// is completed with the reported error.
func (s *Service) handleInitError(w http.ResponseWriter, r *http.Request) {
	if perr := s.transition(api.StateInitError, "init_error"); perr != nil {
		transport.WriteProtocolError(w, perr)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		transport.WriteProtocolError(w, api.NewBodyReadError(err))
		return
	}

	funcErr := api.ParseInitError(body, r.Header.Get(HeaderFunctionErrorType))

	// Before the first fetch no invocation has been delivered, but one may
	// already be waiting on the handoff. Completing it routes the startup
	// failure to the trigger that provoked the spawn.
	if inv := s.InFlight(); inv != nil {
		inv.Complete(funcErr)
	} else {
		s.logger.Error("worker failed during startup",
			slog.String("error_type", funcErr.Type),
			slog.String("error", funcErr.Error()))
	}

	transport.WriteJSON(w, http.StatusAccepted, statusOK)
}

// currentFor returns the in-flight invocation when id matches its request
// ID, which is the sole key validating completion posts.
func (s *Service) currentFor(id string) (*api.Invocation, *api.ProtocolError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.RequestID != id {
		return nil, api.NewInvalidRequestIDError(id)
	}
	return s.current, nil
}

// captureReportHeaders pulls the timing and log headers the worker attached
// to its completion post into the invocation record.
func (s *Service) captureReportHeaders(inv *api.Invocation, r *http.Request) {
	invokeWait := headerInt64(r, HeaderInvokeWait)
	initEnd := headerInt64(r, HeaderInitEnd)
	if invokeWait > 0 || initEnd > 0 {
		inv.RecordInitWindow(invokeWait, initEnd)
	}

	if enc := r.Header.Get(HeaderLogResult); enc != "" {
		if raw, err := base64.StdEncoding.DecodeString(enc); err == nil {
			inv.RecordLogTail(raw)
		}
	}
}

func headerInt64(r *http.Request, name string) int64 {
	v := r.Header.Get(name)
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
