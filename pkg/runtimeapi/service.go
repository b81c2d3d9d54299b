package runtimeapi

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/rhuss/aufruf/pkg/api"
	"github.com/rhuss/aufruf/pkg/debug"
	"github.com/rhuss/aufruf/pkg/observability"
)

// APIVersion is the protocol version segment in all control-plane paths.
const APIVersion = "2018-06-01"

// Headers exchanged with the worker. The Lambda-Runtime names follow the
// cloud protocol; the Aufruf names are product extensions carrying timing
// and log information.
const (
	HeaderRequestID         = "Lambda-Runtime-Aws-Request-Id"
	HeaderDeadlineMS        = "Lambda-Runtime-Deadline-Ms"
	HeaderInvokedARN        = "Lambda-Runtime-Invoked-Function-Arn"
	HeaderTraceID           = "Lambda-Runtime-Trace-Id"
	HeaderClientContext     = "Lambda-Runtime-Client-Context"
	HeaderCognitoIdentity   = "Lambda-Runtime-Cognito-Identity"
	HeaderFunctionErrorType = "Lambda-Runtime-Function-Error-Type"

	HeaderInvokeWait = "Aufruf-Invoke-Wait"
	HeaderInitEnd    = "Aufruf-Init-End"
	HeaderLogResult  = "Aufruf-Log-Result"
	HeaderLogType    = "Aufruf-Log-Type"
)

// ErrClosed is returned by Submit once the service has shut down.
var ErrClosed = errors.New("runtime service is closed")

// handoffKind distinguishes real work from wake-only messages on the
// handoff channel, so placeholder messages can never be mistaken for an
// invocation.
type handoffKind int

const (
	handoffInvoke handoffKind = iota
	handoffWake
)

// handoffItem is a single message on the handoff channel.
type handoffItem struct {
	kind handoffKind
	inv  *api.Invocation
}

// Service owns the protocol state shared between the dispatcher and the
// worker-facing HTTP handlers.
type Service struct {
	logger *slog.Logger

	mu      sync.Mutex
	state   api.State
	current *api.Invocation
	pending *api.Invocation
	closed  bool

	// handoff passes invocations from Submit to the worker's fetch. It is
	// unbuffered: the producer blocks until a fetch is ready, so at most
	// one invocation is ever queued.
	handoff chan handoffItem
}

// NewService creates a Service in the protocol start state.
func NewService(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		logger:  logger,
		state:   api.StateInit,
		handoff: make(chan handoffItem),
	}
}

// Submit hands an invocation to the worker's next fetch. It blocks until a
// fetch accepts the work or ctx is cancelled. While blocked, the invocation
// is tracked as pending so a startup failure or worker exit can complete it.
func (s *Service) Submit(ctx context.Context, inv *api.Invocation) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.pending = inv
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.pending == inv {
			s.pending = nil
		}
		s.mu.Unlock()
	}()

	debug.Log("protocol", "submitting invocation", "request_id", inv.RequestID, "type", inv.Type)

	select {
	case s.handoff <- handoffItem{kind: handoffInvoke, inv: inv}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wake unblocks one pending fetch without delivering work. A no-op when no
// fetch is waiting.
func (s *Service) Wake() {
	select {
	case s.handoff <- handoffItem{kind: handoffWake}:
	default:
	}
}

// Close marks the service closed and releases a blocked fetch, so the HTTP
// server can drain. Subsequent fetches and submissions fail immediately.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.Wake()
}

// Reset returns the protocol to its start state after the worker process is
// replaced. An invocation still in flight, whether already delivered to the
// worker or still awaiting a fetch, is completed with err so its trigger
// does not hang.
func (s *Service) Reset(err *api.FunctionError) {
	s.mu.Lock()
	inv := s.current
	pend := s.pending
	prev := s.state
	s.current = nil
	s.state = api.StateInit
	s.mu.Unlock()

	if prev != api.StateInit {
		s.logger.Info("protocol state reset", slog.String("from", string(prev)))
	}
	if inv != nil && !inv.Completed() {
		inv.Complete(err)
	}
	if pend != nil && pend != inv && !pend.Completed() {
		pend.Complete(err)
	}
}

// Current returns the invocation currently owned by the protocol surface,
// or nil when none is in flight.
func (s *Service) Current() *api.Invocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// InFlight returns the invocation the worker is responsible for right now:
// the delivered one if any, otherwise one submitted but not yet fetched.
// Crash handling uses this to name the invocation a dying worker takes down.
func (s *Service) InFlight() *api.Invocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return s.current
	}
	return s.pending
}

// State returns the current protocol state.
func (s *Service) State() api.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transition validates and commits a protocol state change. On rejection
// the state is left untouched.
func (s *Service) transition(to api.State, endpoint string) *api.ProtocolError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(to, endpoint)
}

func (s *Service) transitionLocked(to api.State, endpoint string) *api.ProtocolError {
	if perr := api.ValidateTransition(s.state, to); perr != nil {
		observability.TransitionRejectedTotal.WithLabelValues(endpoint).Inc()
		s.logger.Warn("illegal protocol transition",
			slog.String("endpoint", endpoint),
			slog.String("from", string(s.state)),
			slog.String("to", string(to)))
		return perr
	}
	debug.Log("protocol", "state transition",
		"from", string(s.state), "to", string(to), "endpoint", endpoint)
	observability.StateTransitionsTotal.WithLabelValues(string(s.state), string(to)).Inc()
	s.state = to
	return nil
}
