package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ErrorKind categorizes an invocation failure. The kind is fixed at the
// point the error is created and doubles as the wire label for errors the
// emulator synthesizes itself.
type ErrorKind string

const (
	// KindUnhandled marks failures the worker reported through the error endpoint.
	KindUnhandled ErrorKind = "Unhandled"
	// KindTimeout marks invocations that passed their deadline without a result.
	KindTimeout ErrorKind = "Sandbox.Timedout"
	// KindCrash marks invocations cut short by the worker process exiting.
	KindCrash ErrorKind = "Runtime.ExitError"
	// KindInitError marks worker startup failures reported through init/error.
	KindInitError ErrorKind = "Runtime.InitError"
	// KindInvalidErrorShape marks error reports whose payload could not be parsed.
	KindInvalidErrorShape ErrorKind = "InvalidErrorShape"
)

// invalidShapeMessage replaces the payload of an unparseable error report so
// a misbehaving worker cannot wedge the control plane with a parse failure.
const invalidShapeMessage = "invalid error payload reported by the runtime"

// timestampLayout matches the platform's invocation log timestamps.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// FunctionError is the normalized failure shape of an invocation: worker
// reported, timed out, or crashed, all three end up here and reach the
// trigger through Invocation.Complete.
type FunctionError struct {
	Message    string         `json:"errorMessage"`
	Type       string         `json:"errorType,omitempty"`
	StackTrace []string       `json:"stackTrace,omitempty"`
	Cause      *FunctionError `json:"cause,omitempty"`

	// Kind is decided where the error is created, never derived from the
	// payload afterwards.
	Kind ErrorKind `json:"-"`

	// raw preserves the worker's error payload so responses can mirror it
	// byte for byte. Nil for errors the emulator synthesizes.
	raw []byte
}

// Error implements the error interface.
func (e *FunctionError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s: %s", e.Type, e.Message)
	}
	return e.Message
}

// Payload returns the JSON body delivered to the invocation's caller.
// Worker-reported errors are mirrored verbatim; synthesized errors are
// marshaled from the struct.
func (e *FunctionError) Payload() []byte {
	if e.raw != nil {
		return e.raw
	}
	b, err := json.Marshal(e)
	if err != nil {
		return []byte(fmt.Sprintf(`{"errorMessage":%q}`, e.Message))
	}
	return b
}

// NewUnhandledError creates a FunctionError for a failure the worker
// reported with an already-structured message and type.
func NewUnhandledError(errType, message string) *FunctionError {
	return &FunctionError{
		Kind:    KindUnhandled,
		Type:    errType,
		Message: message,
	}
}

// NewTimeoutError creates the deterministic deadline error:
//
//	<timestamp> <request-id> Task timed out after <timeout>.00 seconds
func NewTimeoutError(now time.Time, requestID string, timeout time.Duration) *FunctionError {
	return &FunctionError{
		Kind: KindTimeout,
		Type: string(KindTimeout),
		Message: fmt.Sprintf("%s %s Task timed out after %.2f seconds",
			now.UTC().Format(timestampLayout), requestID, timeout.Seconds()),
	}
}

// NewCrashError creates the error injected when the worker process exits
// before answering. A nil cause means the process gave no reason at all.
func NewCrashError(requestID string, cause error) *FunctionError {
	msg := fmt.Sprintf("RequestId: %s Error: Runtime exited without providing a reason", requestID)
	if cause != nil {
		msg = fmt.Sprintf("RequestId: %s Error: Runtime exited with error: %v", requestID, cause)
	}
	return &FunctionError{
		Kind:    KindCrash,
		Type:    string(KindCrash),
		Message: msg,
	}
}

// NewInvalidShapeError creates the substitute error used when a worker's
// error report cannot be parsed.
func NewInvalidShapeError() *FunctionError {
	return &FunctionError{
		Kind:    KindInvalidErrorShape,
		Type:    string(KindInvalidErrorShape),
		Message: invalidShapeMessage,
	}
}

// ParseFunctionError decodes an error body posted by the worker. The type
// header fills in a missing errorType field. An unparseable body degrades to
// the invalid-shape substitute instead of failing the call.
func ParseFunctionError(body []byte, headerType string) *FunctionError {
	return parseErrorBody(body, headerType, KindUnhandled)
}

// ParseInitError decodes a startup-failure body posted by the worker, with
// the same degradation rules as ParseFunctionError.
func ParseInitError(body []byte, headerType string) *FunctionError {
	return parseErrorBody(body, headerType, KindInitError)
}

func parseErrorBody(body []byte, headerType string, kind ErrorKind) *FunctionError {
	var fe FunctionError
	if err := json.Unmarshal(body, &fe); err != nil {
		return NewInvalidShapeError()
	}
	fe.Kind = kind
	if fe.Type == "" {
		fe.Type = headerType
	}
	fe.raw = body
	return &fe
}

// --- Protocol errors ---

// Protocol error types returned to the worker on malformed or
// out-of-sequence control-plane calls.
const (
	ProtocolInvalidStateTransition = "InvalidStateTransition"
	ProtocolInvalidRequestID       = "InvalidRequestID"
	ProtocolBodyReadError          = "BodyReadError"
)

// Error types returned to invoke clients, matching the platform's names.
const (
	ProtocolInvalidRequestContent = "InvalidRequestContentException"
	ProtocolRequestTooLarge       = "RequestEntityTooLargeException"
	ProtocolServiceError          = "ServiceException"
)

// ProtocolError is an HTTP-level rejection of a control-plane call. It is
// reported to the worker and never completes the in-flight invocation.
type ProtocolError struct {
	Status  int    `json:"-"`
	Type    string `json:"errorType"`
	Message string `json:"errorMessage"`
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// NewInvalidStateError creates a ProtocolError for an endpoint called out of
// sequence.
func NewInvalidStateError(from, to State) *ProtocolError {
	return &ProtocolError{
		Status:  http.StatusForbidden,
		Type:    ProtocolInvalidStateTransition,
		Message: fmt.Sprintf("invalid state transition from %s to %s", from, to),
	}
}

// NewInvalidRequestIDError creates a ProtocolError for a call referencing a
// request ID other than the in-flight one.
func NewInvalidRequestIDError(got string) *ProtocolError {
	return &ProtocolError{
		Status:  http.StatusBadRequest,
		Type:    ProtocolInvalidRequestID,
		Message: fmt.Sprintf("invalid request ID %q", got),
	}
}

// NewBodyReadError creates a ProtocolError for a request body that could not
// be read.
func NewBodyReadError(err error) *ProtocolError {
	return &ProtocolError{
		Status:  http.StatusBadRequest,
		Type:    ProtocolBodyReadError,
		Message: fmt.Sprintf("reading request body: %v", err),
	}
}

// NewInvalidRequestContentError creates a ProtocolError for an invoke request
// the trigger surface cannot accept, such as an undecodable client context.
func NewInvalidRequestContentError(msg string) *ProtocolError {
	return &ProtocolError{
		Status:  http.StatusBadRequest,
		Type:    ProtocolInvalidRequestContent,
		Message: msg,
	}
}

// NewRequestTooLargeError creates a ProtocolError for an invoke payload
// exceeding the configured body limit.
func NewRequestTooLargeError(limit int64) *ProtocolError {
	return &ProtocolError{
		Status:  http.StatusRequestEntityTooLarge,
		Type:    ProtocolRequestTooLarge,
		Message: fmt.Sprintf("request payload exceeds the limit of %d bytes", limit),
	}
}

// NewServiceError creates a ProtocolError for an internal emulator failure.
func NewServiceError(msg string) *ProtocolError {
	return &ProtocolError{
		Status:  http.StatusInternalServerError,
		Type:    ProtocolServiceError,
		Message: msg,
	}
}
