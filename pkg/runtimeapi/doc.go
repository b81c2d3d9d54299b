// Package runtimeapi implements the control-plane HTTP surface the worker
// process calls into: a pull-based work queue for exactly one worker,
// speaking the versioned runtime protocol.
//
// The Service is the single owner of all protocol state: the state machine
// value, the invocation currently in flight, and the handoff channel that
// connects the dispatcher to the worker's long poll. All mutation goes
// through its methods under one mutex; the HTTP handlers and the lifecycle
// controller never touch the state directly.
//
// # Protocol
//
// The worker fetches work with GET invocation/next, which blocks until the
// dispatcher submits an invocation. The response carries the request ID,
// millisecond deadline, function ARN, trace ID, and optional client-context,
// identity, and log-type headers, with the raw payload as the body. The
// worker then posts to invocation/{id}/response or invocation/{id}/error,
// keyed by the request ID it was handed. Startup failures are reported to
// init/error before any fetch.
//
// Every mutating endpoint validates the attempted state transition against
// the platform's contract before executing: a worker must fetch an
// invocation before answering it, may not answer the same fetch twice, and
// a startup failure is terminal until the worker is restarted. Rejections
// are protocol errors returned to the worker; they never complete the
// in-flight invocation.
package runtimeapi
