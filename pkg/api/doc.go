// Package api defines the core invocation types for the aufruf emulator.
//
// This package provides the data model shared by the control-plane surface,
// the dispatcher, and the worker supervisor: the per-invocation record, the
// protocol state machine, the two error taxonomies, and ID/ARN generation.
//
// The package performs no network I/O. Its only side effect is writing the
// platform-format START/END/REPORT lines to an invocation's diagnostic
// stream, because those lines must be emitted exactly once and completion is
// the single place where exactly-once is enforced.
//
// Core types:
//   - [Invocation]: record of one invocation attempt, from trigger to result
//   - [FunctionError]: normalized failure shape with a fixed [ErrorKind] label
//   - [ProtocolError]: control-plane rejection that never fails an invocation
//   - [State]: position of the worker in the runtime protocol
//
// Two error taxonomies are deliberate: a ProtocolError is returned to the
// worker over HTTP and leaves the in-flight invocation untouched, while a
// FunctionError is delivered to whoever triggered the invocation and always
// travels through [Invocation.Complete].
package api
