// Package dispatch is the invocation entry point of the emulator. It
// accepts a trigger, makes sure the worker process is up, hands the
// invocation to the control plane, and blocks until a result, crash, or
// deadline releases it.
//
// Whole invocations are serialized: a second trigger waits until the first
// has completed, preserving the at-most-one in-flight guarantee the worker
// protocol depends on. The package hosts both trigger surfaces, the
// cloud-compatible invoke HTTP endpoint and the one-shot runner.
package dispatch
