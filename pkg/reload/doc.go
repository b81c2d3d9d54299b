// Package reload restarts the worker without restarting the emulator. A
// restart kills the current worker process, fails whatever invocation it
// was holding, and resets the control plane so the next invocation spawns
// a fresh worker against clean protocol state.
//
// Restarts are triggered by SIGHUP or, when watching is enabled, by
// debounced change events on the function code directories.
package reload
