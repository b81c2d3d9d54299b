// Package transport provides the HTTP serving layer shared by both of
// aufruf's surfaces: the runtime control plane the worker polls, and the
// invocation trigger clients post to.
//
// # Middleware
//
// Middleware operates on plain http.Handler values and composes with Chain.
// Built-in middleware provides panic recovery, request ID assignment
// (X-Request-ID), structured logging via log/slog, and Prometheus request
// metrics (pkg/observability).
//
// # Server
//
// Server wraps http.Server with option-based configuration and a managed
// lifecycle: Run serves until the context is cancelled, fires registered
// before-shutdown hooks (used to release the worker's long poll), and then
// drains in-flight requests within the shutdown timeout. RunOn serves on a
// caller-provided listener for tests.
//
// # Error responses
//
// Protocol rejections are written as the platform-shaped JSON body
// {"errorType": ..., "errorMessage": ...} with the status carried by the
// *api.ProtocolError value.
package transport
