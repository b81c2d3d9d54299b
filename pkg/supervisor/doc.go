// Package supervisor owns the lifecycle of the single worker process: where
// its entry point lives, the environment it starts with, when it is spawned,
// and what happens when it dies.
//
// EnsureRunning is the only spawn path and is mutex-guarded, so concurrent
// invocation attempts cannot race two workers into existence. A per-process
// exit watcher distinguishes deliberate kills from crashes and reports the
// latter through the OnExit callback without holding any lock the HTTP
// handlers depend on.
package supervisor
