package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/rhuss/aufruf/pkg/api"
	"github.com/rhuss/aufruf/pkg/config"
	"github.com/rhuss/aufruf/pkg/debug"
	"github.com/rhuss/aufruf/pkg/observability"
	"github.com/rhuss/aufruf/pkg/runtimeapi"
	"github.com/rhuss/aufruf/pkg/supervisor"
	"github.com/rhuss/aufruf/pkg/tailbuf"
)

// Worker is the supervisor surface the dispatcher drives. Implemented by
// supervisor.Supervisor; tests substitute in-process fakes.
type Worker interface {
	EnsureRunning(ctx context.Context) error
	Tap() *supervisor.LogTap
	WatchMemory(inv *api.Invocation, stop <-chan struct{})
}

// Request describes one invocation to carry out.
type Request struct {
	Payload []byte
	Type    api.InvocationType
	LogType api.LogType

	// ClientContext, when set, overrides the configured default. It is the
	// decoded JSON blob, already validated by the trigger surface.
	ClientContext string
}

// Dispatcher carries invocations from a trigger to the worker and back.
type Dispatcher struct {
	svc      *runtimeapi.Service
	worker   Worker
	settings api.Settings
	logger   *slog.Logger

	// invokeMu serializes whole invocations, from worker startup to result
	// consumption. The handoff alone would only serialize delivery.
	invokeMu sync.Mutex
}

// New creates a Dispatcher. The settings provide the per-function defaults
// every invocation record is created with.
func New(svc *runtimeapi.Service, worker Worker, settings api.Settings, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		svc:      svc,
		worker:   worker,
		settings: settings,
		logger:   logger,
	}
}

// SettingsFrom maps the configured function profile onto the invocation
// defaults used for every request.
func SettingsFrom(fc config.FunctionConfig, diagnostics io.Writer) api.Settings {
	return api.Settings{
		FunctionName:    fc.Name,
		Version:         fc.Version,
		MemorySize:      fc.MemorySize,
		Timeout:         fc.TimeoutDuration(),
		Region:          fc.Region,
		AccountID:       fc.AccountID,
		TraceID:         fc.TraceID,
		ClientContext:   fc.ClientContext,
		CognitoIdentity: fc.CognitoIdentity,
		Diagnostics:     diagnostics,
	}
}

// Invoke carries one invocation through the full cycle: worker startup,
// handoff, worker processing, completion. The returned record holds the
// outcome; a successful call with a non-nil inv.Err means the function
// itself failed. A non-nil error means the invocation could not be carried
// out at all: the worker would not start, or ctx ended first.
//
// Dry runs return immediately without touching the worker.
//
// Timeouts are cooperative. When the deadline passes without a result the
// invocation completes with the deterministic timeout error; the worker is
// not interrupted, and a late result is absorbed by idempotent completion.
func (d *Dispatcher) Invoke(ctx context.Context, req Request) (*api.Invocation, error) {
	inv := d.newInvocation(req)

	if inv.Type == api.InvokeDryRun {
		d.finish(inv, "success")
		return inv, nil
	}

	d.invokeMu.Lock()
	defer d.invokeMu.Unlock()

	if err := d.worker.EnsureRunning(ctx); err != nil {
		return nil, fmt.Errorf("ensuring worker: %w", err)
	}

	stopMem := make(chan struct{})
	go d.worker.WatchMemory(inv, stopMem)
	defer close(stopMem)

	if inv.LogType == api.LogTypeTail {
		tail := tailbuf.New(api.MaxLogTailBytes)
		d.worker.Tap().Arm(tail)
		defer func() {
			d.worker.Tap().Disarm()
			// A log tail the worker reported itself wins over the capture.
			if inv.LogTail() == nil {
				inv.RecordLogTail(tail.Bytes())
			}
		}()
	}

	debug.Log("dispatch", "invoking",
		"request_id", inv.RequestID, "type", string(inv.Type), "deadline", inv.Deadline())
	if debug.Enabled("dispatch") {
		debug.Log("dispatch", "payload head",
			"request_id", inv.RequestID, "head", debug.Truncate(string(inv.Payload), 80))
	}

	if err := d.submit(ctx, inv); err != nil {
		switch {
		case inv.Completed():
			// A startup failure or worker exit completed it while it was
			// still waiting for a fetch.
		case inv.HasExpired(time.Now()) && ctx.Err() == nil:
			// Deadline passed before the worker ever fetched it.
			inv.Complete(nil)
		default:
			d.finish(inv, "cancelled")
			return nil, err
		}
	} else if !inv.Completed() {
		if err := d.await(ctx, inv); err != nil {
			d.finish(inv, "cancelled")
			return nil, err
		}
	}

	if ferr := inv.Err(); ferr != nil {
		d.logger.Warn("invocation failed",
			slog.String("request_id", inv.RequestID),
			slog.String("error_type", ferr.Type),
			slog.String("error", ferr.Message))
	}
	d.finish(inv, statusLabel(inv))
	return inv, nil
}

// newInvocation builds the record for one request from the configured
// defaults.
func (d *Dispatcher) newInvocation(req Request) *api.Invocation {
	settings := d.settings
	if req.ClientContext != "" {
		settings.ClientContext = req.ClientContext
	}
	return api.NewInvocation(req.Payload, req.Type, req.LogType, settings)
}

// submit hands inv to the protocol surface. The wait is bounded by the
// invocation deadline, and a completion arriving while still queued
// releases it early.
func (d *Dispatcher) submit(ctx context.Context, inv *api.Invocation) error {
	submitCtx, cancel := context.WithDeadline(ctx, inv.Deadline())
	defer cancel()

	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		select {
		case <-inv.Done():
			cancel()
		case <-submitCtx.Done():
		}
	}()

	err := d.svc.Submit(submitCtx, inv)
	cancel()
	<-watchDone
	return err
}

// await blocks until the invocation completes, its deadline passes, or the
// caller abandons it.
func (d *Dispatcher) await(ctx context.Context, inv *api.Invocation) error {
	timer := time.NewTimer(time.Until(inv.Deadline()))
	defer timer.Stop()

	select {
	case <-inv.Done():
		return nil
	case <-timer.C:
		inv.Complete(nil)
		return nil
	case <-ctx.Done():
		// Caller gone. The worker keeps the invocation; its eventual
		// result is absorbed and discarded.
		debug.Log("dispatch", "caller abandoned invocation", "request_id", inv.RequestID)
		return ctx.Err()
	}
}

// finish records the invocation metrics once the outcome is known.
func (d *Dispatcher) finish(inv *api.Invocation, status string) {
	kind := kindLabel(inv.Type)
	observability.InvocationsTotal.WithLabelValues(kind, status).Inc()
	observability.InvocationDuration.WithLabelValues(kind).Observe(inv.Elapsed(time.Now()).Seconds())
	debug.Log("dispatch", "invocation finished",
		"request_id", inv.RequestID, "status", status)
}

func kindLabel(t api.InvocationType) string {
	switch t {
	case api.InvokeEvent:
		return "event"
	case api.InvokeDryRun:
		return "dry_run"
	default:
		return "request_response"
	}
}

func statusLabel(inv *api.Invocation) string {
	ferr := inv.Err()
	switch {
	case ferr == nil:
		return "success"
	case ferr.Kind == api.KindTimeout:
		return "timeout"
	case ferr.Kind == api.KindCrash:
		return "crash"
	default:
		return "error"
	}
}
