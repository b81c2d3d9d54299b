package reload

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rhuss/aufruf/pkg/api"
	"github.com/rhuss/aufruf/pkg/observability"
	"github.com/rhuss/aufruf/pkg/runtimeapi"
)

// Reason names what triggered a worker restart. It doubles as the label
// value on the restart counter.
type Reason string

const (
	ReasonSignal     Reason = "signal"
	ReasonFileChange Reason = "file_change"
)

// Killer terminates the worker process. *supervisor.Supervisor implements it.
type Killer interface {
	Kill() error
}

// Controller replaces the worker on demand. It does not spawn the
// replacement itself; the next invocation does that through its normal
// ensure-running path.
type Controller struct {
	svc    *runtimeapi.Service
	worker Killer
	logger *slog.Logger
}

// NewController creates a restart controller bound to the protocol service
// and the worker it manages.
func NewController(svc *runtimeapi.Service, worker Killer, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{svc: svc, worker: worker, logger: logger}
}

// Restart kills the worker and resets the control plane. An invocation in
// flight when the restart lands is failed with a crash error naming the
// restart reason; its trigger sees the failure instead of hanging until
// its deadline. The error is built before Kill so the request ID of the
// doomed invocation is still observable.
func (c *Controller) Restart(reason Reason) {
	c.logger.Info("restarting worker", slog.String("reason", string(reason)))
	observability.WorkerRestartsTotal.WithLabelValues(string(reason)).Inc()

	var requestID string
	if inv := c.svc.InFlight(); inv != nil {
		requestID = inv.RequestID
	}
	crash := api.NewCrashError(requestID, fmt.Errorf("restart requested (%s)", reason))

	if err := c.worker.Kill(); err != nil {
		c.logger.Warn("killing worker for restart", slog.Any("error", err))
	}
	c.svc.Reset(crash)
}

// Run consumes restart events until ctx is cancelled or the event channel
// closes.
func (c *Controller) Run(ctx context.Context, events <-chan Reason) {
	for {
		select {
		case <-ctx.Done():
			return
		case reason, ok := <-events:
			if !ok {
				return
			}
			c.Restart(reason)
		}
	}
}
