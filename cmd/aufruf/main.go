// Command aufruf runs a cloud function locally, the way the managed
// platform would: it spawns the function's bootstrap as a worker process,
// serves the runtime API the worker polls for work, and returns the
// worker's result to the caller.
//
// One-shot mode (the default) invokes the function once with the payload
// given as an argument, @file, or stdin, prints the result, and exits.
// With -stay-open the invoke API stays up and serves invocations over
// HTTP until interrupted.
//
// Configuration is layered: built-in defaults, then a YAML file
// (-config, AUFRUF_CONFIG, ./aufruf.yaml, /etc/aufruf/config.yaml), then
// environment variables (AWS_LAMBDA_*, AUFRUF_*), then explicit flags.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/rhuss/aufruf/pkg/api"
	"github.com/rhuss/aufruf/pkg/config"
	"github.com/rhuss/aufruf/pkg/creds"
	"github.com/rhuss/aufruf/pkg/debug"
	"github.com/rhuss/aufruf/pkg/dispatch"
	"github.com/rhuss/aufruf/pkg/observability"
	"github.com/rhuss/aufruf/pkg/reload"
	"github.com/rhuss/aufruf/pkg/runtimeapi"
	"github.com/rhuss/aufruf/pkg/supervisor"
	"github.com/rhuss/aufruf/pkg/transport"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("aufruf", flag.ContinueOnError)
	var (
		configPath  = fs.String("config", "", "path to a YAML config file")
		stayOpen    = fs.Bool("stay-open", false, "serve invocations over HTTP instead of exiting after one")
		watch       = fs.Bool("watch", false, "restart the worker when files under the watch paths change")
		invokeAddr  = fs.String("addr", "", "invoke API listen address (stay-open mode)")
		runtimeAddr = fs.String("runtime-addr", "", "runtime API listen address the worker connects to")
		tail        = fs.Bool("tail", false, "capture the log tail of the one-shot invocation")
	)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: aufruf [flags] [payload | @file | -]\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return dispatch.ExitError
	}

	// Environment-driven logging takes effect before the config file is
	// read so that config loading itself can be debugged. Re-applied once
	// file values are known.
	debug.Init("", "")

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("configuration failed", slog.Any("error", err))
		return dispatch.ExitError
	}
	// Flags the user set explicitly win over file and environment values.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "stay-open":
			cfg.Invoke.StayOpen = *stayOpen
		case "watch":
			cfg.Watch.Enabled = *watch
		case "addr":
			cfg.Invoke.Addr = *invokeAddr
		case "runtime-addr":
			cfg.Runtime.Addr = *runtimeAddr
		}
	})

	debug.Init(cfg.Observability.Debug, cfg.Observability.LogLevel)
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := runtimeapi.NewService(logger)

	hostCreds := creds.Resolve(ctx, cfg.Credentials.Passthrough, cfg.Credentials.Timeout)
	envDefaults := map[string]string{
		"AWS_REGION":         cfg.Function.Region,
		"AWS_DEFAULT_REGION": cfg.Function.Region,
	}
	hostCreds.Fill(envDefaults)

	sup := supervisor.New(supervisor.Config{
		TaskRoot:    cfg.Function.TaskRoot,
		LayersRoot:  cfg.Function.LayersRoot,
		RuntimeAddr: cfg.Runtime.Addr,
		Env:         workerEnv(cfg),
		Defaults:    envDefaults,
		Logger:      logger,
	})
	// A worker that dies on its own takes its invocation with it. Name
	// that invocation in the crash error so the caller sees which request
	// was lost, then reset the protocol for the replacement worker.
	sup.OnExit(func(exitErr error, intentional bool) {
		if intentional {
			return
		}
		var requestID string
		if inv := svc.InFlight(); inv != nil {
			requestID = inv.RequestID
		}
		svc.Reset(api.NewCrashError(requestID, exitErr))
	})

	d := dispatch.New(svc, sup, dispatch.SettingsFrom(cfg.Function, os.Stderr), logger)

	events, err := reload.Events(ctx, cfg.Watch, logger)
	if err != nil {
		logger.Error("starting watch failed", slog.Any("error", err))
		return dispatch.ExitError
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	runtimeSrv := transport.NewServer(
		transport.Chain(observability.MetricsMiddleware, transport.Recovery(logger))(svc.Handler()),
		transport.WithName("runtime"),
		transport.WithAddr(cfg.Runtime.Addr),
		transport.WithShutdownTimeout(cfg.Invoke.ShutdownTimeout),
		transport.WithLogger(logger),
		transport.WithBeforeShutdown(func(context.Context) { svc.Close() }),
	)

	logger.Info("aufruf starting",
		slog.String("function", cfg.Function.Name),
		slog.String("version", cfg.Function.Version),
		slog.String("runtime_addr", cfg.Runtime.Addr),
		slog.Bool("stay_open", cfg.Invoke.StayOpen))

	if cfg.Invoke.StayOpen {
		return runStayOpen(runCtx, cancelRun, cfg, d, svc, sup, events, runtimeSrv, logger)
	}
	return runOneShot(runCtx, cancelRun, d, sup, events, runtimeSrv, fs.Arg(0), *tail, stdout, logger)
}

// runStayOpen serves the invoke API next to the runtime API until the
// context is cancelled. Restart events replace the worker in place.
func runStayOpen(ctx context.Context, cancel context.CancelFunc, cfg *config.Config,
	d *dispatch.Dispatcher, svc *runtimeapi.Service, sup *supervisor.Supervisor,
	events <-chan reload.Reason, runtimeSrv *transport.Server, logger *slog.Logger) int {

	go reload.NewController(svc, sup, logger).Run(ctx, events)

	invokeSrv := transport.NewServer(
		transport.Chain(
			transport.RequestID(),
			transport.Logging(logger),
			observability.MetricsMiddleware,
			transport.Recovery(logger),
		)(d.Handler(dispatch.HandlerConfig{
			MaxBodySize: cfg.Invoke.MaxBodySize,
			Metrics:     cfg.Observability.Metrics.Enabled,
			MetricsPath: cfg.Observability.Metrics.Path,
		})),
		transport.WithName("invoke"),
		transport.WithAddr(cfg.Invoke.Addr),
		transport.WithShutdownTimeout(cfg.Invoke.ShutdownTimeout),
		transport.WithLogger(logger),
	)

	errCh := make(chan error, 2)
	go func() { errCh <- runtimeSrv.Run(ctx) }()
	go func() { errCh <- invokeSrv.Run(ctx) }()

	code := dispatch.ExitOK
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			logger.Error("server failed", slog.Any("error", err))
			cancel()
			code = dispatch.ExitError
		}
	}
	if err := sup.Kill(); err != nil {
		logger.Warn("stopping worker", slog.Any("error", err))
	}
	return code
}

// runOneShot performs a single invocation and exits. A restart event
// arriving mid-run aborts with ExitRestart so an outer loop can rerun the
// emulator against the changed code.
func runOneShot(ctx context.Context, cancel context.CancelFunc,
	d *dispatch.Dispatcher, sup *supervisor.Supervisor, events <-chan reload.Reason,
	runtimeSrv *transport.Server, payloadArg string, tail bool,
	stdout io.Writer, logger *slog.Logger) int {

	payload, err := dispatch.ReadPayload(payloadArg, os.Stdin)
	if err != nil {
		logger.Error("reading payload", slog.Any("error", err))
		return dispatch.ExitError
	}
	logType := api.LogTypeNone
	if tail {
		logType = api.LogTypeTail
	}

	srvErr := make(chan error, 1)
	go func() { srvErr <- runtimeSrv.Run(ctx) }()

	resultCh := make(chan int, 1)
	go func() { resultCh <- d.RunOnce(ctx, payload, logType, stdout) }()

	var code int
	select {
	case code = <-resultCh:
		cancel()
		<-srvErr
	case reason := <-events:
		logger.Info("restart requested, exiting", slog.String("reason", string(reason)))
		code = dispatch.ExitRestart
	case err := <-srvErr:
		logger.Error("runtime API server failed", slog.Any("error", err))
		code = dispatch.ExitError
	}
	if err := sup.Kill(); err != nil {
		logger.Warn("stopping worker", slog.Any("error", err))
	}
	return code
}

// workerEnv reproduces the platform environment a managed worker starts
// with. These always override inherited values; credentials and region
// are layered separately so host values can pass through.
func workerEnv(cfg *config.Config) map[string]string {
	stream := fmt.Sprintf("%s/[%s]%s",
		time.Now().UTC().Format("2006/01/02"),
		cfg.Function.Version,
		strings.ReplaceAll(uuid.NewString(), "-", ""))
	return map[string]string{
		"AWS_LAMBDA_RUNTIME_API":          cfg.Runtime.Addr,
		"AWS_LAMBDA_FUNCTION_NAME":        cfg.Function.Name,
		"AWS_LAMBDA_FUNCTION_VERSION":     cfg.Function.Version,
		"AWS_LAMBDA_FUNCTION_MEMORY_SIZE": strconv.Itoa(cfg.Function.MemorySize),
		"AWS_LAMBDA_FUNCTION_TIMEOUT":     strconv.Itoa(cfg.Function.Timeout),
		"_HANDLER":                        cfg.Function.Handler,
		"LAMBDA_TASK_ROOT":                cfg.Function.TaskRoot,
		"AWS_LAMBDA_LOG_GROUP_NAME":       "/aws/lambda/" + cfg.Function.Name,
		"AWS_LAMBDA_LOG_STREAM_NAME":      stream,
	}
}
