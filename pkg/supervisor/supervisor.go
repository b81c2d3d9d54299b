package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rhuss/aufruf/pkg/debug"
	"github.com/rhuss/aufruf/pkg/observability"
	"github.com/rhuss/aufruf/pkg/runtimeapi"
)

// ErrNoBootstrap is returned when none of the candidate paths holds an
// executable worker entry point. The sandbox must provide one; the emulator
// cannot recover from this on its own.
var ErrNoBootstrap = errors.New("no valid bootstrap found")

// bootstrapName is the entry-point file name searched for in the task and
// layers roots.
const bootstrapName = "bootstrap"

// Config carries the settings for one supervised worker.
type Config struct {
	// TaskRoot and LayersRoot are searched, in that order, for the
	// bootstrap executable. TaskRoot is also the worker's working
	// directory.
	TaskRoot   string
	LayersRoot string

	// RuntimeAddr is the control-plane address advertised to the worker
	// and polled for readiness before each spawn.
	RuntimeAddr string

	// Env entries are set on the worker, overriding inherited values.
	// Defaults entries are set only when the variable is absent from both
	// the inherited environment and Env.
	Env      map[string]string
	Defaults map[string]string

	// StartupWait bounds the readiness poll against the control plane.
	StartupWait time.Duration

	// Stdout and Stderr receive the worker's output. Defaults to the
	// emulator's own streams.
	Stdout io.Writer
	Stderr io.Writer

	Logger *slog.Logger
}

// Supervisor spawns and watches the single worker process of the sandbox.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client
	tap    *LogTap

	mu          sync.Mutex
	cmd         *exec.Cmd
	running     bool
	intentional bool
	onExit      func(exitErr error, intentional bool)
}

// New creates a Supervisor. No process is spawned until EnsureRunning.
func New(cfg Config) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StartupWait == 0 {
		cfg.StartupWait = 10 * time.Second
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	return &Supervisor{
		cfg:    cfg,
		logger: cfg.Logger,
		client: &http.Client{Timeout: time.Second},
		tap:    &LogTap{},
	}
}

// Tap returns the switchable tail capture sitting on the worker's output
// streams.
func (s *Supervisor) Tap() *LogTap { return s.tap }

// OnExit registers the callback invoked by the exit watcher, outside any
// supervisor lock. Must be set before the first EnsureRunning.
func (s *Supervisor) OnExit(fn func(exitErr error, intentional bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExit = fn
}

// Running reports whether a worker process is alive.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Pid returns the worker's process ID, or 0 when none is running.
func (s *Supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// EnsureRunning spawns the worker if none is running. Callers may race; the
// lock guarantees at most one spawn. The control plane is polled for
// readiness first so the worker finds a listening address the moment it
// starts.
func (s *Supervisor) EnsureRunning(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	bin, err := s.resolveBootstrap()
	if err != nil {
		return err
	}

	if err := s.waitForControlPlane(ctx); err != nil {
		return err
	}

	cmd := exec.Command(bin)
	cmd.Dir = s.cfg.TaskRoot
	cmd.Env = s.buildEnv()
	cmd.Stdout = io.MultiWriter(s.cfg.Stdout, s.tap)
	cmd.Stderr = io.MultiWriter(s.cfg.Stderr, s.tap)
	// Own process group, so Kill can reap the worker's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting worker %s: %w", bin, err)
	}

	s.logger.Info("worker started",
		slog.String("bootstrap", bin),
		slog.Int("pid", cmd.Process.Pid))

	s.cmd = cmd
	s.running = true
	s.intentional = false
	observability.WorkerRunning.Set(1)

	go s.watch(cmd)
	return nil
}

// Kill terminates the worker and its whole process group, marking the exit
// as intentional so the watcher does not report it as a crash. A no-op when
// no worker is running.
func (s *Supervisor) Kill() error {
	s.mu.Lock()
	cmd := s.cmd
	running := s.running
	s.intentional = true
	s.mu.Unlock()

	if !running || cmd == nil || cmd.Process == nil {
		return nil
	}

	pid := cmd.Process.Pid
	debug.Log("supervisor", "killing worker", "pid", pid)
	// Negative pid addresses the process group created at spawn.
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}

// watch blocks on the worker's exit, one goroutine per process lifetime.
// The callback runs after all supervisor state is updated and released.
func (s *Supervisor) watch(cmd *exec.Cmd) {
	err := cmd.Wait()

	s.mu.Lock()
	intentional := s.intentional
	s.running = false
	if s.cmd == cmd {
		s.cmd = nil
	}
	onExit := s.onExit
	s.mu.Unlock()

	observability.WorkerRunning.Set(0)

	if intentional {
		s.logger.Info("worker exited after kill", slog.Int("pid", cmd.Process.Pid))
	} else {
		observability.WorkerRestartsTotal.WithLabelValues("crash").Inc()
		s.logger.Warn("worker exited unexpectedly",
			slog.Int("pid", cmd.Process.Pid),
			slog.Any("error", err))
	}

	if onExit != nil {
		onExit(err, intentional)
	}
}

// resolveBootstrap returns the first executable candidate path.
func (s *Supervisor) resolveBootstrap() (string, error) {
	candidates := []string{
		filepath.Join(s.cfg.TaskRoot, bootstrapName),
		filepath.Join(s.cfg.LayersRoot, bootstrapName),
	}
	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		if info.Mode()&0o111 == 0 {
			debug.Log("supervisor", "bootstrap candidate not executable", "path", path)
			continue
		}
		return path, nil
	}
	return "", fmt.Errorf("%w, tried %s", ErrNoBootstrap, strings.Join(candidates, ", "))
}

// waitForControlPlane polls the ping endpoint until it answers, the wait
// budget runs out, or ctx is cancelled.
func (s *Supervisor) waitForControlPlane(ctx context.Context) error {
	url := "http://" + s.cfg.RuntimeAddr + "/" + runtimeapi.APIVersion + "/ping"
	if s.ping(ctx, url) {
		return nil
	}

	deadline := time.After(s.cfg.StartupWait)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for control plane: %w", ctx.Err())
		case <-deadline:
			return fmt.Errorf("control plane at %s not ready after %s", s.cfg.RuntimeAddr, s.cfg.StartupWait)
		case <-ticker.C:
			if s.ping(ctx, url) {
				return nil
			}
		}
	}
}

func (s *Supervisor) ping(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		debug.Log("supervisor", "control plane ping failed", "error", err)
		return false
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// buildEnv derives the worker environment: inherited, then Env overrides,
// then Defaults for variables nothing else provides. Later entries win for
// duplicate keys.
func (s *Supervisor) buildEnv() []string {
	env := os.Environ()
	seen := make(map[string]bool, len(env)+len(s.cfg.Env))
	for _, kv := range env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			seen[kv[:i]] = true
		}
	}
	for k, v := range s.cfg.Env {
		env = append(env, k+"="+v)
		seen[k] = true
	}
	for k, v := range s.cfg.Defaults {
		if !seen[k] {
			env = append(env, k+"="+v)
		}
	}
	return env
}
