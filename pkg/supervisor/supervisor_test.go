package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rhuss/aufruf/pkg/tailbuf"
)

// pingServer serves the readiness endpoint EnsureRunning polls.
func pingServer(t *testing.T) string {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /2018-06-01/ping", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "pong")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func writeBootstrap(t *testing.T, dir, script string) string {
	t.Helper()
	path := filepath.Join(dir, "bootstrap")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("writing bootstrap: %v", err)
	}
	return path
}

func testConfig(t *testing.T, taskRoot string) Config {
	t.Helper()
	return Config{
		TaskRoot:    taskRoot,
		LayersRoot:  t.TempDir(),
		RuntimeAddr: pingServer(t),
		StartupWait: 2 * time.Second,
		Stdout:      io.Discard,
		Stderr:      io.Discard,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

type exitEvent struct {
	err         error
	intentional bool
}

func TestResolveBootstrapPrefersTaskRoot(t *testing.T) {
	taskRoot := t.TempDir()
	layersRoot := t.TempDir()
	taskBin := writeBootstrap(t, taskRoot, "exit 0\n")
	writeBootstrap(t, layersRoot, "exit 0\n")

	s := New(Config{TaskRoot: taskRoot, LayersRoot: layersRoot})
	got, err := s.resolveBootstrap()
	if err != nil {
		t.Fatalf("resolveBootstrap: %v", err)
	}
	if got != taskBin {
		t.Errorf("bootstrap = %s, want %s", got, taskBin)
	}
}

func TestResolveBootstrapFallsBackToLayers(t *testing.T) {
	taskRoot := t.TempDir()
	layersRoot := t.TempDir()
	layersBin := writeBootstrap(t, layersRoot, "exit 0\n")

	s := New(Config{TaskRoot: taskRoot, LayersRoot: layersRoot})
	got, err := s.resolveBootstrap()
	if err != nil {
		t.Fatalf("resolveBootstrap: %v", err)
	}
	if got != layersBin {
		t.Errorf("bootstrap = %s, want %s", got, layersBin)
	}
}

func TestResolveBootstrapSkipsNonExecutable(t *testing.T) {
	taskRoot := t.TempDir()
	layersRoot := t.TempDir()
	if err := os.WriteFile(filepath.Join(taskRoot, "bootstrap"), []byte("#!/bin/sh\n"), 0o644); err != nil {
		t.Fatalf("writing file: %v", err)
	}
	layersBin := writeBootstrap(t, layersRoot, "exit 0\n")

	s := New(Config{TaskRoot: taskRoot, LayersRoot: layersRoot})
	got, err := s.resolveBootstrap()
	if err != nil {
		t.Fatalf("resolveBootstrap: %v", err)
	}
	if got != layersBin {
		t.Errorf("bootstrap = %s, want %s", got, layersBin)
	}
}

func TestResolveBootstrapMissing(t *testing.T) {
	s := New(Config{TaskRoot: t.TempDir(), LayersRoot: t.TempDir()})
	_, err := s.resolveBootstrap()
	if !errors.Is(err, ErrNoBootstrap) {
		t.Fatalf("err = %v, want ErrNoBootstrap", err)
	}
}

func TestEnsureRunningSpawnsOnce(t *testing.T) {
	taskRoot := t.TempDir()
	marker := filepath.Join(taskRoot, "spawned")
	writeBootstrap(t, taskRoot, "echo run >> "+marker+"\nsleep 30\n")

	s := New(testConfig(t, taskRoot))
	defer s.Kill()

	ctx := context.Background()
	if err := s.EnsureRunning(ctx); err != nil {
		t.Fatalf("first EnsureRunning: %v", err)
	}
	if err := s.EnsureRunning(ctx); err != nil {
		t.Fatalf("second EnsureRunning: %v", err)
	}
	if !s.Running() {
		t.Fatal("worker not running")
	}
	if s.Pid() == 0 {
		t.Error("Pid() = 0 for a running worker")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		data, _ := os.ReadFile(marker)
		if len(data) > 0 {
			if got := strings.Count(string(data), "run"); got != 1 {
				t.Fatalf("spawn count = %d, want 1", got)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("bootstrap never ran")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestEnsureRunningNoBootstrap(t *testing.T) {
	s := New(testConfig(t, t.TempDir()))
	err := s.EnsureRunning(context.Background())
	if !errors.Is(err, ErrNoBootstrap) {
		t.Fatalf("err = %v, want ErrNoBootstrap", err)
	}
}

func TestEnsureRunningControlPlaneDown(t *testing.T) {
	taskRoot := t.TempDir()
	writeBootstrap(t, taskRoot, "exit 0\n")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	s := New(Config{
		TaskRoot:    taskRoot,
		LayersRoot:  t.TempDir(),
		RuntimeAddr: addr,
		StartupWait: 300 * time.Millisecond,
		Stdout:      io.Discard,
		Stderr:      io.Discard,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	err = s.EnsureRunning(context.Background())
	if err == nil {
		t.Fatal("EnsureRunning succeeded with no control plane")
	}
	if !strings.Contains(err.Error(), "not ready") {
		t.Errorf("err = %v, want a not-ready error", err)
	}
	if s.Running() {
		t.Error("worker spawned despite unready control plane")
	}
}

func TestExitWatcherReportsCrash(t *testing.T) {
	taskRoot := t.TempDir()
	writeBootstrap(t, taskRoot, "exit 3\n")

	s := New(testConfig(t, taskRoot))
	exited := make(chan exitEvent, 1)
	s.OnExit(func(err error, intentional bool) { exited <- exitEvent{err, intentional} })

	if err := s.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}

	select {
	case ev := <-exited:
		if ev.intentional {
			t.Error("crash reported as intentional")
		}
		var exitErr *exec.ExitError
		if !errors.As(ev.err, &exitErr) {
			t.Fatalf("err = %v, want an ExitError", ev.err)
		}
		if exitErr.ExitCode() != 3 {
			t.Errorf("exit code = %d, want 3", exitErr.ExitCode())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("exit watcher did not fire")
	}

	if s.Running() {
		t.Error("running flag still set after exit")
	}
	if s.Pid() != 0 {
		t.Error("Pid() nonzero after exit")
	}
}

func TestKillMarksIntentional(t *testing.T) {
	taskRoot := t.TempDir()
	writeBootstrap(t, taskRoot, "sleep 30\n")

	s := New(testConfig(t, taskRoot))
	exited := make(chan exitEvent, 1)
	s.OnExit(func(err error, intentional bool) { exited <- exitEvent{err, intentional} })

	if err := s.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	if err := s.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	select {
	case ev := <-exited:
		if !ev.intentional {
			t.Error("kill reported as a crash")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("exit watcher did not fire after Kill")
	}
}

func TestKillWithoutWorker(t *testing.T) {
	s := New(testConfig(t, t.TempDir()))
	if err := s.Kill(); err != nil {
		t.Fatalf("Kill with no worker: %v", err)
	}
}

func TestBuildEnv(t *testing.T) {
	t.Setenv("AUFRUF_TEST_INHERITED", "host")
	t.Setenv("AUFRUF_TEST_PRESET", "host-value")

	s := New(Config{
		Env: map[string]string{"AWS_LAMBDA_RUNTIME_API": "127.0.0.1:9001"},
		Defaults: map[string]string{
			"AUFRUF_TEST_PRESET":  "default-value",
			"AUFRUF_TEST_MISSING": "filled",
		},
	})
	env := s.buildEnv()

	if got := lastValue(env, "AUFRUF_TEST_INHERITED"); got != "host" {
		t.Errorf("inherited = %q, want %q", got, "host")
	}
	if got := lastValue(env, "AWS_LAMBDA_RUNTIME_API"); got != "127.0.0.1:9001" {
		t.Errorf("override = %q, want %q", got, "127.0.0.1:9001")
	}
	if got := lastValue(env, "AUFRUF_TEST_PRESET"); got != "host-value" {
		t.Errorf("preset = %q, default clobbered an inherited value", got)
	}
	if got := lastValue(env, "AUFRUF_TEST_MISSING"); got != "filled" {
		t.Errorf("missing = %q, want %q", got, "filled")
	}
}

// lastValue returns the last value of key in env, matching the precedence
// the child process sees.
func lastValue(env []string, key string) string {
	val := ""
	for _, kv := range env {
		if strings.HasPrefix(kv, key+"=") {
			val = strings.TrimPrefix(kv, key+"=")
		}
	}
	return val
}

func TestLogTap(t *testing.T) {
	tap := &LogTap{}
	tap.Write([]byte("before arm"))

	buf := tailbuf.New(64)
	tap.Arm(buf)
	tap.Write([]byte("captured"))

	if got := tap.Disarm(); got != buf {
		t.Fatal("Disarm returned a different buffer")
	}
	tap.Write([]byte("after disarm"))

	if got := string(buf.Bytes()); got != "captured" {
		t.Errorf("captured = %q, want %q", got, "captured")
	}
}

func TestWorkerOutputReachesTap(t *testing.T) {
	taskRoot := t.TempDir()
	writeBootstrap(t, taskRoot, "echo hello-tail\nsleep 30\n")

	s := New(testConfig(t, taskRoot))
	defer s.Kill()

	buf := tailbuf.New(256)
	s.Tap().Arm(buf)

	if err := s.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if strings.Contains(string(buf.Bytes()), "hello-tail") {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("worker output never reached the tap")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestResidentSetSelf(t *testing.T) {
	if rss := residentSet(os.Getpid()); rss == 0 {
		t.Fatal("resident set of the test process reported as 0")
	}
}
