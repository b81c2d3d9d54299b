package reload

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/rhuss/aufruf/pkg/config"
	"github.com/rhuss/aufruf/pkg/debug"
)

const defaultDebounce = 300 * time.Millisecond

// Events merges the restart triggers into a single channel: SIGHUP from
// the operator and, when watching is enabled, debounced change events on
// the configured paths. The channel stays open until ctx is cancelled.
func Events(ctx context.Context, cfg config.WatchConfig, logger *slog.Logger) (<-chan Reason, error) {
	if logger == nil {
		logger = slog.Default()
	}
	out := make(chan Reason, 1)

	watchSignals(ctx, out)

	if cfg.Enabled && len(cfg.Paths) > 0 {
		if err := watchFiles(ctx, cfg, out, logger); err != nil {
			return nil, err
		}
		logger.Info("watching for file changes",
			slog.Any("paths", cfg.Paths),
			slog.Duration("debounce", debounceFor(cfg)))
	}
	return out, nil
}

// watchSignals forwards SIGHUP as a restart reason. The handler is
// installed before this returns, so a signal raised immediately after
// Events is never fatal to the process.
func watchSignals(ctx context.Context, out chan<- Reason) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP)
	go func() {
		defer signal.Stop(sigs)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigs:
				debug.Log("reload", "received SIGHUP")
				select {
				case out <- ReasonSignal:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
}

// watchFiles emits a restart reason after a burst of filesystem changes
// has gone quiet for the debounce interval. Directories created under a
// watched tree are picked up as they appear.
func watchFiles(ctx context.Context, cfg config.WatchConfig, out chan<- Reason, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	for _, root := range cfg.Paths {
		if err := addTree(watcher, root); err != nil {
			watcher.Close()
			return err
		}
	}
	debounce := debounceFor(cfg)

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		var timerC <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !relevant(ev.Op) {
					continue
				}
				if ev.Op.Has(fsnotify.Create) {
					if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
						if addErr := addTree(watcher, ev.Name); addErr != nil {
							logger.Warn("watching new directory",
								slog.String("path", ev.Name), slog.Any("error", addErr))
						}
					}
				}
				debug.Log("reload", "file event", "op", ev.Op.String(), "path", ev.Name)
				if timer == nil {
					timer = time.NewTimer(debounce)
					timerC = timer.C
					continue
				}
				if !timer.Stop() {
					select {
					case <-timerC:
					default:
					}
				}
				timer.Reset(debounce)
			case <-timerC:
				timer = nil
				timerC = nil
				select {
				case out <- ReasonFileChange:
				case <-ctx.Done():
					return
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("file watcher error", slog.Any("error", werr))
			}
		}
	}()
	return nil
}

// relevant reports whether an event kind should count toward a restart.
// Chmod is excluded; editors and build tools touch permissions constantly.
func relevant(op fsnotify.Op) bool {
	return op.Has(fsnotify.Create) || op.Has(fsnotify.Write) ||
		op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename)
}

// addTree registers root and every directory below it with the watcher.
func addTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("walking %s: %w", path, err)
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}

func debounceFor(cfg config.WatchConfig) time.Duration {
	if cfg.Debounce > 0 {
		return cfg.Debounce
	}
	return defaultDebounce
}
