package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fmonfasani/iopeer.com/pkg/governor"
)

const defaultDebounce = 100 * time.Millisecond

// PolicyTarget receives reloaded governor policies. *governor.Governor
// satisfies it.
type PolicyTarget interface {
	SetPolicy(p governor.Policy) error
}

// PolicyWatcher applies a governor policy file to a target and reapplies it
// whenever the file changes. Edits that fail to parse or validate are logged
// and the previous policy stays active.
type PolicyWatcher struct {
	path     string
	target   PolicyTarget
	logger   *slog.Logger
	debounce time.Duration
	watcher  *fsnotify.Watcher
	cancel   context.CancelFunc
	done     chan struct{}

	mu      sync.Mutex
	reloads int
	lastErr error
}

// WatchPolicy loads path into target, then watches it. The initial load must
// succeed.
func WatchPolicy(path string, target PolicyTarget, logger *slog.Logger) (*PolicyWatcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &PolicyWatcher{
		path:     absPath,
		target:   target,
		logger:   logger.With("component", "policy_watcher", "path", absPath),
		debounce: defaultDebounce,
		done:     make(chan struct{}),
	}
	if err := w.load(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Editors replace files by rename, so the directory is watched.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}
	w.watcher = watcher

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.watchLoop(ctx)
	return w, nil
}

// Reloads reports how many times the policy was applied, including the
// initial load, and the error of the latest failed attempt.
func (w *PolicyWatcher) Reloads() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads, w.lastErr
}

// Close stops watching.
func (w *PolicyWatcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *PolicyWatcher) watchLoop(ctx context.Context) {
	defer close(w.done)
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Chmod) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(w.debounce, func() {
					if ctx.Err() != nil {
						return
					}
					if err := w.load(); err != nil {
						w.logger.Error("governor policy reload failed", "error", err)
					}
				})
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("policy watcher error", "error", err)
		}
	}
}

func (w *PolicyWatcher) load() error {
	p, err := governor.LoadPolicy(w.path)
	if err == nil {
		err = w.target.SetPolicy(p)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.lastErr = err
		return err
	}
	w.reloads++
	w.lastErr = nil
	w.logger.Info("governor policy loaded", "version", p.Version)
	return nil
}
