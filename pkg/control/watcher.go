// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package control

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const debounce = 50 * time.Millisecond

// Watcher follows a control file and exposes its state for lock-free reads
// from trampolines.
type Watcher struct {
	path     string
	onChange func(active bool)
	logger   *zap.Logger

	active  atomic.Bool
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	stop    sync.Once
	done    chan struct{}
}

// NewWatcher creates a watcher for the control file at path. onChange may
// be nil.
func NewWatcher(path string, onChange func(active bool), logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Watcher{
		path:     filepath.Clean(path),
		onChange: onChange,
		logger:   logger,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	w.active.Store(true)
	return w
}

// Start reads the current state and begins watching the file's directory.
// The initial state is not reported to onChange.
func (w *Watcher) Start(ctx context.Context) error {
	active, err := ReadState(w.path)
	if err != nil {
		w.logger.Warn("read control file", zap.String("path", w.path), zap.Error(err))
	} else {
		w.active.Store(active)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return err
	}
	w.watcher = fsw

	go w.loop(ctx)
	w.logger.Info("control watcher started",
		zap.String("path", w.path),
		zap.Bool("active", w.Active()),
	)
	return nil
}

// Stop shuts down the watcher and waits for its goroutine.
func (w *Watcher) Stop() {
	w.stop.Do(func() {
		close(w.stopCh)
		if w.watcher != nil {
			w.watcher.Close()
			<-w.done
		}
	})
}

// Active reports the last observed state. It is true until the file says
// otherwise.
func (w *Watcher) Active() bool {
	return w.active.Load()
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	var debounceTimer *time.Timer

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounce, w.refresh)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("control watcher error", zap.Error(err))

		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case <-w.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		}
	}
}

func (w *Watcher) refresh() {
	active, err := ReadState(w.path)
	if err != nil {
		w.logger.Warn("read control file", zap.String("path", w.path), zap.Error(err))
		return
	}
	if w.active.Swap(active) == active {
		return
	}
	w.logger.Info("control state changed", zap.Bool("active", active))
	if w.onChange != nil {
		w.onChange(active)
	}
}
