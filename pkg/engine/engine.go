// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package engine ties detection, interception and callback dispatch into
// the lifecycle of one engine per host module.
//
// Create returns at once; a worker goroutine detects the host's backend,
// patches its dispatch tables and fires the Hooked event. Destroy stops the
// worker, waits for calls in flight, restores every patched slot and
// releases the engine.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mbeema/hydrahook/pkg/backend"
	"github.com/mbeema/hydrahook/pkg/config"
	"github.com/mbeema/hydrahook/pkg/control"
	"github.com/mbeema/hydrahook/pkg/health"
	"github.com/mbeema/hydrahook/pkg/hook"
	"github.com/mbeema/hydrahook/pkg/logging"
	"github.com/mbeema/hydrahook/pkg/trampoline"
	"github.com/mbeema/hydrahook/pkg/vtable"
)

// Module identifies the host module an engine belongs to. On Windows it is
// the module's HMODULE.
type Module uintptr

// State is the lifecycle state of an engine.
type State int32

const (
	Uninitialized State = iota
	Created
	Probing
	Bound
	Unbinding
	Destroyed
	FailedCreate
)

var stateNames = [...]string{
	Uninitialized: "uninitialized",
	Created:       "created",
	Probing:       "probing",
	Bound:         "bound",
	Unbinding:     "unbinding",
	Destroyed:     "destroyed",
	FailedCreate:  "failed-create",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Events are the lifecycle notifications of an engine. Nil entries are not
// invoked.
type Events struct {
	// Hooked runs on the worker after the tables of a detected family are
	// patched and before their callbacks start dispatching. It runs once
	// for the graphics family and once for audio.
	Hooked func(e *Engine, kind backend.Kind)
	// PreUnhook and PostUnhook bracket the restore of patched slots during
	// Destroy of a bound engine.
	PreUnhook  func(e *Engine)
	PostUnhook func(e *Engine)
	// PreExit is the first thing Destroy does.
	PreExit func(e *Engine)
}

// Pinner keeps the host module loaded while its engine exists.
type Pinner interface {
	Pin(host Module) (release func() error, err error)
}

// Config is copied at Create and never read again.
type Config struct {
	// Settings is the file-level configuration. Nil means
	// config.DefaultConfig().
	Settings *config.Config
	Events   Events

	// Collaborators. Nil picks the platform default.
	Backends  []backend.Backend
	NewWindow backend.WindowFactory
	Native    trampoline.Native
	Pinner    Pinner
	// Logger replaces the logger built from Settings.Logging.
	Logger *zap.Logger
}

// Engine is the interception engine of one host module.
type Engine struct {
	host     Module
	settings config.Config
	events   Events
	logger   *zap.Logger
	closeLog func() error
	unpin    func() error

	backends  []backend.Backend
	newWindow backend.WindowFactory
	native    trampoline.Native
	watcher   *control.Watcher

	state  atomic.Int32
	kind   atomic.Uint32
	closed atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}

	// eventThread is the OS thread running the Hooked event, 0 otherwise.
	eventThread atomic.Uint64

	mu           sync.Mutex
	interceptors []*hook.Interceptor

	callbacks registry
	context   contextStore
	stats     *health.Stats

	objects    hook.Objects
	swapChains hook.Tracker
	devices    hook.Tracker
	clients    hook.Tracker

	// Direct3D 12 queue capture.
	queues      hook.Dependents // swap chain -> queue
	queueObjs   hook.Tracker
	queueTypes  sync.Map // queue -> DIRECT
	queueTable  atomic.Uintptr
	directQueue atomic.Uintptr
	descMu      sync.Mutex
	desc        vtable.Table
}

var (
	enginesMu sync.Mutex
	engines   = make(map[Module]*Engine)

	// objectOwners maps native objects seen by a trampoline to their engine.
	objectOwners sync.Map
)

// Create creates the engine for host and starts detection in the
// background. It does not wait for detection.
func Create(host Module, cfg Config) (*Engine, error) {
	if host == 0 {
		return nil, ErrInvalidModuleHandle
	}

	enginesMu.Lock()
	defer enginesMu.Unlock()

	if _, ok := engines[host]; ok {
		return nil, ErrEngineAlreadyAllocated
	}

	e, err := newEngine(host, cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	if err := e.startControl(ctx); err != nil {
		cancel()
		e.state.Store(int32(FailedCreate))
		e.logger.Error("engine creation failed", zap.Stringer("state", e.State()), zap.Error(err))
		e.release()
		return nil, fail(ErrCreateEventFailed, err)
	}

	engines[host] = e
	setDefaultLogger(e)
	e.state.Store(int32(Created))

	e.logger.Info("engine created")

	go e.run(ctx)
	return e, nil
}

// newEngine builds an engine without registering or starting it.
func newEngine(host Module, cfg Config) (*Engine, error) {
	settings := config.DefaultConfig()
	if cfg.Settings != nil {
		c := *cfg.Settings
		settings = &c
	}
	if err := settings.Validate(); err != nil {
		return nil, fail(ErrEngineAllocationFailed, err)
	}

	e := &Engine{
		host:      host,
		settings:  *settings,
		events:    cfg.Events,
		backends:  cfg.Backends,
		newWindow: cfg.NewWindow,
		native:    cfg.Native,
		done:      make(chan struct{}),
		stats:     health.NewStats(),
	}
	e.context.maxSize = settings.Context.MaxSize

	var logErr error
	if cfg.Logger != nil {
		e.logger = cfg.Logger
		e.closeLog = func() error { return nil }
	} else {
		// Logging is best effort; on error New falls back to stderr.
		e.logger, e.closeLog, logErr = logging.New(settings.Logging, settings.LogLevel)
	}
	e.logger = e.logger.With(zap.Uintptr("module", uintptr(host)))
	if logErr != nil {
		e.logger.Warn("log destination unavailable",
			zap.String("path", settings.Logging.FilePath),
			zap.Error(logErr),
		)
	}

	if e.native == nil {
		native, ok := defaultNative()
		if !ok {
			e.closeLog()
			return nil, fail(ErrCreateThreadFailed, trampoline.ErrUnsupported)
		}
		e.native = native
	}
	if e.newWindow == nil {
		e.newWindow = backend.NewWindowFactory(settings.Probe.WindowClass)
	}

	pinner := cfg.Pinner
	if pinner == nil {
		pinner = defaultPinner{}
	}
	unpin, err := pinner.Pin(host)
	if err != nil {
		e.closeLog()
		return nil, fail(ErrReferenceIncrementFailed, err)
	}
	e.unpin = unpin
	return e, nil
}

func (e *Engine) startControl(ctx context.Context) error {
	path := e.settings.Control.Path
	if path == "" {
		return nil
	}
	e.watcher = control.NewWatcher(logging.ExpandPath(path), func(active bool) {
		e.logger.Info("dispatch toggled", zap.Bool("active", active))
	}, e.logger)
	return e.watcher.Start(ctx)
}

// release undoes newEngine.
func (e *Engine) release() {
	if e.unpin != nil {
		if err := e.unpin(); err != nil {
			e.logger.Warn("release module pin", zap.Error(err))
		}
	}
	e.closeLog()
}

// Lookup returns the engine registered for host.
func Lookup(host Module) (*Engine, bool) {
	enginesMu.Lock()
	defer enginesMu.Unlock()
	e, ok := engines[host]
	return e, ok
}

// FromObject returns the engine whose trampolines have seen the native
// object obj, e.g. a device or swap chain passed to a callback.
func FromObject(obj uintptr) (*Engine, bool) {
	v, ok := objectOwners.Load(obj)
	if !ok {
		return nil, false
	}
	return v.(*Engine), true
}

// Destroy tears down the engine of host: PreExit, stop the worker, and if
// hooks are installed PreUnhook, restore, PostUnhook. It blocks until no
// call is executing inside a trampoline. The engine and its context block
// are released.
func Destroy(host Module) error {
	enginesMu.Lock()
	e, ok := engines[host]
	enginesMu.Unlock()
	if !ok {
		return ErrInvalidEngineHandle
	}
	if e.onEventThread() {
		return fail(ErrInvalidEngineHandle, ErrDestroyFromEvent)
	}
	if !e.closed.CompareAndSwap(false, true) {
		return ErrInvalidEngineHandle
	}

	e.fire("pre-exit", e.events.PreExit)

	e.cancel()
	<-e.done

	if e.State() == Bound {
		e.state.Store(int32(Unbinding))
		e.fire("pre-unhook", e.events.PreUnhook)
		if err := e.unbindAll(); err != nil {
			e.logger.Error("restore dispatch tables", zap.Error(err))
		}
		e.fire("post-unhook", e.events.PostUnhook)
	}

	if e.watcher != nil {
		e.watcher.Stop()
	}
	e.context.free()
	objectOwners.Range(func(obj, owner any) bool {
		if owner == e {
			objectOwners.Delete(obj)
		}
		return true
	})
	e.state.Store(int32(Destroyed))

	enginesMu.Lock()
	delete(engines, host)
	enginesMu.Unlock()

	e.logger.Info("engine destroyed")
	clearDefaultLogger(e)
	e.release()
	return nil
}

func (e *Engine) unbindAll() error {
	e.mu.Lock()
	ics := e.interceptors
	e.interceptors = nil
	e.mu.Unlock()

	var errs error
	for _, ic := range ics {
		if err := ic.Unbind(context.Background()); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", ic.Name(), err))
		}
		e.stats.TablesBound.Add(-1)
	}
	return errs
}

// fire runs a lifecycle event, recovering a panic.
func (e *Engine) fire(name string, fn func(*Engine)) {
	if fn == nil {
		return
	}
	defer func() {
		if v := recover(); v != nil {
			e.logger.Error("event panic recovered", zap.String("event", name), zap.Any("panic", v))
		}
	}()
	fn(e)
}

// Host returns the module the engine belongs to.
func (e *Engine) Host() Module { return e.host }

// State returns the lifecycle state.
func (e *Engine) State() State { return State(e.state.Load()) }

// Kind returns the detected families, zero until detection succeeds.
func (e *Engine) Kind() backend.Kind { return backend.Kind(e.kind.Load()) }

// Logger returns the engine logger.
func (e *Engine) Logger() *zap.Logger { return e.logger }

// Settings returns the configuration snapshot taken at Create.
func (e *Engine) Settings() config.Config { return e.settings }

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() health.Snapshot { return e.stats.Snapshot() }

// Metrics returns the engine counters in Prometheus text format.
func (e *Engine) Metrics() string { return e.stats.PrometheusMetrics() }

// Done is closed when the worker has finished detection, successfully or
// not.
func (e *Engine) Done() <-chan struct{} { return e.done }

// D3D12CommandQueue returns the direct command queue swapChain presents on,
// learned when the swap chain was created or, for swap chains created
// before the engine, from the host's submissions. ok is false until either
// has been seen and after the swap chain or queue is released.
func (e *Engine) D3D12CommandQueue(swapChain uintptr) (queue uintptr, ok bool) {
	return e.queues.Lookup(swapChain)
}
