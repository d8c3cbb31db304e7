// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mbeema/hydrahook/pkg/backend"
	"github.com/mbeema/hydrahook/pkg/hook"
	"github.com/mbeema/hydrahook/pkg/hostinfo"
)

// eligible returns the families enabled in the settings.
func (e *Engine) eligible() backend.Kind {
	b := e.settings.Backends
	var k backend.Kind
	if b.Direct3D9 {
		k |= backend.D3D9
	}
	if b.Direct3D10 {
		k |= backend.D3D10
	}
	if b.Direct3D11 {
		k |= backend.D3D11
	}
	if b.Direct3D12 {
		k |= backend.D3D12
	}
	if b.CoreAudio {
		k |= backend.CoreAudio
	}
	return k
}

// run is the worker. It detects the host's backends and installs hooks;
// on failure the engine stays Created with nothing patched.
func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	if !e.state.CompareAndSwap(int32(Created), int32(Probing)) {
		return
	}

	if info, err := hostinfo.Describe(int32(os.Getpid())); err == nil {
		e.logger.Info("host process", info.Fields()...)
	} else {
		e.logger.Debug("describe host process", zap.Error(err))
	}

	eligible := e.eligible()
	p := backend.NewProber(backend.ProbeConfig{
		Eligible:     eligible,
		Backends:     e.backends,
		NewWindow:    e.newWindow,
		MaxAttempts:  e.settings.Probe.MaxAttempts,
		InitialDelay: e.settings.Probe.InitialDelay,
		MaxDelay:     e.settings.Probe.MaxDelay,
		Logger:       e.logger,
		OnAttempt:    func(int) { e.stats.ProbeAttempts.Add(1) },
	})

	e.logger.Info("backend detection started", zap.Stringer("eligible", eligible))
	kind, err := p.Run(ctx, e.install)
	switch {
	case err == nil:
		e.logger.Info("backend detection finished", zap.Stringer("backend", kind))
	case errors.Is(err, context.Canceled):
		e.logger.Debug("backend detection cancelled", zap.Stringer("backend", kind))
	default:
		e.logger.Warn("no backend detected, engine stays unhooked", zap.Error(err))
	}

	e.state.CompareAndSwap(int32(Probing), int32(Created))
}

// install binds every table of a detection. Either all tables are bound or
// none are. Handlers start dispatching after the Hooked event returns.
func (e *Engine) install(d *backend.Detection) error {
	var bound []*hook.Interceptor
	for _, t := range d.Targets {
		name := fmt.Sprintf("%s/%s", d.Kind, t.Def.Interface)
		slots := e.slots(t.Def)
		ic, err := hook.Bind(t.Table, slots, hook.Options{
			Name:    name,
			Native:  e.native,
			Logger:  e.logger,
			Gate:    e.dispatching,
			OnPanic: e.panicked(t.Def),
		})
		if err != nil {
			var errs error = err
			for _, b := range bound {
				errs = multierr.Append(errs, b.Unbind(context.Background()))
			}
			return errs
		}
		bound = append(bound, ic)
		if t.Def.Interface == backend.ID3D12CommandQueue {
			e.queueTable.Store(t.Table.Addr())
		}
		e.logger.Info("dispatch table hooked",
			zap.String("interface", string(t.Def.Interface)),
			zap.Uintptr("table", t.Table.Addr()),
			zap.Int("slots", len(slots)),
		)
	}

	e.mu.Lock()
	e.interceptors = append(e.interceptors, bound...)
	e.mu.Unlock()
	e.stats.TablesBound.Add(int64(len(bound)))

	for {
		old := e.kind.Load()
		if e.kind.CompareAndSwap(old, old|uint32(d.Kind)) {
			break
		}
	}
	e.state.CompareAndSwap(int32(Probing), int32(Bound))

	if fn := e.events.Hooked; fn != nil {
		e.fireHooked(fn, d.Kind)
	}
	for _, ic := range bound {
		ic.Activate()
	}
	return nil
}

// fireHooked runs the Hooked event pinned to one OS thread, so Destroy can
// tell when it is called from inside the event.
func (e *Engine) fireHooked(fn func(*Engine, backend.Kind), kind backend.Kind) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if tid, ok := hook.CurrentThread(); ok {
		e.eventThread.Store(tid)
		defer e.eventThread.Store(0)
	}
	e.fire("hooked", func(e *Engine) { fn(e, kind) })
}

func (e *Engine) onEventThread() bool {
	tid, ok := hook.CurrentThread()
	return ok && tid != 0 && e.eventThread.Load() == tid
}

// dispatching is the gate consulted by every trampoline.
func (e *Engine) dispatching() bool {
	return e.watcher == nil || e.watcher.Active()
}

func (e *Engine) panicked(def backend.TableDef) func(int, any) {
	return func(index int, v any) {
		for _, sd := range def.Slots {
			if sd.Index == index {
				e.stats.Op(sd.Op).Panics.Add(1)
				return
			}
		}
	}
}
