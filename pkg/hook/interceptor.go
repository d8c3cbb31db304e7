// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mbeema/hydrahook/pkg/trampoline"
	"github.com/mbeema/hydrahook/pkg/vtable"
)

var (
	ErrAlreadyBound       = errors.New("hook: dispatch table already bound")
	ErrNotBound           = errors.New("hook: interceptor not bound")
	ErrUnbindFromCallback = errors.New("hook: unbind called from inside an intercepted call")
	ErrSlotOverwritten    = errors.New("hook: slot overwritten by a third party")
	ErrNoSlots            = errors.New("hook: no slots to bind")
)

// Interceptor states. Armed slots are patched but pass straight through, so
// a host call that races the hooked notification runs the original only.
const (
	stateArmed int32 = iota
	stateActive
	stateClosing
	stateClosed
)

// quiescePoll is how often Unbind re-checks the in-flight count.
const quiescePoll = time.Millisecond

// Handler runs around one intercepted call. It decides when to run the
// original entry through c.Original and returns the value handed back to
// the host. A nil Handler is a pure pass-through.
type Handler func(c *Call) uintptr

// Slot is one dispatch table entry to redirect.
type Slot struct {
	Index   int
	Sig     trampoline.Signature
	Handler Handler
	// Always slots run their Handler whenever the interceptor is active,
	// ignoring Gate and nesting. For bookkeeping handlers that call no user
	// code.
	Always bool
}

// Options configure Bind.
type Options struct {
	// Name identifies the interceptor in logs.
	Name   string
	Native trampoline.Native
	Logger *zap.Logger
	// Gate, if set, is consulted on every call; false makes the call a
	// pass-through without running its Handler.
	Gate func() bool
	// OnPanic is called after a Handler panic has been recovered.
	OnPanic func(slot int, v any)
}

type patched struct {
	index      int
	sig        trampoline.Signature
	handler    Handler
	always     bool
	original   uintptr
	trampoline uintptr
}

// Interceptor redirects slots of one dispatch table through trampolines and
// can restore them. The table is shared by every instance of its interface,
// so all objects of that interface, including ones created later, are
// intercepted.
type Interceptor struct {
	name    string
	table   vtable.Table
	native  trampoline.Native
	logger  *zap.Logger
	gate    func() bool
	onPanic func(int, any)

	slots []patched

	state    atomic.Int32
	inflight atomic.Int64
	depth    sync.Map // thread id -> *atomic.Int32
}

// One interceptor per dispatch table identity.
var (
	boundMu sync.Mutex
	bound   = make(map[uintptr]*Interceptor)
)

// IsBound reports whether an interceptor currently owns the table at addr.
func IsBound(addr uintptr) bool {
	boundMu.Lock()
	defer boundMu.Unlock()
	_, ok := bound[addr]
	return ok
}

// Bind patches every slot of table. Either all slots are redirected or, on
// failure, none are. The interceptor starts armed; call Activate to begin
// running handlers.
func Bind(table vtable.Table, slots []Slot, opts Options) (*Interceptor, error) {
	if table.IsZero() {
		return nil, vtable.ErrNilTable
	}
	if len(slots) == 0 {
		return nil, ErrNoSlots
	}
	if opts.Native == nil {
		return nil, fmt.Errorf("bind %s: %w", opts.Name, trampoline.ErrUnsupported)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	boundMu.Lock()
	if _, ok := bound[table.Addr()]; ok {
		boundMu.Unlock()
		return nil, fmt.Errorf("%w: %s at %#x", ErrAlreadyBound, opts.Name, table.Addr())
	}
	ic := &Interceptor{
		name:    opts.Name,
		table:   table,
		native:  opts.Native,
		logger:  logger.With(zap.String("interceptor", opts.Name)),
		gate:    opts.Gate,
		onPanic: opts.OnPanic,
		slots:   make([]patched, len(slots)),
	}
	bound[table.Addr()] = ic
	boundMu.Unlock()

	if err := ic.patch(slots); err != nil {
		boundMu.Lock()
		delete(bound, table.Addr())
		boundMu.Unlock()
		return nil, err
	}

	ic.logger.Debug("dispatch table bound",
		zap.Uintptr("table", table.Addr()),
		zap.Int("slots", len(slots)),
	)
	return ic, nil
}

func (ic *Interceptor) patch(slots []Slot) error {
	seen := make(map[int]bool, len(slots))
	for k, s := range slots {
		if seen[s.Index] {
			return fmt.Errorf("bind %s: duplicate slot %d", ic.name, s.Index)
		}
		seen[s.Index] = true

		orig, err := ic.table.Slot(s.Index)
		if err != nil {
			return fmt.Errorf("bind %s: %w", ic.name, err)
		}
		if orig == 0 {
			return fmt.Errorf("bind %s: slot %d is empty", ic.name, s.Index)
		}
		ic.slots[k] = patched{index: s.Index, sig: s.Sig, handler: s.Handler, always: s.Always, original: orig}
	}

	// Trampolines first, so a failure here leaves the table untouched.
	for k := range ic.slots {
		tr, err := ic.native.NewTrampoline(ic.slots[k].sig, ic.entry(k))
		if err != nil {
			return fmt.Errorf("bind %s: trampoline for slot %d: %w", ic.name, ic.slots[k].index, err)
		}
		ic.slots[k].trampoline = tr
	}

	for k := range ic.slots {
		s := &ic.slots[k]
		ok, err := ic.table.CompareAndSwap(s.index, s.original, s.trampoline)
		if err == nil && !ok {
			err = fmt.Errorf("slot %d changed while binding", s.index)
		}
		if err != nil {
			ic.rollback(k)
			return fmt.Errorf("bind %s: %w", ic.name, err)
		}
	}
	return nil
}

// rollback restores the first n patched slots.
func (ic *Interceptor) rollback(n int) {
	for k := 0; k < n; k++ {
		s := &ic.slots[k]
		if _, err := ic.table.CompareAndSwap(s.index, s.trampoline, s.original); err != nil {
			ic.logger.Error("rollback failed", zap.Int("slot", s.index), zap.Error(err))
		}
	}
}

// Activate starts running handlers. It is a no-op unless the interceptor
// is armed.
func (ic *Interceptor) Activate() bool {
	return ic.state.CompareAndSwap(stateArmed, stateActive)
}

// Active reports whether handlers are running.
func (ic *Interceptor) Active() bool {
	return ic.state.Load() == stateActive
}

// Name returns the interceptor name.
func (ic *Interceptor) Name() string { return ic.name }

// Table returns the bound dispatch table.
func (ic *Interceptor) Table() vtable.Table { return ic.table }

// InFlight returns the number of calls currently inside a trampoline.
func (ic *Interceptor) InFlight() int64 { return ic.inflight.Load() }

// Original returns the saved entry for slot index.
func (ic *Interceptor) Original(index int) (uintptr, bool) {
	for _, s := range ic.slots {
		if s.index == index {
			return s.original, true
		}
	}
	return 0, false
}

// Trampoline returns the installed trampoline for slot index.
func (ic *Interceptor) Trampoline(index int) (uintptr, bool) {
	for _, s := range ic.slots {
		if s.index == index {
			return s.trampoline, true
		}
	}
	return 0, false
}

func (ic *Interceptor) entry(k int) trampoline.Handler {
	return func(args []uintptr) uintptr {
		ic.inflight.Add(1)
		defer ic.inflight.Add(-1)

		s := &ic.slots[k]
		c := &Call{Args: args, slot: s, native: ic.native}

		if s.handler == nil || ic.state.Load() != stateActive {
			return c.Original()
		}
		if s.always {
			return ic.run(s, c)
		}
		if ic.gate != nil && !ic.gate() {
			return c.Original()
		}

		leave, nested := ic.enter()
		defer leave()
		if nested {
			c.Nested = true
			return c.Original()
		}
		return ic.run(s, c)
	}
}

func (ic *Interceptor) run(s *patched, c *Call) (ret uintptr) {
	defer func() {
		if v := recover(); v != nil {
			ic.logger.Error("handler panic recovered",
				zap.Int("slot", s.index),
				zap.Any("panic", v),
			)
			if ic.onPanic != nil {
				ic.onPanic(s.index, v)
			}
			ret = c.Original()
		}
	}()
	return s.handler(c)
}

// CurrentThread returns the id of the calling OS thread. ok is false where
// thread ids are unavailable.
func CurrentThread() (id uint64, ok bool) {
	return currentThread()
}

// enter records that the current OS thread is inside a handler. nested is
// true if it already was.
func (ic *Interceptor) enter() (leave func(), nested bool) {
	tid, ok := currentThread()
	if !ok {
		return func() {}, false
	}
	v, ok := ic.depth.Load(tid)
	if !ok {
		v, _ = ic.depth.LoadOrStore(tid, new(atomic.Int32))
	}
	d := v.(*atomic.Int32)
	return func() { d.Add(-1) }, d.Add(1) > 1
}

func (ic *Interceptor) insideHandler() bool {
	tid, ok := currentThread()
	if !ok {
		return false
	}
	v, ok := ic.depth.Load(tid)
	return ok && v.(*atomic.Int32).Load() > 0
}

// Unbind stops handlers, waits for in-flight calls to leave, and restores
// every patched slot. A slot that no longer holds our trampoline is left
// alone and reported with ErrSlotOverwritten. Trampolines stay allocated.
// If ctx ends before in-flight calls drain, the slots stay patched as pure
// pass-throughs and ctx's error is returned.
func (ic *Interceptor) Unbind(ctx context.Context) error {
	if ic.insideHandler() {
		return ErrUnbindFromCallback
	}
	if !ic.state.CompareAndSwap(stateActive, stateClosing) &&
		!ic.state.CompareAndSwap(stateArmed, stateClosing) {
		return ErrNotBound
	}

	if err := ic.quiesce(ctx); err != nil {
		return fmt.Errorf("unbind %s: %w", ic.name, err)
	}

	var errs error
	for k := range ic.slots {
		s := &ic.slots[k]
		ok, err := ic.table.CompareAndSwap(s.index, s.trampoline, s.original)
		switch {
		case err != nil:
			errs = multierr.Append(errs, fmt.Errorf("restore slot %d: %w", s.index, err))
		case !ok:
			ic.logger.Warn("slot overwritten, leaving it in place", zap.Int("slot", s.index))
			errs = multierr.Append(errs, fmt.Errorf("%w: slot %d", ErrSlotOverwritten, s.index))
		}
	}

	// Calls that loaded the trampoline before the restore may still be
	// running through it.
	if err := ic.quiesce(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}

	ic.state.Store(stateClosed)
	boundMu.Lock()
	if bound[ic.table.Addr()] == ic {
		delete(bound, ic.table.Addr())
	}
	boundMu.Unlock()

	ic.logger.Debug("dispatch table restored", zap.Uintptr("table", ic.table.Addr()))
	return errs
}

func (ic *Interceptor) quiesce(ctx context.Context) error {
	if ic.inflight.Load() == 0 {
		return nil
	}
	t := time.NewTicker(quiescePoll)
	defer t.Stop()
	for ic.inflight.Load() != 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// Call is one intercepted invocation.
type Call struct {
	// Args are the native arguments, receiver first. A handler may change
	// them before calling Original.
	Args []uintptr
	// Nested is set when the call re-entered the interceptor from inside a
	// handler on the same thread.
	Nested bool

	slot   *patched
	native trampoline.Native
	called bool
	result uintptr
}

// Slot returns the dispatch table index being called.
func (c *Call) Slot() int { return c.slot.index }

// Original runs the saved entry with the current Args. It runs at most once
// per call; later calls return the first result.
func (c *Call) Original() uintptr {
	if c.called {
		return c.result
	}
	c.called = true
	c.result = c.native.Call(c.slot.original, c.slot.sig, c.Args)
	return c.result
}

// Called reports whether Original has run.
func (c *Call) Called() bool { return c.called }

// Result returns the value of Original, or zero if it has not run.
func (c *Call) Result() uintptr { return c.result }
