// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package engine

import (
	"go.uber.org/zap"

	"github.com/mbeema/hydrahook/pkg/backend"
	"github.com/mbeema/hydrahook/pkg/hook"
	"github.com/mbeema/hydrahook/pkg/vtable"
)

// slots builds the hook slots of one detected table.
func (e *Engine) slots(def backend.TableDef) []hook.Slot {
	out := make([]hook.Slot, 0, len(def.Slots))
	for _, sd := range def.Slots {
		var h hook.Handler
		switch {
		case sd.Op == backend.OpRelease:
			h = e.releaseHandler(def)
		case def.Interface == backend.ID3D12CommandQueue:
			h = e.queueHandler(sd.Op)
		case def.Interface == backend.IDXGIFactory || def.Interface == backend.IDXGIFactory2:
			h = e.factoryHandler(sd.Op)
		case def.Family == backend.D3D9:
			h = e.d3d9Handler(sd.Op)
		case def.Family == backend.CoreAudio:
			h = e.audioHandler(sd.Op)
		default:
			h = e.swapChainHandler(def.Family, sd.Op)
		}
		out = append(out, hook.Slot{Index: sd.Index, Sig: sd.Sig, Handler: h, Always: sd.Internal})
	}
	return out
}

// tracker returns the live-object set for the objects behind def.
func (e *Engine) tracker(def backend.TableDef) *hook.Tracker {
	switch {
	case def.Interface == backend.ID3D12CommandQueue:
		return &e.queueObjs
	case def.Family == backend.D3D9:
		return &e.devices
	case def.Family == backend.CoreAudio:
		return &e.clients
	default:
		return &e.swapChains
	}
}

// dispatch runs pre, the original entry and post around one call. Both
// callbacks share one Extension.
func (e *Engine) dispatch(c *hook.Call, op backend.Operation, pre, post func(*Extension)) uintptr {
	counters := e.stats.Op(op)
	counters.Calls.Add(1)
	if pre == nil && post == nil {
		counters.PassThrough.Add(1)
		return c.Original()
	}

	obj := c.Args[0]
	ext := &Extension{Engine: e, Context: e.context.get(), Object: e.objects.Get(obj)}
	if pre != nil {
		counters.Pre.Add(1)
		pre(ext)
	}
	ret := c.Original()
	if post != nil {
		ext.Result = int32(uint32(ret))
		counters.Post.Add(1)
		post(ext)
	}
	return ret
}

// observe records obj as seen by this engine.
func (e *Engine) observe(t *hook.Tracker, obj uintptr) {
	if t.Observe(obj) {
		objectOwners.LoadOrStore(obj, e)
	}
}

// retire forgets everything known about obj once the host has released its
// last reference. The address may be reused by a new object.
func (e *Engine) retire(t *hook.Tracker, obj uintptr, iface backend.Interface) {
	if !t.Forget(obj) {
		return
	}
	e.stats.ChurnEvents.Add(1)
	e.objects.Drop(obj)
	objectOwners.CompareAndDelete(obj, e)

	switch iface {
	case backend.IDXGISwapChain:
		e.queues.Forget(obj)
	case backend.ID3D12CommandQueue:
		e.queues.ForgetDependent(obj)
		e.directQueue.CompareAndSwap(obj, 0)
		e.queueTypes.Delete(obj)
	}
	e.logger.Debug("native object released",
		zap.String("interface", string(iface)),
		zap.Uintptr("object", obj),
	)
}

// releaseHandler watches IUnknown::Release for the final reference.
func (e *Engine) releaseHandler(def backend.TableDef) hook.Handler {
	t := e.tracker(def)
	return func(c *hook.Call) uintptr {
		obj := c.Args[0]
		ret := e.dispatch(c, backend.OpRelease, nil, nil)
		if u32(ret) == 0 {
			e.retire(t, obj, def.Interface)
		}
		return ret
	}
}

func u32(v uintptr) uint32 { return uint32(v) }

func (e *Engine) d3d9Handler(op backend.Operation) hook.Handler {
	return func(c *hook.Call) uintptr {
		a := c.Args
		e.observe(&e.devices, a[0])
		cb := e.callbacks.d3d9.Load()
		if cb == nil {
			return e.dispatch(c, op, nil, nil)
		}

		var pre, post func(*Extension)
		switch op {
		case backend.OpPresent:
			if f := cb.PrePresent; f != nil {
				pre = func(x *Extension) { f(a[0], a[1], a[2], a[3], a[4], x) }
			}
			if f := cb.PostPresent; f != nil {
				post = func(x *Extension) { f(a[0], a[1], a[2], a[3], a[4], x) }
			}
		case backend.OpReset:
			e.objects.Get(a[0]).Reset()
			if f := cb.PreReset; f != nil {
				pre = func(x *Extension) { f(a[0], a[1], x) }
			}
			if f := cb.PostReset; f != nil {
				post = func(x *Extension) { f(a[0], a[1], x) }
			}
		case backend.OpEndScene:
			if f := cb.PreEndScene; f != nil {
				pre = func(x *Extension) { f(a[0], x) }
			}
			if f := cb.PostEndScene; f != nil {
				post = func(x *Extension) { f(a[0], x) }
			}
		case backend.OpPresentEx:
			if f := cb.PrePresentEx; f != nil {
				pre = func(x *Extension) { f(a[0], a[1], a[2], a[3], a[4], u32(a[5]), x) }
			}
			if f := cb.PostPresentEx; f != nil {
				post = func(x *Extension) { f(a[0], a[1], a[2], a[3], a[4], u32(a[5]), x) }
			}
		case backend.OpResetEx:
			e.objects.Get(a[0]).Reset()
			if f := cb.PreResetEx; f != nil {
				pre = func(x *Extension) { f(a[0], a[1], a[2], x) }
			}
			if f := cb.PostResetEx; f != nil {
				post = func(x *Extension) { f(a[0], a[1], a[2], x) }
			}
		}
		return e.dispatch(c, op, pre, post)
	}
}

func (e *Engine) swapChainHandler(family backend.Kind, op backend.Operation) hook.Handler {
	return func(c *hook.Call) uintptr {
		a := c.Args
		e.observe(&e.swapChains, a[0])
		if family == backend.D3D12 && op == backend.OpPresent {
			e.captureQueue(a[0])
		}

		cb := e.callbacks.swapChain(family)
		if cb == nil {
			return e.dispatch(c, op, nil, nil)
		}

		var pre, post func(*Extension)
		switch op {
		case backend.OpPresent:
			if f := cb.PrePresent; f != nil {
				pre = func(x *Extension) { f(a[0], u32(a[1]), u32(a[2]), x) }
			}
			if f := cb.PostPresent; f != nil {
				post = func(x *Extension) { f(a[0], u32(a[1]), u32(a[2]), x) }
			}
		case backend.OpResizeTarget:
			if f := cb.PreResizeTarget; f != nil {
				pre = func(x *Extension) { f(a[0], a[1], x) }
			}
			if f := cb.PostResizeTarget; f != nil {
				post = func(x *Extension) { f(a[0], a[1], x) }
			}
		case backend.OpResizeBuffers:
			e.objects.Get(a[0]).Reset()
			if f := cb.PreResizeBuffers; f != nil {
				pre = func(x *Extension) { f(a[0], u32(a[1]), u32(a[2]), u32(a[3]), u32(a[4]), u32(a[5]), x) }
			}
			if f := cb.PostResizeBuffers; f != nil {
				post = func(x *Extension) { f(a[0], u32(a[1]), u32(a[2]), u32(a[3]), u32(a[4]), u32(a[5]), x) }
			}
		}
		return e.dispatch(c, op, pre, post)
	}
}

// captureQueue associates the last direct queue the host submitted to
// with swapChain, unless the swap chain's creation already named its queue.
func (e *Engine) captureQueue(swapChain uintptr) {
	if _, ok := e.queues.Lookup(swapChain); ok {
		return
	}
	q := e.directQueue.Load()
	if q == 0 {
		return
	}
	e.queues.Capture(swapChain, q)
	e.logger.Debug("command queue captured",
		zap.Uintptr("swap_chain", swapChain),
		zap.Uintptr("queue", q),
	)
}

// queueHandler watches command list submission to learn the host's direct
// queue. Copy and compute queues are ignored. It has no user callbacks.
func (e *Engine) queueHandler(op backend.Operation) hook.Handler {
	return func(c *hook.Call) uintptr {
		q := c.Args[0]
		e.observe(&e.queueObjs, q)
		if e.directQueue.Load() != q && e.isDirect(q) {
			e.directQueue.Store(q)
		}
		return e.dispatch(c, op, nil, nil)
	}
}

// isDirect reports whether q is a DIRECT command queue. The answer is
// cached per queue.
func (e *Engine) isDirect(q uintptr) bool {
	if v, ok := e.queueTypes.Load(q); ok {
		return v.(bool)
	}
	direct, err := e.queueIsDirect(q)
	if err != nil {
		e.logger.Debug("command queue type unknown", zap.Uintptr("queue", q), zap.Error(err))
	}
	e.queueTypes.Store(q, direct)
	return direct
}

func (e *Engine) queueIsDirect(q uintptr) (bool, error) {
	tbl, err := vtable.FromObject(q, backend.D3D12CommandQueueTable.Size)
	if err != nil {
		return false, err
	}
	getDesc, err := tbl.Slot(backend.QueueGetDescIndex)
	if err != nil {
		return false, err
	}

	e.descMu.Lock()
	defer e.descMu.Unlock()
	if e.desc.IsZero() {
		e.desc = vtable.Alloc(4)
	}
	// Anything but DIRECT if GetDesc leaves the buffer alone.
	e.desc.Swap(0, ^uintptr(0))
	e.native.Call(getDesc, backend.QueueGetDescSig, []uintptr{q, e.desc.Addr()})
	v, err := e.desc.Slot(0)
	if err != nil {
		return false, err
	}
	return int32(uint32(v)) == backend.QueueTypeDirect, nil
}

// factoryHandler learns the queue of a Direct3D 12 swap chain at creation.
// The device argument is a queue only for Direct3D 12 swap chains.
func (e *Engine) factoryHandler(op backend.Operation) hook.Handler {
	return func(c *hook.Call) uintptr {
		ret := e.dispatch(c, op, nil, nil)
		a := c.Args
		if int32(u32(ret)) < 0 || len(a) < 3 {
			return ret
		}
		dev := a[1]
		if !e.isQueue(dev) {
			return ret
		}
		swapChain, err := vtable.ReadWord(a[len(a)-1])
		if err != nil || swapChain == 0 {
			return ret
		}

		e.observe(&e.queueObjs, dev)
		e.observe(&e.swapChains, swapChain)
		e.queueTypes.Store(dev, true)
		e.queues.Capture(swapChain, dev)
		e.logger.Debug("command queue captured at swap chain creation",
			zap.Stringer("op", op),
			zap.Uintptr("swap_chain", swapChain),
			zap.Uintptr("queue", dev),
		)
		return ret
	}
}

// isQueue reports whether obj is an ID3D12CommandQueue, by the identity of
// its dispatch table.
func (e *Engine) isQueue(obj uintptr) bool {
	want := e.queueTable.Load()
	if want == 0 || obj == 0 {
		return false
	}
	tbl, err := vtable.FromObject(obj, 1)
	return err == nil && tbl.Addr() == want
}

func (e *Engine) audioHandler(op backend.Operation) hook.Handler {
	return func(c *hook.Call) uintptr {
		a := c.Args
		e.observe(&e.clients, a[0])
		cb := e.callbacks.audio.Load()
		if cb == nil {
			return e.dispatch(c, op, nil, nil)
		}

		var pre, post func(*Extension)
		switch op {
		case backend.OpGetBuffer:
			if f := cb.PreGetBuffer; f != nil {
				pre = func(x *Extension) { f(a[0], u32(a[1]), a[2], x) }
			}
			if f := cb.PostGetBuffer; f != nil {
				post = func(x *Extension) { f(a[0], u32(a[1]), a[2], x) }
			}
		case backend.OpReleaseBuffer:
			if f := cb.PreReleaseBuffer; f != nil {
				pre = func(x *Extension) { f(a[0], u32(a[1]), u32(a[2]), x) }
			}
			if f := cb.PostReleaseBuffer; f != nil {
				post = func(x *Extension) { f(a[0], u32(a[1]), u32(a[2]), x) }
			}
		}
		return e.dispatch(c, op, pre, post)
	}
}
