// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/hydrahook/pkg/backend"
	"github.com/mbeema/hydrahook/pkg/config"
	"github.com/mbeema/hydrahook/pkg/hook"
	"github.com/mbeema/hydrahook/pkg/trampoline"
	"github.com/mbeema/hydrahook/pkg/trampoline/traptest"
	"github.com/mbeema/hydrahook/pkg/vtable"
)

var moduleSeq atomic.Uintptr

func nextModule() Module {
	return Module(0x400000 + moduleSeq.Add(1)*0x10000)
}

// fakeObject is a native object whose table entries are Go functions.
// Release returns refs, so an object is only destroyed once a test sets it
// to zero.
type fakeObject struct {
	def   backend.TableDef
	obj   uintptr
	table vtable.Table
	orig  []uintptr
	calls atomic.Int32
	refs  atomic.Int32
}

func newFakeObject(t *testing.T, n *traptest.Native, def backend.TableDef, ret uintptr) *fakeObject {
	t.Helper()
	return newFakeObjectWith(t, n, def, ret, nil)
}

// newFakeObjectWith is newFakeObject with extra slot implementations.
func newFakeObjectWith(t *testing.T, n *traptest.Native, def backend.TableDef, ret uintptr, extra map[int]trampoline.Handler) *fakeObject {
	t.Helper()
	f := &fakeObject{def: def}
	f.refs.Store(1)
	impl := make(map[int]trampoline.Handler)
	for _, sd := range def.Slots {
		if sd.Op == backend.OpRelease {
			impl[sd.Index] = func([]uintptr) uintptr { return uintptr(f.refs.Load()) }
			continue
		}
		impl[sd.Index] = func([]uintptr) uintptr {
			f.calls.Add(1)
			return ret
		}
	}
	for i, h := range extra {
		impl[i] = h
	}
	f.obj, f.table = n.Interface(def.Size, impl)
	orig, err := f.table.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	f.orig = orig
	return f
}

// release simulates the host dropping its last reference to obj.
func (f *fakeObject) release(n *traptest.Native, obj uintptr) {
	f.refs.Store(0)
	n.Invoke(f.table, 2, obj)
	f.refs.Store(1)
}

// newFakeQueue builds a command queue whose GetDesc reports the type set in
// types, DIRECT by default.
func newFakeQueue(t *testing.T, n *traptest.Native, types map[uintptr]uint32) *fakeObject {
	t.Helper()
	return newFakeObjectWith(t, n, backend.D3D12CommandQueueTable, 0, map[int]trampoline.Handler{
		backend.QueueGetDescIndex: func(args []uintptr) uintptr {
			if err := vtable.WriteWord(args[1], uintptr(types[args[0]])); err != nil {
				t.Error(err)
			}
			return args[1]
		},
	})
}

func (f *fakeObject) target() backend.Target {
	return backend.Target{Def: f.def, Table: f.table}
}

func (f *fakeObject) restored(t *testing.T) bool {
	t.Helper()
	now, err := f.table.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	return reflect.DeepEqual(now, f.orig)
}

type fakeBackend struct {
	kind    backend.Kind
	targets []backend.Target
	fail    bool
	probes  atomic.Int32
}

func (b *fakeBackend) Kind() backend.Kind { return b.kind }
func (b *fakeBackend) Name() string       { return "fake-" + b.kind.String() }
func (b *fakeBackend) Loaded() bool       { return true }
func (b *fakeBackend) NeedsWindow() bool  { return false }

func (b *fakeBackend) Probe(context.Context, backend.Window) (*backend.Detection, error) {
	b.probes.Add(1)
	if b.fail {
		return nil, errors.New("construction failed")
	}
	return &backend.Detection{Kind: b.kind, Targets: b.targets}, nil
}

func testSettings(kinds backend.Kind) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Logging.Enabled = false
	cfg.Backends = config.BackendsConfig{
		Direct3D9:  kinds.Has(backend.D3D9),
		Direct3D10: kinds.Has(backend.D3D10),
		Direct3D11: kinds.Has(backend.D3D11),
		Direct3D12: kinds.Has(backend.D3D12),
		CoreAudio:  kinds.Has(backend.CoreAudio),
	}
	cfg.Probe.MaxAttempts = 3
	cfg.Probe.InitialDelay = time.Millisecond
	cfg.Probe.MaxDelay = 2 * time.Millisecond
	return cfg
}

func testConfig(n *traptest.Native, kinds backend.Kind, backends ...backend.Backend) Config {
	return Config{
		Settings: testSettings(kinds),
		Backends: backends,
		Native:   n,
		Logger:   zap.NewNop(),
	}
}

func waitDone(t *testing.T, e *Engine) {
	t.Helper()
	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not finish")
	}
}

// hookedD3D11 creates an engine bound to a fake Direct3D 11 swap chain.
func hookedD3D11(t *testing.T, cfg func(*Config)) (*Engine, Module, *traptest.Native, *fakeObject) {
	t.Helper()
	n := traptest.New()
	swap := newFakeObject(t, n, backend.SwapChainTable(backend.D3D11), 0)
	c := testConfig(n, backend.D3D11, &fakeBackend{kind: backend.D3D11, targets: []backend.Target{swap.target()}})
	if cfg != nil {
		cfg(&c)
	}
	host := nextModule()
	e, err := Create(host, c)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	waitDone(t, e)
	if e.State() != Bound {
		t.Fatalf("State = %v, want bound", e.State())
	}
	return e, host, n, swap
}

func TestCreateInvalidModule(t *testing.T) {
	_, err := Create(0, Config{})
	if !errors.Is(err, ErrInvalidModuleHandle) {
		t.Errorf("Create(0) = %v, want %v", err, ErrInvalidModuleHandle)
	}
}

func TestDestroyUnknownModule(t *testing.T) {
	if err := Destroy(nextModule()); Code(err) != ErrInvalidEngineHandle {
		t.Errorf("Destroy = %v, want %v", err, ErrInvalidEngineHandle)
	}
}

func TestCreateDestroyBeforeBinding(t *testing.T) {
	n := traptest.New()
	swap := newFakeObject(t, n, backend.SwapChainTable(backend.D3D11), 0)
	c := testConfig(n, backend.D3D11, &fakeBackend{kind: backend.D3D11, fail: true})
	c.Settings.Probe.MaxAttempts = 1000
	c.Settings.Probe.InitialDelay = 10 * time.Millisecond
	c.Settings.Probe.MaxDelay = time.Second

	host := nextModule()
	e, err := Create(host, c)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := e.AllocCustomContext(64); err != nil {
		t.Fatalf("AllocCustomContext: %v", err)
	}
	if err := Destroy(host); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	if _, ok := Lookup(host); ok {
		t.Error("engine still registered after Destroy")
	}
	if e.State() != Destroyed {
		t.Errorf("State = %v, want destroyed", e.State())
	}
	if e.CustomContext() != nil {
		t.Error("context block not released")
	}
	if !swap.restored(t) {
		t.Error("table modified")
	}
	if _, err := e.AllocCustomContext(8); Code(err) != ErrInvalidEngineHandle {
		t.Errorf("AllocCustomContext after Destroy = %v", err)
	}
}

func TestCreateTwice(t *testing.T) {
	n := traptest.New()
	host := nextModule()
	first, err := Create(host, testConfig(n, backend.D3D11, &fakeBackend{kind: backend.D3D11, fail: true}))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer Destroy(host)

	_, err = Create(host, testConfig(n, backend.D3D11))
	if !errors.Is(err, ErrEngineAlreadyAllocated) {
		t.Fatalf("second Create = %v, want %v", err, ErrEngineAlreadyAllocated)
	}

	if got, ok := Lookup(host); !ok || got != first {
		t.Error("first engine no longer registered")
	}
	if _, err := first.AllocCustomContext(16); err != nil {
		t.Errorf("first engine unusable: %v", err)
	}
}

func TestCreateRejectsInvalidSettings(t *testing.T) {
	c := testConfig(traptest.New(), backend.D3D11)
	c.Settings.Probe.MaxAttempts = 0
	host := nextModule()
	if _, err := Create(host, c); Code(err) != ErrEngineAllocationFailed {
		t.Errorf("Create = %v, want %v", err, ErrEngineAllocationFailed)
	}
	if _, ok := Lookup(host); ok {
		t.Error("failed engine registered")
	}
}

type fakePinner struct {
	err      error
	pinned   atomic.Int32
	released atomic.Int32
}

func (p *fakePinner) Pin(Module) (func() error, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.pinned.Add(1)
	return func() error { p.released.Add(1); return nil }, nil
}

func TestModulePin(t *testing.T) {
	p := &fakePinner{}
	c := testConfig(traptest.New(), backend.D3D11, &fakeBackend{kind: backend.D3D11, fail: true})
	c.Pinner = p
	host := nextModule()
	if _, err := Create(host, c); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.pinned.Load() != 1 {
		t.Errorf("pinned = %d, want 1", p.pinned.Load())
	}
	Destroy(host)
	if p.released.Load() != 1 {
		t.Errorf("released = %d, want 1", p.released.Load())
	}

	c.Pinner = &fakePinner{err: errors.New("no module")}
	if _, err := Create(nextModule(), c); Code(err) != ErrReferenceIncrementFailed {
		t.Errorf("Create with failing pin = %v, want %v", err, ErrReferenceIncrementFailed)
	}
}

func TestAllocCustomContextReplaces(t *testing.T) {
	n := traptest.New()
	host := nextModule()
	c := testConfig(n, backend.D3D11, &fakeBackend{kind: backend.D3D11, fail: true})
	c.Settings.Context.MaxSize = 1024
	e, err := Create(host, c)
	if err != nil {
		t.Fatal(err)
	}
	defer Destroy(host)

	if e.CustomContext() != nil {
		t.Error("context present before allocation")
	}

	first, err := e.AllocCustomContext(16)
	if err != nil {
		t.Fatal(err)
	}
	first[0] = 0xAA
	second, err := e.AllocCustomContext(32)
	if err != nil {
		t.Fatal(err)
	}
	if first[0] != 0 {
		t.Error("first block not released")
	}
	got := e.CustomContext()
	if len(got) != 32 || &got[0] != &second[0] {
		t.Error("CustomContext does not return the second block")
	}

	if _, err := e.AllocCustomContext(0); Code(err) != ErrContextAllocationFailed {
		t.Errorf("Alloc(0) = %v", err)
	}
	if _, err := e.AllocCustomContext(4096); Code(err) != ErrContextAllocationFailed {
		t.Errorf("Alloc(4096) = %v", err)
	}
	if e.CustomContext() == nil {
		t.Error("failed allocation dropped the current block")
	}

	if err := e.FreeCustomContext(); err != nil {
		t.Fatal(err)
	}
	if e.CustomContext() != nil {
		t.Error("context present after free")
	}

	var nilEngine *Engine
	if _, err := nilEngine.AllocCustomContext(8); Code(err) != ErrInvalidEngineHandle {
		t.Errorf("nil engine Alloc = %v", err)
	}
	if err := nilEngine.FreeCustomContext(); Code(err) != ErrInvalidEngineHandle {
		t.Errorf("nil engine Free = %v", err)
	}
}

func TestHookedDispatchAndRestore(t *testing.T) {
	var (
		mu     sync.Mutex
		events []string
		kinds  []backend.Kind
	)
	record := func(name string) func(*Engine) {
		return func(*Engine) {
			mu.Lock()
			events = append(events, name)
			mu.Unlock()
		}
	}

	e, host, n, swap := hookedD3D11(t, func(c *Config) {
		c.Events = Events{
			Hooked: func(_ *Engine, k backend.Kind) {
				mu.Lock()
				kinds = append(kinds, k)
				mu.Unlock()
			},
			PreExit:    record("pre-exit"),
			PreUnhook:  record("pre-unhook"),
			PostUnhook: record("post-unhook"),
		}
	})

	if e.Kind() != backend.D3D11 {
		t.Errorf("Kind = %v, want D3D11", e.Kind())
	}
	if !reflect.DeepEqual(kinds, []backend.Kind{backend.D3D11}) {
		t.Errorf("Hooked kinds = %v", kinds)
	}

	block, _ := e.AllocCustomContext(8)

	var pre, post struct {
		swap, sync, flags uint32
		ext               *Extension
	}
	e.SetD3D11Callbacks(D3D11Callbacks{
		PrePresent: func(sc uintptr, si, fl uint32, ext *Extension) {
			pre.sync, pre.flags, pre.ext = si, fl, ext
			if sc != swap.obj {
				t.Errorf("pre swap chain = %#x, want %#x", sc, swap.obj)
			}
		},
		PostPresent: func(sc uintptr, si, fl uint32, ext *Extension) {
			post.sync, post.ext = si, ext
			if swap.calls.Load() != 1 {
				t.Error("post ran before the original")
			}
		},
	})

	if r := n.Invoke(swap.table, 8, swap.obj, 1, 2); r != 0 {
		t.Errorf("Present returned %#x", r)
	}
	if swap.calls.Load() != 1 {
		t.Fatalf("original calls = %d, want 1", swap.calls.Load())
	}
	if pre.sync != 1 || pre.flags != 2 || post.sync != 1 {
		t.Errorf("callback args pre=%+v post=%+v", pre, post)
	}
	if pre.ext == nil || pre.ext.Engine != e || &pre.ext.Context[0] != &block[0] || pre.ext.Object == nil {
		t.Errorf("extension = %+v", pre.ext)
	}
	if got, ok := FromObject(swap.obj); !ok || got != e {
		t.Error("FromObject did not find the engine")
	}

	if err := Destroy(host); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if !swap.restored(t) {
		t.Error("table not byte-identical after Destroy")
	}
	if want := []string{"pre-exit", "pre-unhook", "post-unhook"}; !reflect.DeepEqual(events, want) {
		t.Errorf("events = %v, want %v", events, want)
	}
	if _, ok := FromObject(swap.obj); ok {
		t.Error("FromObject still resolves after Destroy")
	}
}

func TestPassThroughWithoutCallbacks(t *testing.T) {
	n := traptest.New()
	const deviceRemoved = 0x887A0005
	swap := newFakeObject(t, n, backend.SwapChainTable(backend.D3D10), deviceRemoved)
	host := nextModule()
	e, err := Create(host, testConfig(n, backend.D3D10, &fakeBackend{kind: backend.D3D10, targets: []backend.Target{swap.target()}}))
	if err != nil {
		t.Fatal(err)
	}
	defer Destroy(host)
	waitDone(t, e)

	if r := n.Invoke(swap.table, 13, swap.obj, 2, 800, 600, 28, 0); r != deviceRemoved {
		t.Errorf("ResizeBuffers = %#x, want %#x", r, deviceRemoved)
	}

	e.SetD3D10Callbacks(D3D10Callbacks{PrePresent: func(uintptr, uint32, uint32, *Extension) {}})
	if r := n.Invoke(swap.table, 13, swap.obj, 2, 800, 600, 28, 0); r != deviceRemoved {
		t.Errorf("ResizeBuffers with unrelated callback = %#x", r)
	}

	snap := e.Stats()
	for _, o := range snap.Ops {
		if o.Op == backend.OpResizeBuffers && (o.Calls != 2 || o.PassThrough != 2) {
			t.Errorf("ResizeBuffers stats = %+v", o)
		}
	}
	if snap.TablesBound != 1 {
		t.Errorf("TablesBound = %d, want 1", snap.TablesBound)
	}
}

func TestPostExtensionCarriesResult(t *testing.T) {
	n := traptest.New()
	client := newFakeObject(t, n, backend.AudioRenderClientTable, 0x88890006)
	host := nextModule()
	e, err := Create(host, testConfig(n, backend.CoreAudio, &fakeBackend{kind: backend.CoreAudio, targets: []backend.Target{client.target()}}))
	if err != nil {
		t.Fatal(err)
	}
	defer Destroy(host)
	waitDone(t, e)

	var result int32
	var frames uint32
	e.SetARCCallbacks(ARCCallbacks{
		PostGetBuffer: func(_ uintptr, n uint32, _ uintptr, ext *Extension) {
			frames, result = n, ext.Result
		},
	})
	n.Invoke(client.table, 3, client.obj, 480, 0)
	if frames != 480 {
		t.Errorf("frames = %d, want 480", frames)
	}
	if uint32(result) != 0x88890006 {
		t.Errorf("Result = %#x, want 0x88890006", uint32(result))
	}
}

func TestFamilyOnlyEligibleExhausts(t *testing.T) {
	n := traptest.New()
	b := &fakeBackend{kind: backend.D3D10, fail: true}
	swap := newFakeObject(t, n, backend.SwapChainTable(backend.D3D11), 0)
	c := &fakeBackend{kind: backend.D3D11, targets: []backend.Target{swap.target()}}

	var hooked atomic.Int32
	cfg := testConfig(n, backend.D3D10, b, c)
	cfg.Events.Hooked = func(*Engine, backend.Kind) { hooked.Add(1) }

	host := nextModule()
	e, err := Create(host, cfg)
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, e)

	if got := b.probes.Load(); got != 3 {
		t.Errorf("D3D10 probes = %d, want 3", got)
	}
	if c.probes.Load() != 0 {
		t.Error("ineligible family probed")
	}
	if hooked.Load() != 0 {
		t.Error("Hooked fired")
	}
	if e.State() != Created || e.Kind() != 0 {
		t.Errorf("State = %v Kind = %v, want created and none", e.State(), e.Kind())
	}
	if e.Stats().ProbeAttempts != 3 {
		t.Errorf("ProbeAttempts = %d, want 3", e.Stats().ProbeAttempts)
	}
	if err := Destroy(host); err != nil {
		t.Errorf("Destroy: %v", err)
	}
}

func TestGraphicsAndAudio(t *testing.T) {
	n := traptest.New()
	swap := newFakeObject(t, n, backend.SwapChainTable(backend.D3D12), 0)
	queue := newFakeObject(t, n, backend.D3D12CommandQueueTable, 0)
	client := newFakeObject(t, n, backend.AudioRenderClientTable, 0)

	var hooked atomic.Uint32
	cfg := testConfig(n, backend.D3D12|backend.CoreAudio,
		&fakeBackend{kind: backend.D3D12, targets: []backend.Target{swap.target(), queue.target()}},
		&fakeBackend{kind: backend.CoreAudio, targets: []backend.Target{client.target()}},
	)
	cfg.Events.Hooked = func(_ *Engine, k backend.Kind) {
		for {
			old := hooked.Load()
			if hooked.CompareAndSwap(old, old|uint32(k)) {
				return
			}
		}
	}

	host := nextModule()
	e, err := Create(host, cfg)
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, e)

	want := backend.D3D12 | backend.CoreAudio
	if e.Kind() != want || backend.Kind(hooked.Load()) != want {
		t.Errorf("Kind = %v hooked = %v, want %v", e.Kind(), backend.Kind(hooked.Load()), want)
	}
	if e.Stats().TablesBound != 3 {
		t.Errorf("TablesBound = %d, want 3", e.Stats().TablesBound)
	}

	Destroy(host)
	for _, f := range []*fakeObject{swap, queue, client} {
		if !f.restored(t) {
			t.Errorf("%s not restored", f.def.Interface)
		}
	}
}

func TestD3D12QueueCapture(t *testing.T) {
	n := traptest.New()
	swap := newFakeObject(t, n, backend.SwapChainTable(backend.D3D12), 0)
	types := make(map[uintptr]uint32)
	queue := newFakeQueue(t, n, types)
	compute := vtable.NewObject(queue.table)
	types[compute] = 2

	host := nextModule()
	e, err := Create(host, testConfig(n, backend.D3D12,
		&fakeBackend{kind: backend.D3D12, targets: []backend.Target{swap.target(), queue.target()}}))
	if err != nil {
		t.Fatal(err)
	}
	defer Destroy(host)
	waitDone(t, e)

	n.Invoke(swap.table, 8, swap.obj, 0, 0)
	if _, ok := e.D3D12CommandQueue(swap.obj); ok {
		t.Fatal("queue captured before any submission")
	}

	n.Invoke(queue.table, 10, compute, 1, 0)
	n.Invoke(swap.table, 8, swap.obj, 0, 0)
	if q, ok := e.D3D12CommandQueue(swap.obj); ok {
		t.Fatalf("compute queue %#x captured", q)
	}

	n.Invoke(queue.table, 10, queue.obj, 1, 0)
	n.Invoke(queue.table, 10, compute, 1, 0)
	if queue.calls.Load() != 3 {
		t.Errorf("ExecuteCommandLists original calls = %d, want 3", queue.calls.Load())
	}
	n.Invoke(swap.table, 8, swap.obj, 0, 0)
	if q, ok := e.D3D12CommandQueue(swap.obj); !ok || q != queue.obj {
		t.Errorf("D3D12CommandQueue = %#x, %v; want %#x", q, ok, queue.obj)
	}
}

func TestD3D12TwoLiveSwapChains(t *testing.T) {
	n := traptest.New()
	swap := newFakeObject(t, n, backend.SwapChainTable(backend.D3D12), 0)
	queue := newFakeQueue(t, n, nil)
	host := nextModule()
	e, err := Create(host, testConfig(n, backend.D3D12,
		&fakeBackend{kind: backend.D3D12, targets: []backend.Target{swap.target(), queue.target()}}))
	if err != nil {
		t.Fatal(err)
	}
	defer Destroy(host)
	waitDone(t, e)

	a, b := swap.obj, vtable.NewObject(swap.table)
	for frame := 0; frame < 10; frame++ {
		sc := a
		if frame%2 == 1 {
			sc = b
		}
		n.Invoke(queue.table, 10, queue.obj, 1, 0)
		n.Invoke(swap.table, 8, sc, 0, 0)
	}
	for _, sc := range []uintptr{a, b} {
		if q, ok := e.D3D12CommandQueue(sc); !ok || q != queue.obj {
			t.Errorf("queue(%#x) = %#x, %v; want %#x", sc, q, ok, queue.obj)
		}
	}
	if got := e.Stats().ChurnEvents; got != 0 {
		t.Errorf("ChurnEvents = %d, want 0 with both swap chains alive", got)
	}

	// A release that leaves references behind changes nothing.
	n.Invoke(swap.table, 2, a)
	if _, ok := e.D3D12CommandQueue(a); !ok {
		t.Error("association dropped by a non-final Release")
	}

	swap.release(n, a)
	if _, ok := e.D3D12CommandQueue(a); ok {
		t.Error("released swap chain still associated")
	}
	if q, ok := e.D3D12CommandQueue(b); !ok || q != queue.obj {
		t.Errorf("live swap chain lost its queue: %#x, %v", q, ok)
	}
	if got := e.Stats().ChurnEvents; got != 1 {
		t.Errorf("ChurnEvents = %d, want 1", got)
	}

	queue.release(n, queue.obj)
	if _, ok := e.D3D12CommandQueue(b); ok {
		t.Error("swap chain still associated with a released queue")
	}
	n.Invoke(swap.table, 8, b, 0, 0)
	if _, ok := e.D3D12CommandQueue(b); ok {
		t.Error("released queue captured again")
	}
}

func TestD3D12QueueFromSwapChainCreation(t *testing.T) {
	n := traptest.New()
	swap := newFakeObject(t, n, backend.SwapChainTable(backend.D3D12), 0)
	queue := newFakeQueue(t, n, nil)
	created := vtable.NewObject(swap.table)
	fail := false
	create := func(args []uintptr) uintptr {
		if fail {
			return 0x887a0001
		}
		if err := vtable.WriteWord(args[len(args)-1], created); err != nil {
			t.Error(err)
		}
		return 0
	}
	factory := newFakeObjectWith(t, n, backend.DXGIFactory2Table, 0, map[int]trampoline.Handler{
		10: create,
		15: create,
	})

	host := nextModule()
	e, err := Create(host, testConfig(n, backend.D3D12,
		&fakeBackend{kind: backend.D3D12, targets: []backend.Target{swap.target(), queue.target(), factory.target()}}))
	if err != nil {
		t.Fatal(err)
	}
	defer Destroy(host)
	waitDone(t, e)

	// A Direct3D 11 device is not a queue.
	out := vtable.Alloc(1)
	device := vtable.NewObject(vtable.Alloc(3))
	n.Invoke(factory.table, 10, factory.obj, device, 0, out.Addr())
	if _, ok := e.D3D12CommandQueue(created); ok {
		t.Fatal("swap chain associated with a non-queue device")
	}

	fail = true
	n.Invoke(factory.table, 15, factory.obj, queue.obj, 0x1234, 0, 0, 0, out.Addr())
	if _, ok := e.D3D12CommandQueue(created); ok {
		t.Fatal("failed creation captured a queue")
	}

	fail = false
	if r := n.Invoke(factory.table, 15, factory.obj, queue.obj, 0x1234, 0, 0, 0, out.Addr()); r != 0 {
		t.Fatalf("CreateSwapChainForHwnd = %#x", r)
	}
	if q, ok := e.D3D12CommandQueue(created); !ok || q != queue.obj {
		t.Errorf("D3D12CommandQueue = %#x, %v; want %#x before any submission", q, ok, queue.obj)
	}
	if queue.calls.Load() != 0 {
		t.Error("queue used before capture")
	}
}

func TestReleaseDropsObjectState(t *testing.T) {
	e, host, n, swap := hookedD3D11(t, nil)
	defer Destroy(host)

	var last *Extension
	e.SetD3D11Callbacks(D3D11Callbacks{
		PrePresent: func(_ uintptr, _, _ uint32, ext *Extension) {
			if ext.Object.Begin() {
				ext.Object.Finish()
			}
			last = ext
		},
	})
	n.Invoke(swap.table, 8, swap.obj, 0, 0)
	first := last.Object
	if !first.Ready() {
		t.Fatal("object not ready after setup")
	}

	swap.release(n, swap.obj)
	if _, ok := FromObject(swap.obj); ok {
		t.Error("FromObject resolves a released object")
	}
	if got := e.Stats().ChurnEvents; got != 1 {
		t.Errorf("ChurnEvents = %d, want 1", got)
	}

	// The host reuses the address for a new swap chain.
	e.SetD3D11Callbacks(D3D11Callbacks{
		PrePresent: func(_ uintptr, _, _ uint32, ext *Extension) { last = ext },
	})
	n.Invoke(swap.table, 8, swap.obj, 0, 0)
	if last.Object == first || last.Object.Ready() {
		t.Error("new object inherited the released object's state")
	}
	if got, ok := FromObject(swap.obj); !ok || got != e {
		t.Error("FromObject does not resolve the new object")
	}
}

func TestResizeResetsObjectState(t *testing.T) {
	e, host, n, swap := hookedD3D11(t, nil)
	defer Destroy(host)

	var states []*Extension
	e.SetD3D11Callbacks(D3D11Callbacks{
		PrePresent: func(_ uintptr, _, _ uint32, ext *Extension) {
			if ext.Object.Begin() {
				ext.Object.Finish()
			}
			states = append(states, ext)
		},
	})
	n.Invoke(swap.table, 8, swap.obj, 0, 0)
	if !states[0].Object.Ready() {
		t.Fatal("object not ready after setup")
	}
	n.Invoke(swap.table, 13, swap.obj, 2, 0, 0, 0, 0)
	if states[0].Object.Ready() {
		t.Error("ResizeBuffers did not reset the object state")
	}
}

func TestCallbackPanicRecovered(t *testing.T) {
	e, host, n, swap := hookedD3D11(t, nil)
	defer Destroy(host)

	e.SetD3D11Callbacks(D3D11Callbacks{
		PreResizeTarget: func(uintptr, uintptr, *Extension) { panic("overlay bug") },
	})
	if r := n.Invoke(swap.table, 14, swap.obj, 0); r != 0 {
		t.Errorf("ResizeTarget = %#x", r)
	}
	if swap.calls.Load() != 1 {
		t.Error("original not run after callback panic")
	}
	for _, o := range e.Stats().Ops {
		if o.Op == backend.OpResizeTarget && o.Panics != 1 {
			t.Errorf("Panics = %d, want 1", o.Panics)
		}
	}
}

func TestCallbackSetSwapIsAtomic(t *testing.T) {
	e, host, n, swap := hookedD3D11(t, nil)
	defer Destroy(host)

	var last string
	var torn, calls atomic.Int32
	set := func(tag string) D3D11Callbacks {
		return D3D11Callbacks{
			PrePresent: func(uintptr, uint32, uint32, *Extension) { last = tag },
			PostPresent: func(uintptr, uint32, uint32, *Extension) {
				if last != tag {
					torn.Add(1)
				}
			},
		}
	}
	a, b := set("a"), set("b")
	e.SetD3D11Callbacks(a)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			n.Invoke(swap.table, 8, swap.obj, 0, 0)
			calls.Add(1)
		}
	}()

	for i := 0; i < 2000; i++ {
		if i%2 == 0 {
			e.SetD3D11Callbacks(b)
		} else {
			e.SetD3D11Callbacks(a)
		}
	}
	close(stop)
	<-done

	if torn.Load() != 0 {
		t.Errorf("%d of %d calls saw a mixed callback set", torn.Load(), calls.Load())
	}
}

func TestDestroyWaitsForInFlightCall(t *testing.T) {
	n := traptest.New()
	def := backend.SwapChainTable(backend.D3D11)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	obj, table := n.Interface(def.Size, map[int]trampoline.Handler{
		8: func([]uintptr) uintptr {
			entered <- struct{}{}
			<-release
			return 0
		},
	})
	orig, _ := table.Slot(8)

	host := nextModule()
	e, err := Create(host, testConfig(n, backend.D3D11,
		&fakeBackend{kind: backend.D3D11, targets: []backend.Target{{Def: def, Table: table}}}))
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, e)

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		n.Invoke(table, 8, obj, 0, 0)
	}()
	<-entered

	destroyed := make(chan error, 1)
	go func() { destroyed <- Destroy(host) }()

	select {
	case <-destroyed:
		t.Fatal("Destroy returned while a call was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-destroyed:
		if err != nil {
			t.Errorf("Destroy: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Destroy did not return after the call left")
	}
	if got, _ := table.Slot(8); got != orig {
		t.Errorf("slot 8 = %#x, want %#x", got, orig)
	}
}

func TestRenderThreadDuringDestroy(t *testing.T) {
	_, host, n, swap := hookedD3D11(t, nil)

	var calls, bad atomic.Int32
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		tick := time.NewTicker(time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
			}
			if r := n.Invoke(swap.table, 8, swap.obj, 0, 0); r != 0 {
				bad.Add(1)
			}
			calls.Add(1)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	if err := Destroy(host); err != nil {
		t.Errorf("Destroy: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	close(stop)
	<-done

	if calls.Load() == 0 {
		t.Fatal("render loop never ran")
	}
	if bad.Load() != 0 {
		t.Errorf("%d calls returned a wrong result", bad.Load())
	}
	if int32(swap.calls.Load()) != calls.Load() {
		t.Errorf("original ran %d times for %d calls", swap.calls.Load(), calls.Load())
	}
	if !swap.restored(t) {
		t.Error("table not restored")
	}
}

func TestConcurrentDestroy(t *testing.T) {
	_, host, _, _ := hookedD3D11(t, nil)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- Destroy(host) }()
	}
	var ok, invalid int
	for i := 0; i < 2; i++ {
		switch err := <-errs; Code(err) {
		case ErrorNone:
			ok++
		case ErrInvalidEngineHandle:
			invalid++
		default:
			t.Errorf("Destroy = %v", err)
		}
	}
	if ok != 1 || invalid != 1 {
		t.Errorf("ok = %d invalid = %d, want 1 and 1", ok, invalid)
	}
}

func TestBindFailureLeavesEngineUnbound(t *testing.T) {
	n := traptest.New()
	n.LimitTrampolines(1)
	swap := newFakeObject(t, n, backend.SwapChainTable(backend.D3D11), 0)
	host := nextModule()
	e, err := Create(host, testConfig(n, backend.D3D11,
		&fakeBackend{kind: backend.D3D11, targets: []backend.Target{swap.target()}}))
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, e)

	if e.State() != Created {
		t.Errorf("State = %v, want created", e.State())
	}
	if !swap.restored(t) {
		t.Error("partial bind left slots patched")
	}
	if err := Destroy(host); err != nil {
		t.Errorf("Destroy: %v", err)
	}
}

func TestDestroyFromHookedEvent(t *testing.T) {
	if _, ok := hook.CurrentThread(); !ok {
		t.Skip("thread identity unavailable")
	}
	var inEvent error
	e, host, _, swap := hookedD3D11(t, func(c *Config) {
		c.Events.Hooked = func(e *Engine, _ backend.Kind) {
			inEvent = Destroy(e.Host())
		}
	})

	if !errors.Is(inEvent, ErrDestroyFromEvent) || Code(inEvent) != ErrInvalidEngineHandle {
		t.Fatalf("Destroy from Hooked = %v, want %v", inEvent, ErrDestroyFromEvent)
	}
	if e.State() != Bound {
		t.Fatalf("State = %v, want bound", e.State())
	}
	if err := Destroy(host); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if !swap.restored(t) {
		t.Error("table not restored")
	}
}

func TestCreateWithUnwritableLogFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	n := traptest.New()
	c := testConfig(n, backend.D3D11, &fakeBackend{kind: backend.D3D11, fail: true})
	c.Logger = nil
	c.Settings.Logging.Enabled = true
	c.Settings.Logging.FilePath = filepath.Join(file, "hydrahook.log")
	c.Settings.LogLevel = "error"

	host := nextModule()
	e, err := Create(host, c)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if e.Logger() == nil {
		t.Error("no logger")
	}
	waitDone(t, e)
	if err := Destroy(host); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
}
