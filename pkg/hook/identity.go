// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"sync"
	"sync/atomic"
)

// Tracker is the set of live native objects seen through one interface. An
// object joins on its first call and leaves when the host releases it, so
// several live objects of the same interface never count as churn. The
// table patch is unaffected either way.
type Tracker struct {
	live sync.Map // uintptr -> struct{}
	n    atomic.Int64
}

// Observe records obj and reports whether it was not yet tracked.
func (t *Tracker) Observe(obj uintptr) (first bool) {
	if obj == 0 {
		return false
	}
	if _, ok := t.live.Load(obj); ok {
		return false
	}
	if _, loaded := t.live.LoadOrStore(obj, struct{}{}); loaded {
		return false
	}
	t.n.Add(1)
	return true
}

// Forget removes obj and reports whether it was tracked.
func (t *Tracker) Forget(obj uintptr) bool {
	if _, ok := t.live.LoadAndDelete(obj); !ok {
		return false
	}
	t.n.Add(-1)
	return true
}

// Live reports whether obj is tracked.
func (t *Tracker) Live(obj uintptr) bool {
	_, ok := t.live.Load(obj)
	return ok
}

// Len returns the number of tracked objects.
func (t *Tracker) Len() int {
	return int(t.n.Load())
}

// Dependents caches objects that only become known when first used, keyed
// by the identity of the object that owns them.
type Dependents struct {
	m sync.Map // owner -> dependent
}

// Capture associates dep with owner, replacing any earlier association.
func (d *Dependents) Capture(owner, dep uintptr) {
	if owner == 0 || dep == 0 {
		return
	}
	d.m.Store(owner, dep)
}

// Lookup returns the dependent captured for owner. ok is false when none
// has been captured yet.
func (d *Dependents) Lookup(owner uintptr) (dep uintptr, ok bool) {
	v, ok := d.m.Load(owner)
	if !ok {
		return 0, false
	}
	return v.(uintptr), true
}

// Forget drops the association for owner.
func (d *Dependents) Forget(owner uintptr) {
	d.m.Delete(owner)
}

// ForgetDependent drops every association to dep and returns how many
// owners lost it.
func (d *Dependents) ForgetDependent(dep uintptr) int {
	var n int
	d.m.Range(func(k, v any) bool {
		if v.(uintptr) == dep && d.m.CompareAndDelete(k, dep) {
			n++
		}
		return true
	})
	return n
}

// InitState is the one-time setup state of a native object.
type InitState int32

const (
	Uninitialized InitState = iota
	Initializing
	Ready
)

func (s InitState) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// ObjectState guards one-time setup performed from inside a hot callback.
//
//	if st.Begin() {
//		if err := setup(); err != nil {
//			st.Abort()
//		} else {
//			st.Finish()
//		}
//	}
type ObjectState struct {
	v atomic.Int32
}

// State returns the current state.
func (s *ObjectState) State() InitState {
	return InitState(s.v.Load())
}

// Ready reports whether setup has finished.
func (s *ObjectState) Ready() bool {
	return s.State() == Ready
}

// Begin claims setup. Exactly one caller gets true until Abort or Reset.
func (s *ObjectState) Begin() bool {
	return s.v.CompareAndSwap(int32(Uninitialized), int32(Initializing))
}

// Finish marks setup done.
func (s *ObjectState) Finish() {
	s.v.CompareAndSwap(int32(Initializing), int32(Ready))
}

// Abort releases a claim taken with Begin so setup can be retried.
func (s *ObjectState) Abort() {
	s.v.CompareAndSwap(int32(Initializing), int32(Uninitialized))
}

// Reset returns the object to Uninitialized, e.g. after identity churn.
func (s *ObjectState) Reset() {
	s.v.Store(int32(Uninitialized))
}

// Objects holds an ObjectState per native object identity.
type Objects struct {
	m sync.Map // uintptr -> *ObjectState
}

// Get returns the state for obj, creating it on first use.
func (o *Objects) Get(obj uintptr) *ObjectState {
	if v, ok := o.m.Load(obj); ok {
		return v.(*ObjectState)
	}
	v, _ := o.m.LoadOrStore(obj, new(ObjectState))
	return v.(*ObjectState)
}

// Drop forgets obj.
func (o *Objects) Drop(obj uintptr) {
	o.m.Delete(obj)
}

// Range calls fn for every tracked object.
func (o *Objects) Range(fn func(obj uintptr, st *ObjectState) bool) {
	o.m.Range(func(k, v any) bool {
		return fn(k.(uintptr), v.(*ObjectState))
	})
}
