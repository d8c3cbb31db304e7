// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package engine

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// contextStore holds at most one custom context block. Readers on render
// threads load the current block without locking.
type contextStore struct {
	block   atomic.Pointer[[]byte]
	maxSize int
}

// alloc installs a new zeroed block of size bytes and releases the
// previous one.
func (s *contextStore) alloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("size %d must be positive", size)
	}
	if s.maxSize > 0 && size > s.maxSize {
		return nil, fmt.Errorf("size %d exceeds limit %d", size, s.maxSize)
	}
	b := make([]byte, size)
	release(s.block.Swap(&b))
	return b, nil
}

func (s *contextStore) free() bool {
	old := s.block.Swap(nil)
	release(old)
	return old != nil
}

func (s *contextStore) get() []byte {
	if p := s.block.Load(); p != nil {
		return *p
	}
	return nil
}

// release clears a dropped block so stale references read zeros instead
// of the next owner's data.
func release(p *[]byte) {
	if p == nil {
		return
	}
	clear(*p)
}

// AllocCustomContext allocates a zeroed context block of size bytes,
// visible to every callback through Extension.Context. A block allocated
// earlier is released first; do not keep references to it.
func (e *Engine) AllocCustomContext(size int) ([]byte, error) {
	if e == nil || e.closed.Load() {
		return nil, ErrInvalidEngineHandle
	}
	b, err := e.context.alloc(size)
	if err != nil {
		return nil, fail(ErrContextAllocationFailed, err)
	}
	e.logger.Debug("custom context allocated", zap.Int("size", size))
	return b, nil
}

// FreeCustomContext releases the context block, if any.
func (e *Engine) FreeCustomContext() error {
	if e == nil || e.closed.Load() {
		return ErrInvalidEngineHandle
	}
	if e.context.free() {
		e.logger.Debug("custom context freed")
	}
	return nil
}

// CustomContext returns the current context block, or nil.
func (e *Engine) CustomContext() []byte {
	if e == nil {
		return nil
	}
	return e.context.get()
}
