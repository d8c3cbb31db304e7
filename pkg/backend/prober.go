// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package backend

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ProbeConfig configures a Prober.
type ProbeConfig struct {
	Eligible Kind
	// Backends in probe order. Nil means Ordered(Eligible).
	Backends     []Backend
	NewWindow    WindowFactory
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Logger       *zap.Logger
	// OnAttempt, if set, is called before each detection pass.
	OnAttempt func(attempt int)
}

// Prober runs detection with a bounded retry budget, for hosts that create
// their devices some time after the engine starts.
type Prober struct {
	cfg    ProbeConfig
	logger *zap.Logger
}

// NewProber creates a Prober.
func NewProber(cfg ProbeConfig) *Prober {
	if cfg.Backends == nil {
		cfg.Backends = Ordered(cfg.Eligible)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{cfg: cfg, logger: logger}
}

func category(k Kind) Kind {
	if k.Graphics() != 0 {
		return Graphics
	}
	return CoreAudio
}

// Run probes until every eligible category (one graphics family, audio) is
// found or the attempt budget is spent. Each detection is handed to found
// as soon as it is made; if found returns an error the category is not
// probed again. Run returns the families that were accepted, and
// ErrNoBackend if there were none.
func (p *Prober) Run(ctx context.Context, found func(*Detection) error) (Kind, error) {
	want := p.cfg.Eligible & All
	var got Kind
	delay := p.cfg.InitialDelay

	for attempt := 1; want != 0; attempt++ {
		if p.cfg.OnAttempt != nil {
			p.cfg.OnAttempt(attempt)
		}
		dets, err := p.Attempt(ctx, want)
		if err != nil {
			p.logger.Debug("probe attempt incomplete", zap.Int("attempt", attempt), zap.Error(err))
		}
		for _, d := range dets {
			want &^= category(d.Kind)
			if err := found(d); err != nil {
				p.logger.Warn("detected backend rejected",
					zap.Stringer("backend", d.Kind),
					zap.Error(err),
				)
				continue
			}
			got |= d.Kind
		}
		if want == 0 || attempt >= p.cfg.MaxAttempts {
			break
		}

		p.logger.Debug("probe retry scheduled",
			zap.Int("attempt", attempt),
			zap.Stringer("pending", want),
			zap.Duration("delay", delay),
		)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return got, ctx.Err()
		case <-t.C:
		}
		delay *= 2
		if delay > p.cfg.MaxDelay {
			delay = p.cfg.MaxDelay
		}
	}

	if got == 0 {
		return 0, fmt.Errorf("%w after %d attempts", ErrNoBackend, p.cfg.MaxAttempts)
	}
	return got, nil
}

// Attempt runs one detection pass for the wanted categories. Graphics
// families are tried in order and the first success wins; audio is probed
// independently. The window, if one is needed, is closed before Attempt
// returns.
func (p *Prober) Attempt(ctx context.Context, want Kind) ([]*Detection, error) {
	var (
		graphics []Backend
		audio    []Backend
		errs     error
		needWin  bool
	)
	for _, b := range p.cfg.Backends {
		k := b.Kind()
		if want&k == 0 {
			continue
		}
		if !b.Loaded() {
			p.logger.Debug("backend runtime not loaded", zap.String("backend", b.Name()))
			continue
		}
		if k.Graphics() != 0 {
			graphics = append(graphics, b)
		} else {
			audio = append(audio, b)
		}
		needWin = needWin || b.NeedsWindow()
	}

	var win Window
	if needWin {
		w, err := p.window()
		if err != nil {
			errs = multierr.Append(errs, err)
		} else {
			win = w
			defer func() {
				if err := w.Close(); err != nil {
					p.logger.Warn("close probe window", zap.Error(err))
				}
			}()
		}
	}

	var out []*Detection
	for _, group := range [][]Backend{graphics, audio} {
		for _, b := range group {
			if ctx.Err() != nil {
				return out, multierr.Append(errs, ctx.Err())
			}
			if b.NeedsWindow() && win == nil {
				continue
			}
			d, err := b.Probe(ctx, win)
			if err != nil {
				p.logger.Debug("probe failed", zap.String("backend", b.Name()), zap.Error(err))
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", b.Name(), err))
				continue
			}
			p.logger.Info("backend detected",
				zap.String("backend", b.Name()),
				zap.Int("tables", len(d.Targets)),
			)
			out = append(out, d)
			break
		}
	}
	return out, errs
}

func (p *Prober) window() (Window, error) {
	if p.cfg.NewWindow == nil {
		return nil, fmt.Errorf("no window factory: %w", ErrUnsupported)
	}
	w, err := p.cfg.NewWindow()
	if err != nil {
		return nil, fmt.Errorf("create probe window: %w", err)
	}
	return w, nil
}
