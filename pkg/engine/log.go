// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package engine

import (
	"sync/atomic"

	"go.uber.org/zap"
)

type packageLog struct {
	owner *Engine
	sugar *zap.SugaredLogger
}

var (
	nopLog     = &packageLog{sugar: zap.NewNop().Sugar()}
	defaultLog atomic.Pointer[packageLog]
)

func init() {
	defaultLog.Store(nopLog)
}

// setDefaultLogger routes the package log functions to e's logger.
func setDefaultLogger(e *Engine) {
	defaultLog.Store(&packageLog{
		owner: e,
		sugar: e.logger.WithOptions(zap.AddCallerSkip(1)).Sugar(),
	})
}

// clearDefaultLogger drops e's logger if it is still the default.
func clearDefaultLogger(e *Engine) {
	if cur := defaultLog.Load(); cur.owner == e {
		defaultLog.CompareAndSwap(cur, nopLog)
	}
}

// LogDebug logs through the most recently created engine.
func LogDebug(format string, args ...any) { defaultLog.Load().sugar.Debugf(format, args...) }

// LogInfo logs through the most recently created engine.
func LogInfo(format string, args ...any) { defaultLog.Load().sugar.Infof(format, args...) }

// LogWarning logs through the most recently created engine.
func LogWarning(format string, args ...any) { defaultLog.Load().sugar.Warnf(format, args...) }

// LogError logs through the most recently created engine.
func LogError(format string, args ...any) { defaultLog.Load().sugar.Errorf(format, args...) }
