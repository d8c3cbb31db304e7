// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package health keeps self-monitoring counters for an interception engine.
package health

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/mbeema/hydrahook/pkg/backend"
)

// OpCounters counts the calls through one intercepted operation.
type OpCounters struct {
	Calls       atomic.Int64
	Pre         atomic.Int64
	Post        atomic.Int64
	PassThrough atomic.Int64
	Panics      atomic.Int64
}

// Stats tracks self-monitoring counters for the engine. Counters are
// updated from render threads and must stay lock-free.
type Stats struct {
	startTime time.Time

	ProbeAttempts atomic.Int64
	TablesBound   atomic.Int64
	ChurnEvents   atomic.Int64
	ops           [backend.NumOperations]OpCounters
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// Op returns the counters of op, or nil for an unknown operation.
func (s *Stats) Op(op backend.Operation) *OpCounters {
	if op < 0 || int(op) >= len(s.ops) {
		return nil
	}
	return &s.ops[op]
}

// Uptime returns engine uptime.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// OpSnapshot is a point-in-time copy of one operation's counters.
type OpSnapshot struct {
	Op          backend.Operation
	Calls       int64
	Pre         int64
	Post        int64
	PassThrough int64
	Panics      int64
}

// Snapshot is a point-in-time copy of all counters. Operations that were
// never called are omitted.
type Snapshot struct {
	UptimeSeconds float64
	ProbeAttempts int64
	TablesBound   int64
	ChurnEvents   int64
	Ops           []OpSnapshot
}

// Snapshot returns current stats.
func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		UptimeSeconds: s.Uptime().Seconds(),
		ProbeAttempts: s.ProbeAttempts.Load(),
		TablesBound:   s.TablesBound.Load(),
		ChurnEvents:   s.ChurnEvents.Load(),
	}
	for i := range s.ops {
		c := &s.ops[i]
		calls := c.Calls.Load()
		if calls == 0 {
			continue
		}
		snap.Ops = append(snap.Ops, OpSnapshot{
			Op:          backend.Operation(i),
			Calls:       calls,
			Pre:         c.Pre.Load(),
			Post:        c.Post.Load(),
			PassThrough: c.PassThrough.Load(),
			Panics:      c.Panics.Load(),
		})
	}
	return snap
}

// Calls returns the call count of op in the snapshot.
func (s Snapshot) Calls(op backend.Operation) int64 {
	for _, o := range s.Ops {
		if o.Op == op {
			return o.Calls
		}
	}
	return 0
}

// PrometheusMetrics returns stats in Prometheus text exposition format.
func (s *Stats) PrometheusMetrics() string {
	return prometheusFormat(s.Snapshot())
}

func prometheusFormat(snap Snapshot) string {
	var b []byte
	b = appendHeader(b, "hydrahook_uptime_seconds", "gauge", "Engine uptime in seconds")
	b = appendSample(b, "hydrahook_uptime_seconds", "", snap.UptimeSeconds)
	b = appendHeader(b, "hydrahook_probe_attempts_total", "counter", "Backend detection attempts")
	b = appendSample(b, "hydrahook_probe_attempts_total", "", float64(snap.ProbeAttempts))
	b = appendHeader(b, "hydrahook_tables_bound", "gauge", "Dispatch tables currently patched")
	b = appendSample(b, "hydrahook_tables_bound", "", float64(snap.TablesBound))
	b = appendHeader(b, "hydrahook_object_churn_total", "counter", "Observed native objects released by the host")
	b = appendSample(b, "hydrahook_object_churn_total", "", float64(snap.ChurnEvents))

	series := []struct {
		name, help string
		value      func(OpSnapshot) int64
	}{
		{"hydrahook_calls_total", "Intercepted calls", func(o OpSnapshot) int64 { return o.Calls }},
		{"hydrahook_pre_callbacks_total", "Pre callbacks run", func(o OpSnapshot) int64 { return o.Pre }},
		{"hydrahook_post_callbacks_total", "Post callbacks run", func(o OpSnapshot) int64 { return o.Post }},
		{"hydrahook_passthrough_total", "Calls passed through without callbacks", func(o OpSnapshot) int64 { return o.PassThrough }},
		{"hydrahook_callback_panics_total", "Recovered callback panics", func(o OpSnapshot) int64 { return o.Panics }},
	}
	for _, m := range series {
		b = appendHeader(b, m.name, "counter", m.help)
		for _, o := range snap.Ops {
			b = appendSample(b, m.name, `op="`+o.Op.String()+`"`, float64(m.value(o)))
		}
	}
	return string(b)
}

func appendHeader(b []byte, name, typ, help string) []byte {
	b = append(b, "# HELP "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, help...)
	b = append(b, '\n')
	b = append(b, "# TYPE "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, typ...)
	b = append(b, '\n')
	return b
}

func appendSample(b []byte, name, labels string, value float64) []byte {
	b = append(b, name...)
	if labels != "" {
		b = append(b, '{')
		b = append(b, labels...)
		b = append(b, '}')
	}
	b = append(b, ' ')
	b = strconv.AppendFloat(b, value, 'f', -1, 64)
	b = append(b, '\n')
	return b
}
