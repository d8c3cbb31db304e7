// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package hostinfo describes the process an engine was loaded into.
package hostinfo

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// Info identifies a host process.
type Info struct {
	PID     int32
	Name    string
	Exe     string
	Cmdline string
	Threads int32
}

// Describe returns what can be learned about pid. Fields the platform will
// not reveal are left empty; only a missing process is an error.
func Describe(pid int32) (Info, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return Info{}, fmt.Errorf("describe pid %d: %w", pid, err)
	}

	info := Info{PID: pid}
	if name, err := proc.Name(); err == nil {
		info.Name = name
	}
	if exe, err := proc.Exe(); err == nil {
		info.Exe = exe
	}
	if cmdline, err := proc.Cmdline(); err == nil {
		info.Cmdline = cmdline
	}
	if n, err := proc.NumThreads(); err == nil {
		info.Threads = n
	}
	if info.Name == "" && info.Exe != "" {
		info.Name = filepath.Base(info.Exe)
	}
	return info, nil
}

// DisplayName returns the executable name without its extension.
func (i Info) DisplayName() string {
	if i.Name == "" {
		return fmt.Sprintf("pid-%d", i.PID)
	}
	return strings.TrimSuffix(i.Name, ".exe")
}

// Fields returns the info as log fields.
func (i Info) Fields() []zap.Field {
	return []zap.Field{
		zap.Int32("pid", i.PID),
		zap.String("process", i.DisplayName()),
		zap.String("exe", i.Exe),
		zap.Int32("threads", i.Threads),
	}
}
