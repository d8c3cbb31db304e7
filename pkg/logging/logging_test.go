// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mbeema/hydrahook/pkg/config"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"INFO":    zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		"warn":    zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"bogus":   zapcore.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestExpandPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HYDRA_TEST_DIR", dir)

	if got := ExpandPath("%HYDRA_TEST_DIR%/a.log"); got != filepath.Join(dir, "a.log") {
		t.Errorf("windows style = %q", got)
	}
	if got := ExpandPath("$HYDRA_TEST_DIR/b.log"); got != filepath.Join(dir, "b.log") {
		t.Errorf("unix style = %q", got)
	}

	t.Setenv("TEMP", "")
	os.Unsetenv("TEMP")
	if got := ExpandPath("%TEMP%/c.log"); got != filepath.Join(os.TempDir(), "c.log") {
		t.Errorf("TEMP fallback = %q, want under %q", got, os.TempDir())
	}
}

func TestNewDisabled(t *testing.T) {
	l, closeFn, err := New(config.LoggingConfig{Enabled: false}, "debug")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if l.Core().Enabled(zapcore.ErrorLevel) {
		t.Error("disabled logger is enabled")
	}
	if err := closeFn(); err != nil {
		t.Errorf("close: %v", err)
	}
}

func TestNewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "engine.log")
	l, closeFn, err := New(config.LoggingConfig{Enabled: true, FilePath: path, Format: "json"}, "info")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Debug("hidden")
	l.Info("engine created", zap.String("backend", "Direct3D11"))
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, `"msg":"engine created"`) || !strings.Contains(out, `"backend":"Direct3D11"`) {
		t.Errorf("log output = %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Error("debug line written at info level")
	}
}

func TestNewUnwritablePath(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	os.WriteFile(file, nil, 0644)
	l, closeFn, err := New(config.LoggingConfig{Enabled: true, FilePath: filepath.Join(file, "x.log")}, "info")
	if err == nil {
		t.Fatal("New under a regular file succeeded")
	}
	if l == nil || closeFn == nil {
		t.Fatal("New returned nil logger on error")
	}
	if !l.Core().Enabled(zapcore.InfoLevel) {
		t.Error("fallback logger drops info lines")
	}
	l.Info("still safe to call")
	if err := closeFn(); err != nil {
		t.Errorf("close fallback: %v", err)
	}
}
