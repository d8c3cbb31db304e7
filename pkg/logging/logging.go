// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package logging builds the engine's zap logger.
//
// File destinations are buffered and flushed from a background goroutine,
// so a call on a render thread never waits on the disk. Write failures are
// dropped.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mbeema/hydrahook/pkg/config"
)

const (
	bufferSize    = 256 << 10
	flushInterval = time.Second
)

// ParseLevel maps a level name to a zap level. Unknown names are info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

var winVar = regexp.MustCompile(`%([A-Za-z_][A-Za-z0-9_]*)%`)

func lookup(name string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	switch strings.ToUpper(name) {
	case "TEMP", "TMP", "TMPDIR":
		return os.TempDir()
	}
	return ""
}

// ExpandPath expands %NAME% and $NAME references. TEMP and TMP fall back to
// the system temporary directory when unset.
func ExpandPath(p string) string {
	p = winVar.ReplaceAllStringFunc(p, func(m string) string {
		return lookup(m[1 : len(m)-1])
	})
	return filepath.Clean(os.Expand(p, lookup))
}

// New builds a logger from cfg at the given level. The returned close
// function flushes buffered output and releases the destination. With
// logging disabled the logger is a no-op. If the log file cannot be opened
// New still returns a usable logger writing to stderr, along with the error.
func New(cfg config.LoggingConfig, level string) (*zap.Logger, func() error, error) {
	nop := func() error { return nil }
	if !cfg.Enabled {
		return zap.NewNop(), nop, nil
	}

	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeLevel = zapcore.CapitalLevelEncoder

	var (
		ws      zapcore.WriteSyncer
		closeFn = nop
		openErr error
	)
	switch cfg.FilePath {
	case "stderr", "":
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
		ws = zapcore.Lock(os.Stderr)
	case "stdout":
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
		ws = zapcore.Lock(os.Stdout)
	default:
		ws, closeFn, openErr = openFile(ExpandPath(cfg.FilePath))
		if openErr != nil {
			ws, closeFn = zapcore.Lock(os.Stderr), nop
		}
	}

	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(enc)
	} else {
		encoder = zapcore.NewConsoleEncoder(enc)
	}

	core := zapcore.NewCore(encoder, ws, zap.NewAtomicLevelAt(ParseLevel(level)))
	logger := zap.New(core, zap.ErrorOutput(zapcore.AddSync(io.Discard)))
	return logger, closeFn, openErr
}

// openFile opens path for appending behind a buffered, non-blocking sink.
func openFile(path string) (zapcore.WriteSyncer, func() error, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	buf := &zapcore.BufferedWriteSyncer{
		WS:            zapcore.AddSync(f),
		Size:          bufferSize,
		FlushInterval: flushInterval,
	}
	return buf, func() error {
		err := buf.Stop()
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		return err
	}, nil
}
