// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Command hydrahook-probe runs backend detection inside its own process and
// prints what an engine would hook. It can also flip an engine's control
// file, or host a full engine until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mbeema/hydrahook/pkg/backend"
	"github.com/mbeema/hydrahook/pkg/config"
	"github.com/mbeema/hydrahook/pkg/control"
	"github.com/mbeema/hydrahook/pkg/engine"
	"github.com/mbeema/hydrahook/pkg/hostinfo"
	"github.com/mbeema/hydrahook/pkg/logging"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  string
		logLevel    string
		attempts    int
		preload     string
		controlPath string
		set         string
		hookSelf    bool
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "path to configuration file")
	flag.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.IntVar(&attempts, "attempts", 0, "override probe.max_attempts")
	flag.StringVar(&preload, "preload", "", "comma-separated runtime modules to load before probing (e.g. d3d11.dll,dxgi.dll)")
	flag.StringVar(&controlPath, "control", "", "control file path (overrides control.path)")
	flag.StringVar(&set, "set", "", "set the control file to on or off and exit")
	flag.BoolVar(&hookSelf, "hook", false, "create an engine in this process and run until interrupted")
	flag.BoolVar(&showVersion, "version", false, "show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("hydrahook-probe %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if attempts > 0 {
		cfg.Probe.MaxAttempts = attempts
	}
	if controlPath != "" {
		cfg.Control.Path = controlPath
	}

	if set != "" {
		if err := setControl(logging.ExpandPath(cfg.Control.Path), set); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		return
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if info, err := hostinfo.Describe(int32(os.Getpid())); err == nil {
		logger.Info("starting hydrahook probe", append(info.Fields(), zap.String("version", version))...)
	}

	for _, name := range splitList(preload) {
		if err := loadModule(name); err != nil {
			logger.Fatal("failed to preload module", zap.String("module", name), zap.Error(err))
		}
		logger.Debug("module preloaded", zap.String("module", name))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if hookSelf {
		if err := runEngine(ctx, cfg, logger); err != nil {
			logger.Error("engine run failed", zap.Error(err))
			os.Exit(1)
		}
		return
	}

	if !probe(ctx, cfg, logger, os.Stdout) {
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaults := []string{
		"hydrahook.yaml",
		"configs/hydrahook.yaml",
	}
	for _, p := range defaults {
		if _, err := os.Stat(p); err == nil {
			return config.Load(p)
		}
	}

	cfg := config.DefaultConfig()
	cfg.ApplyEnvOverrides()
	return cfg, cfg.Validate()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func setControl(path, state string) error {
	if path == "" {
		return fmt.Errorf("-set needs -control or control.path")
	}
	var on bool
	switch strings.ToLower(state) {
	case "on", "active", "1":
		on = true
	case "off", "dormant", "0":
	default:
		return fmt.Errorf("-set must be on or off, got %q", state)
	}

	c, err := control.OpenControlFile(path)
	if err != nil {
		c, err = control.CreateControlFile(path, on)
		if err != nil {
			return err
		}
	} else if on {
		err = c.Enable()
	} else {
		err = c.Disable()
	}
	if err != nil {
		c.Close()
		return err
	}
	fmt.Printf("%s: active=%v\n", c.Path(), on)
	return c.Close()
}

func eligible(b config.BackendsConfig) backend.Kind {
	var k backend.Kind
	for _, f := range []struct {
		on   bool
		kind backend.Kind
	}{
		{b.Direct3D9, backend.D3D9},
		{b.Direct3D10, backend.D3D10},
		{b.Direct3D11, backend.D3D11},
		{b.Direct3D12, backend.D3D12},
		{b.CoreAudio, backend.CoreAudio},
	} {
		if f.on {
			k |= f.kind
		}
	}
	return k
}

// probe runs detection and prints each detected table. It reports whether
// anything was found.
func probe(ctx context.Context, cfg *config.Config, logger *zap.Logger, w io.Writer) bool {
	p := backend.NewProber(backend.ProbeConfig{
		Eligible:     eligible(cfg.Backends),
		NewWindow:    backend.NewWindowFactory(cfg.Probe.WindowClass),
		MaxAttempts:  cfg.Probe.MaxAttempts,
		InitialDelay: cfg.Probe.InitialDelay,
		MaxDelay:     cfg.Probe.MaxDelay,
		Logger:       logger,
	})

	kind, err := p.Run(ctx, func(d *backend.Detection) error {
		printDetection(w, d)
		return nil
	})
	if err != nil {
		logger.Warn("detection incomplete", zap.Error(err))
	}
	fmt.Fprintf(w, "detected: %s\n", kind)
	return kind != 0
}

func printDetection(w io.Writer, d *backend.Detection) {
	fmt.Fprintf(w, "%s\n", d.Kind)
	for _, t := range d.Targets {
		fmt.Fprintf(w, "  %s table=%#x size=%d\n", t.Def.Interface, t.Table.Addr(), t.Def.Size)
		for _, sd := range t.Def.Slots {
			fn, err := t.Table.Slot(sd.Index)
			if err != nil {
				fmt.Fprintf(w, "    %-20s [%3d] %v\n", sd.Op, sd.Index, err)
				continue
			}
			fmt.Fprintf(w, "    %-20s [%3d] %#x\n", sd.Op, sd.Index, fn)
		}
	}
}

// runEngine hosts an engine for this process until ctx ends, then prints
// its counters.
func runEngine(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	host := selfModule()
	e, err := engine.Create(host, engine.Config{
		Settings: cfg,
		Logger:   logger,
		Events: engine.Events{
			Hooked: func(e *engine.Engine, k backend.Kind) {
				logger.Info("hooked", zap.Stringer("backend", k))
			},
			PreExit: func(*engine.Engine) {
				logger.Info("engine exiting")
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create engine (code %#x): %w", uint32(engine.Code(err)), err)
	}

	<-ctx.Done()
	metrics := e.Metrics()
	if err := engine.Destroy(host); err != nil {
		return fmt.Errorf("destroy engine: %w", err)
	}
	fmt.Print(metrics)
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(logging.ParseLevel(level)),
		Encoding:         "console",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	return cfg.Build()
}
