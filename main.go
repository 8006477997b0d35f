// Command printerd runs the job lifecycle engine as either an
// interactive foreground process or a native OS service, following the
// same kardianos/service bootstrap shape as agent/main.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kardianos/service"
	"github.com/rs/zerolog"

	"github.com/sulincix/printerd/config"
	"github.com/sulincix/printerd/device"
	"github.com/sulincix/printerd/driver"
	"github.com/sulincix/printerd/engine"
	"github.com/sulincix/printerd/logger"
	"github.com/sulincix/printerd/loop"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

func main() {
	configPath := flag.String("config", "", "path to printerd.toml (default: search standard locations)")
	serviceCmd := flag.String("service", "", "service command: install, uninstall, start, stop, restart")
	showVersion := flag.Bool("version", false, "print version and exit")
	quiet := flag.Bool("quiet", false, "log warnings and errors only")
	flag.Parse()

	if *showVersion {
		fmt.Println("printerd", Version)
		return
	}

	svcConfig := &service.Config{
		Name:        "printerd",
		DisplayName: "Printer Daemon",
		Description: "Job lifecycle engine: spools documents, drives the arranger/backend pipeline, and tracks printer and job state.",
		Arguments:   []string{"-service", "run"},
		Option: service.KeyValue{
			"Restart":           "on-failure",
			"RestartSec":        5,
			"SuccessExitStatus": "0 SIGTERM",
			"KillMode":          "mixed",
			"KillSignal":        "SIGTERM",
		},
	}
	if *configPath != "" {
		svcConfig.Arguments = append(svcConfig.Arguments, "-config", *configPath)
	}

	prg := &program{configPath: *configPath, quiet: *quiet}
	s, err := service.New(prg, svcConfig)
	if err != nil {
		fmt.Fprintln(os.Stderr, "service setup:", err)
		os.Exit(1)
	}

	if *serviceCmd != "" {
		if err := service.Control(s, *serviceCmd); err != nil {
			fmt.Fprintln(os.Stderr, "service", *serviceCmd, "failed:", err)
			os.Exit(1)
		}
		fmt.Printf("service %s: ok\n", *serviceCmd)
		return
	}

	if service.Interactive() {
		runInteractive(context.Background(), *configPath, *quiet)
		return
	}

	if err := s.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "service run:", err)
		os.Exit(1)
	}
}

// program implements service.Interface, following the teacher's
// Start/run/Stop split: Start must return quickly, so the real work
// happens on a goroutine that Stop later cancels and waits on.
type program struct {
	configPath string
	quiet      bool

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	svcLogger service.Logger
}

func (p *program) Start(s service.Service) error {
	p.svcLogger, _ = s.Logger(nil)
	if p.svcLogger != nil {
		p.svcLogger.Info("printerd service starting")
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan struct{})
	go p.run()
	return nil
}

func (p *program) run() {
	defer close(p.done)
	runInteractive(p.ctx, p.configPath, p.quiet)
}

func (p *program) Stop(s service.Service) error {
	if p.svcLogger != nil {
		p.svcLogger.Info("printerd service stop requested")
	}
	if p.cancel != nil {
		p.cancel()
	}
	select {
	case <-p.done:
	case <-time.After(30 * time.Second):
		if p.svcLogger != nil {
			p.svcLogger.Warning("printerd service stopped with timeout")
		}
	}
	return nil
}

// runInteractive builds the engine and its supporting goroutines and
// blocks until ctx is canceled (Ctrl-C in a foreground run, or the
// service manager's Stop in a service run).
func runInteractive(ctx context.Context, configPath string, quiet bool) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Default()
	if configPath != "" {
		if _, err := toml.DecodeFile(configPath, &cfg); err != nil {
			fmt.Fprintln(os.Stderr, "loading config:", err)
		}
	} else if c, err := config.Load(); err == nil {
		cfg = c
	}

	level := zerolog.InfoLevel
	if quiet {
		level = zerolog.WarnLevel
	}
	log := logger.New(os.Stderr, level)

	l := loop.New(64)
	go l.Run()
	defer l.Stop()

	e := engine.New(l, log, cfg.SpoolDir, cfg.FilterDir, cfg.BackendDir, driver.NullParser{})

	scanner := device.NewScanner(16)
	raw := make(chan device.RawEvent)
	go scanner.Run(ctx, raw)
	go dispatchDeviceEvents(ctx, l, scanner, e)

	log.Info("printerd started", "spool_dir", cfg.SpoolDir, "filter_dir", cfg.FilterDir, "backend_dir", cfg.BackendDir)

	runScheduler(ctx, l, e, cfg.DeviceScanEvery)

	l.PostAndWait(func() { e.Shutdown() })
	log.Info("printerd stopped")
}

// dispatchDeviceEvents forwards parsed scanner events into the engine on
// the loop goroutine, since HandleDeviceEvent mutates engine state.
func dispatchDeviceEvents(ctx context.Context, l *loop.Loop, scanner *device.Scanner, e *engine.Engine) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-scanner.Out:
			if !ok {
				return
			}
			l.Post(func() { e.HandleDeviceEvent(ev) })
		}
	}
}

// runScheduler periodically asks every printer to start its next
// pending job. Nothing in spec.md names an IPC surface that would
// otherwise trigger RunNext, so a ticker stands in for "something
// external created a job and expects it to start promptly."
func runScheduler(ctx context.Context, l *loop.Loop, e *engine.Engine, every time.Duration) {
	if every <= 0 {
		every = 5 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Post(func() {
				for _, p := range e.Printers() {
					_ = p.RunNext(ctx)
				}
			})
		}
	}
}
