// Command uabridge serves live data from an external simulation model to
// industrial clients over a certificate-secured machine-to-machine protocol.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/mkarlsen/uabridge/internal/audit"
	"github.com/mkarlsen/uabridge/internal/bridge"
	"github.com/mkarlsen/uabridge/internal/bus"
	"github.com/mkarlsen/uabridge/internal/config"
	"github.com/mkarlsen/uabridge/internal/gateway"
	"github.com/mkarlsen/uabridge/internal/lifecycle"
	otelx "github.com/mkarlsen/uabridge/internal/otel"
	"github.com/mkarlsen/uabridge/internal/pki"
	"github.com/mkarlsen/uabridge/internal/stack/memstack"
	"github.com/mkarlsen/uabridge/internal/telemetry"
	"github.com/mkarlsen/uabridge/internal/trust"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

// BuildDate is set via ldflags, RFC 3339.
var BuildDate = ""

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("uabridge", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	home := fs.String("home", defaultHome(), "server state directory")
	configPath := fs.String("config", "", "config file path (default <home>/config.yaml)")
	sim := fs.Bool("sim", false, "drive the built-in simulation sessions")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return int(lifecycle.ExitInvalidCommandLine)
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "unexpected argument %q\n", fs.Arg(0))
		fs.Usage()
		return int(lifecycle.ExitInvalidCommandLine)
	}
	if *showVersion {
		fmt.Println(Version)
		return 0
	}

	ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	if *configPath == "" {
		*configPath = config.Path(*home)
	}
	cfg, err := config.LoadFile(*home, *configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration:", err)
		return int(lifecycle.ExitServerException)
	}

	trail, err := audit.Open(cfg.HomeDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "audit trail:", err)
		return int(lifecycle.ExitServerException)
	}
	defer func() { _ = trail.Close() }()

	// Interactive runs keep stdout for the banner; the JSON stream goes to
	// the log file only.
	interactive := isatty.IsTerminal(os.Stdout.Fd())
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, interactive)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		return int(lifecycle.ExitServerException)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	if cfg.Audit.Database {
		if err := trail.AttachDB(filepath.Join(cfg.HomeDir, "logs", "audit.db")); err != nil {
			logger.Warn("audit database unavailable, continuing with file trail", "error", err)
		}
	}

	provider, err := otelx.Init(ctx, cfg.Otel, Version)
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		return int(lifecycle.ExitServerException)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelx.NewMetrics(provider.Meter)
	if err != nil {
		logger.Error("metrics init failed", "error", err)
		return int(lifecycle.ExitServerException)
	}

	store := trust.NewStore(cfg.TrustedDir())
	if err := store.Reload(); err != nil {
		logger.Warn("trust store load failed, starting with empty list", "error", err)
	}

	eventBus := bus.New()

	// The stack seam is where a vendor protocol stack plugs in; the in-memory
	// stack backs this build.
	stk := memstack.New()

	ctrl, err := lifecycle.New(lifecycle.Config{
		Config:     cfg,
		Stack:      stk,
		Logger:     logger,
		Bus:        eventBus,
		Trail:      trail,
		Metrics:    metrics,
		TrustStore: store,
		Bridge:     bridge.NewProvider(logger),
		Version:    Version,
		BuildDate:  buildDate(),
	})
	if err != nil {
		logger.Error("controller init failed", "error", err)
		return int(lifecycle.ExitServerException)
	}

	if err := ctrl.Run(ctx); err != nil {
		logger.Error("server failed to start", "error", err)
		return int(ctrl.ExitStatus())
	}

	if interactive {
		fmt.Printf("uabridge %s serving %s (home %s)\n", Version, cfg.Server.EndpointURL, cfg.HomeDir)
	}

	cfgWatcher := config.NewWatcher(*configPath, logger)
	if err := cfgWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for ev := range cfgWatcher.Events() {
				eventBus.Publish(bus.TopicConfigChanged, ev.Path)
			}
		}()
	}

	pkiWatcher := pki.NewWatcher(store, eventBus, logger)
	if err := pkiWatcher.Start(ctx); err != nil {
		logger.Warn("trust store watcher unavailable", "error", err)
	}

	sweeper, err := pki.NewSweeper(pki.SweeperConfig{
		Paths:    []string{cfg.Security.ApplicationCertificate, cfg.TrustedDir()},
		Horizon:  time.Duration(cfg.PKI.ExpiryHorizonDays) * 24 * time.Hour,
		Schedule: cfg.PKI.ExpirySchedule,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		logger.Warn("certificate expiry sweeper disabled", "error", err)
	} else {
		sweeper.Start(ctx)
		defer sweeper.Stop()
	}

	var gw *gateway.Server
	if cfg.Gateway.Enabled {
		gw = gateway.New(gateway.Config{
			BindAddr:    cfg.Gateway.BindAddr,
			Logger:      logger,
			Bus:         eventBus,
			Fingerprint: cfg.Fingerprint(),
			State:       func() string { return ctrl.State().String() },
			Uptime:      ctrl.Uptime,
			Sessions:    ctrl.Sessions,
			DenyCount:   trail.DenyCount,
		})
		if err := gw.Start(ctx); err != nil {
			logger.Warn("diagnostics gateway unavailable", "error", err)
			gw = nil
		}
	}

	if *sim {
		go runSimulation(ctx, ctrl, logger)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if gw != nil {
		_ = gw.Stop(shutdownCtx)
	}
	if err := ctrl.Stop(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}

	// 0x100 and friends exceed a POSIX exit byte; the documented codes win
	// over wait(2) fidelity.
	return int(ctrl.ExitStatus())
}

// runSimulation drives a couple of synthetic client sessions against the
// in-memory stack so the monitor and gateway have something to show.
func runSimulation(ctx context.Context, ctrl *lifecycle.Controller, logger *slog.Logger) {
	h := ctrl.Handle()
	if h == nil {
		return
	}
	sm, ok := h.Server.SessionManager().(*memstack.SessionManager)
	if !ok {
		logger.Warn("simulation requires the in-memory stack")
		return
	}

	ops := sm.Create("OpStation-1", "operator@plant")
	hist := sm.Create("Historian", "")
	sm.Activate(ops)
	sm.Activate(hist)
	logger.Info("simulation sessions created", "sessions", 2)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.Activate(ops)
		}
	}
}

func defaultHome() string {
	if env := os.Getenv("UABRIDGE_HOME"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".uabridge"
	}
	return filepath.Join(home, ".uabridge")
}

func buildDate() time.Time {
	if BuildDate == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, BuildDate)
	if err != nil {
		return time.Time{}
	}
	return t
}
