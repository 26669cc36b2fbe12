// Package lifecycle orchestrates the server: it loads the stack
// configuration, verifies the application certificate, wires the trust gate,
// starts the protocol server core, and runs the session monitor. It owns the
// start/stop/exit-status contract the process entry point consumes.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mkarlsen/uabridge/internal/audit"
	"github.com/mkarlsen/uabridge/internal/bus"
	"github.com/mkarlsen/uabridge/internal/config"
	"github.com/mkarlsen/uabridge/internal/monitor"
	otelx "github.com/mkarlsen/uabridge/internal/otel"
	"github.com/mkarlsen/uabridge/internal/server"
	"github.com/mkarlsen/uabridge/internal/stack"
	"github.com/mkarlsen/uabridge/internal/trust"
)

// State is the controller's lifecycle state. Exactly one instance exists,
// mutated only by the controller.
type State int32

const (
	NotStarted State = iota
	Starting
	Running
	Stopping
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// ExitStatus is the worst-known process outcome. It is never downgraded once
// set to an error value except by a fresh successful Run.
type ExitStatus int

const (
	ExitOk                 ExitStatus = 0x00
	ExitServerNotStarted   ExitStatus = 0x80
	ExitServerRunning      ExitStatus = 0x81
	ExitServerException    ExitStatus = 0x82
	ExitInvalidCommandLine ExitStatus = 0x100
)

func (e ExitStatus) String() string {
	switch e {
	case ExitOk:
		return "ok"
	case ExitServerNotStarted:
		return "server_not_started"
	case ExitServerRunning:
		return "server_running"
	case ExitServerException:
		return "server_exception"
	case ExitInvalidCommandLine:
		return "invalid_command_line"
	default:
		return "unknown"
	}
}

// ErrNotRunning is returned by Stop when the server is not in the Running
// state. No partial teardown is attempted.
var ErrNotRunning = errors.New("server is not running")

// ErrAlreadyStarted is returned by Run outside the NotStarted/Failed states.
var ErrAlreadyStarted = errors.New("server already started")

// Handle owns the running protocol endpoint. It is non-nil exactly while the
// state is Running or Stopping.
type Handle struct {
	Server    stack.Server
	StartedAt time.Time
}

// Config holds the controller's collaborators.
type Config struct {
	Config *config.Config
	Stack  stack.Stack

	Logger *slog.Logger
	Bus    *bus.Bus
	// Trail, Metrics, and TrustStore are optional.
	Trail      *audit.Trail
	Metrics    *otelx.Metrics
	TrustStore *trust.Store

	// Bridge builds the external model-bridge provider.
	Bridge server.BridgeFactory

	Version   string
	BuildDate time.Time
}

// Controller is the top-level orchestrator.
type Controller struct {
	cfg Config

	// mu serializes Run and Stop; state reads are lock-free.
	mu sync.Mutex

	state  atomic.Int32
	exit   atomic.Int64
	handle atomic.Pointer[Handle]

	monitor         *monitor.Monitor
	unsubValidation func()
}

func New(cfg Config) (*Controller, error) {
	if cfg.Config == nil {
		return nil, errors.New("lifecycle: configuration is required")
	}
	if cfg.Stack == nil {
		return nil, errors.New("lifecycle: protocol stack is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Controller{cfg: cfg}
	c.exit.Store(int64(ExitServerNotStarted))
	return c, nil
}

// Run brings the server up. Valid only from NotStarted or Failed. On any
// failure the state becomes Failed, the exit status ServerException, and the
// error is returned to the caller; the monitor is never started on a failed
// run.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case NotStarted, Failed:
	default:
		return fmt.Errorf("%w: state %s", ErrAlreadyStarted, c.State())
	}
	c.setState(Starting)

	appCfg := c.cfg.Config
	identity := stack.ApplicationIdentity{
		Name:          appCfg.Server.Name,
		Type:          stack.ApplicationServer,
		ConfigSection: appCfg.Server.ConfigSection,
	}

	scfg, err := c.cfg.Stack.LoadConfiguration(ctx, identity)
	if err != nil {
		return c.fail(fmt.Errorf("load stack configuration: %w", err))
	}
	scfg.EndpointURL = appCfg.Server.EndpointURL
	scfg.MinKeyBits = appCfg.Security.MinKeyBits
	if appCfg.Security.ApplicationCertificate != "" {
		scfg.CertificateFile = appCfg.Security.ApplicationCertificate
	}

	if err := c.cfg.Stack.CheckApplicationCertificate(ctx, scfg); err != nil {
		return c.fail(fmt.Errorf("check application certificate: %w", err))
	}

	// The gate is only wired when the stack configuration does not already
	// accept untrusted certificates globally.
	if scfg.AutoAcceptUntrusted {
		c.cfg.Logger.Warn("stack accepts untrusted certificates globally; trust gate not wired")
	} else {
		gate := trust.NewGate(trust.Config{
			AutoAccept: appCfg.Security.AutoAcceptUntrusted,
			Store:      c.cfg.TrustStore,
			Trail:      c.cfg.Trail,
			Bus:        c.cfg.Bus,
			Logger:     c.cfg.Logger,
			OnDecision: c.countTrustDecision,
		})
		c.unsubValidation = c.cfg.Stack.SubscribeCertificateValidation(gate.Decide)
	}

	mon := monitor.New(monitor.Config{
		Logger:        c.cfg.Logger,
		Bus:           c.cfg.Bus,
		Metrics:       c.cfg.Metrics,
		PollInterval:  appCfg.Monitor.PollInterval(),
		IdleThreshold: appCfg.Monitor.IdleThreshold(),
	})

	core := server.NewCore(server.Config{
		Logger: c.cfg.Logger,
		Properties: stack.ServerProperties{
			Manufacturer:    appCfg.Server.Manufacturer,
			ProductName:     appCfg.Server.ProductName,
			SoftwareVersion: c.softwareVersion(),
			BuildNumber:     c.cfg.Version,
			BuildDate:       c.cfg.BuildDate,
		},
		Bridge: c.cfg.Bridge,
		OnReady: func(sctx stack.ServerContext) {
			mon.Bind(sctx.SessionManager())
		},
	})

	srv, err := c.cfg.Stack.NewServer(scfg, core)
	if err != nil {
		return c.fail(fmt.Errorf("build server: %w", err))
	}
	if err := srv.Start(ctx); err != nil {
		mon.Stop()
		return c.fail(fmt.Errorf("start server: %w", err))
	}

	c.monitor = mon
	c.handle.Store(&Handle{Server: srv, StartedAt: time.Now()})
	mon.Start(ctx)

	c.setState(Running)
	c.exit.Store(int64(ExitServerRunning))
	c.cfg.Logger.Info("server running",
		"application", identity.Name,
		"endpoint", scfg.EndpointURL,
	)
	return nil
}

// Stop tears the server down. Valid only while Running; any other state is
// rejected without side effects. It clears the handle, joins the monitor,
// then stops the server core. It does not return before the monitor has
// observably terminated.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() != Running {
		return fmt.Errorf("%w: state %s", ErrNotRunning, c.State())
	}
	c.setState(Stopping)

	h := c.handle.Swap(nil)
	c.monitor.Stop()
	c.monitor = nil

	if c.unsubValidation != nil {
		c.unsubValidation()
		c.unsubValidation = nil
	}

	if err := h.Server.Stop(ctx); err != nil {
		c.setState(Failed)
		c.exit.Store(int64(ExitServerException))
		return fmt.Errorf("stop server: %w", err)
	}

	c.setState(Stopped)
	c.exit.Store(int64(ExitOk))
	c.cfg.Logger.Info("server stopped")
	return nil
}

// State returns the current lifecycle state.
func (c *Controller) State() State { return State(c.state.Load()) }

// ExitStatus returns the worst-known process outcome.
func (c *Controller) ExitStatus() ExitStatus { return ExitStatus(c.exit.Load()) }

// Handle returns the running endpoint's handle, nil outside Running/Stopping.
func (c *Controller) Handle() *Handle { return c.handle.Load() }

// Uptime reports how long the endpoint has been up, zero when it is not.
func (c *Controller) Uptime() time.Duration {
	h := c.handle.Load()
	if h == nil {
		return 0
	}
	return time.Since(h.StartedAt)
}

// Sessions snapshots the active sessions, empty when the server is down.
func (c *Controller) Sessions() []stack.SessionSnapshot {
	h := c.handle.Load()
	if h == nil {
		return nil
	}
	sessions := h.Server.SessionManager().Sessions()
	out := make([]stack.SessionSnapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

func (c *Controller) fail(err error) error {
	if c.unsubValidation != nil {
		c.unsubValidation()
		c.unsubValidation = nil
	}
	c.setState(Failed)
	c.exit.Store(int64(ExitServerException))
	c.cfg.Logger.Error("server startup failed", "error", err)
	return err
}

func (c *Controller) setState(next State) {
	prev := State(c.state.Swap(int32(next)))
	if prev == next {
		return
	}
	c.cfg.Logger.Info("lifecycle state", "from", prev.String(), "to", next.String())
	if c.cfg.Bus != nil {
		c.cfg.Bus.Publish(bus.TopicLifecycleState, bus.StateChangedEvent{
			From: prev.String(),
			To:   next.String(),
		})
	}
}

func (c *Controller) countTrustDecision(accepted bool) {
	if c.cfg.Metrics == nil {
		return
	}
	if accepted {
		c.cfg.Metrics.TrustAccepts.Add(context.Background(), 1)
	} else {
		c.cfg.Metrics.TrustRejects.Add(context.Background(), 1)
	}
}

func (c *Controller) softwareVersion() string {
	if v := c.cfg.Config.Server.SoftwareVersion; v != "" {
		return v
	}
	return c.cfg.Version
}
