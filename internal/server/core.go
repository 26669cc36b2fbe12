// Package server adapts the lifecycle engine onto the stack's server hooks.
// It composes the address-space node providers and exposes the seam where
// the session monitor binds to the running server.
package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/mkarlsen/uabridge/internal/stack"
)

// BridgeFactory builds the external model-bridge node provider. The core
// never looks inside what the bridge exposes.
type BridgeFactory func(sctx stack.ServerContext, cfg *stack.Configuration) stack.NodeProvider

// Config holds the core's collaborators.
type Config struct {
	Logger     *slog.Logger
	Properties stack.ServerProperties
	Bridge     BridgeFactory

	// OnReady fires once, after all node providers have started. The
	// lifecycle controller uses it to bind the session monitor.
	OnReady func(sctx stack.ServerContext)
}

// Core implements stack.ServerHooks.
type Core struct {
	cfg Config
}

var _ stack.ServerHooks = (*Core)(nil)

func NewCore(cfg Config) *Core {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Core{cfg: cfg}
}

// OnStarting is the pre-startup customization point. Nothing beyond
// delegation happens here today.
func (c *Core) OnStarting(cfg *stack.Configuration) error {
	c.cfg.Logger.Info("server starting",
		"application", cfg.Identity.Name,
		"endpoint", cfg.EndpointURL,
	)
	return nil
}

func (c *Core) OnStopping() {
	c.cfg.Logger.Info("server stopping")
}

// ComposeNodeProviders returns the built-in core provider followed by the
// model bridge, in that order.
func (c *Core) ComposeNodeProviders(sctx stack.ServerContext, cfg *stack.Configuration) []stack.NodeProvider {
	providers := []stack.NodeProvider{newCoreProvider(c.cfg.Logger)}
	if c.cfg.Bridge != nil {
		providers = append(providers, c.cfg.Bridge(sctx, cfg))
	}
	return providers
}

func (c *Core) DescribeServer() stack.ServerProperties {
	return c.cfg.Properties
}

func (c *Core) OnProvidersReady(sctx stack.ServerContext) {
	c.cfg.Logger.Info("node providers ready")
	if c.cfg.OnReady != nil {
		c.cfg.OnReady(sctx)
	}
}

// coreProvider supplies the built-in diagnostics subset of the address space.
type coreProvider struct {
	logger    *slog.Logger
	startedAt time.Time
}

func newCoreProvider(logger *slog.Logger) *coreProvider {
	return &coreProvider{logger: logger}
}

func (p *coreProvider) Name() string { return "core" }

func (p *coreProvider) Start(_ context.Context, _ stack.ServerContext) error {
	p.startedAt = time.Now()
	p.logger.Debug("core node provider started")
	return nil
}

func (p *coreProvider) Stop(_ context.Context) error {
	p.logger.Debug("core node provider stopped", "uptime", time.Since(p.startedAt))
	return nil
}
