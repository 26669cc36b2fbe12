// Package bridge is the seam to the external simulation-model bridge. The
// provider here is a stub; the real bridge maps model entities and properties
// into address-space nodes behind the same NodeProvider contract.
package bridge

import (
	"context"
	"log/slog"

	"github.com/mkarlsen/uabridge/internal/stack"
)

// Provider is the model-bridge node provider stub.
type Provider struct {
	logger *slog.Logger
}

// NewProvider is the construction contract consumed by the server core.
func NewProvider(logger *slog.Logger) func(stack.ServerContext, *stack.Configuration) stack.NodeProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return func(_ stack.ServerContext, _ *stack.Configuration) stack.NodeProvider {
		return &Provider{logger: logger}
	}
}

func (p *Provider) Name() string { return "model-bridge" }

func (p *Provider) Start(_ context.Context, _ stack.ServerContext) error {
	p.logger.Info("model bridge provider started")
	return nil
}

func (p *Provider) Stop(_ context.Context) error {
	p.logger.Info("model bridge provider stopped")
	return nil
}
