package server

import (
	"context"
	"log/slog"
	"testing"

	"github.com/mkarlsen/uabridge/internal/stack"
	"github.com/mkarlsen/uabridge/internal/stack/memstack"
)

type nullProvider struct{ name string }

func (p *nullProvider) Name() string                                    { return p.name }
func (p *nullProvider) Start(context.Context, stack.ServerContext) error { return nil }
func (p *nullProvider) Stop(context.Context) error                       { return nil }

func TestComposeNodeProviders_CoreFirstBridgeSecond(t *testing.T) {
	core := NewCore(Config{
		Logger: slog.New(slog.DiscardHandler),
		Bridge: func(stack.ServerContext, *stack.Configuration) stack.NodeProvider {
			return &nullProvider{name: "bridge"}
		},
	})

	providers := core.ComposeNodeProviders(nil, &stack.Configuration{})
	if len(providers) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(providers))
	}
	if providers[0].Name() != "core" || providers[1].Name() != "bridge" {
		t.Fatalf("unexpected provider order: %s, %s", providers[0].Name(), providers[1].Name())
	}
}

func TestComposeNodeProviders_NoBridge(t *testing.T) {
	core := NewCore(Config{Logger: slog.New(slog.DiscardHandler)})
	providers := core.ComposeNodeProviders(nil, &stack.Configuration{})
	if len(providers) != 1 || providers[0].Name() != "core" {
		t.Fatalf("expected only the core provider, got %v", providers)
	}
}

func TestOnReady_FiresAfterProvidersStart(t *testing.T) {
	var readyCtx stack.ServerContext
	core := NewCore(Config{
		Logger:  slog.New(slog.DiscardHandler),
		OnReady: func(sctx stack.ServerContext) { readyCtx = sctx },
	})

	srv, err := memstack.New().NewServer(&stack.Configuration{
		Identity: stack.ApplicationIdentity{Name: "UaBridgeServer"},
	}, core)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Stop(context.Background())

	if readyCtx == nil {
		t.Fatalf("OnReady never fired")
	}
	if readyCtx.SessionManager() == nil {
		t.Fatalf("ready context has no session manager")
	}
}

func TestDescribeServer_ReturnsProperties(t *testing.T) {
	props := stack.ServerProperties{
		Manufacturer:    "Karlsen Marine",
		ProductName:     "UA Bridge",
		SoftwareVersion: "1.2.3",
	}
	core := NewCore(Config{Logger: slog.New(slog.DiscardHandler), Properties: props})
	if got := core.DescribeServer(); got != props {
		t.Fatalf("properties round trip: got %+v, want %+v", got, props)
	}
}
