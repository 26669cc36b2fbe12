// Package memstack is an in-memory implementation of the stack seam. It backs
// simulation mode and tests; a vendor protocol stack plugs in at the same
// interfaces for production deployments.
package memstack

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/mkarlsen/uabridge/internal/stack"
)

const defaultEndpointURL = "opc.tcp://0.0.0.0:4840"

// Stack is the in-memory protocol stack.
type Stack struct {
	// CertificateError, when set, makes CheckApplicationCertificate fail.
	// Used to exercise fatal-startup paths.
	CertificateError error

	mu       sync.RWMutex
	nextID   int
	handlers map[int]stack.ValidationHandler
}

func New() *Stack {
	return &Stack{handlers: make(map[int]stack.ValidationHandler)}
}

func (s *Stack) LoadConfiguration(_ context.Context, identity stack.ApplicationIdentity) (*stack.Configuration, error) {
	if identity.Name == "" {
		return nil, errors.New("memstack: application name is required")
	}
	return &stack.Configuration{
		Identity:    identity,
		EndpointURL: defaultEndpointURL,
		MinKeyBits:  2048,
	}, nil
}

func (s *Stack) CheckApplicationCertificate(_ context.Context, cfg *stack.Configuration) error {
	if s.CertificateError != nil {
		return s.CertificateError
	}
	if cfg.CertificateFile == "" {
		// Simulation mode runs on an ephemeral self-signed identity.
		return nil
	}
	der, err := os.ReadFile(cfg.CertificateFile)
	if err != nil {
		return fmt.Errorf("read application certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("parse application certificate: %w", err)
	}
	if time.Now().After(cert.NotAfter) {
		return fmt.Errorf("application certificate expired %s", cert.NotAfter.Format(time.RFC3339))
	}
	return nil
}

func (s *Stack) SubscribeCertificateValidation(h stack.ValidationHandler) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.handlers[id] = h
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.handlers, id)
		s.mu.Unlock()
	}
}

// Validate runs a certificate-validation event through the subscribed
// handlers, mimicking the stack's negotiation-time callback. The stack
// default rejects any bad status no handler overrides.
func (s *Stack) Validate(status stack.CertificateStatus, cert *x509.Certificate) stack.Decision {
	s.mu.RLock()
	handlers := make([]stack.ValidationHandler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.RUnlock()

	ev := stack.ValidationEvent{Status: status, Certificate: cert}
	for _, h := range handlers {
		if d := h(ev); d != stack.DecisionNone {
			return d
		}
	}
	if status == stack.StatusOK {
		return stack.DecisionAccept
	}
	return stack.DecisionReject
}

func (s *Stack) NewServer(cfg *stack.Configuration, hooks stack.ServerHooks) (stack.Server, error) {
	if hooks == nil {
		return nil, errors.New("memstack: server hooks are required")
	}
	return &Server{cfg: cfg, hooks: hooks, sessions: NewSessionManager()}, nil
}

// Server is the in-memory protocol endpoint.
type Server struct {
	cfg   *stack.Configuration
	hooks stack.ServerHooks

	mu        sync.Mutex
	providers []stack.NodeProvider
	started   bool

	sessions *SessionManager
}

var _ stack.ServerContext = (*Server)(nil)

func (s *Server) SessionManager() stack.SessionManager { return s.sessions }

// Mem returns the concrete session manager for tests and simulation drivers.
func (s *Server) Mem() *SessionManager { return s.sessions }

func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("memstack: server already started")
	}
	if err := s.hooks.OnStarting(s.cfg); err != nil {
		return fmt.Errorf("on starting: %w", err)
	}
	providers := s.hooks.ComposeNodeProviders(s, s.cfg)
	for i, p := range providers {
		if err := p.Start(ctx, s); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = providers[j].Stop(ctx)
			}
			return fmt.Errorf("start node provider %s: %w", p.Name(), err)
		}
	}
	s.providers = providers
	s.started = true
	s.hooks.OnProvidersReady(s)
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return errors.New("memstack: server not started")
	}
	s.hooks.OnStopping()
	var firstErr error
	for i := len(s.providers) - 1; i >= 0; i-- {
		if err := s.providers[i].Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop node provider %s: %w", s.providers[i].Name(), err)
		}
	}
	s.providers = nil
	s.started = false
	return firstErr
}
