// Package stack defines the seam to the external protocol stack: application
// identity, configuration and certificate checks, the startable server object,
// and the session registry with its lifecycle events. The wire encoding and
// security-policy negotiation live behind these interfaces; nothing in this
// module interprets them.
package stack

import (
	"context"
	"crypto/x509"
	"time"
)

// ApplicationType narrows the identity to the roles the stack understands.
type ApplicationType int

const (
	ApplicationServer ApplicationType = iota
	ApplicationClient
	ApplicationClientAndServer
)

// ApplicationIdentity names the application toward the stack.
type ApplicationIdentity struct {
	Name          string
	Type          ApplicationType
	ConfigSection string
}

// Configuration is the stack-level configuration produced by LoadConfiguration.
// The stack owns its full contents; these are the fields the lifecycle engine
// reads or overrides.
type Configuration struct {
	Identity            ApplicationIdentity
	EndpointURL         string
	CertificateFile     string
	MinKeyBits          int
	AutoAcceptUntrusted bool
}

// CertificateStatus is the validation status code carried by a
// certificate-validation event.
type CertificateStatus uint32

const (
	StatusOK                         CertificateStatus = 0x00000000
	StatusCertificateTimeInvalid     CertificateStatus = 0x80140000
	StatusCertificateHostNameInvalid CertificateStatus = 0x80160000
	StatusCertificateUntrusted       CertificateStatus = 0x801A0000
	StatusCertificateRevoked         CertificateStatus = 0x801C0000
)

func (s CertificateStatus) String() string {
	switch s {
	case StatusOK:
		return "Good"
	case StatusCertificateTimeInvalid:
		return "BadCertificateTimeInvalid"
	case StatusCertificateHostNameInvalid:
		return "BadCertificateHostNameInvalid"
	case StatusCertificateUntrusted:
		return "BadCertificateUntrusted"
	case StatusCertificateRevoked:
		return "BadCertificateRevoked"
	default:
		return "BadUnknown"
	}
}

// ValidationEvent is delivered to subscribed handlers when the stack cannot
// validate a peer certificate on its own.
type ValidationEvent struct {
	Status      CertificateStatus
	Certificate *x509.Certificate
}

// Decision is a handler's verdict on a validation event.
type Decision int

const (
	// DecisionNone defers to the stack's default handling.
	DecisionNone Decision = iota
	DecisionAccept
	DecisionReject
)

func (d Decision) String() string {
	switch d {
	case DecisionAccept:
		return "accept"
	case DecisionReject:
		return "reject"
	default:
		return "none"
	}
}

// ValidationHandler evaluates a certificate-validation event.
type ValidationHandler func(ValidationEvent) Decision

// Stack is the pre-built protocol stack consumed by the lifecycle engine.
type Stack interface {
	// LoadConfiguration loads the stack configuration for the given identity
	// from the stack's own configuration source.
	LoadConfiguration(ctx context.Context, identity ApplicationIdentity) (*Configuration, error)

	// CheckApplicationCertificate verifies the local application instance
	// certificate, creating one when the stack supports that. A returned
	// error is fatal for startup.
	CheckApplicationCertificate(ctx context.Context, cfg *Configuration) error

	// SubscribeCertificateValidation registers a handler for validation
	// events and returns its unsubscribe func.
	SubscribeCertificateValidation(h ValidationHandler) (unsubscribe func())

	// NewServer builds a startable server bound to the given lifecycle hooks.
	NewServer(cfg *Configuration, hooks ServerHooks) (Server, error)
}

// Server is the startable protocol endpoint.
type Server interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SessionManager() SessionManager
}

// ServerContext is the running server's view handed to hooks and providers.
type ServerContext interface {
	SessionManager() SessionManager
}

// ServerProperties is static identification metadata for the server.
type ServerProperties struct {
	Manufacturer    string
	ProductName     string
	SoftwareVersion string
	BuildNumber     string
	BuildDate       time.Time
}

// ServerHooks are the lifecycle callbacks the stack invokes around startup
// and shutdown. They replace subclass hook overriding with an explicit
// composed adapter.
type ServerHooks interface {
	OnStarting(cfg *Configuration) error
	OnStopping()
	ComposeNodeProviders(sctx ServerContext, cfg *Configuration) []NodeProvider
	DescribeServer() ServerProperties
	OnProvidersReady(sctx ServerContext)
}

// NodeProvider supplies a subset of the address space. The engine treats
// providers as opaque; what nodes they expose is their own business.
type NodeProvider interface {
	Name() string
	Start(ctx context.Context, sctx ServerContext) error
	Stop(ctx context.Context) error
}

// SessionEventKind enumerates session lifecycle events.
type SessionEventKind int

const (
	SessionCreated SessionEventKind = iota
	SessionActivated
	SessionClosing
)

func (k SessionEventKind) String() string {
	switch k {
	case SessionCreated:
		return "Created"
	case SessionActivated:
		return "Activated"
	case SessionClosing:
		return "Closing"
	default:
		return "Unknown"
	}
}

// SessionEvent is delivered to subscribed handlers on session lifecycle
// transitions. Handlers run on stack-owned goroutines and must be brief.
type SessionEvent struct {
	Kind    SessionEventKind
	Session *Session
	At      time.Time
}

// SessionEventHandler observes session lifecycle events.
type SessionEventHandler func(SessionEvent)

// SessionManager is the server's session registry.
type SessionManager interface {
	// Sessions returns the currently active sessions.
	Sessions() []*Session

	// Subscribe registers a handler for session lifecycle events and
	// returns its unsubscribe func.
	Subscribe(h SessionEventHandler) (unsubscribe func())
}
