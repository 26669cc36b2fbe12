// Package trust decides whether peer certificates the stack could not
// validate are accepted. The gate is pure policy: no state beyond its
// construction-time configuration, fail closed on any internal error.
package trust

import (
	"fmt"
	"log/slog"

	"github.com/mkarlsen/uabridge/internal/audit"
	"github.com/mkarlsen/uabridge/internal/bus"
	"github.com/mkarlsen/uabridge/internal/stack"
)

// Config holds the gate's collaborators. Store, Trail, and Bus are optional.
type Config struct {
	// AutoAccept accepts certificates the stack reports as untrusted.
	// Immutable after construction.
	AutoAccept bool

	Store  *Store
	Trail  *audit.Trail
	Bus    *bus.Bus
	Logger *slog.Logger

	// OnDecision, when set, observes every accept/reject (used for metrics).
	OnDecision func(accepted bool)
}

// Gate evaluates certificate-validation events.
type Gate struct {
	cfg Config
}

func NewGate(cfg Config) *Gate {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gate{cfg: cfg}
}

// Decide is the validation handler wired into the stack. Only the untrusted
// status is decided here; every other status defers to the stack's default
// rejection. A panic anywhere below resolves to reject.
func (g *Gate) Decide(ev stack.ValidationEvent) (d stack.Decision) {
	if ev.Status != stack.StatusCertificateUntrusted {
		return stack.DecisionNone
	}

	defer func() {
		if r := recover(); r != nil {
			g.cfg.Logger.Error("trust gate failure, rejecting", "panic", fmt.Sprint(r))
			d = stack.DecisionReject
		}
	}()

	subject := "<no certificate>"
	if ev.Certificate != nil {
		subject = ev.Certificate.Subject.String()
	}

	accepted := false
	reason := "auto-accept disabled"
	switch {
	case g.cfg.Store != nil && g.cfg.Store.Contains(ev.Certificate):
		accepted = true
		reason = "explicitly trusted"
	case g.cfg.AutoAccept:
		accepted = true
		reason = "auto-accept enabled"
	}

	g.record(accepted, subject, ev.Status, reason)
	if accepted {
		return stack.DecisionAccept
	}
	return stack.DecisionReject
}

func (g *Gate) record(accepted bool, subject string, status stack.CertificateStatus, reason string) {
	decision := "reject"
	if accepted {
		decision = "accept"
		g.cfg.Logger.Info(fmt.Sprintf("Accepted Certificate: %s", subject), "status", status.String(), "reason", reason)
	} else {
		g.cfg.Logger.Warn(fmt.Sprintf("Rejected Certificate: %s", subject), "status", status.String(), "reason", reason)
	}
	if g.cfg.Trail != nil {
		g.cfg.Trail.Record(decision, subject, status.String(), reason)
	}
	if g.cfg.Bus != nil {
		g.cfg.Bus.Publish(bus.TopicTrustDecision, bus.TrustDecisionEvent{
			Decision: decision,
			Subject:  subject,
			Status:   status.String(),
		})
	}
	if g.cfg.OnDecision != nil {
		g.cfg.OnDecision(accepted)
	}
}
