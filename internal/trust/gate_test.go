package trust

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"log/slog"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/mkarlsen/uabridge/internal/stack"
)

func testCert(t *testing.T, cn string) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return cert
}

func TestDecide_UntrustedRejectedWhenAutoAcceptOff(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	g := NewGate(Config{AutoAccept: false, Logger: logger})

	cert := testCert(t, "TestClient")
	d := g.Decide(stack.ValidationEvent{Status: stack.StatusCertificateUntrusted, Certificate: cert})
	if d != stack.DecisionReject {
		t.Fatalf("expected reject, got %s", d)
	}
	if !strings.Contains(buf.String(), "Rejected Certificate: CN=TestClient") {
		t.Fatalf("expected rejection log with subject, got: %s", buf.String())
	}
}

func TestDecide_UntrustedAcceptedWhenAutoAcceptOn(t *testing.T) {
	g := NewGate(Config{AutoAccept: true, Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))})
	cert := testCert(t, "TestClient")
	d := g.Decide(stack.ValidationEvent{Status: stack.StatusCertificateUntrusted, Certificate: cert})
	if d != stack.DecisionAccept {
		t.Fatalf("expected accept, got %s", d)
	}
}

func TestDecide_OtherStatusesDeferToStack(t *testing.T) {
	cert := testCert(t, "TestClient")
	for _, autoAccept := range []bool{false, true} {
		g := NewGate(Config{AutoAccept: autoAccept, Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))})
		for _, status := range []stack.CertificateStatus{
			stack.StatusCertificateTimeInvalid,
			stack.StatusCertificateRevoked,
			stack.StatusCertificateHostNameInvalid,
			stack.StatusOK,
		} {
			if d := g.Decide(stack.ValidationEvent{Status: status, Certificate: cert}); d != stack.DecisionNone {
				t.Fatalf("status %s auto_accept=%v: expected none, got %s", status, autoAccept, d)
			}
		}
	}
}

func TestDecide_ExplicitlyTrustedBeatsPolicy(t *testing.T) {
	dir := t.TempDir()
	cert := testCert(t, "TrustedClient")
	writeDER(t, dir, "client.der", cert)

	store := NewStore(dir)
	if err := store.Reload(); err != nil {
		t.Fatalf("reload store: %v", err)
	}

	g := NewGate(Config{AutoAccept: false, Store: store, Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))})
	d := g.Decide(stack.ValidationEvent{Status: stack.StatusCertificateUntrusted, Certificate: cert})
	if d != stack.DecisionAccept {
		t.Fatalf("expected explicitly trusted certificate to be accepted, got %s", d)
	}

	other := testCert(t, "StrangerClient")
	if d := g.Decide(stack.ValidationEvent{Status: stack.StatusCertificateUntrusted, Certificate: other}); d != stack.DecisionReject {
		t.Fatalf("expected unknown certificate to be rejected, got %s", d)
	}
}

func TestDecide_NilCertificateFailsClosed(t *testing.T) {
	g := NewGate(Config{AutoAccept: false, Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))})
	d := g.Decide(stack.ValidationEvent{Status: stack.StatusCertificateUntrusted})
	if d != stack.DecisionReject {
		t.Fatalf("expected reject for missing certificate, got %s", d)
	}
}

func TestDecide_ObserverSeesDecisions(t *testing.T) {
	var accepts, rejects int
	g := NewGate(Config{
		AutoAccept: true,
		Logger:     slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
		OnDecision: func(accepted bool) {
			if accepted {
				accepts++
			} else {
				rejects++
			}
		},
	})
	cert := testCert(t, "TestClient")
	g.Decide(stack.ValidationEvent{Status: stack.StatusCertificateUntrusted, Certificate: cert})
	if accepts != 1 || rejects != 0 {
		t.Fatalf("expected 1 accept / 0 rejects, got %d / %d", accepts, rejects)
	}
}
