package trust

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store is the explicitly-trusted certificate list, loaded from the DER/PEM
// files in the PKI trusted directory. It is consulted by the gate before the
// auto-accept policy applies and can be reloaded when the directory changes.
type Store struct {
	dir string

	mu           sync.RWMutex
	fingerprints map[[sha256.Size]byte]string // fingerprint -> subject
}

// NewStore creates an empty store bound to dir. A missing or empty directory
// is a valid (empty) trust list.
func NewStore(dir string) *Store {
	return &Store{dir: dir, fingerprints: make(map[[sha256.Size]byte]string)}
}

func (s *Store) Dir() string { return s.dir }

// Reload re-reads the trusted directory. On read failure the previous list
// stays active.
func (s *Store) Reload() error {
	if s.dir == "" {
		return nil
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			s.mu.Lock()
			s.fingerprints = make(map[[sha256.Size]byte]string)
			s.mu.Unlock()
			return nil
		}
		return fmt.Errorf("read trusted dir: %w", err)
	}

	next := make(map[[sha256.Size]byte]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".der", ".crt", ".cer", ".pem":
		default:
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		for _, cert := range parseCertificates(data) {
			next[sha256.Sum256(cert.Raw)] = cert.Subject.String()
		}
	}

	s.mu.Lock()
	s.fingerprints = next
	s.mu.Unlock()
	return nil
}

// Contains reports whether the certificate is explicitly trusted.
func (s *Store) Contains(cert *x509.Certificate) bool {
	if cert == nil {
		return false
	}
	fp := sha256.Sum256(cert.Raw)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.fingerprints[fp]
	return ok
}

// Len returns the number of trusted certificates.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.fingerprints)
}

func parseCertificates(data []byte) []*x509.Certificate {
	var out []*x509.Certificate
	rest := data
	sawPEM := false
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		sawPEM = true
		if block.Type != "CERTIFICATE" {
			continue
		}
		if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
			out = append(out, cert)
		}
	}
	if !sawPEM {
		if cert, err := x509.ParseCertificate(data); err == nil {
			out = append(out, cert)
		}
	}
	return out
}
