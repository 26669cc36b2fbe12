// Package pki keeps the certificate stores healthy: a scheduled expiry sweep
// over the local stores and a watcher that reloads the trust list when the
// trusted directory changes.
package pki

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	otelx "github.com/mkarlsen/uabridge/internal/otel"
)

// cronParser accepts standard 5-field cron expressions.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// SweeperConfig configures the expiry sweep.
type SweeperConfig struct {
	// Paths are certificate files and directories to scan.
	Paths []string
	// Horizon is how far ahead of NotAfter the sweep warns.
	Horizon time.Duration
	// Schedule is a 5-field cron expression.
	Schedule string

	Logger  *slog.Logger
	Metrics *otelx.Metrics

	// PollInterval is how often the loop checks whether the schedule is
	// due. Defaults to one minute.
	PollInterval time.Duration
}

// ExpiringCert describes one certificate inside the warning horizon.
type ExpiringCert struct {
	Path     string
	Subject  string
	NotAfter time.Time
}

// Sweeper runs the expiry sweep on its cron cadence.
type Sweeper struct {
	cfg      SweeperConfig
	schedule cronlib.Schedule

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper parses the schedule and builds the sweeper.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = 30 * 24 * time.Hour
	}
	schedule, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse expiry schedule %q: %w", cfg.Schedule, err)
	}
	return &Sweeper{cfg: cfg, schedule: schedule}, nil
}

// Start runs an immediate sweep and then follows the schedule until the
// context is canceled.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.cfg.Logger.Info("certificate expiry sweeper started", "schedule", s.cfg.Schedule, "horizon", s.cfg.Horizon)
}

// Stop cancels the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	s.runSweep()
	next := s.schedule.Next(time.Now())

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Before(next) {
				continue
			}
			s.runSweep()
			next = s.schedule.Next(now)
		}
	}
}

func (s *Sweeper) runSweep() {
	start := time.Now()
	expiring := s.Sweep(start)
	for _, c := range expiring {
		s.cfg.Logger.Warn("certificate expiring soon",
			"path", c.Path,
			"subject", c.Subject,
			"not_after", c.NotAfter.Format(time.RFC3339),
		)
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.CertExpirySweeps.Record(context.Background(), time.Since(start).Seconds())
	}
	s.cfg.Logger.Info("certificate expiry sweep complete",
		"expiring", len(expiring),
		"duration", time.Since(start),
	)
}

// Sweep scans the configured paths and returns certificates whose NotAfter
// falls inside the horizon from now, including already-expired ones.
func (s *Sweeper) Sweep(now time.Time) []ExpiringCert {
	deadline := now.Add(s.cfg.Horizon)
	var out []ExpiringCert
	for _, path := range s.cfg.Paths {
		if path == "" {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.IsDir() {
			entries, err := os.ReadDir(path)
			if err != nil {
				continue
			}
			for _, e := range entries {
				if e.IsDir() {
					continue
				}
				out = append(out, sweepFile(filepath.Join(path, e.Name()), deadline)...)
			}
			continue
		}
		out = append(out, sweepFile(path, deadline)...)
	}
	return out
}

func sweepFile(path string, deadline time.Time) []ExpiringCert {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".der", ".crt", ".cer", ".pem":
	default:
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var out []ExpiringCert
	for _, cert := range parseCertificates(data) {
		if cert.NotAfter.Before(deadline) {
			out = append(out, ExpiringCert{
				Path:     path,
				Subject:  cert.Subject.String(),
				NotAfter: cert.NotAfter,
			})
		}
	}
	return out
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
