package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the server's metric instruments.
type Metrics struct {
	ActiveSessions    metric.Int64UpDownCounter
	SessionEvents     metric.Int64Counter
	StatusReports     metric.Int64Counter
	TrustAccepts      metric.Int64Counter
	TrustRejects      metric.Int64Counter
	MonitorSweeps     metric.Float64Histogram
	CertExpirySweeps  metric.Float64Histogram
	ExpiringCertCount metric.Int64UpDownCounter
}

// NewMetrics creates all instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ActiveSessions, err = meter.Int64UpDownCounter("uabridge.sessions.active",
		metric.WithDescription("Number of currently active client sessions"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionEvents, err = meter.Int64Counter("uabridge.sessions.events",
		metric.WithDescription("Session lifecycle events observed"),
	)
	if err != nil {
		return nil, err
	}

	m.StatusReports, err = meter.Int64Counter("uabridge.monitor.reports",
		metric.WithDescription("Session status records emitted"),
	)
	if err != nil {
		return nil, err
	}

	m.TrustAccepts, err = meter.Int64Counter("uabridge.trust.accepts",
		metric.WithDescription("Certificates accepted by the trust gate"),
	)
	if err != nil {
		return nil, err
	}

	m.TrustRejects, err = meter.Int64Counter("uabridge.trust.rejects",
		metric.WithDescription("Certificates rejected by the trust gate"),
	)
	if err != nil {
		return nil, err
	}

	m.MonitorSweeps, err = meter.Float64Histogram("uabridge.monitor.sweep.duration",
		metric.WithDescription("Idle-status sweep duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.CertExpirySweeps, err = meter.Float64Histogram("uabridge.pki.sweep.duration",
		metric.WithDescription("Certificate expiry sweep duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ExpiringCertCount, err = meter.Int64UpDownCounter("uabridge.pki.expiring",
		metric.WithDescription("Certificates inside the expiry warning horizon"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
