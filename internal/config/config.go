// Package config loads and validates the server configuration file.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	otelx "github.com/mkarlsen/uabridge/internal/otel"
)

const (
	defaultEndpointURL     = "opc.tcp://0.0.0.0:4840"
	defaultPollMillis      = 1000
	defaultIdleMillis      = 6000
	defaultMinKeyBits      = 2048
	defaultExpirySchedule  = "0 3 * * *"
	defaultExpiryHorizon   = 30
	defaultGatewayBindAddr = "127.0.0.1:4850"
)

// ServerConfig names and places the protocol endpoint.
type ServerConfig struct {
	Name          string `yaml:"name"`
	EndpointURL   string `yaml:"endpoint_url"`
	ConfigSection string `yaml:"config_section"`

	Manufacturer    string `yaml:"manufacturer"`
	ProductName     string `yaml:"product_name"`
	SoftwareVersion string `yaml:"software_version"`
}

// SecurityConfig controls certificate handling.
type SecurityConfig struct {
	// AutoAcceptUntrusted accepts untrusted client certificates. When true
	// the stack itself accepts globally and the trust gate is not wired.
	AutoAcceptUntrusted bool `yaml:"auto_accept_untrusted"`

	// PKIDir is the root of the certificate stores. Trusted peer
	// certificates live in <pki_dir>/trusted.
	PKIDir string `yaml:"pki_dir"`

	// ApplicationCertificate is the path of the local application instance
	// certificate. Empty means the stack provisions one.
	ApplicationCertificate string `yaml:"application_certificate"`

	MinKeyBits int `yaml:"min_key_bits"`
}

// MonitorConfig sets the session monitor cadence. The poll interval and the
// idle threshold are deliberately independent knobs.
type MonitorConfig struct {
	PollIntervalMillis  int `yaml:"poll_interval_ms"`
	IdleThresholdMillis int `yaml:"idle_threshold_ms"`
}

func (m MonitorConfig) PollInterval() time.Duration {
	return time.Duration(m.PollIntervalMillis) * time.Millisecond
}

func (m MonitorConfig) IdleThreshold() time.Duration {
	return time.Duration(m.IdleThresholdMillis) * time.Millisecond
}

// PKIConfig controls certificate housekeeping.
type PKIConfig struct {
	// ExpirySchedule is a 5-field cron expression for the expiry sweep.
	ExpirySchedule string `yaml:"expiry_schedule"`
	// ExpiryHorizonDays is how far ahead the sweep warns.
	ExpiryHorizonDays int `yaml:"expiry_horizon_days"`
}

// GatewayConfig controls the diagnostics HTTP endpoint.
type GatewayConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BindAddr string `yaml:"bind_addr"`
}

// AuditConfig controls the trust-decision audit trail.
type AuditConfig struct {
	// Database enables the sqlite trust_audit table alongside the JSONL file.
	Database bool `yaml:"database"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	Server   ServerConfig   `yaml:"server"`
	Security SecurityConfig `yaml:"security"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	PKI      PKIConfig      `yaml:"pki"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Audit    AuditConfig    `yaml:"audit"`
	Otel     otelx.Config   `yaml:"otel"`
}

// Path returns the config file path under the home dir.
func Path(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// TrustedDir returns the trusted-certificate directory.
func (c *Config) TrustedDir() string {
	return filepath.Join(c.Security.PKIDir, "trusted")
}

// Load reads config.yaml under homeDir, applying defaults. A missing file
// yields the default configuration.
func Load(homeDir string) (*Config, error) {
	return LoadFile(homeDir, Path(homeDir))
}

// LoadFile reads the configuration from an explicit path, still resolving
// relative defaults against homeDir.
func LoadFile(homeDir, path string) (*Config, error) {
	cfg := defaults(homeDir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.validate()
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.HomeDir = homeDir
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults(homeDir string) *Config {
	cfg := &Config{HomeDir: homeDir}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Server.Name == "" {
		c.Server.Name = "UaBridgeServer"
	}
	if c.Server.EndpointURL == "" {
		c.Server.EndpointURL = defaultEndpointURL
	}
	if c.Server.ConfigSection == "" {
		c.Server.ConfigSection = "UaBridge"
	}
	if c.Server.Manufacturer == "" {
		c.Server.Manufacturer = "mkarlsen"
	}
	if c.Server.ProductName == "" {
		c.Server.ProductName = "uabridge"
	}
	if c.Security.PKIDir == "" {
		c.Security.PKIDir = filepath.Join(c.HomeDir, "pki")
	}
	if c.Security.MinKeyBits == 0 {
		c.Security.MinKeyBits = defaultMinKeyBits
	}
	if c.Monitor.PollIntervalMillis == 0 {
		c.Monitor.PollIntervalMillis = defaultPollMillis
	}
	if c.Monitor.IdleThresholdMillis == 0 {
		c.Monitor.IdleThresholdMillis = defaultIdleMillis
	}
	if c.PKI.ExpirySchedule == "" {
		c.PKI.ExpirySchedule = defaultExpirySchedule
	}
	if c.PKI.ExpiryHorizonDays == 0 {
		c.PKI.ExpiryHorizonDays = defaultExpiryHorizon
	}
	if c.Gateway.BindAddr == "" {
		c.Gateway.BindAddr = defaultGatewayBindAddr
	}
}

func (c *Config) validate() error {
	if c.Monitor.PollIntervalMillis < 0 {
		return fmt.Errorf("monitor.poll_interval_ms must be positive, got %d", c.Monitor.PollIntervalMillis)
	}
	if c.Monitor.IdleThresholdMillis < 0 {
		return fmt.Errorf("monitor.idle_threshold_ms must be positive, got %d", c.Monitor.IdleThresholdMillis)
	}
	if c.Monitor.IdleThresholdMillis < c.Monitor.PollIntervalMillis {
		return fmt.Errorf("monitor.idle_threshold_ms (%d) must not be below monitor.poll_interval_ms (%d)",
			c.Monitor.IdleThresholdMillis, c.Monitor.PollIntervalMillis)
	}
	if c.PKI.ExpiryHorizonDays < 0 {
		return fmt.Errorf("pki.expiry_horizon_days must be positive, got %d", c.PKI.ExpiryHorizonDays)
	}
	if !strings.HasPrefix(c.Server.EndpointURL, "opc.tcp://") {
		return fmt.Errorf("server.endpoint_url must use the opc.tcp scheme, got %q", c.Server.EndpointURL)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}

// Fingerprint hashes the effective configuration for diagnostics output.
func (c *Config) Fingerprint() string {
	h := fnv.New64a()
	write := func(parts ...string) {
		for _, p := range parts {
			_, _ = h.Write([]byte(p + "|"))
		}
	}
	write(c.LogLevel, c.Server.Name, c.Server.EndpointURL, c.Server.ConfigSection)
	write(strconv.FormatBool(c.Security.AutoAcceptUntrusted), c.Security.PKIDir, c.Security.ApplicationCertificate)
	write(strconv.Itoa(c.Security.MinKeyBits))
	write(strconv.Itoa(c.Monitor.PollIntervalMillis), strconv.Itoa(c.Monitor.IdleThresholdMillis))
	write(c.PKI.ExpirySchedule, strconv.Itoa(c.PKI.ExpiryHorizonDays))
	write(strconv.FormatBool(c.Gateway.Enabled), c.Gateway.BindAddr)
	return "cfg-" + strconv.FormatUint(h.Sum64(), 16)
}
