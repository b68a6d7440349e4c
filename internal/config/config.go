// Package config loads the portalgate configuration file.
//
// The config file carries process settings (listen address, database,
// logging, retry and detection tuning) and an optional static equipment
// inventory. Equipment added through the API lives in the database.
//
// Config file locations (priority order):
//  1. $PORTALGATE_CONFIG
//  2. ./portalgate.yaml
//  3. ~/.config/portalgate/config.yaml
//  4. /etc/portalgate/config.yaml
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"portalgate/internal/adapter"
	"portalgate/internal/domain"
)

const (
	defaultAddr         = ":8080"
	defaultDatabasePath = "./portalgate.db"
	defaultKafkaTopic   = "portalgate.sessions"
	defaultNATSSubject  = "portalgate.events"
	defaultSSEBuffer    = 64
)

// Load finds and loads the config file, or returns defaults if none found
func Load() (*Config, string, error) {
	path := FindConfigPath()
	if path == "" {
		return DefaultConfig(), "", nil
	}
	return LoadFromPath(path)
}

// LoadFromPath loads config from a specific path
func LoadFromPath(path string) (*Config, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// Parse decodes and validates a YAML document
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the specified path. Credentials are written in
// clear text so the file is created owner-readable only.
func (c *Config) Save(path string) error {
	if err := EnsureConfigDir(path); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// DefaultConfig returns sensible defaults for a new installation
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills in missing values with defaults
func (c *Config) applyDefaults() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Server.Addr == "" {
		c.Server.Addr = defaultAddr
	}
	if c.Database.Path == "" {
		c.Database.Path = defaultDatabasePath
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	bw := adapter.DefaultBandwidthLimits()
	if c.Bandwidth.MaxUploadKbps == 0 {
		c.Bandwidth.MaxUploadKbps = bw.MaxUploadKbps
	}
	if c.Bandwidth.MaxDownloadKbps == 0 {
		c.Bandwidth.MaxDownloadKbps = bw.MaxDownloadKbps
	}

	retry := adapter.DefaultRetryPolicy()
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = retry.MaxAttempts
	}
	if c.Retry.InitialInterval == 0 {
		c.Retry.InitialInterval = Duration(retry.InitialInterval)
	}
	if c.Retry.MaxInterval == 0 {
		c.Retry.MaxInterval = Duration(retry.MaxInterval)
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = Duration(adapter.DefaultTimeout)
	}

	det := adapter.DefaultDetectorConfig()
	if c.Detection.OverallTimeout == 0 {
		c.Detection.OverallTimeout = Duration(det.OverallTimeout)
	}
	if c.Detection.ProbeTimeout == 0 {
		c.Detection.ProbeTimeout = Duration(det.ProbeTimeout)
	}
	if c.Detection.SNMPCommunity == "" {
		c.Detection.SNMPCommunity = det.SNMPCommunity
	}

	if c.Events.SSEBuffer == 0 {
		c.Events.SSEBuffer = defaultSSEBuffer
	}
	if len(c.Events.Kafka.Brokers) > 0 && c.Events.Kafka.Topic == "" {
		c.Events.Kafka.Topic = defaultKafkaTopic
	}
	if c.Events.NATS.URL != "" && c.Events.NATS.Subject == "" {
		c.Events.NATS.Subject = defaultNATSSubject
	}
}

// Validate rejects settings that would fail later at runtime. Every static
// equipment entry is checked so a typo fails at startup instead of on the
// first guest.
func (c *Config) Validate() error {
	var errs []error
	if c.Bandwidth.MaxUploadKbps < 0 || c.Bandwidth.MaxDownloadKbps < 0 {
		errs = append(errs, errors.New("bandwidth limits must not be negative"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	if c.Detection.ProbeTimeout > c.Detection.OverallTimeout {
		errs = append(errs, fmt.Errorf("detection.probe_timeout %s exceeds overall_timeout %s",
			c.Detection.ProbeTimeout.Duration(), c.Detection.OverallTimeout.Duration()))
	}

	seen := make(map[domain.EquipmentKey]bool, len(c.Equipment))
	for i, desc := range c.Equipment {
		if err := desc.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("equipment[%d]: %w", i, err))
			continue
		}
		if seen[desc.Key()] {
			errs = append(errs, fmt.Errorf("equipment[%d]: duplicate %s", i, desc.Key()))
		}
		seen[desc.Key()] = true
	}
	return errors.Join(errs...)
}

// AdapterOptions converts the config into the settings shared by every adapter
func (c *Config) AdapterOptions(log zerolog.Logger) adapter.Options {
	return adapter.Options{
		Logger: log,
		Bandwidth: adapter.BandwidthLimits{
			MaxUploadKbps:   c.Bandwidth.MaxUploadKbps,
			MaxDownloadKbps: c.Bandwidth.MaxDownloadKbps,
		},
		Retry: adapter.RetryPolicy{
			MaxAttempts:     c.Retry.MaxAttempts,
			InitialInterval: c.Retry.InitialInterval.Duration(),
			MaxInterval:     c.Retry.MaxInterval.Duration(),
		},
		Timeout: c.RequestTimeout.Duration(),
		Now:     time.Now,
	}
}

// DetectorConfig converts the detection section
func (c *Config) DetectorConfig() adapter.DetectorConfig {
	det := adapter.DefaultDetectorConfig()
	det.OverallTimeout = c.Detection.OverallTimeout.Duration()
	det.ProbeTimeout = c.Detection.ProbeTimeout.Duration()
	det.SNMPCommunity = c.Detection.SNMPCommunity
	det.UseNmap = c.Detection.UseNmap
	if len(c.Detection.Ports) > 0 {
		det.Ports = c.Detection.Ports
	}
	return det
}

// EquipmentByKey indexes the static inventory
func (c *Config) EquipmentByKey() map[domain.EquipmentKey]domain.EquipmentDescriptor {
	out := make(map[domain.EquipmentKey]domain.EquipmentDescriptor, len(c.Equipment))
	for _, desc := range c.Equipment {
		out[desc.Key()] = desc
	}
	return out
}

// Summary returns a human-readable config summary
func (c *Config) Summary() string {
	kafka := "off"
	if c.Events.Kafka.Enabled() {
		kafka = c.Events.Kafka.Topic
	}
	nats := "off"
	if c.Events.NATS.Enabled() {
		nats = c.Events.NATS.Subject
	}
	return fmt.Sprintf("Listen: %s, DB: %s, Equipment: %d, Retry: %d, Detection: %s/%s, Kafka: %s, NATS: %s",
		c.Server.Addr, c.Database.Path, len(c.Equipment), c.Retry.MaxAttempts,
		c.Detection.OverallTimeout.Duration(), c.Detection.ProbeTimeout.Duration(), kafka, nats)
}
