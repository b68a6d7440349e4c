package config

import (
	"time"

	"portalgate/internal/domain"
	"portalgate/internal/logging"
)

// Config is the root configuration structure
type Config struct {
	Version   int             `yaml:"version"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   logging.Config  `yaml:"logging"`
	Bandwidth BandwidthConfig `yaml:"bandwidth"`
	Retry     RetryConfig     `yaml:"retry"`
	Detection DetectionConfig `yaml:"detection"`
	Events    EventsConfig    `yaml:"events"`
	// RequestTimeout bounds a single equipment request
	RequestTimeout Duration `yaml:"request_timeout"`

	Equipment []domain.EquipmentDescriptor `yaml:"equipment,omitempty"`
}

// ServerConfig holds HTTP API settings
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// Mode is the gin mode: debug, release or test
	Mode string `yaml:"mode,omitempty"`
}

// DatabaseConfig holds database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// BandwidthConfig is the ceiling applied to every guest rate change
type BandwidthConfig struct {
	MaxUploadKbps   int `yaml:"max_upload_kbps"`
	MaxDownloadKbps int `yaml:"max_download_kbps"`
}

// RetryConfig bounds retries of transient equipment failures
type RetryConfig struct {
	MaxAttempts     int      `yaml:"max_attempts"`
	InitialInterval Duration `yaml:"initial_interval"`
	MaxInterval     Duration `yaml:"max_interval"`
}

// DetectionConfig tunes equipment type detection
type DetectionConfig struct {
	OverallTimeout Duration `yaml:"overall_timeout"`
	ProbeTimeout   Duration `yaml:"probe_timeout"`
	SNMPCommunity  string   `yaml:"snmp_community"`
	UseNmap        bool     `yaml:"use_nmap"`
	Ports          []int    `yaml:"ports,omitempty"`
}

// EventsConfig selects session event sinks
type EventsConfig struct {
	// SSEBuffer is the per-client queue length of the event stream
	SSEBuffer int         `yaml:"sse_buffer"`
	Kafka     KafkaConfig `yaml:"kafka"`
	NATS      NATSConfig  `yaml:"nats"`
}

// KafkaConfig enables the Kafka sink when brokers are set
type KafkaConfig struct {
	Brokers []string `yaml:"brokers,omitempty"`
	Topic   string   `yaml:"topic,omitempty"`
}

// Enabled reports whether events should be written to Kafka
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0 && k.Topic != ""
}

// NATSConfig enables the NATS sink when a server URL is set. Events are
// published on <subject>.<event type>.
type NATSConfig struct {
	URL     string `yaml:"url,omitempty"`
	Subject string `yaml:"subject,omitempty"`
}

// Enabled reports whether events should be published to NATS
func (n NATSConfig) Enabled() bool {
	return n.URL != "" && n.Subject != ""
}

// Duration wraps time.Duration for YAML unmarshaling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}
