package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"portalgate/internal/domain"
	"portalgate/internal/logging"
)

const sampleConfig = `
server:
  addr: 127.0.0.1:9090
database:
  path: /var/lib/portalgate/state.db
logging:
  level: debug
bandwidth:
  max_upload_kbps: 20000
retry:
  max_attempts: 5
  initial_interval: 100ms
detection:
  overall_timeout: 8s
  probe_timeout: 3s
  use_nmap: true
events:
  kafka:
    brokers: [kafka-1:9092, kafka-2:9092]
  nats:
    url: nats://nats:4222
equipment:
  - id: lobby
    name: Lobby router
    type: mikrotik
    ip_address: 192.168.88.1
    credentials:
      kind: user_pass
      username: portal
      password: s3cret
  - id: nas1
    type: generic_radius
    ip_address: 10.0.0.2
    credentials:
      shared_secret: testing123
`

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Version != 1 {
		t.Errorf("Version = %d, want 1", cfg.Version)
	}
	if cfg.Server.Addr != defaultAddr {
		t.Errorf("Server.Addr = %s, want %s", cfg.Server.Addr, defaultAddr)
	}
	if cfg.Database.Path == "" {
		t.Error("Database.Path should not be empty")
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("Retry.MaxAttempts = %d, want 3", cfg.Retry.MaxAttempts)
	}
	if cfg.Detection.OverallTimeout.Duration() != 5*time.Second {
		t.Errorf("Detection.OverallTimeout = %s, want 5s", cfg.Detection.OverallTimeout.Duration())
	}
	if cfg.Events.Kafka.Enabled() {
		t.Error("Kafka should be disabled without brokers")
	}
	if cfg.Events.NATS.Enabled() {
		t.Error("NATS should be disabled without a url")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error: %v", err)
	}
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	if cfg.Server.Addr != "127.0.0.1:9090" {
		t.Errorf("Server.Addr = %s", cfg.Server.Addr)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %s, want debug", cfg.Logging.Level)
	}
	// unset values keep their defaults
	if cfg.Bandwidth.MaxUploadKbps != 20000 || cfg.Bandwidth.MaxDownloadKbps != 100_000 {
		t.Errorf("Bandwidth = %+v", cfg.Bandwidth)
	}
	if cfg.Retry.InitialInterval.Duration() != 100*time.Millisecond {
		t.Errorf("Retry.InitialInterval = %s, want 100ms", cfg.Retry.InitialInterval.Duration())
	}
	if cfg.Retry.MaxInterval.Duration() != 2*time.Second {
		t.Errorf("Retry.MaxInterval = %s, want 2s", cfg.Retry.MaxInterval.Duration())
	}
	if !cfg.Events.Kafka.Enabled() || cfg.Events.Kafka.Topic != defaultKafkaTopic {
		t.Errorf("Kafka = %+v, want enabled with default topic", cfg.Events.Kafka)
	}
	if !cfg.Events.NATS.Enabled() || cfg.Events.NATS.Subject != defaultNATSSubject {
		t.Errorf("NATS = %+v, want enabled with default subject", cfg.Events.NATS)
	}

	if len(cfg.Equipment) != 2 {
		t.Fatalf("len(Equipment) = %d, want 2", len(cfg.Equipment))
	}
	creds, ok := cfg.Equipment[0].Credentials.(domain.UserPassCredentials)
	if !ok {
		t.Fatalf("Equipment[0].Credentials = %T, want UserPassCredentials", cfg.Equipment[0].Credentials)
	}
	if creds.Username != "portal" || creds.Password != "s3cret" {
		t.Errorf("credentials = %+v", creds)
	}
	// kind defaults to the variant the type requires
	if _, ok := cfg.Equipment[1].Credentials.(domain.RadiusCredentials); !ok {
		t.Errorf("Equipment[1].Credentials = %T, want RadiusCredentials", cfg.Equipment[1].Credentials)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "malformed yaml",
			yaml: "server: [",
			want: "parse config",
		},
		{
			name: "bad duration",
			yaml: "detection:\n  probe_timeout: soon\n",
			want: "parse config",
		},
		{
			name: "probe longer than overall",
			yaml: "detection:\n  overall_timeout: 1s\n  probe_timeout: 2s\n",
			want: "exceeds overall_timeout",
		},
		{
			name: "negative bandwidth",
			yaml: "bandwidth:\n  max_upload_kbps: -1\n",
			want: "must not be negative",
		},
		{
			name: "missing password",
			yaml: "equipment:\n  - id: r1\n    type: mikrotik\n    credentials:\n      username: admin\n",
			want: "password is required",
		},
		{
			name: "wrong credential kind",
			yaml: "equipment:\n  - id: r1\n    type: cisco_meraki\n    credentials:\n      kind: agent\n      token: t\n",
			want: "requires api_token credentials",
		},
		{
			name: "duplicate equipment",
			yaml: "equipment:\n  - id: a\n    type: direct\n    credentials: {token: t}\n  - id: a\n    type: direct\n    credentials: {token: t}\n",
			want: "duplicate direct/a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Parse() should fail")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestEquipmentValidationIsConfigurationError(t *testing.T) {
	_, err := Parse([]byte("equipment:\n  - id: r1\n    type: mikrotik\n"))
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("error = %v, want ErrConfiguration", err)
	}
}

func TestAdapterOptions(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	opts := cfg.AdapterOptions(logging.NewTestLogger())
	if opts.Retry.MaxAttempts != 5 {
		t.Errorf("Retry.MaxAttempts = %d, want 5", opts.Retry.MaxAttempts)
	}
	if opts.Bandwidth.MaxUploadKbps != 20000 {
		t.Errorf("Bandwidth.MaxUploadKbps = %d, want 20000", opts.Bandwidth.MaxUploadKbps)
	}
	if opts.Timeout != 10*time.Second {
		t.Errorf("Timeout = %s, want 10s", opts.Timeout)
	}
	if opts.Now == nil {
		t.Error("Now should be set")
	}

	det := cfg.DetectorConfig()
	if det.OverallTimeout != 8*time.Second || det.ProbeTimeout != 3*time.Second {
		t.Errorf("detector timeouts = %s/%s, want 8s/3s", det.OverallTimeout, det.ProbeTimeout)
	}
	if !det.UseNmap {
		t.Error("UseNmap should be true")
	}
	if det.SNMPCommunity != "public" {
		t.Errorf("SNMPCommunity = %s, want public", det.SNMPCommunity)
	}
	if len(det.Ports) == 0 {
		t.Error("Ports should fall back to the detector defaults")
	}
}

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Server.Addr = ":9443"
	cfg.Detection.ProbeTimeout = Duration(time.Second)
	cfg.Equipment = []domain.EquipmentDescriptor{{
		ID:          "gw1",
		Type:        domain.EquipmentDirect,
		IPAddress:   "10.1.0.1",
		Credentials: domain.AgentCredentials{Token: "agent-token"},
	}}

	if err := cfg.Save(configPath); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	info, err := os.Stat(configPath)
	if err != nil {
		t.Fatalf("Stat() error: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("file mode = %o, want 600", perm)
	}

	loaded, path, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath() error: %v", err)
	}
	if path != configPath {
		t.Errorf("path = %s, want %s", path, configPath)
	}
	if loaded.Server.Addr != ":9443" {
		t.Errorf("Server.Addr = %s, want :9443", loaded.Server.Addr)
	}
	if loaded.Detection.ProbeTimeout.Duration() != time.Second {
		t.Errorf("ProbeTimeout = %s, want 1s", loaded.Detection.ProbeTimeout.Duration())
	}
	byKey := loaded.EquipmentByKey()
	desc, ok := byKey[domain.EquipmentKey{Type: domain.EquipmentDirect, ID: "gw1"}]
	if !ok {
		t.Fatalf("EquipmentByKey() = %v, missing direct/gw1", byKey)
	}
	if creds, _ := desc.Credentials.(domain.AgentCredentials); creds.Token != "agent-token" {
		t.Errorf("Credentials = %+v", desc.Credentials)
	}
}

func TestLoadFromPathMissing(t *testing.T) {
	_, _, err := LoadFromPath(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("LoadFromPath() should fail for a missing file")
	}
}

func TestFindConfigPath(t *testing.T) {
	tmpDir := t.TempDir()
	t.Chdir(tmpDir)
	t.Setenv("HOME", tmpDir)
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv(EnvConfigPath, "")

	if err := DefaultConfig().Save(filepath.Join(tmpDir, ConfigFileName)); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	found := FindConfigPath()
	if filepath.Base(found) != ConfigFileName {
		t.Errorf("FindConfigPath() = %q, want working directory config", found)
	}

	// an explicit path that doesn't exist falls through
	t.Setenv(EnvConfigPath, "/nonexistent/path.yaml")
	if found = FindConfigPath(); filepath.Base(found) != ConfigFileName {
		t.Errorf("FindConfigPath() = %q, should fall back when env path doesn't exist", found)
	}

	explicit := filepath.Join(tmpDir, "explicit.yaml")
	if err := DefaultConfig().Save(explicit); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	t.Setenv(EnvConfigPath, explicit)
	if found = FindConfigPath(); found != explicit {
		t.Errorf("FindConfigPath() = %q, want %q", found, explicit)
	}
}

func TestSearchPathsOrder(t *testing.T) {
	t.Setenv(EnvConfigPath, "/srv/portalgate.yaml")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	t.Setenv("HOME", "/home/op")

	paths := SearchPaths()
	want := []string{
		"/srv/portalgate.yaml",
		"", // working directory, absolute
		"/xdg/portalgate/config.yaml",
		"/home/op/.config/portalgate/config.yaml",
		"/etc/portalgate/config.yaml",
	}
	if len(paths) != len(want) {
		t.Fatalf("SearchPaths() = %v", paths)
	}
	for i, w := range want {
		if w == "" {
			if filepath.Base(paths[i]) != ConfigFileName {
				t.Errorf("paths[%d] = %s, want ./%s", i, paths[i], ConfigFileName)
			}
			continue
		}
		if paths[i] != w {
			t.Errorf("paths[%d] = %s, want %s", i, paths[i], w)
		}
	}
}

func TestDuration(t *testing.T) {
	d := Duration(5 * time.Minute)

	if d.Duration() != 5*time.Minute {
		t.Errorf("Duration() = %s, want 5m", d.Duration())
	}

	marshaled, err := d.MarshalYAML()
	if err != nil {
		t.Fatalf("MarshalYAML() error: %v", err)
	}
	if marshaled != "5m0s" {
		t.Errorf("MarshalYAML() = %v, want 5m0s", marshaled)
	}
}
