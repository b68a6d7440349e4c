package domain

import (
	"fmt"
	"strings"
)

// EquipmentType identifies which integration drives a piece of equipment
type EquipmentType string

const (
	EquipmentMikrotik         EquipmentType = "mikrotik"
	EquipmentCiscoMeraki      EquipmentType = "cisco_meraki"
	EquipmentTPLinkOmada      EquipmentType = "tplink_omada"
	EquipmentUbiquiti         EquipmentType = "ubiquiti"
	EquipmentDirect           EquipmentType = "direct"
	EquipmentCloudflareTunnel EquipmentType = "cloudflare_tunnel"
	EquipmentWireGuard        EquipmentType = "wireguard"
	EquipmentTailscale        EquipmentType = "tailscale"
	EquipmentOpenVPN          EquipmentType = "openvpn"
	EquipmentGenericRadius    EquipmentType = "generic_radius"
)

// AllEquipmentTypes lists every supported equipment type in declaration order
func AllEquipmentTypes() []EquipmentType {
	return []EquipmentType{
		EquipmentMikrotik,
		EquipmentCiscoMeraki,
		EquipmentTPLinkOmada,
		EquipmentUbiquiti,
		EquipmentDirect,
		EquipmentCloudflareTunnel,
		EquipmentWireGuard,
		EquipmentTailscale,
		EquipmentOpenVPN,
		EquipmentGenericRadius,
	}
}

// Valid reports whether t is one of the declared equipment types
func (t EquipmentType) Valid() bool {
	for _, known := range AllEquipmentTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// ParseEquipmentType normalizes and validates a type name
func ParseEquipmentType(s string) (EquipmentType, error) {
	t := EquipmentType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", NewConfigurationError("", "parse_type", fmt.Errorf("unknown equipment type %q", s))
	}
	return t, nil
}

// IsTransport reports whether the type is a connectivity overlay whose
// transport must be established before guest operations are meaningful
func (t EquipmentType) IsTransport() bool {
	switch t {
	case EquipmentDirect, EquipmentCloudflareTunnel, EquipmentWireGuard,
		EquipmentTailscale, EquipmentOpenVPN, EquipmentGenericRadius:
		return true
	default:
		return false
	}
}

// DNSConfig holds domain/zone information for tunnel-based equipment
type DNSConfig struct {
	Domain  string `json:"domain,omitempty" yaml:"domain,omitempty"`
	ZoneID  string `json:"zone_id,omitempty" yaml:"zone_id,omitempty"`
	Proxied bool   `json:"proxied,omitempty" yaml:"proxied,omitempty"`
}

// EquipmentDescriptor describes one physical or logical network endpoint.
// Adapters take a deep copy at construction and never observe later edits.
type EquipmentDescriptor struct {
	ID            string         `json:"id" yaml:"id"`
	Name          string         `json:"name" yaml:"name"`
	Type          EquipmentType  `json:"type" yaml:"type"`
	Model         string         `json:"model,omitempty" yaml:"model,omitempty"`
	IPAddress     string         `json:"ip_address" yaml:"ip_address"`
	APIEndpoint   string         `json:"api_endpoint,omitempty" yaml:"api_endpoint,omitempty"`
	Subdomain     string         `json:"subdomain,omitempty" yaml:"subdomain,omitempty"`
	Credentials   Credentials    `json:"-" yaml:"-"`
	Capabilities  []Feature      `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Configuration map[string]any `json:"configuration,omitempty" yaml:"configuration,omitempty"`
	DNSConfig     *DNSConfig     `json:"dns_config,omitempty" yaml:"dns_config,omitempty"`
}

// Key returns the registry identity of the descriptor
func (d EquipmentDescriptor) Key() EquipmentKey {
	return EquipmentKey{Type: d.Type, ID: d.ID}
}

// Validate checks the descriptor shape and the credential variant for its type
func (d EquipmentDescriptor) Validate() error {
	if d.ID == "" {
		return NewConfigurationError(d.ID, "validate", fmt.Errorf("equipment id is required"))
	}
	if !d.Type.Valid() {
		return NewConfigurationError(d.ID, "validate", fmt.Errorf("unknown equipment type %q", d.Type))
	}
	if d.Credentials == nil {
		return NewConfigurationError(d.ID, "validate", fmt.Errorf("credentials are required for %s", d.Type))
	}
	want := RequiredCredentialKind(d.Type)
	if got := d.Credentials.Kind(); got != want {
		return NewConfigurationError(d.ID, "validate",
			fmt.Errorf("%s equipment requires %s credentials, got %s", d.Type, want, got))
	}
	if err := d.Credentials.Validate(); err != nil {
		return NewConfigurationError(d.ID, "validate", err)
	}
	return nil
}

// Clone returns a deep copy so adapters own an immutable snapshot
func (d EquipmentDescriptor) Clone() EquipmentDescriptor {
	out := d
	if d.Credentials != nil {
		out.Credentials = d.Credentials.clone()
	}
	if d.Capabilities != nil {
		out.Capabilities = append([]Feature(nil), d.Capabilities...)
	}
	if d.Configuration != nil {
		out.Configuration = make(map[string]any, len(d.Configuration))
		for k, v := range d.Configuration {
			out.Configuration[k] = v
		}
	}
	if d.DNSConfig != nil {
		dns := *d.DNSConfig
		out.DNSConfig = &dns
	}
	return out
}

// ConfigString reads a string value from the opaque vendor configuration
func (d EquipmentDescriptor) ConfigString(key, fallback string) string {
	if v, ok := d.Configuration[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// ConfigInt reads an integer value from the opaque vendor configuration.
// YAML decodes to int and JSON to float64, both are accepted.
func (d EquipmentDescriptor) ConfigInt(key string, fallback int) int {
	switch v := d.Configuration[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

// EquipmentKey identifies one adapter instance in the registry
type EquipmentKey struct {
	Type EquipmentType
	ID   string
}

func (k EquipmentKey) String() string {
	return string(k.Type) + "/" + k.ID
}
