package domain

import (
	"encoding/json"
	"fmt"
)

// CredentialKind discriminates the credential variants
type CredentialKind string

const (
	CredentialUserPass  CredentialKind = "user_pass"
	CredentialAPIToken  CredentialKind = "api_token"
	CredentialAgent     CredentialKind = "agent"
	CredentialTunnel    CredentialKind = "tunnel"
	CredentialWireGuard CredentialKind = "wireguard"
	CredentialTailscale CredentialKind = "tailscale"
	CredentialOpenVPN   CredentialKind = "openvpn"
	CredentialRadius    CredentialKind = "radius"
)

// Credentials is the closed set of connection-method secrets. The unexported
// clone method keeps implementations inside this package.
type Credentials interface {
	Kind() CredentialKind
	Validate() error
	clone() Credentials
}

// RequiredCredentialKind maps each equipment type to the credential variant
// its adapter is constructed with
func RequiredCredentialKind(t EquipmentType) CredentialKind {
	switch t {
	case EquipmentMikrotik, EquipmentTPLinkOmada, EquipmentUbiquiti:
		return CredentialUserPass
	case EquipmentCiscoMeraki:
		return CredentialAPIToken
	case EquipmentDirect:
		return CredentialAgent
	case EquipmentCloudflareTunnel:
		return CredentialTunnel
	case EquipmentWireGuard:
		return CredentialWireGuard
	case EquipmentTailscale:
		return CredentialTailscale
	case EquipmentOpenVPN:
		return CredentialOpenVPN
	case EquipmentGenericRadius:
		return CredentialRadius
	}
	return ""
}

// UserPassCredentials log in to an on-device controller
type UserPassCredentials struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	Port     int    `json:"port,omitempty" yaml:"port,omitempty"`
	UseTLS   bool   `json:"use_tls,omitempty" yaml:"use_tls,omitempty"`
	// InsecureSkipVerify accepts the self-signed certificates most controllers ship with
	InsecureSkipVerify bool `json:"insecure_skip_verify,omitempty" yaml:"insecure_skip_verify,omitempty"`
}

func (UserPassCredentials) Kind() CredentialKind { return CredentialUserPass }

func (c UserPassCredentials) Validate() error {
	if c.Username == "" {
		return fmt.Errorf("username is required")
	}
	if c.Password == "" {
		return fmt.Errorf("password is required")
	}
	return nil
}

func (c UserPassCredentials) clone() Credentials { return c }

// APITokenCredentials authenticate against a cloud dashboard API
type APITokenCredentials struct {
	Token          string `json:"token" yaml:"token"`
	OrganizationID string `json:"organization_id,omitempty" yaml:"organization_id,omitempty"`
	NetworkID      string `json:"network_id" yaml:"network_id"`
	SSIDNumber     int    `json:"ssid_number" yaml:"ssid_number"`
	Serial         string `json:"serial,omitempty" yaml:"serial,omitempty"`
}

func (APITokenCredentials) Kind() CredentialKind { return CredentialAPIToken }

func (c APITokenCredentials) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("api token is required")
	}
	if c.NetworkID == "" {
		return fmt.Errorf("network id is required")
	}
	return nil
}

func (c APITokenCredentials) clone() Credentials { return c }

// AgentCredentials authenticate against the portal agent on a gateway
type AgentCredentials struct {
	Token string `json:"token" yaml:"token"`
}

func (AgentCredentials) Kind() CredentialKind { return CredentialAgent }

func (c AgentCredentials) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("agent token is required")
	}
	return nil
}

func (c AgentCredentials) clone() Credentials { return c }

// TunnelCredentials reach a gateway through a Cloudflare tunnel
type TunnelCredentials struct {
	AccountID  string `json:"account_id" yaml:"account_id"`
	TunnelID   string `json:"tunnel_id" yaml:"tunnel_id"`
	APIToken   string `json:"api_token" yaml:"api_token"`
	AgentToken string `json:"agent_token" yaml:"agent_token"`
}

func (TunnelCredentials) Kind() CredentialKind { return CredentialTunnel }

func (c TunnelCredentials) Validate() error {
	switch {
	case c.AccountID == "":
		return fmt.Errorf("account id is required")
	case c.TunnelID == "":
		return fmt.Errorf("tunnel id is required")
	case c.APIToken == "":
		return fmt.Errorf("cloudflare api token is required")
	case c.AgentToken == "":
		return fmt.Errorf("agent token is required")
	}
	return nil
}

func (c TunnelCredentials) clone() Credentials { return c }

// WireGuardCredentials describe the peer installed on a WireGuard hub and the
// SSH login used to manage it
type WireGuardCredentials struct {
	PrivateKey    string   `json:"private_key" yaml:"private_key"`
	PeerPublicKey string   `json:"peer_public_key" yaml:"peer_public_key"`
	Endpoint      string   `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	TunnelAddress string   `json:"tunnel_address" yaml:"tunnel_address"`
	AllowedIPs    []string `json:"allowed_ips,omitempty" yaml:"allowed_ips,omitempty"`
	Interface     string   `json:"interface,omitempty" yaml:"interface,omitempty"`
	SSHUser       string   `json:"ssh_user" yaml:"ssh_user"`
	SSHPassword   string   `json:"ssh_password,omitempty" yaml:"ssh_password,omitempty"`
	SSHKey        string   `json:"ssh_key,omitempty" yaml:"ssh_key,omitempty"`
	AgentToken    string   `json:"agent_token" yaml:"agent_token"`
}

func (WireGuardCredentials) Kind() CredentialKind { return CredentialWireGuard }

func (c WireGuardCredentials) Validate() error {
	switch {
	case c.PrivateKey == "":
		return fmt.Errorf("wireguard private key is required")
	case c.PeerPublicKey == "":
		return fmt.Errorf("wireguard peer public key is required")
	case c.TunnelAddress == "":
		return fmt.Errorf("tunnel address is required")
	case c.SSHUser == "":
		return fmt.Errorf("ssh user is required")
	case c.SSHPassword == "" && c.SSHKey == "":
		return fmt.Errorf("ssh password or key is required")
	case c.AgentToken == "":
		return fmt.Errorf("agent token is required")
	}
	return nil
}

func (c WireGuardCredentials) clone() Credentials {
	c.AllowedIPs = append([]string(nil), c.AllowedIPs...)
	return c
}

// TailscaleCredentials reach a gateway joined to a tailnet
type TailscaleCredentials struct {
	APIKey     string `json:"api_key" yaml:"api_key"`
	Tailnet    string `json:"tailnet" yaml:"tailnet"`
	DeviceID   string `json:"device_id" yaml:"device_id"`
	AgentToken string `json:"agent_token" yaml:"agent_token"`
}

func (TailscaleCredentials) Kind() CredentialKind { return CredentialTailscale }

func (c TailscaleCredentials) Validate() error {
	switch {
	case c.APIKey == "":
		return fmt.Errorf("tailscale api key is required")
	case c.DeviceID == "":
		return fmt.Errorf("tailscale device id is required")
	case c.AgentToken == "":
		return fmt.Errorf("agent token is required")
	}
	return nil
}

func (c TailscaleCredentials) clone() Credentials { return c }

// OpenVPNCredentials reach a gateway connected as an OpenVPN client
type OpenVPNCredentials struct {
	ManagementAddress  string `json:"management_address" yaml:"management_address"`
	ManagementPassword string `json:"management_password,omitempty" yaml:"management_password,omitempty"`
	CommonName         string `json:"common_name" yaml:"common_name"`
	AgentToken         string `json:"agent_token" yaml:"agent_token"`
}

func (OpenVPNCredentials) Kind() CredentialKind { return CredentialOpenVPN }

func (c OpenVPNCredentials) Validate() error {
	switch {
	case c.ManagementAddress == "":
		return fmt.Errorf("management address is required")
	case c.CommonName == "":
		return fmt.Errorf("client common name is required")
	case c.AgentToken == "":
		return fmt.Errorf("agent token is required")
	}
	return nil
}

func (c OpenVPNCredentials) clone() Credentials { return c }

// RadiusCredentials hold the shared secret and ports of a RADIUS server / NAS
type RadiusCredentials struct {
	SharedSecret  string `json:"shared_secret" yaml:"shared_secret"`
	AuthPort      int    `json:"auth_port,omitempty" yaml:"auth_port,omitempty"`
	AcctPort      int    `json:"acct_port,omitempty" yaml:"acct_port,omitempty"`
	CoAPort       int    `json:"coa_port,omitempty" yaml:"coa_port,omitempty"`
	NASIdentifier string `json:"nas_identifier,omitempty" yaml:"nas_identifier,omitempty"`
}

func (RadiusCredentials) Kind() CredentialKind { return CredentialRadius }

func (c RadiusCredentials) Validate() error {
	if c.SharedSecret == "" {
		return fmt.Errorf("radius shared secret is required")
	}
	return nil
}

func (c RadiusCredentials) clone() Credentials { return c }

// newCredentials returns an empty variant for kind
func newCredentials(kind CredentialKind) (Credentials, error) {
	switch kind {
	case CredentialUserPass:
		return &UserPassCredentials{}, nil
	case CredentialAPIToken:
		return &APITokenCredentials{}, nil
	case CredentialAgent:
		return &AgentCredentials{}, nil
	case CredentialTunnel:
		return &TunnelCredentials{}, nil
	case CredentialWireGuard:
		return &WireGuardCredentials{}, nil
	case CredentialTailscale:
		return &TailscaleCredentials{}, nil
	case CredentialOpenVPN:
		return &OpenVPNCredentials{}, nil
	case CredentialRadius:
		return &RadiusCredentials{}, nil
	}
	return nil, fmt.Errorf("unknown credential kind %q", kind)
}

// deref turns the pointer produced by newCredentials back into a value variant
func deref(c Credentials) Credentials {
	switch v := c.(type) {
	case *UserPassCredentials:
		return *v
	case *APITokenCredentials:
		return *v
	case *AgentCredentials:
		return *v
	case *TunnelCredentials:
		return *v
	case *WireGuardCredentials:
		return *v
	case *TailscaleCredentials:
		return *v
	case *OpenVPNCredentials:
		return *v
	case *RadiusCredentials:
		return *v
	}
	return c
}

// DecodeCredentials builds the variant for kind from a JSON document
func DecodeCredentials(kind CredentialKind, data []byte) (Credentials, error) {
	c, err := newCredentials(kind)
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("decode %s credentials: %w", kind, err)
		}
	}
	return deref(c), nil
}
