package domain

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestDescriptorJSON(t *testing.T) {
	t.Run("writes the credential kind", func(t *testing.T) {
		d := EquipmentDescriptor{
			ID:          "nas",
			Type:        EquipmentGenericRadius,
			Credentials: RadiusCredentials{SharedSecret: "s3cret", CoAPort: 3799},
		}
		data, err := json.Marshal(d)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if !strings.Contains(string(data), `"kind":"radius"`) {
			t.Errorf("expected kind discriminator in %s", data)
		}

		var back EquipmentDescriptor
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if !reflect.DeepEqual(back.Credentials, d.Credentials) {
			t.Errorf("expected %+v, got %+v", d.Credentials, back.Credentials)
		}
	})

	t.Run("defaults the kind from the type", func(t *testing.T) {
		var d EquipmentDescriptor
		doc := `{"id":"mx","type":"cisco_meraki","credentials":{"token":"abc","network_id":"N_1"}}`
		if err := json.Unmarshal([]byte(doc), &d); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		creds, ok := d.Credentials.(APITokenCredentials)
		if !ok {
			t.Fatalf("expected APITokenCredentials, got %T", d.Credentials)
		}
		if creds.NetworkID != "N_1" {
			t.Errorf("expected N_1, got %s", creds.NetworkID)
		}
	})

	t.Run("rejects unknown kinds", func(t *testing.T) {
		var d EquipmentDescriptor
		doc := `{"id":"x","type":"direct","credentials":{"kind":"kerberos"}}`
		if err := json.Unmarshal([]byte(doc), &d); err == nil {
			t.Error("expected error for unknown credential kind")
		}
	})

	t.Run("missing credentials stay nil", func(t *testing.T) {
		var d EquipmentDescriptor
		if err := json.Unmarshal([]byte(`{"id":"x","type":"direct"}`), &d); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if d.Credentials != nil {
			t.Errorf("expected nil credentials, got %+v", d.Credentials)
		}
	})
}

func TestDescriptorYAML(t *testing.T) {
	doc := `
id: branch
name: Branch gateway
type: wireguard
ip_address: 192.0.2.50
credentials:
  private_key: priv
  peer_public_key: pub
  tunnel_address: 10.200.0.2/24
  allowed_ips: [10.5.0.0/24]
  ssh_user: root
  ssh_key: /etc/portalgate/hub_ed25519
  agent_token: tok
configuration:
  persist_peers: "true"
`
	var d EquipmentDescriptor
	if err := yaml.Unmarshal([]byte(doc), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := d.Validate(); err != nil {
		t.Fatalf("expected valid descriptor, got %v", err)
	}
	creds := d.Credentials.(WireGuardCredentials)
	if creds.TunnelAddress != "10.200.0.2/24" || len(creds.AllowedIPs) != 1 {
		t.Errorf("unexpected credentials %+v", creds)
	}
	if d.ConfigString("persist_peers", "") != "true" {
		t.Error("configuration not decoded")
	}

	out, err := yaml.Marshal(d)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(out), "kind: wireguard") {
		t.Errorf("expected kind in output:\n%s", out)
	}

	var back EquipmentDescriptor
	if err := yaml.Unmarshal(out, &back); err != nil {
		t.Fatalf("unmarshal round trip: %v", err)
	}
	if !reflect.DeepEqual(back.Credentials, d.Credentials) {
		t.Errorf("expected %+v, got %+v", d.Credentials, back.Credentials)
	}
}

func TestDescriptorYAMLExplicitKind(t *testing.T) {
	doc := `
id: nas
type: generic_radius
ip_address: 192.0.2.10
credentials:
  kind: radius
  shared_secret: s3cret
`
	var d EquipmentDescriptor
	if err := yaml.Unmarshal([]byte(doc), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	creds, ok := d.Credentials.(RadiusCredentials)
	if !ok {
		t.Fatalf("expected RadiusCredentials, got %T", d.Credentials)
	}
	if creds.SharedSecret != "s3cret" {
		t.Errorf("SharedSecret = %q, want s3cret", creds.SharedSecret)
	}
	if err := d.Validate(); err != nil {
		t.Errorf("expected valid descriptor, got %v", err)
	}
}

func TestDescriptorYAMLWithoutCredentials(t *testing.T) {
	var d EquipmentDescriptor
	if err := yaml.Unmarshal([]byte("id: lobby\ntype: direct\n"), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if d.Credentials != nil {
		t.Errorf("expected no credentials, got %#v", d.Credentials)
	}
	out, err := yaml.Marshal(d)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(out), "credentials") {
		t.Errorf("expected credentials omitted:\n%s", out)
	}
}
