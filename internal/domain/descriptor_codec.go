package domain

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Descriptors carry their credential variant under a "credentials" key with a
// "kind" discriminator, e.g.
//
//	credentials:
//	  kind: radius
//	  shared_secret: s3cret

type descriptorAlias EquipmentDescriptor

type descriptorJSON struct {
	descriptorAlias
	Credentials json.RawMessage `json:"credentials,omitempty"`
}

type credentialHeader struct {
	Kind CredentialKind `json:"kind" yaml:"kind"`
}

// MarshalJSON implements json.Marshaler
func (d EquipmentDescriptor) MarshalJSON() ([]byte, error) {
	wire := descriptorJSON{descriptorAlias: descriptorAlias(d)}
	if d.Credentials != nil {
		raw, err := marshalCredentialsJSON(d.Credentials)
		if err != nil {
			return nil, err
		}
		wire.Credentials = raw
	}
	return json.Marshal(wire)
}

// UnmarshalJSON implements json.Unmarshaler
func (d *EquipmentDescriptor) UnmarshalJSON(data []byte) error {
	var wire descriptorJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*d = EquipmentDescriptor(wire.descriptorAlias)
	if len(wire.Credentials) == 0 || string(wire.Credentials) == "null" {
		d.Credentials = nil
		return nil
	}
	var hdr credentialHeader
	if err := json.Unmarshal(wire.Credentials, &hdr); err != nil {
		return fmt.Errorf("decode credentials kind: %w", err)
	}
	if hdr.Kind == "" {
		hdr.Kind = RequiredCredentialKind(d.Type)
	}
	creds, err := DecodeCredentials(hdr.Kind, wire.Credentials)
	if err != nil {
		return err
	}
	d.Credentials = creds
	return nil
}

func marshalCredentialsJSON(c Credentials) (json.RawMessage, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode credentials: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields["kind"] = c.Kind()
	return json.Marshal(fields)
}

type descriptorYAML struct {
	descriptorAlias `yaml:",inline"`
	Credentials     yaml.Node `yaml:"credentials,omitempty"`
}

// UnmarshalYAML implements yaml.Unmarshaler
func (d *EquipmentDescriptor) UnmarshalYAML(value *yaml.Node) error {
	var wire descriptorYAML
	if err := value.Decode(&wire); err != nil {
		return err
	}
	*d = EquipmentDescriptor(wire.descriptorAlias)
	if wire.Credentials.Kind == 0 {
		return nil
	}
	var hdr credentialHeader
	if err := wire.Credentials.Decode(&hdr); err != nil {
		return fmt.Errorf("equipment %s: decode credentials kind: %w", d.ID, err)
	}
	if hdr.Kind == "" {
		hdr.Kind = RequiredCredentialKind(d.Type)
	}
	creds, err := newCredentials(hdr.Kind)
	if err != nil {
		return fmt.Errorf("equipment %s: %w", d.ID, err)
	}
	if err := wire.Credentials.Decode(creds); err != nil {
		return fmt.Errorf("equipment %s: decode %s credentials: %w", d.ID, hdr.Kind, err)
	}
	d.Credentials = deref(creds)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d EquipmentDescriptor) MarshalYAML() (interface{}, error) {
	wire := descriptorYAML{descriptorAlias: descriptorAlias(d)}
	if d.Credentials != nil {
		if err := wire.Credentials.Encode(d.Credentials); err != nil {
			return nil, fmt.Errorf("encode credentials: %w", err)
		}
		kindKey := &yaml.Node{Kind: yaml.ScalarNode, Value: "kind"}
		kindVal := &yaml.Node{Kind: yaml.ScalarNode, Value: string(d.Credentials.Kind())}
		wire.Credentials.Content = append([]*yaml.Node{kindKey, kindVal}, wire.Credentials.Content...)
	}
	return wire, nil
}
