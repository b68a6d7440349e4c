package adapter

import (
	"context"
	"encoding/json"
	"strings"

	"portalgate/internal/domain"
)

// Enterprise arcs under 1.3.6.1.4.1 reported in sysObjectID
const (
	arcMikrotik = "1.3.6.1.4.1.14988"
	arcMeraki   = "1.3.6.1.4.1.29671"
	arcTPLink   = "1.3.6.1.4.1.11863"
	arcUbiquiti = "1.3.6.1.4.1.41112"
)

// probe recognises one equipment type. Probes only answer yes or no;
// ordering between them is decided by the detector.
type probe struct {
	Type  domain.EquipmentType
	Match func(ctx context.Context, f *fingerprint, cfg DetectorConfig) bool
}

// defaultProbes in priority order
func defaultProbes() []probe {
	return []probe{
		{Type: domain.EquipmentMikrotik, Match: matchMikrotik},
		{Type: domain.EquipmentCiscoMeraki, Match: matchMeraki},
		{Type: domain.EquipmentTPLinkOmada, Match: matchOmada},
		{Type: domain.EquipmentUbiquiti, Match: matchUbiquiti},
	}
}

func matchMikrotik(ctx context.Context, f *fingerprint, cfg DetectorConfig) bool {
	if f.enterprise(arcMikrotik) {
		return true
	}
	if ssh, ok := f.port(22); ok && strings.Contains(ssh.Banner, "ROSSSH") {
		return true
	}
	if f.bannerContains("mikrotik", "routeros") {
		return true
	}
	if _, ok := f.port(8291); ok {
		return true
	}
	_, body, err := f.fetch(ctx, "http", cfg.HTTPPort, "/")
	return err == nil && containsFold(string(body), "routeros", "mikrotik")
}

func matchMeraki(ctx context.Context, f *fingerprint, cfg DetectorConfig) bool {
	if f.enterprise(arcMeraki) {
		return true
	}
	final, body, err := f.fetch(ctx, "http", cfg.HTTPPort, "/")
	if final != "" && containsFold(final, "meraki") {
		return true
	}
	return err == nil && containsFold(string(body), "meraki")
}

func matchOmada(ctx context.Context, f *fingerprint, cfg DetectorConfig) bool {
	if f.enterprise(arcTPLink) {
		return true
	}
	_, body, err := f.fetch(ctx, "https", cfg.OmadaPort, "/api/info")
	if err != nil {
		return false
	}
	var info struct {
		Result struct {
			OmadacID string `json:"omadacId"`
		} `json:"result"`
	}
	return json.Unmarshal(body, &info) == nil && info.Result.OmadacID != ""
}

func matchUbiquiti(ctx context.Context, f *fingerprint, cfg DetectorConfig) bool {
	if f.enterprise(arcUbiquiti) {
		return true
	}
	_, body, err := f.fetch(ctx, "https", cfg.UniFiPort, "/status")
	if err != nil {
		return false
	}
	var status struct {
		Meta struct {
			ServerVersion string `json:"server_version"`
		} `json:"meta"`
	}
	return json.Unmarshal(body, &status) == nil && status.Meta.ServerVersion != ""
}

func containsFold(s string, words ...string) bool {
	s = strings.ToLower(s)
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
