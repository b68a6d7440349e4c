package domain

import "time"

// Feature is a capability tag an adapter declares
type Feature string

const (
	FeatureAuthentication      Feature = "authentication"
	FeatureAuthorization       Feature = "authorization"
	FeatureDisconnect          Feature = "disconnect"
	FeatureActiveUsers         Feature = "active_users"
	FeatureSessionInfo         Feature = "session_info"
	FeatureBandwidthControl    Feature = "bandwidth_control"
	FeatureEquipmentStatus     Feature = "equipment_status"
	FeaturePortalConfig        Feature = "portal_config"
	FeatureAccounting          Feature = "accounting"
	FeatureChangeOfAuth        Feature = "change_of_authorization"
	FeatureConnectionLifecycle Feature = "connection_lifecycle"
	FeatureMACAuthentication   Feature = "mac_authentication"
)

// HasFeature reports whether features contains f
func HasFeature(features []Feature, f Feature) bool {
	for _, have := range features {
		if have == f {
			return true
		}
	}
	return false
}

// PortalConfig is the captive-portal configuration pushed to equipment
type PortalConfig struct {
	RedirectURL      string `json:"redirect_url" yaml:"redirect_url"`
	SplashURL        string `json:"splash_url,omitempty" yaml:"splash_url,omitempty"`
	TimeLimitMinutes int    `json:"time_limit_minutes,omitempty" yaml:"time_limit_minutes,omitempty"`
	DataLimitMB      int    `json:"data_limit_mb,omitempty" yaml:"data_limit_mb,omitempty"`
	DefaultUpKbps    int    `json:"default_upload_kbps,omitempty" yaml:"default_upload_kbps,omitempty"`
	DefaultDownKbps  int    `json:"default_download_kbps,omitempty" yaml:"default_download_kbps,omitempty"`
	// WalledGarden lists hosts reachable before authentication
	WalledGarden []string `json:"walled_garden,omitempty" yaml:"walled_garden,omitempty"`
}

// EquipmentState is the coarse health of a piece of equipment
type EquipmentState string

const (
	EquipmentOnline   EquipmentState = "online"
	EquipmentDegraded EquipmentState = "degraded"
	EquipmentOffline  EquipmentState = "offline"
)

// EquipmentStatus is the health record polled by the dashboard. Any field may
// be zero when the equipment only reports partial data.
type EquipmentStatus struct {
	EquipmentID     string         `json:"equipment_id"`
	Type            EquipmentType  `json:"type"`
	State           EquipmentState `json:"state"`
	Model           string         `json:"model,omitempty"`
	FirmwareVersion string         `json:"firmware_version,omitempty"`
	UptimeSeconds   int64          `json:"uptime_seconds,omitempty"`
	CPULoadPercent  float64        `json:"cpu_load_percent,omitempty"`
	MemoryUsedPct   float64        `json:"memory_used_percent,omitempty"`
	ConnectedUsers  int            `json:"connected_users"`
	LatencyMillis   int64          `json:"latency_ms,omitempty"`
	Details         map[string]any `json:"details,omitempty"`
	CheckedAt       time.Time      `json:"checked_at"`
}
