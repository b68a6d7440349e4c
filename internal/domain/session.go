package domain

import (
	"strings"
	"time"
)

// SessionStatus is the adapter-agnostic state of a guest session
type SessionStatus string

const (
	SessionUnauthenticated SessionStatus = "unauthenticated"
	SessionAuthenticating  SessionStatus = "authenticating"
	SessionAuthorizing     SessionStatus = "authorizing"
	SessionActive          SessionStatus = "active"
	SessionDisconnected    SessionStatus = "disconnected"
	SessionExpired         SessionStatus = "expired"
	SessionError           SessionStatus = "error"
)

// Terminal reports whether no further transition is possible
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionDisconnected, SessionExpired, SessionError:
		return true
	}
	return false
}

// CanTransition enforces Unauthenticated -> Authenticating -> Active -> terminal.
// Authorizing is the in-flight step between an authenticated guest and Active.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	switch s {
	case SessionUnauthenticated:
		return next == SessionAuthenticating
	case SessionAuthenticating:
		return next == SessionAuthorizing || next == SessionActive || next == SessionError
	case SessionAuthorizing:
		return next == SessionActive || next == SessionError || next == SessionAuthenticating
	case SessionActive:
		return next.Terminal()
	}
	return false
}

// Guest identifies a connecting captive-portal client
type Guest struct {
	// UserID is the phone number or email the guest signed in with
	UserID string `json:"user_id"`
	MAC    string `json:"mac"`
	IP     string `json:"ip"`
	// Password is only used by equipment that authenticates guests itself
	Password string `json:"password,omitempty"`
}

// NormalizeMAC lowercases and colon-separates a MAC address
func NormalizeMAC(mac string) string {
	mac = strings.ToLower(strings.TrimSpace(mac))
	return strings.ReplaceAll(mac, "-", ":")
}

// Session is the logical session produced by AuthorizeUser
type Session struct {
	SessionID       string        `json:"session_id"`
	EquipmentID     string        `json:"equipment_id"`
	EquipmentType   EquipmentType `json:"equipment_type"`
	UserID          string        `json:"user_id"`
	MAC             string        `json:"mac,omitempty"`
	IP              string        `json:"ip,omitempty"`
	Status          SessionStatus `json:"status"`
	StartTime       time.Time     `json:"start_time"`
	EndTime         *time.Time    `json:"end_time,omitempty"`
	DurationMinutes int           `json:"duration_minutes"`
	BytesIn         int64         `json:"bytes_in"`
	BytesOut        int64         `json:"bytes_out"`
	UploadKbps      int           `json:"upload_kbps,omitempty"`
	DownloadKbps    int           `json:"download_kbps,omitempty"`
	// RemoteID is the equipment-side handle (hotspot entry id, client id, ...)
	RemoteID string `json:"remote_id,omitempty"`
}

// ExpiresAt returns the natural end of the session
func (s Session) ExpiresAt() time.Time {
	return s.StartTime.Add(time.Duration(s.DurationMinutes) * time.Minute)
}

// Expired reports whether the session outlived its duration at now
func (s Session) Expired(now time.Time) bool {
	return s.DurationMinutes > 0 && !now.Before(s.ExpiresAt())
}

// Summary returns the list view of the session
func (s Session) Summary() SessionSummary {
	return SessionSummary{
		SessionID: s.SessionID,
		UserID:    s.UserID,
		MAC:       s.MAC,
		IP:        s.IP,
		Status:    s.Status,
		StartTime: s.StartTime,
		BytesIn:   s.BytesIn,
		BytesOut:  s.BytesOut,
	}
}

// SessionSummary is one row of an active-user listing
type SessionSummary struct {
	SessionID string        `json:"session_id,omitempty"`
	UserID    string        `json:"user_id"`
	MAC       string        `json:"mac,omitempty"`
	IP        string        `json:"ip,omitempty"`
	Status    SessionStatus `json:"status"`
	StartTime time.Time     `json:"start_time"`
	BytesIn   int64         `json:"bytes_in"`
	BytesOut  int64         `json:"bytes_out"`
}

// SessionInfo is the detail view returned by GetSessionInfo
type SessionInfo struct {
	Session
	RemainingMinutes int `json:"remaining_minutes"`
}
