package domain

import (
	"testing"
	"time"
)

func TestSessionStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to SessionStatus
		want     bool
	}{
		{SessionUnauthenticated, SessionAuthenticating, true},
		{SessionUnauthenticated, SessionActive, false},
		{SessionAuthenticating, SessionAuthorizing, true},
		{SessionAuthenticating, SessionActive, true},
		{SessionAuthorizing, SessionActive, true},
		{SessionAuthorizing, SessionAuthenticating, true},
		{SessionActive, SessionDisconnected, true},
		{SessionActive, SessionExpired, true},
		{SessionActive, SessionAuthenticating, false},
		{SessionDisconnected, SessionActive, false},
		{SessionExpired, SessionAuthenticating, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s: expected %v, got %v", tt.from, tt.to, tt.want, got)
		}
	}

	for _, s := range []SessionStatus{SessionDisconnected, SessionExpired, SessionError} {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	if SessionActive.Terminal() {
		t.Error("active is not terminal")
	}
}

func TestSessionExpiry(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := Session{StartTime: start, DurationMinutes: 30}

	if !s.ExpiresAt().Equal(start.Add(30 * time.Minute)) {
		t.Errorf("unexpected expiry %v", s.ExpiresAt())
	}
	if s.Expired(start.Add(29 * time.Minute)) {
		t.Error("expired too early")
	}
	if !s.Expired(start.Add(30 * time.Minute)) {
		t.Error("expected expiry at the boundary")
	}

	unlimited := Session{StartTime: start}
	if unlimited.Expired(start.Add(24 * time.Hour)) {
		t.Error("a session without duration never expires")
	}
}

func TestNormalizeMAC(t *testing.T) {
	tests := map[string]string{
		"AA-BB-CC-DD-EE-FF":   "aa:bb:cc:dd:ee:ff",
		" aa:bb:cc:dd:ee:ff ": "aa:bb:cc:dd:ee:ff",
		"":                    "",
	}
	for in, want := range tests {
		if got := NormalizeMAC(in); got != want {
			t.Errorf("NormalizeMAC(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHasFeature(t *testing.T) {
	features := []Feature{FeatureAuthentication, FeatureAccounting}
	if !HasFeature(features, FeatureAccounting) {
		t.Error("expected accounting")
	}
	if HasFeature(features, FeaturePortalConfig) {
		t.Error("unexpected portal config")
	}
}
