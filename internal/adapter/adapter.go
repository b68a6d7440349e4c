package adapter

import (
	"context"

	"portalgate/internal/domain"
)

// Adapter is the control-plane contract every equipment integration satisfies.
//
// Expected business outcomes (rejected credentials, unknown user, expired
// session) are ordinary return values. Only AuthorizeUser returns an error,
// classified into the domain error taxonomy.
type Adapter interface {
	// Descriptor returns the descriptor snapshot the adapter was built from
	Descriptor() domain.EquipmentDescriptor

	// Authenticate validates a guest with the equipment
	Authenticate(ctx context.Context, guest domain.Guest) bool

	// AuthorizeUser grants network access to a previously authenticated guest
	// and returns a session id prefixed with the equipment type
	AuthorizeUser(ctx context.Context, userID string, durationMinutes int) (string, error)

	// DisconnectUser ends the guest's active session. False when none exists.
	DisconnectUser(ctx context.Context, userID string) bool

	// GetActiveUsers lists active sessions, empty on failure
	GetActiveUsers(ctx context.Context) []domain.SessionSummary

	// GetSessionInfo returns the session record, false when unknown
	GetSessionInfo(ctx context.Context, sessionID string) (domain.SessionInfo, bool)

	// UpdateUserBandwidth applies a rate limit to the guest's active session.
	// Negative values are rejected, values above the ceiling are clamped.
	UpdateUserBandwidth(ctx context.Context, userID string, uploadKbps, downloadKbps int) bool

	// GetEquipmentStatus reports equipment health, false when unavailable
	GetEquipmentStatus(ctx context.Context) (domain.EquipmentStatus, bool)

	// ConfigurePortal pushes captive-portal settings. Reapplying is harmless.
	ConfigurePortal(ctx context.Context, config domain.PortalConfig) bool

	// SupportedFeatures is static and performs no I/O
	SupportedFeatures() []domain.Feature
}

// TransportAdapter is implemented by overlay and tunnel integrations whose
// transport must be validated or established before guest operations
type TransportAdapter interface {
	Adapter

	// TestConnection checks that the transport is up and the gateway answers
	TestConnection(ctx context.Context) bool

	// ConfigureConnection establishes or repairs the transport
	ConfigureConnection(ctx context.Context) bool
}

// driver is the vendor half of an adapter. The shared core owns session
// state, validation, retries and error classification, and calls into the
// driver only for equipment I/O.
type driver interface {
	// authenticate returns nil when the equipment accepts the guest
	authenticate(ctx context.Context, guest domain.Guest) error

	// authorize applies the session on the equipment and returns the
	// equipment-side handle. On any error, including cancellation, it must
	// leave no partially applied state behind.
	authorize(ctx context.Context, guest domain.Guest, session domain.Session) (string, error)

	// disconnect removes the session from the equipment
	disconnect(ctx context.Context, session domain.Session) error

	// listActive returns what the equipment currently reports as connected
	listActive(ctx context.Context) ([]domain.SessionSummary, error)

	// refresh updates accounting counters on an active session
	refresh(ctx context.Context, session *domain.Session) error

	// setBandwidth applies already validated and clamped limits
	setBandwidth(ctx context.Context, session domain.Session, uploadKbps, downloadKbps int) error

	// status reads equipment health
	status(ctx context.Context) (domain.EquipmentStatus, error)

	// configurePortal pushes portal settings
	configurePortal(ctx context.Context, config domain.PortalConfig) error
}
