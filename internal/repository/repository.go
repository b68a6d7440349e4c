package repository

import (
	"context"
	"errors"
	"time"

	"portalgate/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

// Repository persists the equipment inventory and the session ledger
type Repository interface {
	// Equipment inventory
	ListEquipment(ctx context.Context) ([]domain.EquipmentDescriptor, error)
	GetEquipment(ctx context.Context, id string) (*domain.EquipmentDescriptor, error)
	UpsertEquipment(ctx context.Context, desc domain.EquipmentDescriptor) error
	DeleteEquipment(ctx context.Context, id string) error

	// Session ledger
	RecordSession(ctx context.Context, session domain.Session) error
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]domain.Session, error)
	// PruneSessions deletes terminal sessions that ended before cutoff
	PruneSessions(ctx context.Context, cutoff time.Time) (int64, error)

	// Close releases resources
	Close() error
}

// SessionFilter narrows a ledger query. Zero values match everything.
type SessionFilter struct {
	EquipmentID string
	UserID      string
	Status      domain.SessionStatus
	// Limit caps the result, newest first. Zero means no limit.
	Limit int
}
