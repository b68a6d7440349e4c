package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"portalgate/internal/adapter"
	"portalgate/internal/domain"
	"portalgate/internal/logging"
	"portalgate/internal/repository"
)

// ErrReadOnly is returned when the API tries to change equipment that the
// config file owns
var ErrReadOnly = errors.New("equipment is managed by the config file")

// Source tells where a descriptor came from
type Source string

const (
	SourceConfig Source = "config"
	SourceAPI    Source = "api"
)

// AdapterFactory is the part of adapter.Factory the service drives
type AdapterFactory interface {
	CreateAdapter(desc domain.EquipmentDescriptor) (adapter.Adapter, error)
	Evict(id string, t domain.EquipmentType) bool
	ClearCache() int
	DetectEquipmentType(ctx context.Context, ip string) domain.EquipmentType
}

// Equipment is an inventory entry
type Equipment struct {
	Descriptor domain.EquipmentDescriptor
	Source     Source
}

// EquipmentService resolves equipment ids to cached adapters, keeps the
// session ledger and publishes session lifecycle events
type EquipmentService struct {
	factory  AdapterFactory
	repo     repository.Repository
	eventBus *EventBus
	log      zerolog.Logger

	mu     sync.RWMutex
	static map[string]domain.EquipmentDescriptor
}

// NewEquipmentService creates the service. static is the equipment list of
// the config file.
func NewEquipmentService(factory AdapterFactory, repo repository.Repository, eventBus *EventBus, static []domain.EquipmentDescriptor, log zerolog.Logger) *EquipmentService {
	s := &EquipmentService{
		factory:  factory,
		repo:     repo,
		eventBus: eventBus,
		log:      logging.WithComponent(log, "equipment_service"),
		static:   make(map[string]domain.EquipmentDescriptor, len(static)),
	}
	for _, desc := range static {
		s.static[desc.ID] = desc.Clone()
	}
	return s
}

// ListEquipment returns config and API equipment ordered by id
func (s *EquipmentService) ListEquipment(ctx context.Context) ([]Equipment, error) {
	stored, err := s.repo.ListEquipment(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]Equipment, 0, len(s.static)+len(stored))
	for _, desc := range s.static {
		out = append(out, Equipment{Descriptor: desc, Source: SourceConfig})
	}
	for _, desc := range stored {
		// config wins over a stale row with the same id
		if _, ok := s.static[desc.ID]; ok {
			continue
		}
		out = append(out, Equipment{Descriptor: desc, Source: SourceAPI})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Descriptor.ID < out[j].Descriptor.ID })
	return out, nil
}

// GetEquipment looks up one entry
func (s *EquipmentService) GetEquipment(ctx context.Context, id string) (Equipment, error) {
	s.mu.RLock()
	desc, ok := s.static[id]
	s.mu.RUnlock()
	if ok {
		return Equipment{Descriptor: desc, Source: SourceConfig}, nil
	}

	stored, err := s.repo.GetEquipment(ctx, id)
	if err != nil {
		return Equipment{}, err
	}
	return Equipment{Descriptor: *stored, Source: SourceAPI}, nil
}

// AddEquipment stores a descriptor. Replacing an existing entry evicts its
// cached adapter so the next call uses the new credentials.
func (s *EquipmentService) AddEquipment(ctx context.Context, desc domain.EquipmentDescriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	if s.isStatic(desc.ID) {
		return fmt.Errorf("equipment %s: %w", desc.ID, ErrReadOnly)
	}

	previous, err := s.repo.GetEquipment(ctx, desc.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	if err := s.repo.UpsertEquipment(ctx, desc); err != nil {
		return err
	}
	if previous != nil {
		s.evict(previous.Key())
	}

	s.log.Info().
		Str(logging.FieldEquipmentID, desc.ID).
		Str(logging.FieldEquipmentType, string(desc.Type)).
		Msg("equipment stored")
	s.eventBus.Publish(Event{
		Type:        EventEquipmentAdded,
		EquipmentID: desc.ID,
		Payload:     map[string]string{"type": string(desc.Type)},
	})
	return nil
}

// RemoveEquipment deletes an API entry and evicts its adapter
func (s *EquipmentService) RemoveEquipment(ctx context.Context, id string) error {
	if s.isStatic(id) {
		return fmt.Errorf("equipment %s: %w", id, ErrReadOnly)
	}
	stored, err := s.repo.GetEquipment(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteEquipment(ctx, id); err != nil {
		return err
	}
	s.evict(stored.Key())

	s.eventBus.Publish(Event{Type: EventEquipmentRemoved, EquipmentID: id})
	return nil
}

// ApplyStaticEquipment replaces the config-file inventory, evicting the
// adapters of entries that changed or disappeared. It returns the evicted keys.
func (s *EquipmentService) ApplyStaticEquipment(descs []domain.EquipmentDescriptor) []domain.EquipmentKey {
	next := make(map[string]domain.EquipmentDescriptor, len(descs))
	for _, desc := range descs {
		next[desc.ID] = desc.Clone()
	}

	s.mu.Lock()
	prev := s.static
	s.static = next
	s.mu.Unlock()

	var changed []domain.EquipmentKey
	for id, old := range prev {
		cur, ok := next[id]
		if ok && reflect.DeepEqual(old, cur) {
			continue
		}
		changed = append(changed, old.Key())
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].String() < changed[j].String() })

	for _, key := range changed {
		s.evict(key)
	}
	if len(changed) > 0 {
		s.log.Info().Int("changed", len(changed)).Int("total", len(next)).Msg("static equipment reloaded")
	}
	return changed
}

// ClearCache drops every cached adapter
func (s *EquipmentService) ClearCache() int {
	n := s.factory.ClearCache()
	s.eventBus.Publish(Event{
		Type:    EventCacheCleared,
		Payload: map[string]int{"evicted": n},
	})
	return n
}

// Detect fingerprints ip
func (s *EquipmentService) Detect(ctx context.Context, ip string) domain.EquipmentType {
	return s.factory.DetectEquipmentType(ctx, ip)
}

// Adapter resolves id to its cached adapter
func (s *EquipmentService) Adapter(ctx context.Context, id string) (adapter.Adapter, error) {
	eq, err := s.GetEquipment(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.factory.CreateAdapter(eq.Descriptor)
}

// Status reads equipment health and publishes it
func (s *EquipmentService) Status(ctx context.Context, id string) (domain.EquipmentStatus, bool, error) {
	a, err := s.Adapter(ctx, id)
	if err != nil {
		return domain.EquipmentStatus{}, false, err
	}
	status, ok := a.GetEquipmentStatus(ctx)
	if ok {
		s.eventBus.Publish(Event{Type: EventEquipmentStatus, EquipmentID: id, Payload: status})
	}
	return status, ok, nil
}

// Features lists what the equipment's adapter supports
func (s *EquipmentService) Features(ctx context.Context, id string) ([]domain.Feature, error) {
	a, err := s.Adapter(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.SupportedFeatures(), nil
}

// ActiveUsers lists active sessions on the equipment
func (s *EquipmentService) ActiveUsers(ctx context.Context, id string) ([]domain.SessionSummary, error) {
	a, err := s.Adapter(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.GetActiveUsers(ctx), nil
}

// Authenticate validates a guest with the equipment
func (s *EquipmentService) Authenticate(ctx context.Context, id string, guest domain.Guest) (bool, error) {
	a, err := s.Adapter(ctx, id)
	if err != nil {
		return false, err
	}
	return a.Authenticate(ctx, guest), nil
}

// Authorize grants access, records the session in the ledger and publishes
// session_authorized
func (s *EquipmentService) Authorize(ctx context.Context, id, userID string, durationMinutes int) (string, error) {
	a, err := s.Adapter(ctx, id)
	if err != nil {
		return "", err
	}
	sessionID, err := a.AuthorizeUser(ctx, userID, durationMinutes)
	if err != nil {
		return "", err
	}

	if info, ok := a.GetSessionInfo(ctx, sessionID); ok {
		s.record(ctx, info.Session)
	}
	s.eventBus.Publish(Event{
		Type:        EventSessionAuthorized,
		EquipmentID: id,
		Payload: map[string]any{
			"session_id":       sessionID,
			"user_id":          userID,
			"duration_minutes": durationMinutes,
		},
	})
	return sessionID, nil
}

// Disconnect ends the guest's session, closes its ledger entry and publishes
// session_disconnected
func (s *EquipmentService) Disconnect(ctx context.Context, id, userID string) (bool, error) {
	a, err := s.Adapter(ctx, id)
	if err != nil {
		return false, err
	}

	var sessionID string
	for _, u := range a.GetActiveUsers(ctx) {
		if u.UserID == userID && u.SessionID != "" {
			sessionID = u.SessionID
			break
		}
	}

	if !a.DisconnectUser(ctx, userID) {
		return false, nil
	}

	if sessionID != "" {
		if info, ok := a.GetSessionInfo(ctx, sessionID); ok {
			s.record(ctx, info.Session)
		}
	}
	s.eventBus.Publish(Event{
		Type:        EventSessionDisconnected,
		EquipmentID: id,
		Payload:     map[string]string{"session_id": sessionID, "user_id": userID},
	})
	return true, nil
}

// UpdateBandwidth changes the guest's rate limit
func (s *EquipmentService) UpdateBandwidth(ctx context.Context, id, userID string, uploadKbps, downloadKbps int) (bool, error) {
	a, err := s.Adapter(ctx, id)
	if err != nil {
		return false, err
	}
	if !a.UpdateUserBandwidth(ctx, userID, uploadKbps, downloadKbps) {
		return false, nil
	}
	s.eventBus.Publish(Event{
		Type:        EventBandwidthUpdated,
		EquipmentID: id,
		Payload: map[string]any{
			"user_id":       userID,
			"upload_kbps":   uploadKbps,
			"download_kbps": downloadKbps,
		},
	})
	return true, nil
}

// ConfigurePortal pushes portal settings to the equipment
func (s *EquipmentService) ConfigurePortal(ctx context.Context, id string, cfg domain.PortalConfig) (bool, error) {
	a, err := s.Adapter(ctx, id)
	if err != nil {
		return false, err
	}
	return a.ConfigurePortal(ctx, cfg), nil
}

// TestConnection checks the transport of overlay and tunnel equipment
func (s *EquipmentService) TestConnection(ctx context.Context, id string) (bool, error) {
	t, err := s.transport(ctx, id, "test_connection")
	if err != nil {
		return false, err
	}
	return t.TestConnection(ctx), nil
}

// ConfigureConnection establishes the transport of overlay and tunnel equipment
func (s *EquipmentService) ConfigureConnection(ctx context.Context, id string) (bool, error) {
	t, err := s.transport(ctx, id, "configure_connection")
	if err != nil {
		return false, err
	}
	return t.ConfigureConnection(ctx), nil
}

// SessionInfo returns the live session when the adapter still knows it and
// falls back to the ledger otherwise
func (s *EquipmentService) SessionInfo(ctx context.Context, id, sessionID string) (domain.SessionInfo, error) {
	a, err := s.Adapter(ctx, id)
	if err != nil {
		return domain.SessionInfo{}, err
	}
	if info, ok := a.GetSessionInfo(ctx, sessionID); ok {
		return info, nil
	}

	stored, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return domain.SessionInfo{}, err
	}
	if stored.EquipmentID != id {
		return domain.SessionInfo{}, fmt.Errorf("session %s: %w", sessionID, repository.ErrNotFound)
	}
	return domain.SessionInfo{Session: *stored}, nil
}

// Ledger returns the recorded sessions of one piece of equipment
func (s *EquipmentService) Ledger(ctx context.Context, id string, limit int) ([]domain.Session, error) {
	if _, err := s.GetEquipment(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListSessions(ctx, repository.SessionFilter{EquipmentID: id, Limit: limit})
}

// PruneLedger deletes ended sessions older than retention every interval
// until ctx is done
func (s *EquipmentService) PruneLedger(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := s.repo.PruneSessions(ctx, now.Add(-retention))
			if err != nil {
				s.log.Warn().Err(err).Msg("pruning session ledger")
				continue
			}
			if n > 0 {
				s.log.Info().Int64("pruned", n).Msg("session ledger pruned")
			}
		}
	}
}

func (s *EquipmentService) transport(ctx context.Context, id, op string) (adapter.TransportAdapter, error) {
	a, err := s.Adapter(ctx, id)
	if err != nil {
		return nil, err
	}
	t, ok := a.(adapter.TransportAdapter)
	if !ok {
		return nil, domain.NewUnsupportedError(id, op)
	}
	return t, nil
}

func (s *EquipmentService) record(ctx context.Context, session domain.Session) {
	if err := s.repo.RecordSession(ctx, session); err != nil {
		s.log.Warn().Err(err).
			Str(logging.FieldEquipmentID, session.EquipmentID).
			Str(logging.FieldSessionID, session.SessionID).
			Msg("failed to record session")
	}
}

func (s *EquipmentService) evict(key domain.EquipmentKey) {
	if s.factory.Evict(key.ID, key.Type) {
		s.eventBus.Publish(Event{
			Type:        EventAdapterEvicted,
			EquipmentID: key.ID,
			Payload:     map[string]string{"type": string(key.Type)},
		})
	}
}

func (s *EquipmentService) isStatic(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.static[id]
	return ok
}
