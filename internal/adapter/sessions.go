package adapter

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"portalgate/internal/domain"
)

// endedRetention is how long a finished session stays queryable
const endedRetention = time.Hour

var errAuthorizationInProgress = fmt.Errorf("authorization already in progress: %w", domain.ErrTransientNetwork)

// guestEntry tracks one guest through the session state machine
type guestEntry struct {
	guest     domain.Guest
	status    domain.SessionStatus
	sessionID string
}

// sessionBook is the adapter-owned session table. It converges every
// vendor's accounting model onto the shared state machine.
type sessionBook struct {
	mu            sync.Mutex
	equipmentID   string
	equipmentType domain.EquipmentType
	guests        map[string]*guestEntry
	sessions      map[string]*domain.Session
	now           func() time.Time
}

func newSessionBook(desc domain.EquipmentDescriptor, now func() time.Time) *sessionBook {
	if now == nil {
		now = time.Now
	}
	return &sessionBook{
		equipmentID:   desc.ID,
		equipmentType: desc.Type,
		guests:        make(map[string]*guestEntry),
		sessions:      make(map[string]*domain.Session),
		now:           now,
	}
}

// newSessionID returns a globally unique id prefixed by the equipment type
func (b *sessionBook) newSessionID() string {
	return fmt.Sprintf("%s_%s", b.equipmentType, uuid.NewString())
}

// authenticating records an authenticated guest waiting for authorization.
// A guest with a live session keeps it.
func (b *sessionBook) authenticating(guest domain.Guest) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.guests[guest.UserID]
	if ok && entry.status == domain.SessionActive && !b.expiredLocked(entry.sessionID) {
		entry.guest = mergeGuest(entry.guest, guest)
		return
	}
	if ok && entry.status == domain.SessionAuthorizing {
		entry.guest = mergeGuest(entry.guest, guest)
		return
	}
	b.guests[guest.UserID] = &guestEntry{guest: guest, status: domain.SessionAuthenticating}
}

// beginAuthorize moves an authenticated guest to Authorizing. When the guest
// already has a live session its id is returned and no transition happens.
func (b *sessionBook) beginAuthorize(userID string, durationMinutes int) (domain.Guest, domain.Session, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.guests[userID]
	if !ok || entry.status == domain.SessionUnauthenticated {
		return domain.Guest{}, domain.Session{}, "", domain.NewAuthenticationError(b.equipmentID, "authorize_user",
			fmt.Errorf("user %s was never authenticated", userID))
	}
	switch entry.status {
	case domain.SessionActive:
		if !b.expiredLocked(entry.sessionID) {
			return entry.guest, domain.Session{}, entry.sessionID, nil
		}
		return domain.Guest{}, domain.Session{}, "", domain.NewAuthenticationError(b.equipmentID, "authorize_user",
			fmt.Errorf("session of user %s expired, authenticate again", userID))
	case domain.SessionAuthorizing:
		return domain.Guest{}, domain.Session{}, "", errAuthorizationInProgress
	}

	entry.status = domain.SessionAuthorizing
	pending := domain.Session{
		SessionID:       b.newSessionID(),
		EquipmentID:     b.equipmentID,
		EquipmentType:   b.equipmentType,
		UserID:          userID,
		MAC:             entry.guest.MAC,
		IP:              entry.guest.IP,
		Status:          domain.SessionAuthorizing,
		StartTime:       b.now(),
		DurationMinutes: durationMinutes,
	}
	return entry.guest, pending, "", nil
}

// abortAuthorize returns the guest to the authenticated state
func (b *sessionBook) abortAuthorize(userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if entry, ok := b.guests[userID]; ok && entry.status == domain.SessionAuthorizing {
		entry.status = domain.SessionAuthenticating
	}
}

// activate stores the session as Active
func (b *sessionBook) activate(session domain.Session) domain.Session {
	b.mu.Lock()
	defer b.mu.Unlock()

	session.Status = domain.SessionActive
	stored := session
	b.sessions[session.SessionID] = &stored
	if entry, ok := b.guests[session.UserID]; ok {
		entry.status = domain.SessionActive
		entry.sessionID = session.SessionID
	}
	b.pruneLocked()
	return stored
}

// activeSession returns the guest's live session
func (b *sessionBook) activeSession(userID string) (domain.Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.guests[userID]
	if !ok || entry.status != domain.SessionActive {
		return domain.Session{}, false
	}
	if b.expiredLocked(entry.sessionID) {
		return domain.Session{}, false
	}
	s, ok := b.sessions[entry.sessionID]
	if !ok {
		return domain.Session{}, false
	}
	return *s, true
}

// end moves the guest's live session into a terminal status. The guest must
// authenticate again before the next authorization.
func (b *sessionBook) end(userID string, status domain.SessionStatus) (domain.Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.guests[userID]
	if !ok || entry.status != domain.SessionActive {
		return domain.Session{}, false
	}
	s, ok := b.sessions[entry.sessionID]
	if !ok || !s.Status.CanTransition(status) {
		return domain.Session{}, false
	}
	b.finishLocked(s, status)
	delete(b.guests, userID)
	return *s, true
}

// session returns any known session by id, expiring it lazily
func (b *sessionBook) session(sessionID string) (domain.Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[sessionID]
	if !ok {
		return domain.Session{}, false
	}
	b.expiredLocked(sessionID)
	return *s, true
}

// update mutates an Active session in place
func (b *sessionBook) update(sessionID string, fn func(s *domain.Session)) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[sessionID]
	if !ok || s.Status != domain.SessionActive {
		return false
	}
	fn(s)
	return true
}

// active returns live sessions ordered by start time
func (b *sessionBook) active() []domain.Session {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]domain.Session, 0, len(b.sessions))
	for id, s := range b.sessions {
		if s.Status != domain.SessionActive || b.expiredLocked(id) {
			continue
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// reconcile ends sessions the equipment no longer reports, which is how an
// equipment-side accounting stop reaches the shared model
func (b *sessionBook) reconcile(reported []domain.SessionSummary) []domain.Session {
	present := make(map[string]struct{}, len(reported)*2)
	for _, r := range reported {
		if r.UserID != "" {
			present["u:"+r.UserID] = struct{}{}
		}
		if r.MAC != "" {
			present["m:"+domain.NormalizeMAC(r.MAC)] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var ended []domain.Session
	for userID, entry := range b.guests {
		if entry.status != domain.SessionActive {
			continue
		}
		s, ok := b.sessions[entry.sessionID]
		if !ok {
			continue
		}
		_, byUser := present["u:"+s.UserID]
		_, byMAC := present["m:"+domain.NormalizeMAC(s.MAC)]
		if byUser || (s.MAC != "" && byMAC) {
			continue
		}
		b.finishLocked(s, domain.SessionDisconnected)
		delete(b.guests, userID)
		ended = append(ended, *s)
	}
	return ended
}

// expiredLocked flips an Active session past its duration to Expired
func (b *sessionBook) expiredLocked(sessionID string) bool {
	s, ok := b.sessions[sessionID]
	if !ok {
		return false
	}
	if s.Status == domain.SessionExpired {
		return true
	}
	if s.Status != domain.SessionActive || !s.Expired(b.now()) {
		return false
	}
	b.finishLocked(s, domain.SessionExpired)
	if entry, ok := b.guests[s.UserID]; ok && entry.sessionID == sessionID {
		delete(b.guests, s.UserID)
	}
	return true
}

func (b *sessionBook) finishLocked(s *domain.Session, status domain.SessionStatus) {
	end := b.now()
	if status == domain.SessionExpired {
		end = s.ExpiresAt()
	}
	s.Status = status
	s.EndTime = &end
}

func (b *sessionBook) pruneLocked() {
	cutoff := b.now().Add(-endedRetention)
	for id, s := range b.sessions {
		if s.Status.Terminal() && s.EndTime != nil && s.EndTime.Before(cutoff) {
			delete(b.sessions, id)
		}
	}
}

func mergeGuest(current, update domain.Guest) domain.Guest {
	if update.MAC != "" {
		current.MAC = update.MAC
	}
	if update.IP != "" {
		current.IP = update.IP
	}
	if update.Password != "" {
		current.Password = update.Password
	}
	return current
}
