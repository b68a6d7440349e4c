package adapter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"portalgate/internal/domain"
	"portalgate/internal/logging"
)

// rollbackTimeout bounds cleanup after a failed or cancelled authorization
const rollbackTimeout = 5 * time.Second

// core implements the Adapter contract on top of a vendor driver. Concrete
// adapters embed it and bind themselves as the driver.
type core struct {
	desc     domain.EquipmentDescriptor
	log      zerolog.Logger
	book     *sessionBook
	limits   BandwidthLimits
	retry    RetryPolicy
	features []domain.Feature
	now      func() time.Time
	drv      driver
}

func newCore(desc domain.EquipmentDescriptor, features []domain.Feature, opts Options) *core {
	opts = opts.withDefaults()
	desc = desc.Clone()
	log := opts.Logger.With().
		Str(logging.FieldComponent, "adapter").
		Str(logging.FieldEquipmentID, desc.ID).
		Str(logging.FieldEquipmentType, string(desc.Type)).
		Logger()

	return &core{
		desc:     desc,
		log:      log,
		book:     newSessionBook(desc, opts.Now),
		limits:   opts.Bandwidth,
		retry:    opts.Retry,
		features: narrowFeatures(features, desc.Capabilities),
		now:      opts.Now,
	}
}

// narrowFeatures applies an operator-declared capability list, which can
// only switch features off
func narrowFeatures(supported, declared []domain.Feature) []domain.Feature {
	if len(declared) == 0 {
		return supported
	}
	out := make([]domain.Feature, 0, len(supported))
	for _, f := range supported {
		if domain.HasFeature(declared, f) {
			out = append(out, f)
		}
	}
	return out
}

func (c *core) Descriptor() domain.EquipmentDescriptor {
	return c.desc.Clone()
}

func (c *core) SupportedFeatures() []domain.Feature {
	return append([]domain.Feature(nil), c.features...)
}

func (c *core) Authenticate(ctx context.Context, guest domain.Guest) bool {
	const op = "authenticate"
	if !c.supports(op, domain.FeatureAuthentication) {
		return false
	}
	if guest.UserID == "" {
		c.report(op, domain.NewConfigurationError(c.desc.ID, op, errors.New("user id is required")))
		return false
	}
	guest.MAC = domain.NormalizeMAC(guest.MAC)

	if err := c.call(ctx, op, func(ctx context.Context) error {
		return c.drv.authenticate(ctx, guest)
	}); err != nil {
		c.report(op, err)
		return false
	}
	c.book.authenticating(guest)
	return true
}

func (c *core) AuthorizeUser(ctx context.Context, userID string, durationMinutes int) (string, error) {
	const op = "authorize_user"
	if !c.supports(op, domain.FeatureAuthorization) {
		return "", domain.NewUnsupportedError(c.desc.ID, op)
	}
	if durationMinutes <= 0 {
		err := domain.NewAuthenticationError(c.desc.ID, op,
			fmt.Errorf("session duration must be positive, got %d minutes", durationMinutes))
		c.report(op, err)
		return "", err
	}

	guest, pending, existing, err := c.book.beginAuthorize(userID, durationMinutes)
	if err != nil {
		err = c.classify(op, err)
		c.report(op, err)
		return "", err
	}
	if existing != "" {
		return existing, nil
	}

	remoteID, err := retryValue(ctx, c, op, func(ctx context.Context) (string, error) {
		return c.drv.authorize(ctx, guest, pending)
	})
	if err != nil {
		c.book.abortAuthorize(userID)
		c.report(op, err)
		return "", err
	}

	pending.RemoteID = remoteID
	session := c.book.activate(pending)
	c.log.Info().
		Str(logging.FieldOperation, op).
		Str(logging.FieldSessionID, session.SessionID).
		Str(logging.FieldUserID, userID).
		Int("duration_minutes", durationMinutes).
		Msg("session authorized")
	return session.SessionID, nil
}

func (c *core) DisconnectUser(ctx context.Context, userID string) bool {
	const op = "disconnect_user"
	if !c.supports(op, domain.FeatureDisconnect) {
		return false
	}
	session, ok := c.book.activeSession(userID)
	if !ok {
		return false
	}
	if err := c.call(ctx, op, func(ctx context.Context) error {
		return c.drv.disconnect(ctx, session)
	}); err != nil {
		c.report(op, err)
		return false
	}
	if _, ok := c.book.end(userID, domain.SessionDisconnected); !ok {
		return false
	}
	c.log.Info().
		Str(logging.FieldOperation, op).
		Str(logging.FieldSessionID, session.SessionID).
		Str(logging.FieldUserID, userID).
		Msg("session disconnected")
	return true
}

func (c *core) GetActiveUsers(ctx context.Context) []domain.SessionSummary {
	const op = "get_active_users"
	out := []domain.SessionSummary{}
	if !c.supports(op, domain.FeatureActiveUsers) {
		return out
	}

	var reported []domain.SessionSummary
	err := c.call(ctx, op, func(ctx context.Context) error {
		var err error
		reported, err = c.drv.listActive(ctx)
		return err
	})
	switch {
	case errors.Is(err, errLocalSessions):
		for _, s := range c.book.active() {
			out = append(out, s.Summary())
		}
		return out
	case err != nil:
		c.report(op, err)
		return out
	}

	for _, ended := range c.book.reconcile(reported) {
		c.log.Info().
			Str(logging.FieldOperation, op).
			Str(logging.FieldSessionID, ended.SessionID).
			Msg("session ended by equipment")
	}
	return append(out, c.mergeReported(reported)...)
}

// mergeReported attaches session ids and start times from the book to what
// the equipment reports
func (c *core) mergeReported(reported []domain.SessionSummary) []domain.SessionSummary {
	byUser := make(map[string]domain.Session)
	byMAC := make(map[string]domain.Session)
	for _, s := range c.book.active() {
		byUser[s.UserID] = s
		if s.MAC != "" {
			byMAC[domain.NormalizeMAC(s.MAC)] = s
		}
	}

	out := make([]domain.SessionSummary, 0, len(reported))
	for _, r := range reported {
		s, ok := byUser[r.UserID]
		if !ok && r.MAC != "" {
			s, ok = byMAC[domain.NormalizeMAC(r.MAC)]
		}
		if ok {
			if r.SessionID == "" {
				r.SessionID = s.SessionID
			}
			if r.UserID == "" {
				r.UserID = s.UserID
			}
			if r.StartTime.IsZero() {
				r.StartTime = s.StartTime
			}
			in, outBytes := r.BytesIn, r.BytesOut
			c.book.update(s.SessionID, func(s *domain.Session) {
				s.BytesIn, s.BytesOut = in, outBytes
			})
		}
		if r.Status == "" {
			r.Status = domain.SessionActive
		}
		out = append(out, r)
	}
	return out
}

func (c *core) GetSessionInfo(ctx context.Context, sessionID string) (domain.SessionInfo, bool) {
	const op = "get_session_info"
	if !c.supports(op, domain.FeatureSessionInfo) {
		return domain.SessionInfo{}, false
	}
	session, ok := c.book.session(sessionID)
	if !ok {
		return domain.SessionInfo{}, false
	}
	if session.Status != domain.SessionActive {
		return domain.SessionInfo{Session: session}, true
	}

	live := session
	if err := c.drv.refresh(ctx, &live); err != nil {
		c.log.Debug().Err(err).Str(logging.FieldOperation, op).Msg("live counters unavailable")
	} else {
		c.book.update(sessionID, func(s *domain.Session) {
			s.BytesIn, s.BytesOut = live.BytesIn, live.BytesOut
		})
		session.BytesIn, session.BytesOut = live.BytesIn, live.BytesOut
	}

	remaining := int(math.Ceil(session.ExpiresAt().Sub(c.now()).Minutes()))
	if remaining < 0 {
		remaining = 0
	}
	return domain.SessionInfo{Session: session, RemainingMinutes: remaining}, true
}

func (c *core) UpdateUserBandwidth(ctx context.Context, userID string, uploadKbps, downloadKbps int) bool {
	const op = "update_user_bandwidth"
	if !c.supports(op, domain.FeatureBandwidthControl) {
		return false
	}
	if err := validateBandwidth(uploadKbps, downloadKbps); err != nil {
		c.report(op, domain.NewConfigurationError(c.desc.ID, op, err))
		return false
	}
	uploadKbps, downloadKbps = c.limits.Clamp(uploadKbps, downloadKbps)

	session, ok := c.book.activeSession(userID)
	if !ok {
		return false
	}
	if err := c.call(ctx, op, func(ctx context.Context) error {
		return c.drv.setBandwidth(ctx, session, uploadKbps, downloadKbps)
	}); err != nil {
		c.report(op, err)
		return false
	}
	c.book.update(session.SessionID, func(s *domain.Session) {
		s.UploadKbps, s.DownloadKbps = uploadKbps, downloadKbps
	})
	return true
}

func (c *core) GetEquipmentStatus(ctx context.Context) (domain.EquipmentStatus, bool) {
	const op = "get_equipment_status"
	if !c.supports(op, domain.FeatureEquipmentStatus) {
		return domain.EquipmentStatus{}, false
	}

	started := c.now()
	var status domain.EquipmentStatus
	err := c.call(ctx, op, func(ctx context.Context) error {
		var err error
		status, err = c.drv.status(ctx)
		return err
	})
	if err != nil {
		c.report(op, err)
		return domain.EquipmentStatus{}, false
	}

	status.EquipmentID = c.desc.ID
	status.Type = c.desc.Type
	status.CheckedAt = c.now()
	if status.State == "" {
		status.State = domain.EquipmentOnline
	}
	if status.Model == "" {
		status.Model = c.desc.Model
	}
	if status.LatencyMillis == 0 {
		status.LatencyMillis = status.CheckedAt.Sub(started).Milliseconds()
	}
	if status.ConnectedUsers == 0 {
		status.ConnectedUsers = len(c.book.active())
	}
	return status, true
}

func (c *core) ConfigurePortal(ctx context.Context, config domain.PortalConfig) bool {
	const op = "configure_portal"
	if !c.supports(op, domain.FeaturePortalConfig) {
		return false
	}
	if config.TimeLimitMinutes < 0 || config.DataLimitMB < 0 ||
		config.DefaultUpKbps < 0 || config.DefaultDownKbps < 0 {
		c.report(op, domain.NewConfigurationError(c.desc.ID, op, errors.New("portal limits must not be negative")))
		return false
	}
	config.DefaultUpKbps, config.DefaultDownKbps = c.limits.Clamp(config.DefaultUpKbps, config.DefaultDownKbps)

	if err := c.call(ctx, op, func(ctx context.Context) error {
		return c.drv.configurePortal(ctx, config)
	}); err != nil {
		c.report(op, err)
		return false
	}
	return true
}

// supports logs and rejects operations outside the feature set
func (c *core) supports(op string, f domain.Feature) bool {
	if domain.HasFeature(c.features, f) {
		return true
	}
	c.report(op, domain.NewUnsupportedError(c.desc.ID, op))
	return false
}

func (c *core) call(ctx context.Context, op string, fn func(context.Context) error) error {
	_, err := retryValue(ctx, c, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (c *core) classify(op string, err error) error {
	return classifyError(c.desc.ID, op, err)
}

// report emits the structured fault event for a converted error
func (c *core) report(op string, err error) {
	category := domain.CategoryOf(err)
	event := c.log.Warn()
	if category == domain.CategoryUnsupportedOperation {
		event = c.log.Info()
	}
	event.
		Str(logging.FieldOperation, op).
		Str(logging.FieldErrorCategory, string(category)).
		Err(err).
		Msg("equipment operation failed")
}

// rollback runs cleanup on a context detached from the caller's cancellation
func (c *core) rollback(ctx context.Context, op string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		c.log.Error().
			Err(err).
			Str(logging.FieldOperation, op).
			Msg("rollback of partial authorization failed")
	}
}

// transportCheck runs a TestConnection or ConfigureConnection body
func (c *core) transportCheck(ctx context.Context, op string, fn func(context.Context) error) bool {
	if !c.supports(op, domain.FeatureConnectionLifecycle) {
		return false
	}
	if err := c.call(ctx, op, fn); err != nil {
		c.report(op, err)
		return false
	}
	return true
}
