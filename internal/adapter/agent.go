package adapter

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"portalgate/internal/domain"
)

// defaultAgentPort is where the portal agent listens on a gateway
const defaultAgentPort = 8090

// agentDriver talks to the portal agent running on a gateway. Transport
// adapters embed it and differ only in how the agent address is reached.
type agentDriver struct {
	c     *core
	doer  HTTPDoer
	token string

	mu   sync.RWMutex
	base string
	// resolve finds the agent base URL when it is not known up front
	resolve func(ctx context.Context) (string, error)
}

func newAgentDriver(c *core, doer HTTPDoer, token, base string) *agentDriver {
	return &agentDriver{c: c, doer: doer, token: token, base: base}
}

// agentBaseURL builds http://host:port from the descriptor configuration
func agentBaseURL(desc domain.EquipmentDescriptor, host string) string {
	if desc.APIEndpoint != "" {
		return strings.TrimRight(desc.APIEndpoint, "/")
	}
	scheme := desc.ConfigString("agent_scheme", "http")
	port := desc.ConfigInt("agent_port", defaultAgentPort)
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(port))
}

func (d *agentDriver) client(ctx context.Context) (*restClient, error) {
	d.mu.RLock()
	base := d.base
	d.mu.RUnlock()
	if base == "" {
		if d.resolve == nil {
			return nil, domain.NewConfigurationError(d.c.desc.ID, "agent", fmt.Errorf("agent address unknown"))
		}
		resolved, err := d.resolve(ctx)
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.base = resolved
		d.mu.Unlock()
		base = resolved
	}
	return &restClient{
		baseURL: base,
		doer:    d.doer,
		decorate: func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer "+d.token)
		},
	}, nil
}

// forget drops a resolved address so the next call resolves again
func (d *agentDriver) forget() {
	if d.resolve == nil {
		return
	}
	d.mu.Lock()
	d.base = ""
	d.mu.Unlock()
}

type agentSession struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	MAC             string    `json:"mac,omitempty"`
	IP              string    `json:"ip,omitempty"`
	DurationMinutes int       `json:"duration_minutes,omitempty"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	BytesIn         int64     `json:"bytes_in"`
	BytesOut        int64     `json:"bytes_out"`
}

type agentHealth struct {
	Version         string  `json:"version"`
	Hostname        string  `json:"hostname"`
	Model           string  `json:"model"`
	UptimeSeconds   int64   `json:"uptime_seconds"`
	CPULoad         float64 `json:"cpu_load"`
	MemoryUsedPct   float64 `json:"memory_used_percent"`
	ConnectedUsers  int     `json:"connected_users"`
	FirewallBackend string  `json:"firewall_backend,omitempty"`
}

func (d *agentDriver) health(ctx context.Context) (agentHealth, error) {
	var h agentHealth
	api, err := d.client(ctx)
	if err != nil {
		return h, err
	}
	if err := api.get(ctx, "/v1/health", nil, &h); err != nil {
		return h, err
	}
	return h, nil
}

func (d *agentDriver) authenticate(ctx context.Context, guest domain.Guest) error {
	api, err := d.client(ctx)
	if err != nil {
		return err
	}
	var resp struct {
		Accepted bool   `json:"accepted"`
		Reason   string `json:"reason,omitempty"`
	}
	if err := api.post(ctx, "/v1/guests/authenticate", guest, &resp); err != nil {
		return err
	}
	if !resp.Accepted {
		return fmt.Errorf("agent refused %s (%s): %w", guest.UserID, resp.Reason, errRejected)
	}
	return nil
}

func (d *agentDriver) authorize(ctx context.Context, guest domain.Guest, session domain.Session) (string, error) {
	api, err := d.client(ctx)
	if err != nil {
		return "", err
	}
	body := agentSession{
		SessionID:       session.SessionID,
		UserID:          guest.UserID,
		MAC:             guest.MAC,
		IP:              guest.IP,
		DurationMinutes: session.DurationMinutes,
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := api.post(ctx, "/v1/sessions", body, &created); err != nil {
		// the agent may have opened the firewall before the failure surfaced
		d.c.rollback(ctx, "authorize_user", func(ctx context.Context) error {
			err := api.delete(ctx, "/v1/sessions/"+url.PathEscape(session.SessionID))
			if isStatus(err, http.StatusNotFound) {
				return nil
			}
			return err
		})
		return "", err
	}
	if created.ID == "" {
		created.ID = session.SessionID
	}
	return created.ID, nil
}

func (d *agentDriver) disconnect(ctx context.Context, session domain.Session) error {
	api, err := d.client(ctx)
	if err != nil {
		return err
	}
	err = api.delete(ctx, "/v1/sessions/"+url.PathEscape(session.SessionID))
	if isStatus(err, http.StatusNotFound) {
		return nil
	}
	return err
}

func (d *agentDriver) listActive(ctx context.Context) ([]domain.SessionSummary, error) {
	api, err := d.client(ctx)
	if err != nil {
		return nil, err
	}
	var sessions []agentSession
	if err := api.get(ctx, "/v1/sessions", nil, &sessions); err != nil {
		return nil, err
	}
	out := make([]domain.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, domain.SessionSummary{
			SessionID: s.SessionID,
			UserID:    s.UserID,
			MAC:       domain.NormalizeMAC(s.MAC),
			IP:        s.IP,
			Status:    domain.SessionActive,
			StartTime: s.StartedAt,
			BytesIn:   s.BytesIn,
			BytesOut:  s.BytesOut,
		})
	}
	return out, nil
}

func (d *agentDriver) refresh(ctx context.Context, session *domain.Session) error {
	api, err := d.client(ctx)
	if err != nil {
		return err
	}
	var s agentSession
	if err := api.get(ctx, "/v1/sessions/"+url.PathEscape(session.SessionID), nil, &s); err != nil {
		return err
	}
	session.BytesIn, session.BytesOut = s.BytesIn, s.BytesOut
	return nil
}

func (d *agentDriver) setBandwidth(ctx context.Context, session domain.Session, uploadKbps, downloadKbps int) error {
	api, err := d.client(ctx)
	if err != nil {
		return err
	}
	return api.put(ctx, "/v1/sessions/"+url.PathEscape(session.SessionID)+"/bandwidth", map[string]int{
		"upload_kbps":   uploadKbps,
		"download_kbps": downloadKbps,
	}, nil)
}

func (d *agentDriver) status(ctx context.Context) (domain.EquipmentStatus, error) {
	h, err := d.health(ctx)
	if err != nil {
		return domain.EquipmentStatus{}, err
	}
	status := domain.EquipmentStatus{
		Model:           h.Model,
		FirmwareVersion: h.Version,
		UptimeSeconds:   h.UptimeSeconds,
		CPULoadPercent:  h.CPULoad,
		MemoryUsedPct:   h.MemoryUsedPct,
		ConnectedUsers:  h.ConnectedUsers,
	}
	if h.Hostname != "" || h.FirewallBackend != "" {
		status.Details = map[string]any{"hostname": h.Hostname, "firewall": h.FirewallBackend}
	}
	return status, nil
}

func (d *agentDriver) configurePortal(ctx context.Context, config domain.PortalConfig) error {
	api, err := d.client(ctx)
	if err != nil {
		return err
	}
	return api.put(ctx, "/v1/portal", config, nil)
}

func agentFeatures() []domain.Feature {
	return []domain.Feature{
		domain.FeatureAuthentication,
		domain.FeatureAuthorization,
		domain.FeatureDisconnect,
		domain.FeatureActiveUsers,
		domain.FeatureSessionInfo,
		domain.FeatureBandwidthControl,
		domain.FeatureEquipmentStatus,
		domain.FeaturePortalConfig,
		domain.FeatureAccounting,
		domain.FeatureConnectionLifecycle,
	}
}
