package adapter

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"portalgate/internal/domain"
)

const (
	merakiDashboardURL = "https://api.meraki.com/api/v1"
	// Dashboard allows 10 calls per second per organization
	merakiRequestsPerSecond = 10
)

// MerakiAdapter authorizes guests on a Meraki MR network through the
// Dashboard API splash authorization endpoints
type MerakiAdapter struct {
	*core
	api   *restClient
	creds domain.APITokenCredentials
	ssid  string
}

func merakiFeatures() []domain.Feature {
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
		domain.FeatureMACAuthentication,
	}
}

// NewMerakiAdapter builds an adapter for one Meraki network
func NewMerakiAdapter(desc domain.EquipmentDescriptor, creds domain.APITokenCredentials, opts Options) *MerakiAdapter {
	a := &MerakiAdapter{
		creds: creds,
		ssid:  strconv.Itoa(creds.SSIDNumber),
	}
	a.core = newCore(desc, merakiFeatures(), opts)
	a.core.drv = a

	base := merakiDashboardURL
	if desc.APIEndpoint != "" {
		base = strings.TrimRight(desc.APIEndpoint, "/")
	}
	a.api = &restClient{
		baseURL: base,
		doer: &rateLimitedDoer{
			next:    newHTTPClient(opts.withDefaults(), false),
			limiter: rate.NewLimiter(rate.Limit(merakiRequestsPerSecond), merakiRequestsPerSecond),
		},
		decorate: func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer "+creds.Token)
		},
	}
	return a
}

// Close releases idle connections to the dashboard
func (a *MerakiAdapter) Close() error {
	closeIdle(a.api.doer.(*rateLimitedDoer).next)
	return nil
}

// rateLimitedDoer waits for a limiter token before each request
type rateLimitedDoer struct {
	next    HTTPDoer
	limiter *rate.Limiter
}

func (d *rateLimitedDoer) Do(req *http.Request) (*http.Response, error) {
	if err := d.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return d.next.Do(req)
}

type merakiClient struct {
	ID          string `json:"id"`
	MAC         string `json:"mac"`
	IP          string `json:"ip"`
	Description string `json:"description"`
	User        string `json:"user"`
	Status      string `json:"status"`
	Usage       struct {
		Sent float64 `json:"sent"`
		Recv float64 `json:"recv"`
	} `json:"usage"`
}

type merakiGroupPolicy struct {
	GroupPolicyID string `json:"groupPolicyId,omitempty"`
	Name          string `json:"name"`
	Bandwidth     struct {
		Settings        string `json:"settings"`
		BandwidthLimits struct {
			LimitUp   int `json:"limitUp"`
			LimitDown int `json:"limitDown"`
		} `json:"bandwidthLimits"`
	} `json:"bandwidth"`
}

type merakiDeviceStatus struct {
	Serial   string `json:"serial"`
	Name     string `json:"name"`
	Model    string `json:"model"`
	Status   string `json:"status"`
	Firmware string `json:"firmware,omitempty"`
}

func (a *MerakiAdapter) networkPath(suffix string) string {
	return "/networks/" + url.PathEscape(a.creds.NetworkID) + suffix
}

func (a *MerakiAdapter) clientPath(mac, suffix string) string {
	return a.networkPath("/clients/" + url.PathEscape(mac) + suffix)
}

// authenticate requires the device to be associated with the network
func (a *MerakiAdapter) authenticate(ctx context.Context, guest domain.Guest) error {
	if guest.MAC == "" {
		return fmt.Errorf("meraki splash authorization needs a client mac: %w", errRejected)
	}
	var client merakiClient
	err := a.api.get(ctx, a.clientPath(guest.MAC, ""), nil, &client)
	if isStatus(err, http.StatusNotFound) {
		return fmt.Errorf("client %s not seen on network: %w", guest.MAC, errRejected)
	}
	return err
}

func (a *MerakiAdapter) setSplash(ctx context.Context, mac string, authorized bool) error {
	body := map[string]any{
		"ssids": map[string]any{
			a.ssid: map[string]bool{"isAuthorized": authorized},
		},
	}
	return a.api.put(ctx, a.clientPath(mac, "/splashAuthorizationStatus"), body, nil)
}

func (a *MerakiAdapter) authorize(ctx context.Context, guest domain.Guest, session domain.Session) (string, error) {
	if err := a.setSplash(ctx, guest.MAC, true); err != nil {
		// the PUT may have landed before the failure was observed
		a.rollback(ctx, "authorize_user", func(ctx context.Context) error {
			return a.setSplash(ctx, guest.MAC, false)
		})
		return "", err
	}
	return guest.MAC, nil
}

func (a *MerakiAdapter) disconnect(ctx context.Context, session domain.Session) error {
	if session.MAC == "" {
		return nil
	}
	if err := a.setSplash(ctx, session.MAC, false); err != nil && !isStatus(err, http.StatusNotFound) {
		return err
	}
	if session.UploadKbps > 0 || session.DownloadKbps > 0 {
		err := a.api.put(ctx, a.clientPath(session.MAC, "/policy"), map[string]string{"devicePolicy": "Normal"}, nil)
		if err != nil && !isStatus(err, http.StatusNotFound) {
			return err
		}
	}
	return nil
}

// listActive narrows the network's client list to guests this adapter
// authorized, the dashboard lists every associated device
func (a *MerakiAdapter) listActive(ctx context.Context) ([]domain.SessionSummary, error) {
	var clients []merakiClient
	query := url.Values{"timespan": {"900"}, "perPage": {"1000"}}
	if err := a.api.get(ctx, a.networkPath("/clients"), query, &clients); err != nil {
		return nil, err
	}

	guests := make(map[string]string)
	for _, s := range a.book.active() {
		guests[domain.NormalizeMAC(s.MAC)] = s.UserID
	}

	out := make([]domain.SessionSummary, 0, len(clients))
	for _, c := range clients {
		mac := domain.NormalizeMAC(c.MAC)
		userID, ok := guests[mac]
		if !ok || !strings.EqualFold(c.Status, "online") {
			continue
		}
		out = append(out, domain.SessionSummary{
			UserID:   userID,
			MAC:      mac,
			IP:       c.IP,
			Status:   domain.SessionActive,
			BytesIn:  int64(c.Usage.Sent * 1024),
			BytesOut: int64(c.Usage.Recv * 1024),
		})
	}
	return out, nil
}

func (a *MerakiAdapter) refresh(ctx context.Context, session *domain.Session) error {
	var client merakiClient
	if err := a.api.get(ctx, a.clientPath(session.MAC, ""), nil, &client); err != nil {
		return err
	}
	// usage is reported in kilobytes from the client's perspective
	session.BytesIn = int64(client.Usage.Sent * 1024)
	session.BytesOut = int64(client.Usage.Recv * 1024)
	return nil
}

func (a *MerakiAdapter) setBandwidth(ctx context.Context, session domain.Session, uploadKbps, downloadKbps int) error {
	policyID, err := a.ensureGroupPolicy(ctx, uploadKbps, downloadKbps)
	if err != nil {
		return err
	}
	return a.api.put(ctx, a.clientPath(session.MAC, "/policy"), map[string]string{
		"devicePolicy":  "Group policy",
		"groupPolicyId": policyID,
	}, nil)
}

// ensureGroupPolicy finds or creates the shared policy for a rate pair
func (a *MerakiAdapter) ensureGroupPolicy(ctx context.Context, uploadKbps, downloadKbps int) (string, error) {
	name := fmt.Sprintf("portalgate %d/%d kbps", uploadKbps, downloadKbps)

	var policies []merakiGroupPolicy
	if err := a.api.get(ctx, a.networkPath("/groupPolicies"), nil, &policies); err != nil {
		return "", err
	}
	for _, p := range policies {
		if p.Name == name {
			return p.GroupPolicyID, nil
		}
	}

	var policy merakiGroupPolicy
	policy.Name = name
	policy.Bandwidth.Settings = "custom"
	policy.Bandwidth.BandwidthLimits.LimitUp = uploadKbps
	policy.Bandwidth.BandwidthLimits.LimitDown = downloadKbps

	var created merakiGroupPolicy
	if err := a.api.post(ctx, a.networkPath("/groupPolicies"), policy, &created); err != nil {
		return "", err
	}
	return created.GroupPolicyID, nil
}

func (a *MerakiAdapter) status(ctx context.Context) (domain.EquipmentStatus, error) {
	var status domain.EquipmentStatus

	if a.creds.OrganizationID != "" && a.creds.Serial != "" {
		var devices []merakiDeviceStatus
		query := url.Values{"serials[]": {a.creds.Serial}}
		path := "/organizations/" + url.PathEscape(a.creds.OrganizationID) + "/devices/statuses"
		if err := a.api.get(ctx, path, query, &devices); err != nil {
			return status, err
		}
		if len(devices) == 0 {
			return status, domain.NewConfigurationError(a.desc.ID, "get_equipment_status",
				fmt.Errorf("device %s not in organization", a.creds.Serial))
		}
		status.Model = devices[0].Model
		status.FirmwareVersion = devices[0].Firmware
		switch strings.ToLower(devices[0].Status) {
		case "online":
			status.State = domain.EquipmentOnline
		case "alerting":
			status.State = domain.EquipmentDegraded
		default:
			status.State = domain.EquipmentOffline
		}
	} else {
		var network map[string]any
		if err := a.api.get(ctx, a.networkPath(""), nil, &network); err != nil {
			return status, err
		}
		status.State = domain.EquipmentOnline
		status.Details = map[string]any{"network": network["name"]}
	}

	var clients []merakiClient
	if err := a.api.get(ctx, a.networkPath("/clients"), url.Values{"timespan": {"300"}, "perPage": {"1000"}}, &clients); err == nil {
		for _, c := range clients {
			if strings.EqualFold(c.Status, "online") {
				status.ConnectedUsers++
			}
		}
	}
	return status, nil
}

func (a *MerakiAdapter) configurePortal(ctx context.Context, config domain.PortalConfig) error {
	splash := map[string]any{}
	if config.SplashURL != "" {
		splash["splashUrl"] = config.SplashURL
		splash["useSplashUrl"] = true
	}
	if config.RedirectURL != "" {
		splash["redirectUrl"] = config.RedirectURL
		splash["useRedirectUrl"] = true
	}
	if config.TimeLimitMinutes > 0 {
		splash["splashTimeout"] = config.TimeLimitMinutes
	}
	ssidPath := a.networkPath("/wireless/ssids/" + a.ssid)
	if err := a.api.put(ctx, ssidPath+"/splash/settings", splash, nil); err != nil {
		return err
	}

	if hosts := walledGardenHosts(config); len(hosts) > 0 {
		return a.api.put(ctx, ssidPath, map[string]any{
			"walledGardenEnabled": true,
			"walledGardenRanges":  hosts,
		}, nil)
	}
	return nil
}
