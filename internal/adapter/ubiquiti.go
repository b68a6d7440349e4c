package adapter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"portalgate/internal/domain"
)

var errUniFiLoginRequired = errors.New("unifi login required")

// UbiquitiAdapter authorizes guests through a UniFi Network controller
type UbiquitiAdapter struct {
	*core
	api   *restClient
	creds domain.UserPassCredentials

	site string
	// unifiOS controllers proxy the network application under /proxy/network
	unifiOS bool

	loginMu sync.Mutex
	mu      sync.RWMutex
	cookies []*http.Cookie
	csrf    string
}

func ubiquitiFeatures() []domain.Feature {
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

// NewUbiquitiAdapter builds an adapter for one UniFi controller site
func NewUbiquitiAdapter(desc domain.EquipmentDescriptor, creds domain.UserPassCredentials, opts Options) *UbiquitiAdapter {
	port := creds.Port
	if port == 0 {
		port = 8443
	}
	a := &UbiquitiAdapter{
		creds:   creds,
		site:    desc.ConfigString("site", "default"),
		unifiOS: desc.ConfigString("controller", "") == "unifi_os",
	}
	a.core = newCore(desc, ubiquitiFeatures(), opts)
	a.core.drv = a
	a.api = &restClient{
		baseURL:  equipmentURL(desc, "https", port),
		doer:     newHTTPClient(opts.withDefaults(), creds.InsecureSkipVerify),
		decorate: a.decorate,
	}
	return a
}

// Close drops the controller session and idle connections
func (a *UbiquitiAdapter) Close() error {
	a.invalidate()
	closeIdle(a.api.doer)
	return nil
}

type unifiMeta struct {
	RC            string `json:"rc"`
	Msg           string `json:"msg,omitempty"`
	ServerVersion string `json:"server_version,omitempty"`
}

type unifiResponse[T any] struct {
	Meta unifiMeta `json:"meta"`
	Data []T       `json:"data"`
}

type unifiStation struct {
	MAC        string `json:"mac"`
	IP         string `json:"ip"`
	Hostname   string `json:"hostname"`
	Name       string `json:"name"`
	IsGuest    bool   `json:"is_guest"`
	Authorized bool   `json:"authorized"`
	TxBytes    int64  `json:"tx_bytes"`
	RxBytes    int64  `json:"rx_bytes"`
	Uptime     int64  `json:"uptime"`
}

type unifiHealth struct {
	Subsystem string `json:"subsystem"`
	Status    string `json:"status"`
	NumUser   int    `json:"num_user"`
	NumGuest  int    `json:"num_guest"`
	NumAP     int    `json:"num_ap"`
}

func (a *UbiquitiAdapter) decorate(req *http.Request) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, c := range a.cookies {
		req.AddCookie(c)
	}
	if a.csrf != "" {
		req.Header.Set("X-Csrf-Token", a.csrf)
	}
}

func (a *UbiquitiAdapter) invalidate() {
	a.mu.Lock()
	a.cookies, a.csrf = nil, ""
	a.mu.Unlock()
}

func (a *UbiquitiAdapter) loggedIn() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.cookies) > 0
}

// ensureLogin establishes the controller cookie session once
func (a *UbiquitiAdapter) ensureLogin(ctx context.Context) error {
	a.loginMu.Lock()
	defer a.loginMu.Unlock()
	if a.loggedIn() {
		return nil
	}

	path := "/api/login"
	if a.unifiOS {
		path = "/api/auth/login"
	}
	header, err := a.api.exchange(ctx, http.MethodPost, path, nil, map[string]any{
		"username": a.creds.Username,
		"password": a.creds.Password,
		"remember": true,
	}, nil)
	if err != nil {
		if isStatus(err, http.StatusBadRequest) {
			return domain.NewAuthenticationError(a.desc.ID, "login", err)
		}
		return err
	}

	cookies := (&http.Response{Header: header}).Cookies()
	csrf := header.Get("X-Csrf-Token")
	for _, c := range cookies {
		if c.Name == "csrf_token" && csrf == "" {
			csrf = c.Value
		}
	}
	if len(cookies) == 0 {
		return domain.NewAuthenticationError(a.desc.ID, "login", errors.New("controller issued no session cookie"))
	}

	a.mu.Lock()
	a.cookies, a.csrf = cookies, csrf
	a.mu.Unlock()
	return nil
}

func (a *UbiquitiAdapter) sitePath(suffix string) string {
	prefix := ""
	if a.unifiOS {
		prefix = "/proxy/network"
	}
	return prefix + "/api/s/" + url.PathEscape(a.site) + suffix
}

// unifiCall runs a site API request, logging in again once when the
// controller reports the session gone
func unifiCall[T any](ctx context.Context, a *UbiquitiAdapter, method, suffix string, body any) ([]T, error) {
	for attempt := 0; attempt < 2; attempt++ {
		if err := a.ensureLogin(ctx); err != nil {
			return nil, err
		}
		var resp unifiResponse[T]
		err := a.api.do(ctx, method, a.sitePath(suffix), nil, body, &resp)
		if isStatus(err, http.StatusUnauthorized) {
			err = errUniFiLoginRequired
		} else if err == nil && resp.Meta.RC != "ok" {
			if strings.Contains(resp.Meta.Msg, "LoginRequired") {
				err = errUniFiLoginRequired
			} else {
				err = fmt.Errorf("unifi %s: %s", suffix, resp.Meta.Msg)
			}
		}
		if errors.Is(err, errUniFiLoginRequired) {
			a.invalidate()
			continue
		}
		return resp.Data, err
	}
	return nil, domain.NewAuthenticationError(a.desc.ID, "login", errUniFiLoginRequired)
}

func (a *UbiquitiAdapter) stamgr(ctx context.Context, cmd map[string]any) error {
	_, err := unifiCall[map[string]any](ctx, a, http.MethodPost, "/cmd/stamgr", cmd)
	return err
}

// authenticate requires the device to be known to the controller
func (a *UbiquitiAdapter) authenticate(ctx context.Context, guest domain.Guest) error {
	if guest.MAC == "" {
		return fmt.Errorf("unifi guest authorization needs a client mac: %w", errRejected)
	}
	users, err := unifiCall[unifiStation](ctx, a, http.MethodGet, "/stat/user/"+guest.MAC, nil)
	if err != nil {
		// unknown clients come back as an api error rather than an empty list
		if strings.Contains(err.Error(), "UnknownUser") {
			return fmt.Errorf("client %s unknown to controller: %w", guest.MAC, errRejected)
		}
		return err
	}
	if len(users) == 0 {
		return fmt.Errorf("client %s unknown to controller: %w", guest.MAC, errRejected)
	}
	return nil
}

func (a *UbiquitiAdapter) authorize(ctx context.Context, guest domain.Guest, session domain.Session) (string, error) {
	cmd := map[string]any{
		"cmd":     "authorize-guest",
		"mac":     guest.MAC,
		"minutes": session.DurationMinutes,
	}
	if session.UploadKbps > 0 {
		cmd["up"] = session.UploadKbps
	}
	if session.DownloadKbps > 0 {
		cmd["down"] = session.DownloadKbps
	}
	if err := a.stamgr(ctx, cmd); err != nil {
		a.rollback(ctx, "authorize_user", func(ctx context.Context) error {
			return a.stamgr(ctx, map[string]any{"cmd": "unauthorize-guest", "mac": guest.MAC})
		})
		return "", err
	}
	return guest.MAC, nil
}

func (a *UbiquitiAdapter) disconnect(ctx context.Context, session domain.Session) error {
	if session.MAC == "" {
		return nil
	}
	if err := a.stamgr(ctx, map[string]any{"cmd": "unauthorize-guest", "mac": session.MAC}); err != nil {
		return err
	}
	// kick so the device re-associates into the captive state
	if err := a.stamgr(ctx, map[string]any{"cmd": "kick-sta", "mac": session.MAC}); err != nil {
		a.log.Debug().Err(err).Str("mac", session.MAC).Msg("kick after unauthorize failed")
	}
	return nil
}

func (a *UbiquitiAdapter) listActive(ctx context.Context) ([]domain.SessionSummary, error) {
	stations, err := unifiCall[unifiStation](ctx, a, http.MethodGet, "/stat/sta", nil)
	if err != nil {
		return nil, err
	}

	users := make(map[string]string)
	for _, s := range a.book.active() {
		users[domain.NormalizeMAC(s.MAC)] = s.UserID
	}

	now := a.now()
	out := make([]domain.SessionSummary, 0, len(stations))
	for _, st := range stations {
		if !st.IsGuest || !st.Authorized {
			continue
		}
		mac := domain.NormalizeMAC(st.MAC)
		summary := domain.SessionSummary{
			UserID:   users[mac],
			MAC:      mac,
			IP:       st.IP,
			Status:   domain.SessionActive,
			BytesIn:  st.TxBytes,
			BytesOut: st.RxBytes,
		}
		if summary.UserID == "" {
			summary.UserID = firstNonEmpty(st.Name, st.Hostname, mac)
		}
		if st.Uptime > 0 {
			summary.StartTime = now.Add(-time.Duration(st.Uptime) * time.Second)
		}
		out = append(out, summary)
	}
	return out, nil
}

func (a *UbiquitiAdapter) refresh(ctx context.Context, session *domain.Session) error {
	stations, err := unifiCall[unifiStation](ctx, a, http.MethodGet, "/stat/sta/"+session.MAC, nil)
	if err != nil {
		return err
	}
	if len(stations) == 0 {
		return fmt.Errorf("station %s not connected", session.MAC)
	}
	// counters are from the access point's perspective
	session.BytesIn = stations[0].TxBytes
	session.BytesOut = stations[0].RxBytes
	return nil
}

// setBandwidth re-authorizes the guest with new limits for the remaining time
func (a *UbiquitiAdapter) setBandwidth(ctx context.Context, session domain.Session, uploadKbps, downloadKbps int) error {
	remaining := int(math.Ceil(session.ExpiresAt().Sub(a.now()).Minutes()))
	if remaining <= 0 {
		remaining = 1
	}
	cmd := map[string]any{
		"cmd":     "authorize-guest",
		"mac":     session.MAC,
		"minutes": remaining,
		"up":      uploadKbps,
		"down":    downloadKbps,
	}
	return a.stamgr(ctx, cmd)
}

func (a *UbiquitiAdapter) status(ctx context.Context) (domain.EquipmentStatus, error) {
	var st unifiResponse[any]
	statusPath := "/status"
	if a.unifiOS {
		statusPath = "/proxy/network/status"
	}
	if err := a.api.get(ctx, statusPath, nil, &st); err != nil {
		return domain.EquipmentStatus{}, err
	}
	status := domain.EquipmentStatus{
		Model:           "UniFi Network",
		FirmwareVersion: st.Meta.ServerVersion,
	}

	health, err := unifiCall[unifiHealth](ctx, a, http.MethodGet, "/stat/health", nil)
	if err != nil {
		status.State = domain.EquipmentDegraded
		return status, nil
	}
	status.State = domain.EquipmentOnline
	details := map[string]any{}
	for _, h := range health {
		details[h.Subsystem] = h.Status
		if h.Subsystem == "wlan" {
			status.ConnectedUsers = h.NumUser + h.NumGuest
			details["access_points"] = h.NumAP
			if h.Status != "ok" {
				status.State = domain.EquipmentDegraded
			}
		}
	}
	status.Details = details
	return status, nil
}

func (a *UbiquitiAdapter) configurePortal(ctx context.Context, config domain.PortalConfig) error {
	settings := map[string]any{
		"portal_enabled": true,
		"auth":           "custom",
	}
	if config.SplashURL != "" {
		if u, err := url.Parse(config.SplashURL); err == nil && u.Hostname() != "" {
			settings["custom_ip"] = u.Hostname()
		}
	}
	if config.RedirectURL != "" {
		settings["redirect_enabled"] = true
		settings["redirect_url"] = config.RedirectURL
	}
	if config.TimeLimitMinutes > 0 {
		settings["expire"] = config.TimeLimitMinutes
		settings["expire_unit"] = 1
	}

	n := 1
	for _, host := range walledGardenHosts(config) {
		if subnet := asSubnet(host); subnet != "" {
			settings[fmt.Sprintf("allowed_subnet_%d", n)] = subnet
			n++
		}
	}
	_, err := unifiCall[map[string]any](ctx, a, http.MethodPut, "/set/setting/guest_access", settings)
	return err
}

// asSubnet returns CIDR notation for IP or CIDR walled-garden entries
func asSubnet(host string) string {
	if _, _, err := net.ParseCIDR(host); err == nil {
		return host
	}
	if ip := net.ParseIP(host); ip != nil && ip.To4() != nil {
		return host + "/32"
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
