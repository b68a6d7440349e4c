package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"portalgate/internal/domain"
)

// Omada error codes meaning the operator token is no longer valid
const (
	omadaCodeLoginRequired = -1200
	omadaCodeTokenExpired  = -44106
)

var errOmadaSessionExpired = errors.New("omada operator session expired")

// OmadaAdapter drives the hotspot operator API of a TP-Link Omada controller
type OmadaAdapter struct {
	*core
	api   *restClient
	creds domain.UserPassCredentials

	site     string
	ssidName string
	apMAC    string
	radioID  int
	portalID string

	// loginMu serializes login so concurrent calls share one token refresh
	loginMu sync.Mutex
	mu      sync.RWMutex
	cid     string
	token   string
	cookies []*http.Cookie
}

func omadaFeatures() []domain.Feature {
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
	}
}

// NewOmadaAdapter builds an adapter for one Omada controller site
func NewOmadaAdapter(desc domain.EquipmentDescriptor, creds domain.UserPassCredentials, opts Options) *OmadaAdapter {
	port := creds.Port
	if port == 0 {
		port = 8043
	}
	a := &OmadaAdapter{
		creds:    creds,
		site:     desc.ConfigString("site", "Default"),
		ssidName: desc.ConfigString("ssid_name", ""),
		apMAC:    desc.ConfigString("ap_mac", ""),
		radioID:  desc.ConfigInt("radio_id", 0),
		portalID: desc.ConfigString("portal_id", ""),
	}
	a.core = newCore(desc, omadaFeatures(), opts)
	a.core.drv = a
	a.api = &restClient{
		baseURL:  equipmentURL(desc, "https", port),
		doer:     newHTTPClient(opts.withDefaults(), creds.InsecureSkipVerify),
		decorate: a.decorate,
	}
	return a
}

// Close drops the operator session and idle connections
func (a *OmadaAdapter) Close() error {
	a.mu.Lock()
	a.token, a.cookies = "", nil
	a.mu.Unlock()
	closeIdle(a.api.doer)
	return nil
}

// omadaEnvelope wraps every controller response
type omadaEnvelope[T any] struct {
	ErrorCode int    `json:"errorCode"`
	Msg       string `json:"msg"`
	Result    T      `json:"result"`
}

func (e omadaEnvelope[T]) err(path string) error {
	switch e.ErrorCode {
	case 0:
		return nil
	case omadaCodeLoginRequired, omadaCodeTokenExpired:
		return errOmadaSessionExpired
	}
	return fmt.Errorf("omada %s: error %d: %s", path, e.ErrorCode, e.Msg)
}

type omadaInfo struct {
	OmadacID      string `json:"omadacId"`
	ControllerVer string `json:"controllerVer"`
	APIVer        string `json:"apiVer"`
}

type omadaClient struct {
	MAC        string `json:"mac"`
	IP         string `json:"ip"`
	Name       string `json:"name"`
	AuthStatus int    `json:"authStatus"`
	Start      int64  `json:"start"`
	Download   int64  `json:"download"`
	Upload     int64  `json:"upload"`
}

type omadaPage[T any] struct {
	TotalRows int `json:"totalRows"`
	Data      []T `json:"data"`
}

func (a *OmadaAdapter) decorate(req *http.Request) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.token != "" {
		req.Header.Set("Csrf-Token", a.token)
	}
	for _, c := range a.cookies {
		req.AddCookie(c)
	}
}

// ensureLogin returns the controller id, logging in when no token is held
func (a *OmadaAdapter) ensureLogin(ctx context.Context) (string, error) {
	a.loginMu.Lock()
	defer a.loginMu.Unlock()

	a.mu.RLock()
	cid, token := a.cid, a.token
	a.mu.RUnlock()
	if token != "" {
		return cid, nil
	}

	if cid == "" {
		var info omadaEnvelope[omadaInfo]
		if err := a.api.get(ctx, "/api/info", nil, &info); err != nil {
			return "", err
		}
		if err := info.err("/api/info"); err != nil {
			return "", err
		}
		if info.Result.OmadacID == "" {
			return "", domain.NewConfigurationError(a.desc.ID, "login", errors.New("controller did not report an omadacId"))
		}
		cid = info.Result.OmadacID
	}

	var login omadaEnvelope[struct {
		Token string `json:"token"`
	}]
	path := "/" + cid + "/api/v2/hotspot/login"
	header, err := a.api.exchange(ctx, http.MethodPost, path, nil, map[string]string{
		"name":     a.creds.Username,
		"password": a.creds.Password,
	}, &login)
	if err != nil {
		return "", err
	}
	if login.ErrorCode != 0 {
		return "", domain.NewAuthenticationError(a.desc.ID, "login",
			fmt.Errorf("omada login: error %d: %s", login.ErrorCode, login.Msg))
	}
	a.mu.Lock()
	a.cid = cid
	a.token = login.Result.Token
	a.cookies = (&http.Response{Header: header}).Cookies()
	a.mu.Unlock()
	return cid, nil
}

func (a *OmadaAdapter) invalidate() {
	a.mu.Lock()
	a.token, a.cookies = "", nil
	a.mu.Unlock()
}

// omadaCall performs an operator API request, re-logging in once on expiry
func omadaCall[T any](ctx context.Context, a *OmadaAdapter, method, suffix string, query url.Values, body any) (T, error) {
	var zero T
	for attempt := 0; attempt < 2; attempt++ {
		cid, err := a.ensureLogin(ctx)
		if err != nil {
			return zero, err
		}
		path := "/" + cid + "/api/v2/hotspot" + suffix

		var env omadaEnvelope[T]
		err = a.api.do(ctx, method, path, query, body, &env)
		if isStatus(err, http.StatusUnauthorized) {
			err = errOmadaSessionExpired
		} else if err == nil {
			err = env.err(path)
		}
		if errors.Is(err, errOmadaSessionExpired) {
			a.invalidate()
			continue
		}
		return env.Result, err
	}
	return zero, domain.NewAuthenticationError(a.desc.ID, "login", errOmadaSessionExpired)
}

func (a *OmadaAdapter) sitePath(suffix string) string {
	return "/sites/" + url.PathEscape(a.site) + suffix
}

func omadaMAC(mac string) string {
	return strings.ToUpper(strings.ReplaceAll(domain.NormalizeMAC(mac), ":", "-"))
}

// authenticate requires a working operator login and, when a MAC is given,
// the client to be known to the site
func (a *OmadaAdapter) authenticate(ctx context.Context, guest domain.Guest) error {
	if guest.MAC == "" {
		_, err := a.ensureLogin(ctx)
		return err
	}
	page, err := omadaCall[omadaPage[omadaClient]](ctx, a, http.MethodGet, a.sitePath("/clients"),
		url.Values{"currentPage": {"1"}, "currentPageSize": {"10"}, "searchKey": {omadaMAC(guest.MAC)}}, nil)
	if err != nil {
		return err
	}
	if len(page.Data) == 0 {
		return fmt.Errorf("client %s not associated with site %s: %w", guest.MAC, a.site, errRejected)
	}
	return nil
}

func (a *OmadaAdapter) authorize(ctx context.Context, guest domain.Guest, session domain.Session) (string, error) {
	if guest.MAC == "" {
		return "", domain.NewConfigurationError(a.desc.ID, "authorize_user", errors.New("omada authorization needs a client mac"))
	}
	body := map[string]any{
		"clientMac": omadaMAC(guest.MAC),
		"site":      a.site,
		// authorization period in microseconds
		"time":     int64(session.DurationMinutes) * 60 * 1_000_000,
		"authType": 4,
	}
	if a.apMAC != "" {
		body["apMac"] = omadaMAC(a.apMAC)
		body["radioId"] = a.radioID
	}
	if a.ssidName != "" {
		body["ssidName"] = a.ssidName
	}

	if _, err := omadaCall[any](ctx, a, http.MethodPost, "/extPortal/auth", nil, body); err != nil {
		a.rollback(ctx, "authorize_user", func(ctx context.Context) error {
			return a.unauthorize(ctx, guest.MAC)
		})
		return "", err
	}
	return omadaMAC(guest.MAC), nil
}

func (a *OmadaAdapter) unauthorize(ctx context.Context, mac string) error {
	_, err := omadaCall[any](ctx, a, http.MethodPost, a.sitePath("/cmd/clients/"+omadaMAC(mac)+"/unauth"), nil, nil)
	return err
}

func (a *OmadaAdapter) disconnect(ctx context.Context, session domain.Session) error {
	if session.MAC == "" {
		return nil
	}
	err := a.unauthorize(ctx, session.MAC)
	if isStatus(err, http.StatusNotFound) {
		return nil
	}
	return err
}

func (a *OmadaAdapter) listActive(ctx context.Context) ([]domain.SessionSummary, error) {
	page, err := omadaCall[omadaPage[omadaClient]](ctx, a, http.MethodGet, a.sitePath("/clients"),
		url.Values{"currentPage": {"1"}, "currentPageSize": {"1000"}}, nil)
	if err != nil {
		return nil, err
	}

	users := make(map[string]string)
	for _, s := range a.book.active() {
		users[domain.NormalizeMAC(s.MAC)] = s.UserID
	}

	out := make([]domain.SessionSummary, 0, len(page.Data))
	for _, c := range page.Data {
		// authStatus 2 is an authorized portal client
		if c.AuthStatus != 2 {
			continue
		}
		mac := domain.NormalizeMAC(c.MAC)
		summary := domain.SessionSummary{
			UserID:   users[mac],
			MAC:      mac,
			IP:       c.IP,
			Status:   domain.SessionActive,
			BytesIn:  c.Upload,
			BytesOut: c.Download,
		}
		if summary.UserID == "" {
			summary.UserID = c.Name
		}
		out = append(out, summary)
	}
	return out, nil
}

func (a *OmadaAdapter) refresh(ctx context.Context, session *domain.Session) error {
	page, err := omadaCall[omadaPage[omadaClient]](ctx, a, http.MethodGet, a.sitePath("/clients"),
		url.Values{"currentPage": {"1"}, "currentPageSize": {"10"}, "searchKey": {omadaMAC(session.MAC)}}, nil)
	if err != nil {
		return err
	}
	for _, c := range page.Data {
		if domain.NormalizeMAC(c.MAC) == domain.NormalizeMAC(session.MAC) {
			session.BytesIn, session.BytesOut = c.Upload, c.Download
			return nil
		}
	}
	return fmt.Errorf("client %s no longer listed", session.MAC)
}

func (a *OmadaAdapter) setBandwidth(ctx context.Context, session domain.Session, uploadKbps, downloadKbps int) error {
	if session.MAC == "" {
		return domain.NewConfigurationError(a.desc.ID, "update_user_bandwidth", errors.New("omada rate limits need a client mac"))
	}
	body := map[string]any{
		"upEnable":   uploadKbps > 0,
		"upLimit":    uploadKbps,
		"upUnit":     1,
		"downEnable": downloadKbps > 0,
		"downLimit":  downloadKbps,
		"downUnit":   1,
	}
	_, err := omadaCall[any](ctx, a, http.MethodPatch, a.sitePath("/clients/"+omadaMAC(session.MAC)+"/ratelimit"), nil, body)
	return err
}

func (a *OmadaAdapter) status(ctx context.Context) (domain.EquipmentStatus, error) {
	var info omadaEnvelope[omadaInfo]
	if err := a.api.get(ctx, "/api/info", nil, &info); err != nil {
		return domain.EquipmentStatus{}, err
	}
	status := domain.EquipmentStatus{
		Model:           "Omada Controller",
		FirmwareVersion: info.Result.ControllerVer,
		Details:         map[string]any{"api_version": info.Result.APIVer, "site": a.site},
	}

	page, err := omadaCall[omadaPage[omadaClient]](ctx, a, http.MethodGet, a.sitePath("/clients"),
		url.Values{"currentPage": {"1"}, "currentPageSize": {"1"}}, nil)
	if err != nil {
		// controller answers but the operator API does not
		status.State = domain.EquipmentDegraded
		return status, nil
	}
	status.ConnectedUsers = page.TotalRows
	return status, nil
}

func (a *OmadaAdapter) configurePortal(ctx context.Context, config domain.PortalConfig) error {
	if a.portalID == "" {
		return domain.NewConfigurationError(a.desc.ID, "configure_portal", errors.New("portal_id is not configured"))
	}
	body := map[string]any{
		"externalPortal": map[string]any{
			"serverUrl": config.SplashURL,
		},
		"landingPage": map[string]any{
			"type": 2,
			"url":  config.RedirectURL,
		},
	}
	if config.SplashURL == "" {
		body["externalPortal"] = map[string]any{"serverUrl": config.RedirectURL}
	}
	if config.TimeLimitMinutes > 0 {
		body["authTimeout"] = map[string]any{
			"customTimeout":     config.TimeLimitMinutes,
			"customTimeoutUnit": 2,
		}
	}
	if hosts := walledGardenHosts(config); len(hosts) > 0 {
		body["preAuthAccessEnable"] = true
		entries := make([]map[string]any, 0, len(hosts))
		for _, h := range hosts {
			entries = append(entries, map[string]any{"type": 1, "url": h})
		}
		body["preAuthAccessPolicies"] = entries
	}
	_, err := omadaCall[any](ctx, a, http.MethodPatch, a.sitePath("/setting/portals/"+url.PathEscape(a.portalID)), nil, body)
	return err
}
