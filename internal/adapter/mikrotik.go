package adapter

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"portalgate/internal/domain"
)

// MikrotikAdapter drives a RouterOS v7 hotspot through the REST API
type MikrotikAdapter struct {
	*core
	api   *restClient
	creds domain.UserPassCredentials

	hotspotProfile string
	userProfile    string
	queuePrefix    string
}

func mikrotikFeatures() []domain.Feature {
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

// NewMikrotikAdapter builds an adapter for one RouterOS router
func NewMikrotikAdapter(desc domain.EquipmentDescriptor, creds domain.UserPassCredentials, opts Options) *MikrotikAdapter {
	scheme, port := "http", creds.Port
	if creds.UseTLS {
		scheme = "https"
	}
	a := &MikrotikAdapter{
		creds:          creds,
		hotspotProfile: desc.ConfigString("hotspot_profile", "hsprof1"),
		userProfile:    desc.ConfigString("user_profile", "default"),
		queuePrefix:    desc.ConfigString("queue_prefix", "portalgate-"),
	}
	a.core = newCore(desc, mikrotikFeatures(), opts)
	a.core.drv = a
	a.api = &restClient{
		baseURL: equipmentURL(desc, scheme, port) + "/rest",
		doer:    newHTTPClient(opts.withDefaults(), creds.InsecureSkipVerify),
		decorate: func(req *http.Request) {
			req.SetBasicAuth(creds.Username, creds.Password)
		},
	}
	return a
}

// Close releases idle connections to the router
func (a *MikrotikAdapter) Close() error {
	closeIdle(a.api.doer)
	return nil
}

type rosHotspotUser struct {
	ID          string `json:".id,omitempty"`
	Name        string `json:"name,omitempty"`
	Password    string `json:"password,omitempty"`
	Profile     string `json:"profile,omitempty"`
	LimitUptime string `json:"limit-uptime,omitempty"`
	MACAddress  string `json:"mac-address,omitempty"`
	Comment     string `json:"comment,omitempty"`
}

type rosActive struct {
	ID         string `json:".id"`
	User       string `json:"user"`
	Address    string `json:"address"`
	MACAddress string `json:"mac-address"`
	Uptime     string `json:"uptime"`
	BytesIn    string `json:"bytes-in"`
	BytesOut   string `json:"bytes-out"`
}

type rosQueue struct {
	ID       string `json:".id,omitempty"`
	Name     string `json:"name,omitempty"`
	Target   string `json:"target,omitempty"`
	MaxLimit string `json:"max-limit,omitempty"`
	Comment  string `json:"comment,omitempty"`
}

type rosResource struct {
	Uptime      string `json:"uptime"`
	Version     string `json:"version"`
	CPULoad     string `json:"cpu-load"`
	FreeMemory  string `json:"free-memory"`
	TotalMemory string `json:"total-memory"`
	BoardName   string `json:"board-name"`
}

type rosHost struct {
	ID         string `json:".id"`
	MACAddress string `json:"mac-address"`
	Address    string `json:"address"`
	Authorized string `json:"authorized"`
}

// authenticate requires the guest's device to be known to the hotspot
func (a *MikrotikAdapter) authenticate(ctx context.Context, guest domain.Guest) error {
	if guest.MAC == "" {
		var identity map[string]string
		return a.api.get(ctx, "/system/identity", nil, &identity)
	}
	var hosts []rosHost
	if err := a.api.get(ctx, "/ip/hotspot/host", url.Values{"mac-address": {strings.ToUpper(guest.MAC)}}, &hosts); err != nil {
		return err
	}
	if len(hosts) == 0 {
		return fmt.Errorf("device %s not behind hotspot: %w", guest.MAC, errRejected)
	}
	return nil
}

func (a *MikrotikAdapter) authorize(ctx context.Context, guest domain.Guest, session domain.Session) (string, error) {
	password := guest.Password
	if password == "" {
		password = uuid.NewString()
	}

	created, err := a.upsertUser(ctx, rosHotspotUser{
		Name:        guest.UserID,
		Password:    password,
		Profile:     a.userProfile,
		LimitUptime: fmt.Sprintf("%dm", session.DurationMinutes),
		Comment:     session.SessionID,
	})
	if err != nil {
		return "", err
	}

	activeID, err := a.login(ctx, guest, password)
	if err != nil {
		a.rollback(ctx, "authorize_user", func(ctx context.Context) error {
			if activeID != "" {
				_ = a.api.post(ctx, "/ip/hotspot/active/remove", map[string]string{".id": activeID}, nil)
			}
			if created != "" {
				return a.api.delete(ctx, "/ip/hotspot/user/"+created)
			}
			return nil
		})
		return "", err
	}
	return activeID, nil
}

// upsertUser returns the id of a newly created user, empty when it existed
func (a *MikrotikAdapter) upsertUser(ctx context.Context, user rosHotspotUser) (string, error) {
	var existing []rosHotspotUser
	if err := a.api.get(ctx, "/ip/hotspot/user", url.Values{"name": {user.Name}}, &existing); err != nil {
		return "", err
	}
	if len(existing) > 0 {
		return "", a.api.patch(ctx, "/ip/hotspot/user/"+existing[0].ID, user, nil)
	}
	var created rosHotspotUser
	if err := a.api.put(ctx, "/ip/hotspot/user", user, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

// login activates the hotspot user for the guest's device and returns the
// active entry id. A non-empty id with an error means login happened.
func (a *MikrotikAdapter) login(ctx context.Context, guest domain.Guest, password string) (string, error) {
	body := map[string]string{"user": guest.UserID, "password": password}
	if guest.MAC != "" {
		body["mac-address"] = strings.ToUpper(guest.MAC)
	}
	if guest.IP != "" {
		body["ip"] = guest.IP
	}
	if err := a.api.post(ctx, "/ip/hotspot/active/login", body, nil); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		active, _ := a.findActive(context.WithoutCancel(ctx), guest.UserID)
		if active != nil {
			return active.ID, err
		}
		return "", err
	}
	active, err := a.findActive(ctx, guest.UserID)
	if err != nil {
		return "", err
	}
	if active == nil {
		return "", fmt.Errorf("hotspot login for %s produced no active entry", guest.UserID)
	}
	return active.ID, nil
}

func (a *MikrotikAdapter) findActive(ctx context.Context, user string) (*rosActive, error) {
	var active []rosActive
	if err := a.api.get(ctx, "/ip/hotspot/active", url.Values{"user": {user}}, &active); err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, nil
	}
	return &active[0], nil
}

func (a *MikrotikAdapter) disconnect(ctx context.Context, session domain.Session) error {
	var active []rosActive
	if err := a.api.get(ctx, "/ip/hotspot/active", url.Values{"user": {session.UserID}}, &active); err != nil {
		return err
	}
	for _, entry := range active {
		err := a.api.post(ctx, "/ip/hotspot/active/remove", map[string]string{".id": entry.ID}, nil)
		if err != nil && !isStatus(err, http.StatusNotFound) {
			return err
		}
	}

	if queue, err := a.findQueue(ctx, a.queueName(session.UserID)); err == nil && queue != nil {
		if err := a.api.delete(ctx, "/queue/simple/"+queue.ID); err != nil && !isStatus(err, http.StatusNotFound) {
			return err
		}
	}

	var users []rosHotspotUser
	if err := a.api.get(ctx, "/ip/hotspot/user", url.Values{"name": {session.UserID}}, &users); err != nil {
		return err
	}
	for _, u := range users {
		if err := a.api.delete(ctx, "/ip/hotspot/user/"+u.ID); err != nil && !isStatus(err, http.StatusNotFound) {
			return err
		}
	}
	return nil
}

func (a *MikrotikAdapter) listActive(ctx context.Context) ([]domain.SessionSummary, error) {
	var active []rosActive
	if err := a.api.get(ctx, "/ip/hotspot/active", nil, &active); err != nil {
		return nil, err
	}
	now := a.now()
	out := make([]domain.SessionSummary, 0, len(active))
	for _, entry := range active {
		summary := domain.SessionSummary{
			UserID:   entry.User,
			MAC:      domain.NormalizeMAC(entry.MACAddress),
			IP:       entry.Address,
			Status:   domain.SessionActive,
			BytesIn:  parseInt64(entry.BytesIn),
			BytesOut: parseInt64(entry.BytesOut),
		}
		if uptime := parseRouterOSDuration(entry.Uptime); uptime > 0 {
			summary.StartTime = now.Add(-uptime)
		}
		out = append(out, summary)
	}
	return out, nil
}

func (a *MikrotikAdapter) refresh(ctx context.Context, session *domain.Session) error {
	active, err := a.findActive(ctx, session.UserID)
	if err != nil {
		return err
	}
	if active == nil {
		return fmt.Errorf("no active hotspot entry for %s", session.UserID)
	}
	session.BytesIn = parseInt64(active.BytesIn)
	session.BytesOut = parseInt64(active.BytesOut)
	return nil
}

func (a *MikrotikAdapter) setBandwidth(ctx context.Context, session domain.Session, uploadKbps, downloadKbps int) error {
	target := session.IP
	if target == "" {
		active, err := a.findActive(ctx, session.UserID)
		if err != nil {
			return err
		}
		if active == nil {
			return domain.NewConfigurationError(a.desc.ID, "update_user_bandwidth",
				fmt.Errorf("no address known for %s", session.UserID))
		}
		target = active.Address
	}

	queue := rosQueue{
		Name:     a.queueName(session.UserID),
		Target:   target + "/32",
		MaxLimit: rateString(uploadKbps) + "/" + rateString(downloadKbps),
		Comment:  session.SessionID,
	}
	existing, err := a.findQueue(ctx, queue.Name)
	if err != nil {
		return err
	}
	if existing != nil {
		return a.api.patch(ctx, "/queue/simple/"+existing.ID, queue, nil)
	}
	return a.api.put(ctx, "/queue/simple", queue, nil)
}

func (a *MikrotikAdapter) findQueue(ctx context.Context, name string) (*rosQueue, error) {
	var queues []rosQueue
	if err := a.api.get(ctx, "/queue/simple", url.Values{"name": {name}}, &queues); err != nil {
		return nil, err
	}
	if len(queues) == 0 {
		return nil, nil
	}
	return &queues[0], nil
}

func (a *MikrotikAdapter) queueName(userID string) string {
	return a.queuePrefix + userID
}

func (a *MikrotikAdapter) status(ctx context.Context) (domain.EquipmentStatus, error) {
	var res rosResource
	if err := a.api.get(ctx, "/system/resource", nil, &res); err != nil {
		return domain.EquipmentStatus{}, err
	}
	status := domain.EquipmentStatus{
		Model:           res.BoardName,
		FirmwareVersion: res.Version,
		UptimeSeconds:   int64(parseRouterOSDuration(res.Uptime).Seconds()),
		CPULoadPercent:  float64(parseInt64(res.CPULoad)),
	}
	if total := parseInt64(res.TotalMemory); total > 0 {
		free := parseInt64(res.FreeMemory)
		status.MemoryUsedPct = float64(total-free) * 100 / float64(total)
	}

	var active []rosActive
	if err := a.api.get(ctx, "/ip/hotspot/active", nil, &active); err == nil {
		status.ConnectedUsers = len(active)
	} else {
		status.State = domain.EquipmentDegraded
	}
	return status, nil
}

func (a *MikrotikAdapter) configurePortal(ctx context.Context, config domain.PortalConfig) error {
	var profiles []map[string]string
	if err := a.api.get(ctx, "/ip/hotspot/profile", url.Values{"name": {a.hotspotProfile}}, &profiles); err != nil {
		return err
	}
	if len(profiles) == 0 {
		return domain.NewConfigurationError(a.desc.ID, "configure_portal",
			fmt.Errorf("hotspot profile %q not found", a.hotspotProfile))
	}
	profile := map[string]string{"login-by": "http-pap,mac-cookie"}
	if config.TimeLimitMinutes > 0 {
		profile["http-cookie-lifetime"] = fmt.Sprintf("%dm", config.TimeLimitMinutes)
	}
	if err := a.api.patch(ctx, "/ip/hotspot/profile/"+profiles[0][".id"], profile, nil); err != nil {
		return err
	}

	var userProfiles []map[string]string
	if err := a.api.get(ctx, "/ip/hotspot/user/profile", url.Values{"name": {a.userProfile}}, &userProfiles); err != nil {
		return err
	}
	if len(userProfiles) > 0 {
		userProfile := map[string]string{
			"rate-limit": rateString(config.DefaultUpKbps) + "/" + rateString(config.DefaultDownKbps),
		}
		if config.TimeLimitMinutes > 0 {
			userProfile["session-timeout"] = fmt.Sprintf("%dm", config.TimeLimitMinutes)
		}
		if config.RedirectURL != "" {
			userProfile["advertise-url"] = config.RedirectURL
		}
		if err := a.api.patch(ctx, "/ip/hotspot/user/profile/"+userProfiles[0][".id"], userProfile, nil); err != nil {
			return err
		}
	}

	for _, host := range walledGardenHosts(config) {
		var entries []map[string]string
		if err := a.api.get(ctx, "/ip/hotspot/walled-garden", url.Values{"dst-host": {host}}, &entries); err != nil {
			return err
		}
		if len(entries) > 0 {
			continue
		}
		if err := a.api.put(ctx, "/ip/hotspot/walled-garden", map[string]string{
			"dst-host": host,
			"action":   "allow",
			"comment":  "portalgate",
		}, nil); err != nil {
			return err
		}
	}
	return nil
}

// walledGardenHosts returns the configured hosts plus the portal's own hosts
func walledGardenHosts(config domain.PortalConfig) []string {
	seen := make(map[string]struct{})
	var hosts []string
	add := func(h string) {
		if h == "" {
			return
		}
		if _, ok := seen[h]; ok {
			return
		}
		seen[h] = struct{}{}
		hosts = append(hosts, h)
	}
	for _, raw := range []string{config.RedirectURL, config.SplashURL} {
		if u, err := url.Parse(raw); err == nil {
			add(u.Hostname())
		}
	}
	for _, h := range config.WalledGarden {
		add(strings.TrimSpace(h))
	}
	return hosts
}

var rosDurationPart = regexp.MustCompile(`(\d+)([wdhms])`)

// parseRouterOSDuration reads values like "1w2d3h4m5s" and "00:10:00"
func parseRouterOSDuration(s string) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if strings.Count(s, ":") == 2 {
		parts := strings.Split(s, ":")
		h, _ := strconv.Atoi(parts[0])
		m, _ := strconv.Atoi(parts[1])
		sec, _ := strconv.Atoi(parts[2])
		return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second
	}
	var total time.Duration
	for _, match := range rosDurationPart.FindAllStringSubmatch(s, -1) {
		n, _ := strconv.Atoi(match[1])
		switch match[2] {
		case "w":
			total += time.Duration(n) * 7 * 24 * time.Hour
		case "d":
			total += time.Duration(n) * 24 * time.Hour
		case "h":
			total += time.Duration(n) * time.Hour
		case "m":
			total += time.Duration(n) * time.Minute
		case "s":
			total += time.Duration(n) * time.Second
		}
	}
	return total
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return n
}
