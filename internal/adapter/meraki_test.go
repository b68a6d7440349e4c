package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portalgate/internal/domain"
)

// fakeDashboard serves the Meraki Dashboard endpoints for network N_1
type fakeDashboard struct {
	mu         sync.Mutex
	clients    map[string]merakiClient
	splash     map[string]bool
	policies   []merakiGroupPolicy
	devicePol  map[string]string
	throttle   int
	splashPuts int
	settings   map[string]any
	ssid       map[string]any
}

func newFakeDashboard(t *testing.T) (*fakeDashboard, *httptest.Server) {
	f := &fakeDashboard{
		clients:   make(map[string]merakiClient),
		splash:    make(map[string]bool),
		devicePol: make(map[string]string),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /networks/N_1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"id": "N_1", "name": "Cafe guests"})
	})
	mux.HandleFunc("GET /networks/N_1/clients", f.listClients)
	mux.HandleFunc("GET /networks/N_1/clients/{mac}", f.getClient)
	mux.HandleFunc("PUT /networks/N_1/clients/{mac}/splashAuthorizationStatus", f.putSplash)
	mux.HandleFunc("PUT /networks/N_1/clients/{mac}/policy", f.putPolicy)
	mux.HandleFunc("GET /networks/N_1/groupPolicies", f.listPolicies)
	mux.HandleFunc("POST /networks/N_1/groupPolicies", f.createPolicy)
	mux.HandleFunc("PUT /networks/N_1/wireless/ssids/2/splash/settings", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		_ = json.NewDecoder(r.Body).Decode(&f.settings)
		writeJSON(w, f.settings)
	})
	mux.HandleFunc("PUT /networks/N_1/wireless/ssids/2", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		_ = json.NewDecoder(r.Body).Decode(&f.ssid)
		writeJSON(w, f.ssid)
	})
	mux.HandleFunc("GET /organizations/O_1/devices/statuses", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("serials[]") != "Q2XX-AAAA-BBBB" {
			writeJSON(w, []merakiDeviceStatus{})
			return
		}
		writeJSON(w, []merakiDeviceStatus{{
			Serial:   "Q2XX-AAAA-BBBB",
			Model:    "MR46",
			Status:   "alerting",
			Firmware: "wireless-29-7",
		}})
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer dash-key" {
			http.Error(w, `{"errors":["Invalid API key"]}`, http.StatusUnauthorized)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeDashboard) addClient(mac, ip, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := merakiClient{ID: "k" + mac, MAC: mac, IP: ip, Status: status}
	c.Usage.Sent = 10
	c.Usage.Recv = 20
	f.clients[mac] = c
}

func (f *fakeDashboard) listClients(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []merakiClient{}
	for _, c := range f.clients {
		out = append(out, c)
	}
	writeJSON(w, out)
}

func (f *fakeDashboard) getClient(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[r.PathValue("mac")]
	if !ok {
		http.Error(w, `{"errors":["Client not found"]}`, http.StatusNotFound)
		return
	}
	writeJSON(w, c)
}

func (f *fakeDashboard) putSplash(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.splashPuts++
	if f.throttle > 0 {
		f.throttle--
		w.Header().Set("Retry-After", "1")
		http.Error(w, `{"errors":["API rate limit exceeded"]}`, http.StatusTooManyRequests)
		return
	}
	var body struct {
		SSIDs map[string]struct {
			IsAuthorized bool `json:"isAuthorized"`
		} `json:"ssids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ssid, ok := body.SSIDs["2"]
	if !ok {
		http.Error(w, `{"errors":["ssid not found"]}`, http.StatusBadRequest)
		return
	}
	f.splash[r.PathValue("mac")] = ssid.IsAuthorized
	writeJSON(w, body)
}

func (f *fakeDashboard) putPolicy(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	policy := body["devicePolicy"]
	if id := body["groupPolicyId"]; id != "" {
		policy += ":" + id
	}
	f.devicePol[r.PathValue("mac")] = policy
	writeJSON(w, body)
}

func (f *fakeDashboard) listPolicies(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	writeJSON(w, append([]merakiGroupPolicy{}, f.policies...))
}

func (f *fakeDashboard) createPolicy(w http.ResponseWriter, r *http.Request) {
	var p merakiGroupPolicy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p.GroupPolicyID = strconv.Itoa(100 + len(f.policies))
	f.policies = append(f.policies, p)
	writeJSON(w, p)
}

func newTestMeraki(srv *httptest.Server, creds domain.APITokenCredentials) *MerakiAdapter {
	desc := domain.EquipmentDescriptor{
		ID:          "dev2",
		Type:        domain.EquipmentCiscoMeraki,
		APIEndpoint: srv.URL,
		Credentials: creds,
	}
	return NewMerakiAdapter(desc, creds, testOptions(nil))
}

func merakiCreds() domain.APITokenCredentials {
	return domain.APITokenCredentials{Token: "dash-key", NetworkID: "N_1", SSIDNumber: 2}
}

func TestMerakiSplashAuthorization(t *testing.T) {
	fake, srv := newFakeDashboard(t)
	fake.addClient("aa:bb:cc:dd:ee:02", "10.0.1.20", "Online")
	a := newTestMeraki(srv, merakiCreds())
	ctx := context.Background()
	guest := domain.Guest{UserID: "guest@example.com", MAC: "AA-BB-CC-DD-EE-02"}

	require.True(t, a.Authenticate(ctx, guest))
	id, err := a.AuthorizeUser(ctx, guest.UserID, 120)
	require.NoError(t, err)

	info, ok := a.GetSessionInfo(ctx, id)
	require.True(t, ok)
	assert.Equal(t, "aa:bb:cc:dd:ee:02", info.RemoteID)
	assert.Equal(t, int64(10*1024), info.BytesIn)
	assert.Equal(t, int64(20*1024), info.BytesOut)

	fake.mu.Lock()
	assert.True(t, fake.splash["aa:bb:cc:dd:ee:02"])
	fake.mu.Unlock()

	require.True(t, a.DisconnectUser(ctx, guest.UserID))
	fake.mu.Lock()
	assert.False(t, fake.splash["aa:bb:cc:dd:ee:02"])
	fake.mu.Unlock()
}

func TestMerakiAuthenticateRequiresKnownClient(t *testing.T) {
	tests := []struct {
		name  string
		guest domain.Guest
	}{
		{name: "no mac", guest: domain.Guest{UserID: "a@example.com"}},
		{name: "unknown mac", guest: domain.Guest{UserID: "a@example.com", MAC: "aa:bb:cc:dd:ee:99"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, srv := newFakeDashboard(t)
			a := newTestMeraki(srv, merakiCreds())
			assert.False(t, a.Authenticate(context.Background(), tt.guest))
		})
	}
}

func TestMerakiRetriesRateLimit(t *testing.T) {
	fake, srv := newFakeDashboard(t)
	fake.addClient("aa:bb:cc:dd:ee:03", "10.0.1.21", "Online")
	fake.throttle = 2
	a := newTestMeraki(srv, merakiCreds())
	ctx := context.Background()

	require.True(t, a.Authenticate(ctx, domain.Guest{UserID: "u3", MAC: "aa:bb:cc:dd:ee:03"}))
	_, err := a.AuthorizeUser(ctx, "u3", 30)
	require.NoError(t, err)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.True(t, fake.splash["aa:bb:cc:dd:ee:03"])
	// each throttled attempt is followed by a rollback PUT that is also throttled or applied
	assert.GreaterOrEqual(t, fake.splashPuts, 3)
}

func TestMerakiInvalidKey(t *testing.T) {
	fake, srv := newFakeDashboard(t)
	fake.addClient("aa:bb:cc:dd:ee:04", "10.0.1.22", "Online")
	creds := merakiCreds()
	creds.Token = "wrong"
	a := newTestMeraki(srv, creds)

	assert.False(t, a.Authenticate(context.Background(), domain.Guest{UserID: "u4", MAC: "aa:bb:cc:dd:ee:04"}))
}

func TestMerakiActiveUsersOnlyListsAuthorizedGuests(t *testing.T) {
	fake, srv := newFakeDashboard(t)
	fake.addClient("aa:bb:cc:dd:ee:05", "10.0.1.23", "Online")
	fake.addClient("aa:bb:cc:dd:ee:06", "10.0.1.24", "Online")
	a := newTestMeraki(srv, merakiCreds())
	ctx := context.Background()

	require.True(t, a.Authenticate(ctx, domain.Guest{UserID: "u5", MAC: "aa:bb:cc:dd:ee:05"}))
	id, err := a.AuthorizeUser(ctx, "u5", 30)
	require.NoError(t, err)

	users := a.GetActiveUsers(ctx)
	require.Len(t, users, 1)
	assert.Equal(t, "u5", users[0].UserID)
	assert.Equal(t, id, users[0].SessionID)
	assert.Equal(t, "10.0.1.23", users[0].IP)

	// the client roams away and the session ends on the next listing
	fake.mu.Lock()
	delete(fake.clients, "aa:bb:cc:dd:ee:05")
	fake.mu.Unlock()
	assert.Empty(t, a.GetActiveUsers(ctx))
	info, ok := a.GetSessionInfo(ctx, id)
	require.True(t, ok)
	assert.Equal(t, domain.SessionDisconnected, info.Status)
}

func TestMerakiBandwidthGroupPolicy(t *testing.T) {
	fake, srv := newFakeDashboard(t)
	fake.addClient("aa:bb:cc:dd:ee:07", "10.0.1.25", "Online")
	fake.addClient("aa:bb:cc:dd:ee:08", "10.0.1.26", "Online")
	a := newTestMeraki(srv, merakiCreds())
	ctx := context.Background()

	for _, g := range []domain.Guest{
		{UserID: "u7", MAC: "aa:bb:cc:dd:ee:07"},
		{UserID: "u8", MAC: "aa:bb:cc:dd:ee:08"},
	} {
		require.True(t, a.Authenticate(ctx, g))
		_, err := a.AuthorizeUser(ctx, g.UserID, 30)
		require.NoError(t, err)
		require.True(t, a.UpdateUserBandwidth(ctx, g.UserID, 1000, 5000))
	}

	fake.mu.Lock()
	require.Len(t, fake.policies, 1, "rate pairs share one group policy")
	assert.Equal(t, "portalgate 1000/5000 kbps", fake.policies[0].Name)
	assert.Equal(t, 1000, fake.policies[0].Bandwidth.BandwidthLimits.LimitUp)
	assert.Equal(t, "Group policy:100", fake.devicePol["aa:bb:cc:dd:ee:07"])
	assert.Equal(t, "Group policy:100", fake.devicePol["aa:bb:cc:dd:ee:08"])
	fake.mu.Unlock()

	require.True(t, a.DisconnectUser(ctx, "u7"))
	fake.mu.Lock()
	assert.Equal(t, "Normal", fake.devicePol["aa:bb:cc:dd:ee:07"])
	fake.mu.Unlock()
}

func TestMerakiStatus(t *testing.T) {
	t.Run("organization device", func(t *testing.T) {
		fake, srv := newFakeDashboard(t)
		fake.addClient("aa:bb:cc:dd:ee:09", "10.0.1.27", "Online")
		fake.addClient("aa:bb:cc:dd:ee:10", "10.0.1.28", "Offline")
		creds := merakiCreds()
		creds.OrganizationID = "O_1"
		creds.Serial = "Q2XX-AAAA-BBBB"
		a := newTestMeraki(srv, creds)

		status, ok := a.GetEquipmentStatus(context.Background())
		require.True(t, ok)
		assert.Equal(t, domain.EquipmentDegraded, status.State)
		assert.Equal(t, "MR46", status.Model)
		assert.Equal(t, "wireless-29-7", status.FirmwareVersion)
		assert.Equal(t, 1, status.ConnectedUsers)
	})

	t.Run("network only", func(t *testing.T) {
		_, srv := newFakeDashboard(t)
		a := newTestMeraki(srv, merakiCreds())

		status, ok := a.GetEquipmentStatus(context.Background())
		require.True(t, ok)
		assert.Equal(t, domain.EquipmentOnline, status.State)
		assert.Equal(t, "Cafe guests", status.Details["network"])
	})
}

func TestMerakiConfigurePortal(t *testing.T) {
	fake, srv := newFakeDashboard(t)
	a := newTestMeraki(srv, merakiCreds())

	ok := a.ConfigurePortal(context.Background(), domain.PortalConfig{
		RedirectURL:      "https://portal.example.com/welcome",
		SplashURL:        "https://portal.example.com/splash",
		TimeLimitMinutes: 60,
	})
	require.True(t, ok)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "https://portal.example.com/splash", fake.settings["splashUrl"])
	assert.Equal(t, true, fake.settings["useRedirectUrl"])
	assert.Equal(t, float64(60), fake.settings["splashTimeout"])
	assert.Equal(t, true, fake.ssid["walledGardenEnabled"])
	assert.Equal(t, []any{"portal.example.com"}, fake.ssid["walledGardenRanges"])
}
