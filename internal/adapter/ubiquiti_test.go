package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portalgate/internal/domain"
)

// fakeUniFi is a classic UniFi Network controller with site "default"
type fakeUniFi struct {
	mu       sync.Mutex
	logins   int
	session  string
	known    map[string]bool
	stations []unifiStation
	commands []map[string]any
	guest    map[string]any
}

func newFakeUniFi(t *testing.T, prefix string) (*fakeUniFi, *httptest.Server) {
	f := &fakeUniFi{known: make(map[string]bool)}
	mux := http.NewServeMux()
	loginPath := "/api/login"
	if prefix != "" {
		loginPath = "/api/auth/login"
	}
	mux.HandleFunc("POST "+loginPath, f.login)
	mux.HandleFunc("GET "+prefix+"/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"meta": map[string]any{"rc": "ok", "server_version": "8.1.113"}, "data": []any{}})
	})
	site := prefix + "/api/s/default"
	mux.HandleFunc("GET "+site+"/stat/user/{mac}", f.authed(f.statUser))
	mux.HandleFunc("GET "+site+"/stat/sta", f.authed(f.listStations))
	mux.HandleFunc("GET "+site+"/stat/sta/{mac}", f.authed(f.getStation))
	mux.HandleFunc("POST "+site+"/cmd/stamgr", f.authed(f.stamgr))
	mux.HandleFunc("GET "+site+"/stat/health", f.authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, unifiResponse[unifiHealth]{
			Meta: unifiMeta{RC: "ok"},
			Data: []unifiHealth{
				{Subsystem: "wlan", Status: "ok", NumUser: 3, NumGuest: 2, NumAP: 4},
				{Subsystem: "www", Status: "ok"},
			},
		})
	}))
	mux.HandleFunc("PUT "+site+"/set/setting/guest_access", f.authed(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		_ = json.NewDecoder(r.Body).Decode(&f.guest)
		writeJSON(w, unifiResponse[any]{Meta: unifiMeta{RC: "ok"}})
	}))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeUniFi) login(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body["username"] != "admin" || body["password"] != "secret" {
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(w, map[string]any{"meta": map[string]any{"rc": "error", "msg": "api.err.Invalid"}, "data": []any{}})
		return
	}
	f.mu.Lock()
	f.logins++
	f.session = fmt.Sprintf("s%d", f.logins)
	session := f.session
	f.mu.Unlock()
	http.SetCookie(w, &http.Cookie{Name: "unifises", Value: session})
	http.SetCookie(w, &http.Cookie{Name: "csrf_token", Value: "csrf-" + session})
	writeJSON(w, map[string]any{"meta": map[string]any{"rc": "ok"}, "data": []any{}})
}

func (f *fakeUniFi) expire() {
	f.mu.Lock()
	f.session = "gone"
	f.mu.Unlock()
}

func (f *fakeUniFi) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		session := f.session
		f.mu.Unlock()
		c, err := r.Cookie("unifises")
		if err != nil || c.Value != session || r.Header.Get("X-Csrf-Token") != "csrf-"+session {
			w.WriteHeader(http.StatusUnauthorized)
			writeJSON(w, map[string]any{"meta": map[string]any{"rc": "error", "msg": "api.err.LoginRequired"}, "data": []any{}})
			return
		}
		next(w, r)
	}
}

func (f *fakeUniFi) statUser(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mac := r.PathValue("mac")
	if !f.known[mac] {
		writeJSON(w, map[string]any{"meta": map[string]any{"rc": "error", "msg": "api.err.UnknownUser"}, "data": []any{}})
		return
	}
	writeJSON(w, unifiResponse[unifiStation]{Meta: unifiMeta{RC: "ok"}, Data: []unifiStation{{MAC: mac}}})
}

func (f *fakeUniFi) listStations(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	writeJSON(w, unifiResponse[unifiStation]{Meta: unifiMeta{RC: "ok"}, Data: append([]unifiStation{}, f.stations...)})
}

func (f *fakeUniFi) getStation(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []unifiStation{}
	for _, st := range f.stations {
		if st.MAC == r.PathValue("mac") {
			out = append(out, st)
		}
	}
	writeJSON(w, unifiResponse[unifiStation]{Meta: unifiMeta{RC: "ok"}, Data: out})
}

func (f *fakeUniFi) stamgr(w http.ResponseWriter, r *http.Request) {
	var cmd map[string]any
	_ = json.NewDecoder(r.Body).Decode(&cmd)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	mac, _ := cmd["mac"].(string)
	switch cmd["cmd"] {
	case "authorize-guest":
		f.stations = append(f.stations, unifiStation{MAC: mac, IP: "10.20.0.9", IsGuest: true, Authorized: true, TxBytes: 111, RxBytes: 222})
	case "unauthorize-guest":
		for i, st := range f.stations {
			if st.MAC == mac {
				f.stations = append(f.stations[:i], f.stations[i+1:]...)
				break
			}
		}
	}
	writeJSON(w, unifiResponse[any]{Meta: unifiMeta{RC: "ok"}})
}

func (f *fakeUniFi) commandNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.commands))
	for _, c := range f.commands {
		out = append(out, c["cmd"].(string))
	}
	return out
}

func newTestUbiquiti(srv *httptest.Server, password string, config map[string]any) *UbiquitiAdapter {
	creds := domain.UserPassCredentials{Username: "admin", Password: password}
	desc := domain.EquipmentDescriptor{
		ID:            "unifi-1",
		Type:          domain.EquipmentUbiquiti,
		APIEndpoint:   srv.URL,
		Credentials:   creds,
		Configuration: config,
	}
	return NewUbiquitiAdapter(desc, creds, testOptions(nil))
}

func TestUbiquitiAuthorizeLifecycle(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		config map[string]any
	}{
		{name: "classic controller"},
		{name: "unifi os console", prefix: "/proxy/network", config: map[string]any{"controller": "unifi_os"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake, srv := newFakeUniFi(t, tt.prefix)
			fake.known["aa:bb:cc:00:00:aa"] = true
			a := newTestUbiquiti(srv, "secret", tt.config)
			ctx := context.Background()

			guest := domain.Guest{UserID: "guest-1", MAC: "AA:BB:CC:00:00:AA"}
			require.True(t, a.Authenticate(ctx, guest))
			id, err := a.AuthorizeUser(ctx, guest.UserID, 480)
			require.NoError(t, err)

			info, ok := a.GetSessionInfo(ctx, id)
			require.True(t, ok)
			assert.Equal(t, int64(111), info.BytesIn)
			assert.Equal(t, int64(222), info.BytesOut)

			users := a.GetActiveUsers(ctx)
			require.Len(t, users, 1)
			assert.Equal(t, id, users[0].SessionID)

			require.True(t, a.DisconnectUser(ctx, guest.UserID))
			assert.Equal(t, []string{"authorize-guest", "unauthorize-guest", "kick-sta"}, fake.commandNames())

			fake.mu.Lock()
			assert.Equal(t, float64(480), fake.commands[0]["minutes"])
			fake.mu.Unlock()
		})
	}
}

func TestUbiquitiUnknownClient(t *testing.T) {
	_, srv := newFakeUniFi(t, "")
	a := newTestUbiquiti(srv, "secret", nil)

	assert.False(t, a.Authenticate(context.Background(), domain.Guest{UserID: "x", MAC: "aa:bb:cc:00:00:bb"}))
	assert.False(t, a.Authenticate(context.Background(), domain.Guest{UserID: "x"}))
}

func TestUbiquitiBadPassword(t *testing.T) {
	fake, srv := newFakeUniFi(t, "")
	fake.known["aa:bb:cc:00:00:cc"] = true
	a := newTestUbiquiti(srv, "wrong", nil)

	assert.False(t, a.Authenticate(context.Background(), domain.Guest{UserID: "x", MAC: "aa:bb:cc:00:00:cc"}))
	fake.mu.Lock()
	assert.Zero(t, fake.logins)
	fake.mu.Unlock()
}

func TestUbiquitiRelogsInAfterSessionLoss(t *testing.T) {
	fake, srv := newFakeUniFi(t, "")
	fake.known["aa:bb:cc:00:00:dd"] = true
	a := newTestUbiquiti(srv, "secret", nil)
	ctx := context.Background()

	require.True(t, a.Authenticate(ctx, domain.Guest{UserID: "y", MAC: "aa:bb:cc:00:00:dd"}))
	fake.expire()
	_, err := a.AuthorizeUser(ctx, "y", 60)
	require.NoError(t, err)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, 2, fake.logins)
}

func TestUbiquitiBandwidthReauthorizes(t *testing.T) {
	fake, srv := newFakeUniFi(t, "")
	fake.known["aa:bb:cc:00:00:ee"] = true
	a := newTestUbiquiti(srv, "secret", nil)
	ctx := context.Background()

	require.True(t, a.Authenticate(ctx, domain.Guest{UserID: "z", MAC: "aa:bb:cc:00:00:ee"}))
	_, err := a.AuthorizeUser(ctx, "z", 60)
	require.NoError(t, err)
	require.True(t, a.UpdateUserBandwidth(ctx, "z", 2000, 8000))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.commands, 2)
	last := fake.commands[1]
	assert.Equal(t, "authorize-guest", last["cmd"])
	assert.Equal(t, float64(2000), last["up"])
	assert.Equal(t, float64(8000), last["down"])
	assert.InDelta(t, 60, last["minutes"], 1)
}

func TestUbiquitiStatusAndPortal(t *testing.T) {
	fake, srv := newFakeUniFi(t, "")
	a := newTestUbiquiti(srv, "secret", nil)
	ctx := context.Background()

	status, ok := a.GetEquipmentStatus(ctx)
	require.True(t, ok)
	assert.Equal(t, domain.EquipmentOnline, status.State)
	assert.Equal(t, "8.1.113", status.FirmwareVersion)
	assert.Equal(t, 5, status.ConnectedUsers)
	assert.Equal(t, 4, status.Details["access_points"])

	require.True(t, a.ConfigurePortal(ctx, domain.PortalConfig{
		RedirectURL:  "https://portal.example.com",
		SplashURL:    "https://192.0.2.10/splash",
		WalledGarden: []string{"198.51.100.0/24", "cdn.example.net"},
	}))
	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "192.0.2.10", fake.guest["custom_ip"])
	assert.Equal(t, "192.0.2.10/32", fake.guest["allowed_subnet_1"])
	assert.Equal(t, "198.51.100.0/24", fake.guest["allowed_subnet_2"])
	assert.NotContains(t, fake.guest, "allowed_subnet_3")
}

func TestAsSubnet(t *testing.T) {
	assert.Equal(t, "10.0.0.0/8", asSubnet("10.0.0.0/8"))
	assert.Equal(t, "192.0.2.1/32", asSubnet("192.0.2.1"))
	assert.Empty(t, asSubnet("portal.example.com"))
	assert.Empty(t, asSubnet("2001:db8::1"))
}
