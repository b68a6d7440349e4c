package adapter

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portalgate/internal/domain"
)

var (
	gatewayPrivateKey = base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x11}, 32))
	hubPrivateKey     = base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x22}, 32))
)

func mustPublicKey(t *testing.T, private string) string {
	t.Helper()
	pub, err := wireGuardPublicKey(private)
	require.NoError(t, err)
	return pub
}

// fakeHub stands in for the SSH session on the WireGuard hub
type fakeHub struct {
	mu   sync.Mutex
	dump string
	err  error
	cmds []string
}

func (h *fakeHub) Run(_ context.Context, cmd string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cmds = append(h.cmds, cmd)
	if strings.HasSuffix(cmd, " dump") {
		return h.dump, h.err
	}
	return "", h.err
}

func (h *fakeHub) commands() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.cmds...)
}

func wgDump(hubPub, peerPub string, handshake time.Time) string {
	ts := int64(0)
	if !handshake.IsZero() {
		ts = handshake.Unix()
	}
	return fmt.Sprintf("%s\t%s\t51820\toff\n%s\t(none)\t198.51.100.30:41000\t10.200.0.2/32,10.5.0.0/24\t%d\t5120\t20480\t25\n",
		hubPrivateKey, hubPub, peerPub, ts)
}

func wireGuardCreds(t *testing.T) domain.WireGuardCredentials {
	return domain.WireGuardCredentials{
		PrivateKey:    gatewayPrivateKey,
		PeerPublicKey: mustPublicKey(t, hubPrivateKey),
		TunnelAddress: "10.200.0.2/24",
		AllowedIPs:    []string{"10.5.0.0/24"},
		SSHUser:       "root",
		SSHPassword:   "hub-pass",
		AgentToken:    "agent-token",
	}
}

func newTestWireGuard(t *testing.T, creds domain.WireGuardCredentials, agentURL string, config map[string]any, clock *fakeClock) (*WireGuardAdapter, *fakeHub) {
	desc := domain.EquipmentDescriptor{
		ID:            "gw-branch",
		Type:          domain.EquipmentWireGuard,
		IPAddress:     "192.0.2.50",
		APIEndpoint:   agentURL,
		Credentials:   creds,
		Configuration: config,
	}
	a, err := NewWireGuardAdapter(desc, creds, testOptions(clock))
	require.NoError(t, err)
	hub := &fakeHub{}
	a.runner = hub
	return a, hub
}

func TestParseWGDump(t *testing.T) {
	hubPub := mustPublicKey(t, hubPrivateKey)
	gwPub := mustPublicKey(t, gatewayPrivateKey)
	at := time.Date(2025, 3, 1, 11, 59, 0, 0, time.UTC)

	key, peers, err := parseWGDump(wgDump(hubPub, gwPub, at))
	require.NoError(t, err)
	assert.Equal(t, hubPub, key)
	require.Len(t, peers, 1)
	assert.Equal(t, gwPub, peers[0].PublicKey)
	assert.Equal(t, "198.51.100.30:41000", peers[0].Endpoint)
	assert.Equal(t, "10.200.0.2/32,10.5.0.0/24", peers[0].AllowedIPs)
	assert.True(t, at.Equal(peers[0].LatestHandshake))
	assert.Equal(t, int64(5120), peers[0].TransferRx)
	assert.Equal(t, int64(20480), peers[0].TransferTx)

	_, _, err = parseWGDump("")
	assert.Error(t, err)
	_, _, err = parseWGDump("garbage")
	assert.Error(t, err)
}

func TestWireGuardKeys(t *testing.T) {
	_, err := parseWireGuardKey("not base64!")
	assert.Error(t, err)
	_, err = parseWireGuardKey(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)

	pub := mustPublicKey(t, gatewayPrivateKey)
	assert.Len(t, pub, 44)
	assert.NotEqual(t, gatewayPrivateKey, pub)
	assert.Equal(t, pub, mustPublicKey(t, gatewayPrivateKey))
}

func TestHostOnly(t *testing.T) {
	host, err := hostOnly("10.200.0.2/24")
	require.NoError(t, err)
	assert.Equal(t, "10.200.0.2", host)

	host, err = hostOnly(" fd00::2 ")
	require.NoError(t, err)
	assert.Equal(t, "fd00::2", host)

	_, err = hostOnly("gateway.local")
	assert.Error(t, err)
}

func TestNewWireGuardAdapterValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.WireGuardCredentials)
	}{
		{"bad private key", func(c *domain.WireGuardCredentials) { c.PrivateKey = "AAAA" }},
		{"bad peer key", func(c *domain.WireGuardCredentials) { c.PeerPublicKey = "not-a-key" }},
		{"interface with shell metacharacters", func(c *domain.WireGuardCredentials) { c.Interface = "wg0;reboot" }},
		{"interface name too long", func(c *domain.WireGuardCredentials) { c.Interface = "wireguard-interface0" }},
		{"tunnel address", func(c *domain.WireGuardCredentials) { c.TunnelAddress = "gateway" }},
		{"allowed ips", func(c *domain.WireGuardCredentials) { c.AllowedIPs = []string{"10.5.0.0"} }},
		{"no ssh secret", func(c *domain.WireGuardCredentials) { c.SSHPassword = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			creds := wireGuardCreds(t)
			tt.mutate(&creds)
			desc := domain.EquipmentDescriptor{ID: "gw-branch", Type: domain.EquipmentWireGuard, Credentials: creds}

			_, err := NewWireGuardAdapter(desc, creds, testOptions(nil))
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrConfiguration)
		})
	}
}

func TestWireGuardTestConnection(t *testing.T) {
	clock := newFakeClock()
	hubPub := mustPublicKey(t, hubPrivateKey)
	gwPub := mustPublicKey(t, gatewayPrivateKey)
	_, agentSrv := newFakeAgentServer(t, "agent-token")

	tests := []struct {
		name  string
		dump  string
		want  bool
		dumps int
	}{
		{"fresh handshake", wgDump(hubPub, gwPub, clock.Now().Add(-time.Minute)), true, 1},
		{"stale handshake", wgDump(hubPub, gwPub, clock.Now().Add(-10*time.Minute)), false, 3},
		{"never handshaked", wgDump(hubPub, gwPub, time.Time{}), false, 3},
		{"wrong hub", wgDump(gwPub, gwPub, clock.Now()), false, 1},
		{"peer missing", wgDump(hubPub, hubPub, clock.Now()), false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, hub := newTestWireGuard(t, wireGuardCreds(t), agentSrv.URL, nil, clock)
			hub.dump = tt.dump

			assert.Equal(t, tt.want, a.TestConnection(context.Background()))
			assert.Len(t, hub.commands(), tt.dumps)
			assert.Equal(t, "wg show wg0 dump", hub.commands()[0])
		})
	}
}

func TestWireGuardConfigureConnection(t *testing.T) {
	_, agentSrv := newFakeAgentServer(t, "agent-token")
	gwPub := mustPublicKey(t, gatewayPrivateKey)

	t.Run("installs peer", func(t *testing.T) {
		creds := wireGuardCreds(t)
		creds.Endpoint = "198.51.100.30:51820"
		a, hub := newTestWireGuard(t, creds, agentSrv.URL, nil, nil)

		require.True(t, a.ConfigureConnection(context.Background()))
		assert.Equal(t, []string{
			"wg set wg0 peer " + gwPub + " allowed-ips 10.200.0.2/32,10.5.0.0/24 persistent-keepalive 25 endpoint 198.51.100.30:51820",
		}, hub.commands())
	})

	t.Run("persists peers", func(t *testing.T) {
		creds := wireGuardCreds(t)
		creds.Interface = "wg-guest"
		a, hub := newTestWireGuard(t, creds, agentSrv.URL, map[string]any{"persist_peers": "true"}, nil)

		require.True(t, a.ConfigureConnection(context.Background()))
		cmds := hub.commands()
		require.Len(t, cmds, 2)
		assert.True(t, strings.HasPrefix(cmds[0], "wg set wg-guest peer "))
		assert.Equal(t, "wg-quick save wg-guest", cmds[1])
	})

	t.Run("bad endpoint", func(t *testing.T) {
		creds := wireGuardCreds(t)
		creds.Endpoint = "198.51.100.30"
		a, hub := newTestWireGuard(t, creds, agentSrv.URL, nil, nil)

		assert.False(t, a.ConfigureConnection(context.Background()))
		assert.Empty(t, hub.commands())
	})
}

func TestWireGuardStatus(t *testing.T) {
	clock := newFakeClock()
	_, agentSrv := newFakeAgentServer(t, "agent-token")
	a, hub := newTestWireGuard(t, wireGuardCreds(t), agentSrv.URL, nil, clock)
	hub.dump = wgDump(mustPublicKey(t, hubPrivateKey), mustPublicKey(t, gatewayPrivateKey), clock.Now())

	status, ok := a.GetEquipmentStatus(context.Background())
	require.True(t, ok)
	assert.Equal(t, int64(5120), status.Details["tunnel_rx_bytes"])
	assert.Equal(t, int64(20480), status.Details["tunnel_tx_bytes"])
	assert.Equal(t, "nftables", status.Details["firewall"])
}

func TestWireGuardUsesTunnelAddressForAgent(t *testing.T) {
	creds := wireGuardCreds(t)
	desc := domain.EquipmentDescriptor{ID: "gw-branch", Type: domain.EquipmentWireGuard, Credentials: creds}
	a, err := NewWireGuardAdapter(desc, creds, testOptions(nil))
	require.NoError(t, err)
	assert.Equal(t, "http://10.200.0.2:8090", a.base)
}
