package adapter

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/curve25519"

	"portalgate/internal/domain"
)

const (
	defaultWireGuardInterface = "wg0"
	// a peer with no handshake for this long is considered down
	wireGuardHandshakeMaxAge = 3 * time.Minute
)

var wgInterfaceName = regexp.MustCompile(`^[A-Za-z0-9_.=+-]{1,15}$`)

// WireGuardAdapter reaches the portal agent over a WireGuard tunnel whose hub
// it manages over SSH
type WireGuardAdapter struct {
	*core
	*agentDriver
	creds  domain.WireGuardCredentials
	runner commandRunner

	iface        string
	gatewayKey   string
	allowedIPs   []string
	persistPeers bool
}

// NewWireGuardAdapter validates keys and builds the adapter
func NewWireGuardAdapter(desc domain.EquipmentDescriptor, creds domain.WireGuardCredentials, opts Options) (*WireGuardAdapter, error) {
	opts = opts.withDefaults()
	fail := func(err error) (*WireGuardAdapter, error) {
		return nil, domain.NewConfigurationError(desc.ID, "create_adapter", err)
	}

	gatewayKey, err := wireGuardPublicKey(creds.PrivateKey)
	if err != nil {
		return fail(fmt.Errorf("private key: %w", err))
	}
	if _, err := parseWireGuardKey(creds.PeerPublicKey); err != nil {
		return fail(fmt.Errorf("peer public key: %w", err))
	}

	iface := creds.Interface
	if iface == "" {
		iface = defaultWireGuardInterface
	}
	if !wgInterfaceName.MatchString(iface) {
		return fail(fmt.Errorf("invalid interface name %q", iface))
	}

	tunnelHost, err := hostOnly(creds.TunnelAddress)
	if err != nil {
		return fail(fmt.Errorf("tunnel address: %w", err))
	}
	allowed := []string{tunnelHost + "/32"}
	for _, cidr := range creds.AllowedIPs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fail(fmt.Errorf("allowed ip %q: %w", cidr, err))
		}
		allowed = append(allowed, cidr)
	}

	hub := desc.ConfigString("hub_address", desc.IPAddress)
	runner, err := newSSHRunner(hub, desc.ConfigInt("ssh_port", 22), sshLogin{
		User:       creds.SSHUser,
		Password:   creds.SSHPassword,
		PrivateKey: creds.SSHKey,
		HostKey:    desc.ConfigString("ssh_host_key", ""),
	}, opts.Timeout)
	if err != nil {
		return fail(err)
	}

	a := &WireGuardAdapter{
		creds:        creds,
		runner:       runner,
		iface:        iface,
		gatewayKey:   gatewayKey,
		allowedIPs:   allowed,
		persistPeers: desc.ConfigString("persist_peers", "") == "true",
	}
	a.core = newCore(desc, agentFeatures(), opts)
	a.agentDriver = newAgentDriver(a.core, newHTTPClient(opts, false), creds.AgentToken, agentBaseURL(desc, tunnelHost))
	a.core.drv = a
	return a, nil
}

// wgPeer is one peer line of `wg show <if> dump`
type wgPeer struct {
	PublicKey       string
	Endpoint        string
	AllowedIPs      string
	LatestHandshake time.Time
	TransferRx      int64
	TransferTx      int64
}

// parseWGDump reads the interface public key and peers from a dump
func parseWGDump(out string) (string, []wgPeer, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return "", nil, errors.New("empty wg dump")
	}
	head := strings.Split(lines[0], "\t")
	if len(head) < 3 {
		return "", nil, fmt.Errorf("unexpected wg dump header %q", lines[0])
	}

	peers := make([]wgPeer, 0, len(lines)-1)
	for _, line := range lines[1:] {
		f := strings.Split(line, "\t")
		if len(f) < 7 {
			continue
		}
		p := wgPeer{PublicKey: f[0], Endpoint: f[2], AllowedIPs: f[3]}
		if ts, err := strconv.ParseInt(f[4], 10, 64); err == nil && ts > 0 {
			p.LatestHandshake = time.Unix(ts, 0)
		}
		p.TransferRx, _ = strconv.ParseInt(f[5], 10, 64)
		p.TransferTx, _ = strconv.ParseInt(f[6], 10, 64)
		peers = append(peers, p)
	}
	return head[1], peers, nil
}

func (a *WireGuardAdapter) dump(ctx context.Context) (string, []wgPeer, error) {
	out, err := a.runner.Run(ctx, "wg show "+a.iface+" dump")
	if err != nil {
		return "", nil, err
	}
	return parseWGDump(out)
}

// TestConnection checks the hub key, the gateway's last handshake and the
// agent behind the tunnel
func (a *WireGuardAdapter) TestConnection(ctx context.Context) bool {
	return a.transportCheck(ctx, "test_connection", func(ctx context.Context) error {
		hubKey, peers, err := a.dump(ctx)
		if err != nil {
			return err
		}
		if hubKey != a.creds.PeerPublicKey {
			return domain.NewConfigurationError(a.desc.ID, "test_connection",
				fmt.Errorf("hub interface %s has public key %s, expected %s", a.iface, hubKey, a.creds.PeerPublicKey))
		}
		peer, ok := findPeer(peers, a.gatewayKey)
		if !ok {
			return domain.NewConfigurationError(a.desc.ID, "test_connection",
				fmt.Errorf("gateway peer %s not installed on %s", a.gatewayKey, a.iface))
		}
		if age := a.now().Sub(peer.LatestHandshake); peer.LatestHandshake.IsZero() || age > wireGuardHandshakeMaxAge {
			return fmt.Errorf("gateway peer handshake is stale: %w", domain.ErrTransientNetwork)
		}
		_, err = a.health(ctx)
		return err
	})
}

// ConfigureConnection installs or refreshes the gateway peer on the hub
func (a *WireGuardAdapter) ConfigureConnection(ctx context.Context) bool {
	return a.transportCheck(ctx, "configure_connection", func(ctx context.Context) error {
		cmd := fmt.Sprintf("wg set %s peer %s allowed-ips %s persistent-keepalive 25",
			a.iface, a.gatewayKey, strings.Join(a.allowedIPs, ","))
		if a.creds.Endpoint != "" {
			if _, _, err := net.SplitHostPort(a.creds.Endpoint); err != nil {
				return domain.NewConfigurationError(a.desc.ID, "configure_connection", fmt.Errorf("endpoint: %w", err))
			}
			cmd += " endpoint " + a.creds.Endpoint
		}
		if _, err := a.runner.Run(ctx, cmd); err != nil {
			return err
		}
		if a.persistPeers {
			if _, err := a.runner.Run(ctx, "wg-quick save "+a.iface); err != nil {
				return err
			}
		}
		return nil
	})
}

// status adds tunnel counters to the agent report
func (a *WireGuardAdapter) status(ctx context.Context) (domain.EquipmentStatus, error) {
	status, err := a.agentDriver.status(ctx)
	if err != nil {
		return status, err
	}
	if _, peers, err := a.dump(ctx); err == nil {
		if peer, ok := findPeer(peers, a.gatewayKey); ok {
			if status.Details == nil {
				status.Details = map[string]any{}
			}
			status.Details["tunnel_rx_bytes"] = peer.TransferRx
			status.Details["tunnel_tx_bytes"] = peer.TransferTx
			status.Details["latest_handshake"] = peer.LatestHandshake
		}
	}
	return status, nil
}

// Close releases idle connections to the agent
func (a *WireGuardAdapter) Close() error {
	closeIdle(a.doer)
	return nil
}

func findPeer(peers []wgPeer, key string) (wgPeer, bool) {
	for _, p := range peers {
		if p.PublicKey == key {
			return p, true
		}
	}
	return wgPeer{}, false
}

// parseWireGuardKey decodes a base64 Curve25519 key
func parseWireGuardKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("not base64: %w", err)
	}
	if len(key) != curve25519.ScalarSize {
		return nil, fmt.Errorf("key is %d bytes, want %d", len(key), curve25519.ScalarSize)
	}
	return key, nil
}

// wireGuardPublicKey derives the public key for a private key
func wireGuardPublicKey(private string) (string, error) {
	key, err := parseWireGuardKey(private)
	if err != nil {
		return "", err
	}
	pub, err := curve25519.X25519(key, curve25519.Basepoint)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(pub), nil
}

// hostOnly strips an optional prefix length from an address
func hostOnly(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if ip, _, err := net.ParseCIDR(addr); err == nil {
		return ip.String(), nil
	}
	if ip := net.ParseIP(addr); ip != nil {
		return ip.String(), nil
	}
	return "", fmt.Errorf("%q is not an IP address", addr)
}
