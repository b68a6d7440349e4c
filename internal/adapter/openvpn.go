package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"portalgate/internal/domain"
)

// OpenVPNAdapter reaches the portal agent on a gateway connected as an
// OpenVPN client, supervised through the server's management interface
type OpenVPNAdapter struct {
	*core
	*agentDriver
	creds domain.OpenVPNCredentials
	mgmt  *openvpnManagement
}

// NewOpenVPNAdapter builds an adapter for an OpenVPN-connected gateway. The
// agent address is the client's virtual address unless an endpoint is given.
func NewOpenVPNAdapter(desc domain.EquipmentDescriptor, creds domain.OpenVPNCredentials, opts Options) *OpenVPNAdapter {
	opts = opts.withDefaults()
	a := &OpenVPNAdapter{
		creds: creds,
		mgmt: &openvpnManagement{
			addr:     creds.ManagementAddress,
			password: creds.ManagementPassword,
			timeout:  opts.Timeout,
		},
	}
	a.core = newCore(desc, agentFeatures(), opts)

	base := ""
	if desc.APIEndpoint != "" {
		base = strings.TrimRight(desc.APIEndpoint, "/")
	}
	a.agentDriver = newAgentDriver(a.core, newHTTPClient(opts, false), creds.AgentToken, base)
	a.agentDriver.resolve = a.resolveAgent
	a.core.drv = a
	return a
}

// openvpnClient is one CLIENT_LIST row of `status 3`
type openvpnClient struct {
	CommonName     string
	RealAddress    string
	VirtualAddress string
	BytesReceived  int64
	BytesSent      int64
	ConnectedSince time.Time
}

// openvpnManagement runs one command per connection against the management
// interface
type openvpnManagement struct {
	addr     string
	password string
	timeout  time.Duration
}

// exec sends cmd and returns the response lines. Multi-line responses end
// with END, single-line ones start with SUCCESS: or ERROR:.
func (m *openvpnManagement) exec(ctx context.Context, cmd string) ([]string, error) {
	dialer := &net.Dialer{Timeout: m.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", m.addr)
	if err != nil {
		return nil, fmt.Errorf("dial management interface: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(m.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	tp := textproto.NewConn(conn)
	if m.password != "" {
		// the password prompt carries no newline, so answer it unread
		if err := tp.PrintfLine("%s", m.password); err != nil {
			return nil, err
		}
		if err := m.awaitLogin(tp); err != nil {
			return nil, err
		}
	}

	if err := tp.PrintfLine("%s", cmd); err != nil {
		return nil, err
	}
	var lines []string
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return nil, err
		}
		switch {
		case strings.HasPrefix(line, ">"):
			// real-time notification interleaved with the response
			continue
		case strings.HasPrefix(line, "ERROR:"):
			return nil, fmt.Errorf("management %q: %s", cmd, strings.TrimSpace(strings.TrimPrefix(line, "ERROR:")))
		case strings.HasPrefix(line, "SUCCESS:") && len(lines) == 0:
			return []string{line}, nil
		case line == "END":
			return lines, nil
		}
		lines = append(lines, line)
	}
}

func (m *openvpnManagement) awaitLogin(tp *textproto.Conn) error {
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return err
		}
		switch {
		case strings.Contains(line, "SUCCESS: password is correct"):
			return nil
		case strings.Contains(line, "ERROR: bad password"):
			return fmt.Errorf("management interface login: %w", errRejected)
		}
	}
}

// parseOpenVPNStatus reads CLIENT_LIST rows, using the HEADER row for column
// positions since they moved between OpenVPN releases
func parseOpenVPNStatus(lines []string) []openvpnClient {
	cols := map[string]int{
		"Common Name":             1,
		"Real Address":            2,
		"Virtual Address":         3,
		"Bytes Received":          5,
		"Bytes Sent":              6,
		"Connected Since (time_t)": 8,
	}
	var clients []openvpnClient
	for _, line := range lines {
		f := strings.Split(line, "\t")
		if len(f) < 2 {
			continue
		}
		if f[0] == "HEADER" && f[1] == "CLIENT_LIST" {
			for i, name := range f[1:] {
				if _, ok := cols[name]; ok {
					cols[name] = i
				}
			}
			continue
		}
		if f[0] != "CLIENT_LIST" {
			continue
		}
		field := func(name string) string {
			if i := cols[name]; i < len(f) {
				return f[i]
			}
			return ""
		}
		c := openvpnClient{
			CommonName:     field("Common Name"),
			RealAddress:    field("Real Address"),
			VirtualAddress: field("Virtual Address"),
		}
		c.BytesReceived, _ = strconv.ParseInt(field("Bytes Received"), 10, 64)
		c.BytesSent, _ = strconv.ParseInt(field("Bytes Sent"), 10, 64)
		if ts, err := strconv.ParseInt(field("Connected Since (time_t)"), 10, 64); err == nil && ts > 0 {
			c.ConnectedSince = time.Unix(ts, 0)
		}
		clients = append(clients, c)
	}
	return clients
}

// gatewayClient finds the gateway among connected clients
func (a *OpenVPNAdapter) gatewayClient(ctx context.Context) (openvpnClient, error) {
	lines, err := a.mgmt.exec(ctx, "status 3")
	if err != nil {
		return openvpnClient{}, err
	}
	for _, c := range parseOpenVPNStatus(lines) {
		if c.CommonName == a.creds.CommonName {
			return c, nil
		}
	}
	return openvpnClient{}, fmt.Errorf("client %s is not connected: %w", a.creds.CommonName, domain.ErrTransientNetwork)
}

func (a *OpenVPNAdapter) resolveAgent(ctx context.Context) (string, error) {
	c, err := a.gatewayClient(ctx)
	if err != nil {
		return "", err
	}
	if c.VirtualAddress == "" {
		return "", domain.NewConfigurationError(a.desc.ID, "resolve_agent",
			errors.New("client has no virtual address, check the server topology"))
	}
	return agentBaseURL(a.desc, c.VirtualAddress), nil
}

// TestConnection requires the gateway connected to the server and a healthy
// agent behind it
func (a *OpenVPNAdapter) TestConnection(ctx context.Context) bool {
	return a.transportCheck(ctx, "test_connection", func(ctx context.Context) error {
		if _, err := a.gatewayClient(ctx); err != nil {
			return err
		}
		if _, err := a.health(ctx); err != nil {
			a.forget()
			return err
		}
		return nil
	})
}

// ConfigureConnection kicks a connected but unresponsive gateway so it
// renegotiates the tunnel
func (a *OpenVPNAdapter) ConfigureConnection(ctx context.Context) bool {
	return a.transportCheck(ctx, "configure_connection", func(ctx context.Context) error {
		if _, err := a.gatewayClient(ctx); err != nil {
			return err
		}
		if _, err := a.health(ctx); err == nil {
			return nil
		}
		a.forget()
		_, err := a.mgmt.exec(ctx, "kill "+a.creds.CommonName)
		if err == nil {
			a.log.Info().Str("common_name", a.creds.CommonName).Msg("openvpn client restarted")
		}
		return err
	})
}

// status adds tunnel counters to the agent report
func (a *OpenVPNAdapter) status(ctx context.Context) (domain.EquipmentStatus, error) {
	status, err := a.agentDriver.status(ctx)
	if err != nil {
		a.forget()
		return status, err
	}
	if c, err := a.gatewayClient(ctx); err == nil {
		if status.Details == nil {
			status.Details = map[string]any{}
		}
		status.Details["tunnel_rx_bytes"] = c.BytesReceived
		status.Details["tunnel_tx_bytes"] = c.BytesSent
		status.Details["real_address"] = c.RealAddress
	}
	return status, nil
}

// Close releases idle connections to the agent
func (a *OpenVPNAdapter) Close() error {
	closeIdle(a.doer)
	return nil
}
