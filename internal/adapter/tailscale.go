package adapter

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"portalgate/internal/domain"
)

const (
	tailscaleAPIURL = "https://api.tailscale.com/api/v2"
	// a device unseen by the control plane for this long is considered offline
	tailscaleLastSeenMaxAge = 5 * time.Minute
)

// TailscaleAdapter reaches the portal agent over a tailnet and manages the
// gateway device through the Tailscale API
type TailscaleAdapter struct {
	*core
	*agentDriver
	ts    *restClient
	creds domain.TailscaleCredentials
}

// NewTailscaleAdapter builds an adapter for a tailnet-joined gateway. The
// agent address is the device's tailnet IP unless an endpoint is given.
func NewTailscaleAdapter(desc domain.EquipmentDescriptor, creds domain.TailscaleCredentials, opts Options) *TailscaleAdapter {
	opts = opts.withDefaults()
	a := &TailscaleAdapter{creds: creds}
	a.core = newCore(desc, agentFeatures(), opts)

	doer := newHTTPClient(opts, false)
	base := ""
	if desc.APIEndpoint != "" {
		base = strings.TrimRight(desc.APIEndpoint, "/")
	}
	a.agentDriver = newAgentDriver(a.core, doer, creds.AgentToken, base)
	a.agentDriver.resolve = a.resolveAgent
	a.ts = &restClient{
		baseURL: strings.TrimRight(desc.ConfigString("tailscale_api", tailscaleAPIURL), "/"),
		doer:    doer,
		decorate: func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer "+creds.APIKey)
		},
	}
	a.core.drv = a
	return a
}

type tsDevice struct {
	ID                 string    `json:"id"`
	NodeID             string    `json:"nodeId"`
	Name               string    `json:"name"`
	Hostname           string    `json:"hostname"`
	OS                 string    `json:"os"`
	ClientVersion      string    `json:"clientVersion"`
	Addresses          []string  `json:"addresses"`
	Authorized         bool      `json:"authorized"`
	KeyExpiryDisabled  bool      `json:"keyExpiryDisabled"`
	LastSeen           time.Time `json:"lastSeen"`
	ConnectedToControl bool      `json:"connectedToControl"`
}

func (a *TailscaleAdapter) devicePath(suffix string) string {
	return "/device/" + url.PathEscape(a.creds.DeviceID) + suffix
}

func (a *TailscaleAdapter) device(ctx context.Context) (tsDevice, error) {
	var d tsDevice
	err := a.ts.get(ctx, a.devicePath(""), url.Values{"fields": {"all"}}, &d)
	return d, err
}

// resolveAgent returns the agent URL on the device's first IPv4 tailnet address
func (a *TailscaleAdapter) resolveAgent(ctx context.Context) (string, error) {
	d, err := a.device(ctx)
	if err != nil {
		return "", err
	}
	for _, addr := range d.Addresses {
		if !strings.Contains(addr, ":") {
			return agentBaseURL(a.desc, addr), nil
		}
	}
	return "", domain.NewConfigurationError(a.desc.ID, "resolve_agent",
		fmt.Errorf("device %s has no IPv4 tailnet address", a.creds.DeviceID))
}

func (a *TailscaleAdapter) online(d tsDevice) bool {
	if d.ConnectedToControl {
		return true
	}
	return !d.LastSeen.IsZero() && a.now().Sub(d.LastSeen) < tailscaleLastSeenMaxAge
}

// TestConnection requires an authorized, online device and a healthy agent
func (a *TailscaleAdapter) TestConnection(ctx context.Context) bool {
	return a.transportCheck(ctx, "test_connection", func(ctx context.Context) error {
		d, err := a.device(ctx)
		if err != nil {
			return err
		}
		if !d.Authorized {
			return domain.NewConfigurationError(a.desc.ID, "test_connection",
				fmt.Errorf("device %s is not authorized on the tailnet", d.Hostname))
		}
		if !a.online(d) {
			return fmt.Errorf("device %s last seen %s: %w", d.Hostname, d.LastSeen.Format(time.RFC3339), domain.ErrTransientNetwork)
		}
		if _, err := a.health(ctx); err != nil {
			a.forget()
			return err
		}
		return nil
	})
}

// ConfigureConnection authorizes the device and disables key expiry so the
// gateway stays reachable
func (a *TailscaleAdapter) ConfigureConnection(ctx context.Context) bool {
	return a.transportCheck(ctx, "configure_connection", func(ctx context.Context) error {
		d, err := a.device(ctx)
		if err != nil {
			return err
		}
		if !d.Authorized {
			if err := a.ts.post(ctx, a.devicePath("/authorized"), map[string]bool{"authorized": true}, nil); err != nil {
				return err
			}
		}
		if !d.KeyExpiryDisabled {
			if err := a.ts.post(ctx, a.devicePath("/key"), map[string]bool{"keyExpiryDisabled": true}, nil); err != nil {
				return err
			}
		}
		a.forget()
		return nil
	})
}

// status adds control-plane facts to the agent report
func (a *TailscaleAdapter) status(ctx context.Context) (domain.EquipmentStatus, error) {
	status, err := a.agentDriver.status(ctx)
	if err != nil {
		a.forget()
		return status, err
	}
	d, err := a.device(ctx)
	if err != nil {
		return status, nil
	}
	if status.Details == nil {
		status.Details = map[string]any{}
	}
	status.Details["tailnet_name"] = d.Name
	status.Details["client_version"] = d.ClientVersion
	if !a.online(d) {
		status.State = domain.EquipmentDegraded
	}
	return status, nil
}

// Close releases idle connections
func (a *TailscaleAdapter) Close() error {
	closeIdle(a.doer)
	return nil
}
