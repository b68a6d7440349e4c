package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"portalgate/internal/domain"
)

// DirectAdapter reaches the portal agent on a gateway with a routable address
type DirectAdapter struct {
	*core
	*agentDriver
}

// NewDirectAdapter builds an adapter for a directly reachable gateway
func NewDirectAdapter(desc domain.EquipmentDescriptor, creds domain.AgentCredentials, opts Options) *DirectAdapter {
	a := &DirectAdapter{}
	a.core = newCore(desc, agentFeatures(), opts)
	a.agentDriver = newAgentDriver(a.core, newHTTPClient(opts.withDefaults(), desc.ConfigString("agent_tls", "") == "insecure"),
		creds.Token, agentBaseURL(desc, desc.IPAddress))
	a.core.drv = a
	return a
}

// TestConnection checks the agent answers its health endpoint
func (a *DirectAdapter) TestConnection(ctx context.Context) bool {
	return a.transportCheck(ctx, "test_connection", func(ctx context.Context) error {
		_, err := a.health(ctx)
		return err
	})
}

// ConfigureConnection has no transport to build and verifies reachability
func (a *DirectAdapter) ConfigureConnection(ctx context.Context) bool {
	return a.transportCheck(ctx, "configure_connection", func(ctx context.Context) error {
		_, err := a.health(ctx)
		return err
	})
}

// Close releases idle connections to the agent
func (a *DirectAdapter) Close() error {
	closeIdle(a.doer)
	return nil
}

const (
	cloudflareAPIURL    = "https://api.cloudflare.com/client/v4"
	cloudflareTunnelDNS = "cfargotunnel.com"
)

// CloudflareAdapter reaches the portal agent through a Cloudflare tunnel and
// manages the tunnel's public hostname
type CloudflareAdapter struct {
	*core
	*agentDriver
	cf    *restClient
	creds domain.TunnelCredentials

	hostname string
	zoneID   string
	// service is the origin cloudflared forwards the hostname to
	service string
}

// NewCloudflareAdapter builds an adapter for a tunnel-connected gateway
func NewCloudflareAdapter(desc domain.EquipmentDescriptor, creds domain.TunnelCredentials, opts Options) (*CloudflareAdapter, error) {
	if desc.DNSConfig == nil || desc.DNSConfig.Domain == "" || desc.DNSConfig.ZoneID == "" {
		return nil, domain.NewConfigurationError(desc.ID, "create_adapter", errors.New("cloudflare tunnel needs dns_config domain and zone_id"))
	}
	if desc.Subdomain == "" {
		return nil, domain.NewConfigurationError(desc.ID, "create_adapter", errors.New("cloudflare tunnel needs a subdomain"))
	}

	opts = opts.withDefaults()
	hostname := desc.Subdomain + "." + desc.DNSConfig.Domain
	a := &CloudflareAdapter{
		creds:    creds,
		hostname: hostname,
		zoneID:   desc.DNSConfig.ZoneID,
		service:  desc.ConfigString("origin_service", fmt.Sprintf("http://localhost:%d", defaultAgentPort)),
	}
	a.core = newCore(desc, agentFeatures(), opts)

	doer := newHTTPClient(opts, false)
	base := "https://" + hostname
	if desc.APIEndpoint != "" {
		base = strings.TrimRight(desc.APIEndpoint, "/")
	}
	a.agentDriver = newAgentDriver(a.core, doer, creds.AgentToken, base)
	a.cf = &restClient{
		baseURL: strings.TrimRight(desc.ConfigString("cloudflare_api", cloudflareAPIURL), "/"),
		doer:    doer,
		decorate: func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer "+creds.APIToken)
		},
	}
	a.core.drv = a
	return a, nil
}

type cfEnvelope[T any] struct {
	Success bool `json:"success"`
	Errors  []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
	Result T `json:"result"`
}

func (e cfEnvelope[T]) err() error {
	if e.Success {
		return nil
	}
	msgs := make([]string, 0, len(e.Errors))
	for _, m := range e.Errors {
		msgs = append(msgs, fmt.Sprintf("%d %s", m.Code, m.Message))
	}
	return fmt.Errorf("cloudflare api: %s", strings.Join(msgs, "; "))
}

type cfTunnel struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Connections []struct {
		ColoName string `json:"colo_name"`
		ID       string `json:"id"`
	} `json:"connections"`
}

type cfDNSRecord struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	Proxied bool   `json:"proxied"`
	TTL     int    `json:"ttl"`
	Comment string `json:"comment,omitempty"`
}

func cfDo[T any](ctx context.Context, api *restClient, method, path string, query url.Values, body any) (T, error) {
	var env cfEnvelope[T]
	if err := api.do(ctx, method, path, query, body, &env); err != nil {
		return env.Result, err
	}
	return env.Result, env.err()
}

func (a *CloudflareAdapter) tunnelPath(suffix string) string {
	return "/accounts/" + url.PathEscape(a.creds.AccountID) + "/cfd_tunnel/" + url.PathEscape(a.creds.TunnelID) + suffix
}

func (a *CloudflareAdapter) tunnel(ctx context.Context) (cfTunnel, error) {
	return cfDo[cfTunnel](ctx, a.cf, http.MethodGet, a.tunnelPath(""), nil, nil)
}

// TestConnection requires a connected tunnel and a healthy agent behind it
func (a *CloudflareAdapter) TestConnection(ctx context.Context) bool {
	return a.transportCheck(ctx, "test_connection", func(ctx context.Context) error {
		t, err := a.tunnel(ctx)
		if err != nil {
			return err
		}
		if t.Status != "healthy" && t.Status != "degraded" {
			return fmt.Errorf("tunnel %s is %s: %w", t.ID, t.Status, domain.ErrTransientNetwork)
		}
		_, err = a.health(ctx)
		return err
	})
}

// ConfigureConnection points the public hostname at the tunnel and routes it
// to the agent origin. Safe to repeat.
func (a *CloudflareAdapter) ConfigureConnection(ctx context.Context) bool {
	return a.transportCheck(ctx, "configure_connection", func(ctx context.Context) error {
		if err := a.ensureCNAME(ctx); err != nil {
			return err
		}
		return a.ensureIngress(ctx)
	})
}

func (a *CloudflareAdapter) ensureCNAME(ctx context.Context) error {
	want := cfDNSRecord{
		Type:    "CNAME",
		Name:    a.hostname,
		Content: a.creds.TunnelID + "." + cloudflareTunnelDNS,
		// tunnel hostnames only resolve through the Cloudflare proxy
		Proxied: true,
		TTL:     1,
		Comment: "portalgate " + a.desc.ID,
	}
	recordsPath := "/zones/" + url.PathEscape(a.zoneID) + "/dns_records"
	existing, err := cfDo[[]cfDNSRecord](ctx, a.cf, http.MethodGet, recordsPath,
		url.Values{"type": {"CNAME"}, "name": {a.hostname}}, nil)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		_, err := cfDo[cfDNSRecord](ctx, a.cf, http.MethodPost, recordsPath, nil, want)
		return err
	}
	current := existing[0]
	if current.Content == want.Content && current.Proxied == want.Proxied {
		return nil
	}
	_, err = cfDo[cfDNSRecord](ctx, a.cf, http.MethodPut, recordsPath+"/"+url.PathEscape(current.ID), nil, want)
	return err
}

func (a *CloudflareAdapter) ensureIngress(ctx context.Context) error {
	body := map[string]any{
		"config": map[string]any{
			"ingress": []map[string]any{
				{"hostname": a.hostname, "service": a.service},
				{"service": "http_status:404"},
			},
		},
	}
	_, err := cfDo[map[string]any](ctx, a.cf, http.MethodPut, a.tunnelPath("/configurations"), nil, body)
	return err
}

// status adds tunnel health to the agent report
func (a *CloudflareAdapter) status(ctx context.Context) (domain.EquipmentStatus, error) {
	status, err := a.agentDriver.status(ctx)
	if err != nil {
		return status, err
	}
	if t, err := a.tunnel(ctx); err == nil {
		if status.Details == nil {
			status.Details = map[string]any{}
		}
		status.Details["tunnel_status"] = t.Status
		status.Details["tunnel_connections"] = len(t.Connections)
		if t.Status == "degraded" {
			status.State = domain.EquipmentDegraded
		}
	}
	return status, nil
}

// Close releases idle connections to the agent and the Cloudflare API
func (a *CloudflareAdapter) Close() error {
	closeIdle(a.doer)
	return nil
}
