package adapter

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	nmap "github.com/Ullaakut/nmap/v3"
)

// PortEvidence is one open port seen on a candidate device
type PortEvidence struct {
	Port    int    `json:"port"`
	Service string `json:"service,omitempty"`
	Banner  string `json:"banner,omitempty"`
}

// PortScanner reports which of ports are open on ip
type PortScanner interface {
	OpenPorts(ctx context.Context, ip string, ports []int) ([]PortEvidence, error)
}

// wellKnownPorts names the ports equipment detection cares about
var wellKnownPorts = map[int]string{
	22:   "ssh",
	80:   "http",
	443:  "https",
	8043: "omada",
	8291: "winbox",
	8443: "unifi",
	8728: "routeros-api",
}

// dialScanner probes ports with plain TCP connects and reads banners of
// services that speak first
type dialScanner struct {
	timeout       time.Duration
	bannerTimeout time.Duration
}

// NewDialScanner returns the default connect scanner
func NewDialScanner(timeout time.Duration) PortScanner {
	return &dialScanner{timeout: timeout, bannerTimeout: timeout}
}

func (s *dialScanner) OpenPorts(ctx context.Context, ip string, ports []int) ([]PortEvidence, error) {
	var (
		mu   sync.Mutex
		open []PortEvidence
		wg   sync.WaitGroup
	)
	for _, port := range ports {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			ev, ok := s.probePort(ctx, ip, p)
			if !ok {
				return
			}
			mu.Lock()
			open = append(open, ev)
			mu.Unlock()
		}(port)
	}
	wg.Wait()

	sort.Slice(open, func(i, j int) bool { return open[i].Port < open[j].Port })
	return open, ctx.Err()
}

// probePort connects to ip:port and grabs a banner from services that greet
func (s *dialScanner) probePort(ctx context.Context, ip string, port int) (PortEvidence, bool) {
	dialer := net.Dialer{Timeout: s.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return PortEvidence{}, false
	}
	defer conn.Close()

	ev := PortEvidence{Port: port, Service: wellKnownPorts[port]}
	if ev.Service == "" {
		ev.Service = fmt.Sprintf("unknown-%d", port)
	}
	if port == 22 {
		ev.Banner = readBanner(conn, s.bannerTimeout)
	}
	return ev, true
}

// readBanner returns the first line a server sends
func readBanner(conn net.Conn, timeout time.Duration) string {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil || n == 0 {
		return ""
	}
	banner := string(buf[:n])
	if idx := strings.Index(banner, "\n"); idx > 0 {
		banner = banner[:idx]
	}
	return strings.TrimSpace(banner)
}

// nmapScanner uses nmap service detection, which names products behind
// ports that a connect scan only sees as open
type nmapScanner struct {
	serviceDetection bool
}

// NewNmapScanner returns a scanner backed by the nmap binary
func NewNmapScanner() PortScanner {
	return &nmapScanner{serviceDetection: true}
}

func (s *nmapScanner) OpenPorts(ctx context.Context, ip string, ports []int) ([]PortEvidence, error) {
	portList, err := joinPorts(ports)
	if err != nil {
		return nil, err
	}
	opts := []nmap.Option{
		nmap.WithTargets(ip),
		nmap.WithPorts(portList),
		// equipment often drops ICMP
		nmap.WithSkipHostDiscovery(),
	}
	if s.serviceDetection {
		opts = append(opts, nmap.WithServiceInfo())
	}

	scanner, err := nmap.NewScanner(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create scanner: %w", err)
	}
	result, _, err := scanner.Run()
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}
	if result == nil {
		return nil, fmt.Errorf("nil scan result")
	}

	var open []PortEvidence
	for _, host := range result.Hosts {
		if host.Status.State != "up" {
			continue
		}
		open = append(open, portEvidence(host.Ports)...)
	}
	return open, nil
}

// portEvidence keeps open ports and joins product details into a banner
func portEvidence(ports []nmap.Port) []PortEvidence {
	var out []PortEvidence
	for _, port := range ports {
		if port.State.State != "open" {
			continue
		}
		ev := PortEvidence{Port: int(port.ID), Service: port.Service.Name}
		if ev.Service == "" {
			ev.Service = wellKnownPorts[int(port.ID)]
		}
		if port.Service.Product != "" {
			banner := port.Service.Product
			if port.Service.Version != "" {
				banner += " " + port.Service.Version
			}
			if port.Service.ExtraInfo != "" {
				banner += " (" + port.Service.ExtraInfo + ")"
			}
			ev.Banner = banner
		}
		out = append(out, ev)
	}
	return out
}

// joinPorts validates ports and renders them in nmap's list format
func joinPorts(ports []int) (string, error) {
	if len(ports) == 0 {
		return "", fmt.Errorf("no ports to scan")
	}
	parts := make([]string, 0, len(ports))
	for _, p := range ports {
		if p < 1 || p > 65535 {
			return "", fmt.Errorf("invalid port number: %d", p)
		}
		parts = append(parts, strconv.Itoa(p))
	}
	return strings.Join(parts, ","), nil
}
