package adapter

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"
)

const oidSysObjectID = ".1.3.6.1.2.1.1.2.0"

// sysObjectIDGetter reads SNMPv2-MIB::sysObjectID from a device
type sysObjectIDGetter interface {
	SysObjectID(ctx context.Context, ip string) (string, error)
}

// snmpGetter queries sysObjectID over SNMP v2c
type snmpGetter struct {
	community string
	port      uint16
	timeout   time.Duration
}

func (g *snmpGetter) SysObjectID(ctx context.Context, ip string) (string, error) {
	client := &gosnmp.GoSNMP{
		Target:    ip,
		Port:      g.port,
		Community: g.community,
		Version:   gosnmp.Version2c,
		Timeout:   g.timeout,
		Retries:   0,
		Context:   ctx,
	}
	if err := client.Connect(); err != nil {
		return "", err
	}
	defer client.Conn.Close()

	result, err := client.Get([]string{oidSysObjectID})
	if err != nil {
		return "", fmt.Errorf("snmp get failed: %w", err)
	}
	if result.Error != gosnmp.NoError {
		return "", fmt.Errorf("snmp error: %s", result.Error)
	}
	for _, v := range result.Variables {
		if v.Type == gosnmp.ObjectIdentifier {
			if oid, ok := v.Value.(string); ok {
				return strings.TrimPrefix(oid, "."), nil
			}
		}
	}
	return "", fmt.Errorf("no sysObjectID returned")
}

// fingerprint gathers evidence about one address. Each kind of evidence is
// collected at most once per detection, by whichever probe asks first.
type fingerprint struct {
	ip   string
	http HTTPDoer

	sysObjectID func() (string, error)
	ports       func() ([]PortEvidence, error)
}

func newFingerprint(ctx context.Context, ip string, d *Detector) *fingerprint {
	bounded := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(ctx, d.cfg.ProbeTimeout)
	}
	return &fingerprint{
		ip:   ip,
		http: d.http,
		sysObjectID: sync.OnceValues(func() (string, error) {
			ctx, cancel := bounded()
			defer cancel()
			return d.snmp.SysObjectID(ctx, ip)
		}),
		ports: sync.OnceValues(func() ([]PortEvidence, error) {
			ctx, cancel := bounded()
			defer cancel()
			return d.scanner.OpenPorts(ctx, ip, d.cfg.Ports)
		}),
	}
}

// enterprise reports whether sysObjectID sits under the vendor's enterprise arc
func (f *fingerprint) enterprise(arc string) bool {
	oid, err := f.sysObjectID()
	if err != nil {
		return false
	}
	return oid == arc || strings.HasPrefix(oid, arc+".")
}

// port returns evidence for an open port
func (f *fingerprint) port(n int) (PortEvidence, bool) {
	open, _ := f.ports()
	for _, p := range open {
		if p.Port == n {
			return p, true
		}
	}
	return PortEvidence{}, false
}

// bannerContains searches every port banner for any of words
func (f *fingerprint) bannerContains(words ...string) bool {
	open, _ := f.ports()
	for _, p := range open {
		banner := strings.ToLower(p.Banner)
		for _, w := range words {
			if banner != "" && strings.Contains(banner, strings.ToLower(w)) {
				return true
			}
		}
	}
	return false
}

// fetch GETs path on the device and returns the final URL and a bounded body
func (f *fingerprint) fetch(ctx context.Context, scheme string, port int, path string) (string, []byte, error) {
	u := scheme + "://" + net.JoinHostPort(f.ip, strconv.Itoa(port)) + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Accept", "application/json, text/html")
	resp, err := f.http.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", nil, err
	}
	final := u
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}
	if resp.StatusCode >= 400 {
		return final, body, &statusError{Method: http.MethodGet, URL: u, Code: resp.StatusCode}
	}
	return final, body, nil
}
