package adapter

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"portalgate/internal/domain"
	"portalgate/internal/logging"
)

// DetectorConfig bounds equipment-type detection
type DetectorConfig struct {
	OverallTimeout time.Duration `json:"overall_timeout" yaml:"overall_timeout"`
	ProbeTimeout   time.Duration `json:"probe_timeout" yaml:"probe_timeout"`
	SNMPCommunity  string        `json:"snmp_community" yaml:"snmp_community"`
	SNMPPort       uint16        `json:"snmp_port" yaml:"snmp_port"`
	UseNmap        bool          `json:"use_nmap" yaml:"use_nmap"`
	// Ports are checked for open services
	Ports []int `json:"ports" yaml:"ports"`
	// HTTPPort, OmadaPort and UniFiPort locate the web interfaces probed
	HTTPPort  int `json:"http_port" yaml:"http_port"`
	OmadaPort int `json:"omada_port" yaml:"omada_port"`
	UniFiPort int `json:"unifi_port" yaml:"unifi_port"`
}

// DefaultDetectorConfig returns a 5s overall and 2s per-probe budget
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		OverallTimeout: 5 * time.Second,
		ProbeTimeout:   2 * time.Second,
		SNMPCommunity:  "public",
		SNMPPort:       161,
		Ports:          []int{22, 80, 443, 8043, 8291, 8443, 8728},
		HTTPPort:       80,
		OmadaPort:      8043,
		UniFiPort:      8443,
	}
}

func (c DetectorConfig) withDefaults() DetectorConfig {
	def := DefaultDetectorConfig()
	if c.OverallTimeout <= 0 {
		c.OverallTimeout = def.OverallTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = def.ProbeTimeout
	}
	if c.SNMPCommunity == "" {
		c.SNMPCommunity = def.SNMPCommunity
	}
	if c.SNMPPort == 0 {
		c.SNMPPort = def.SNMPPort
	}
	if len(c.Ports) == 0 {
		c.Ports = def.Ports
	}
	if c.HTTPPort == 0 {
		c.HTTPPort = def.HTTPPort
	}
	if c.OmadaPort == 0 {
		c.OmadaPort = def.OmadaPort
	}
	if c.UniFiPort == 0 {
		c.UniFiPort = def.UniFiPort
	}
	return c
}

// Detector guesses the equipment type at an address by running every probe
// concurrently and picking the first match in priority order
type Detector struct {
	cfg     DetectorConfig
	log     zerolog.Logger
	probes  []probe
	http    HTTPDoer
	snmp    sysObjectIDGetter
	scanner PortScanner
}

// NewDetector builds a detector using SNMP, a port scanner and HTTP probes
func NewDetector(cfg DetectorConfig, log zerolog.Logger) *Detector {
	cfg = cfg.withDefaults()
	var scanner PortScanner = NewDialScanner(cfg.ProbeTimeout)
	if cfg.UseNmap {
		scanner = NewNmapScanner()
	}
	return &Detector{
		cfg:    cfg,
		log:    logging.WithComponent(log, "detector"),
		probes: defaultProbes(),
		// appliances serve self-signed certificates on their management ports
		http: newHTTPClient(Options{Timeout: cfg.ProbeTimeout}, true),
		snmp: &snmpGetter{
			community: cfg.SNMPCommunity,
			port:      cfg.SNMPPort,
			timeout:   cfg.ProbeTimeout,
		},
		scanner: scanner,
	}
}

// Detect returns the detected type, or direct when no probe matches within
// the time budget
func (d *Detector) Detect(ctx context.Context, ip string) domain.EquipmentType {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.OverallTimeout)
	defer cancel()

	fp := newFingerprint(ctx, ip, d)
	matched := make([]bool, len(d.probes))

	var g errgroup.Group
	for i, p := range d.probes {
		g.Go(func() error {
			matched[i] = d.run(ctx, p, fp)
			return nil
		})
	}
	_ = g.Wait()

	for i, p := range d.probes {
		if matched[i] {
			d.log.Info().Str("ip", ip).Str(logging.FieldEquipmentType, string(p.Type)).Msg("equipment detected")
			return p.Type
		}
	}
	d.log.Info().Str("ip", ip).Msg("no equipment fingerprint matched, assuming direct")
	return domain.EquipmentDirect
}

// run evaluates one probe under its own timeout. A probe that overruns counts
// as no match even if it never returns.
func (d *Detector) run(ctx context.Context, p probe, fp *fingerprint) bool {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.ProbeTimeout)
	defer cancel()

	done := make(chan bool, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.log.Error().Interface("panic", r).Str(logging.FieldEquipmentType, string(p.Type)).Msg("probe panicked")
				done <- false
			}
		}()
		done <- p.Match(ctx, fp, d.cfg)
	}()

	select {
	case ok := <-done:
		return ok
	case <-ctx.Done():
		d.log.Debug().Str(logging.FieldEquipmentType, string(p.Type)).Msg("probe timed out")
		return false
	}
}
