package adapter

import (
	"context"
	"sync"
	"time"

	"portalgate/internal/domain"
	"portalgate/internal/logging"
)

// fakeClock is a settable session clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// testOptions keeps retries fast and logs discarded
func testOptions(clock *fakeClock) Options {
	opts := Options{
		Logger:    logging.NewTestLogger(),
		Bandwidth: BandwidthLimits{MaxUploadKbps: 10_000, MaxDownloadKbps: 20_000},
		Retry: RetryPolicy{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			MaxInterval:     2 * time.Millisecond,
		},
		Timeout: 2 * time.Second,
	}
	if clock != nil {
		opts.Now = clock.Now
	}
	return opts
}

// fakeDriver records calls and returns scripted results
type fakeDriver struct {
	mu    sync.Mutex
	calls map[string]int

	authenticateErr error
	// authorizeErrs are returned by successive authorize calls, nil after
	authorizeErrs []error
	authorizeHook func(ctx context.Context)
	disconnectErr error
	listed        []domain.SessionSummary
	listErr       error
	refreshBytes  int64
	bandwidth     [2]int
	statusResult  domain.EquipmentStatus
	statusErr     error
	portal        *domain.PortalConfig
}

func (d *fakeDriver) record(op string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.calls == nil {
		d.calls = make(map[string]int)
	}
	d.calls[op]++
}

func (d *fakeDriver) count(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

func (d *fakeDriver) authenticate(context.Context, domain.Guest) error {
	d.record("authenticate")
	return d.authenticateErr
}

func (d *fakeDriver) authorize(ctx context.Context, guest domain.Guest, session domain.Session) (string, error) {
	d.record("authorize")
	if d.authorizeHook != nil {
		d.authorizeHook(ctx)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.authorizeErrs) > 0 {
		err := d.authorizeErrs[0]
		d.authorizeErrs = d.authorizeErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return "remote-" + guest.UserID, nil
}

func (d *fakeDriver) disconnect(context.Context, domain.Session) error {
	d.record("disconnect")
	return d.disconnectErr
}

func (d *fakeDriver) listActive(context.Context) ([]domain.SessionSummary, error) {
	d.record("listActive")
	return d.listed, d.listErr
}

func (d *fakeDriver) refresh(_ context.Context, s *domain.Session) error {
	d.record("refresh")
	s.BytesIn = d.refreshBytes
	s.BytesOut = d.refreshBytes * 2
	return nil
}

func (d *fakeDriver) setBandwidth(_ context.Context, _ domain.Session, up, down int) error {
	d.record("setBandwidth")
	d.mu.Lock()
	d.bandwidth = [2]int{up, down}
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) status(context.Context) (domain.EquipmentStatus, error) {
	d.record("status")
	return d.statusResult, d.statusErr
}

func (d *fakeDriver) configurePortal(_ context.Context, config domain.PortalConfig) error {
	d.record("configurePortal")
	d.mu.Lock()
	d.portal = &config
	d.mu.Unlock()
	return nil
}

func testDescriptor(t domain.EquipmentType, id string) domain.EquipmentDescriptor {
	return domain.EquipmentDescriptor{
		ID:          id,
		Name:        id,
		Type:        t,
		IPAddress:   "10.0.0.1",
		Credentials: domain.AgentCredentials{Token: "secret"},
	}
}

// newFakeCore returns a core bound to a fake driver
func newFakeCore(clock *fakeClock, features ...domain.Feature) (*core, *fakeDriver) {
	if len(features) == 0 {
		features = agentFeatures()
	}
	c := newCore(testDescriptor(domain.EquipmentDirect, "gw1"), features, testOptions(clock))
	d := &fakeDriver{}
	c.drv = d
	return c, d
}
