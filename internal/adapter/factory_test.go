package adapter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portalgate/internal/domain"
)

// sampleDescriptor returns a descriptor that passes validation for t
func sampleDescriptor(t *testing.T, typ domain.EquipmentType, id string) domain.EquipmentDescriptor {
	t.Helper()
	desc := domain.EquipmentDescriptor{ID: id, Type: typ, IPAddress: "192.0.2.1"}
	switch typ {
	case domain.EquipmentMikrotik, domain.EquipmentTPLinkOmada, domain.EquipmentUbiquiti:
		desc.Credentials = domain.UserPassCredentials{Username: "admin", Password: "secret"}
	case domain.EquipmentCiscoMeraki:
		desc.Credentials = domain.APITokenCredentials{Token: "dash-key", NetworkID: "N_1", SSIDNumber: 2}
	case domain.EquipmentDirect:
		desc.Credentials = domain.AgentCredentials{Token: "agent-token"}
	case domain.EquipmentCloudflareTunnel:
		desc.Credentials = tunnelCreds()
		desc.Subdomain = "lobby"
		desc.DNSConfig = &domain.DNSConfig{Domain: "portal.example.com", ZoneID: "zone1"}
	case domain.EquipmentWireGuard:
		desc.Credentials = wireGuardCreds(t)
	case domain.EquipmentTailscale:
		desc.Credentials = domain.TailscaleCredentials{APIKey: "tskey-api-1", DeviceID: "nodeABC", AgentToken: "agent-token"}
	case domain.EquipmentOpenVPN:
		desc.Credentials = domain.OpenVPNCredentials{ManagementAddress: "127.0.0.1:7505", CommonName: "gw-cafe", AgentToken: "agent-token"}
	case domain.EquipmentGenericRadius:
		desc.Credentials = domain.RadiusCredentials{SharedSecret: radiusSecret}
	default:
		t.Fatalf("no sample descriptor for %s", typ)
	}
	return desc
}

func newTestFactory() *Factory {
	return NewFactory(NewRegistry(), nil, testOptions(nil))
}

func TestFactoryBuildsEveryType(t *testing.T) {
	f := newTestFactory()
	for _, typ := range domain.AllEquipmentTypes() {
		t.Run(string(typ), func(t *testing.T) {
			a, err := f.CreateAdapter(sampleDescriptor(t, typ, "dev-"+string(typ)))
			require.NoError(t, err)
			require.NotNil(t, a)

			assert.Equal(t, typ, a.Descriptor().Type)
			assert.NotEmpty(t, a.SupportedFeatures())
			_, transport := a.(TransportAdapter)
			assert.Equal(t, typ.IsTransport(), transport)
		})
	}
	assert.Len(t, f.CachedKeys(), len(domain.AllEquipmentTypes()))
}

func TestFactoryReturnsCachedInstance(t *testing.T) {
	f := newTestFactory()
	desc := sampleDescriptor(t, domain.EquipmentMikrotik, "dev1")

	first, err := f.CreateAdapter(desc)
	require.NoError(t, err)

	desc.IPAddress = "192.0.2.99"
	second, err := f.CreateAdapter(desc)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, "192.0.2.1", second.Descriptor().IPAddress, "first descriptor wins until eviction")

	cached, ok := f.GetAdapter("dev1", domain.EquipmentMikrotik)
	require.True(t, ok)
	assert.Same(t, first, cached)

	// same id, different type is a different identity
	other, err := f.CreateAdapter(sampleDescriptor(t, domain.EquipmentUbiquiti, "dev1"))
	require.NoError(t, err)
	assert.NotSame(t, first, other)
}

func TestFactoryConcurrentCreate(t *testing.T) {
	f := newTestFactory()
	desc := sampleDescriptor(t, domain.EquipmentCiscoMeraki, "dev2")

	const callers = 32
	results := make([]Adapter, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			a, err := f.CreateAdapter(desc)
			assert.NoError(t, err)
			results[i] = a
		}()
	}
	close(start)
	wg.Wait()

	for _, a := range results[1:] {
		assert.Same(t, results[0], a)
	}
	assert.Equal(t, []domain.EquipmentKey{{Type: domain.EquipmentCiscoMeraki, ID: "dev2"}}, f.CachedKeys())
}

func TestFactoryEvictAndClear(t *testing.T) {
	f := newTestFactory()
	desc := sampleDescriptor(t, domain.EquipmentDirect, "gw1")

	first, err := f.CreateAdapter(desc)
	require.NoError(t, err)
	assert.True(t, f.Evict("gw1", domain.EquipmentDirect))
	assert.False(t, f.Evict("gw1", domain.EquipmentDirect))

	second, err := f.CreateAdapter(desc)
	require.NoError(t, err)
	assert.NotSame(t, first, second)

	_, err = f.CreateAdapter(sampleDescriptor(t, domain.EquipmentGenericRadius, "radius1"))
	require.NoError(t, err)
	assert.Equal(t, 2, f.ClearCache())
	assert.Empty(t, f.CachedKeys())

	third, err := f.CreateAdapter(desc)
	require.NoError(t, err)
	assert.NotSame(t, second, third)
}

func TestFactoryRejectsInvalidDescriptors(t *testing.T) {
	f := newTestFactory()

	tests := []struct {
		name string
		desc domain.EquipmentDescriptor
	}{
		{"unknown type", domain.EquipmentDescriptor{ID: "x", Type: "juniper_srx", Credentials: domain.AgentCredentials{Token: "t"}}},
		{"missing id", domain.EquipmentDescriptor{Type: domain.EquipmentDirect, Credentials: domain.AgentCredentials{Token: "t"}}},
		{"missing credentials", domain.EquipmentDescriptor{ID: "x", Type: domain.EquipmentDirect}},
		{"wrong credential kind", domain.EquipmentDescriptor{ID: "x", Type: domain.EquipmentMikrotik, Credentials: domain.AgentCredentials{Token: "t"}}},
		{"incomplete credentials", domain.EquipmentDescriptor{ID: "x", Type: domain.EquipmentCiscoMeraki, Credentials: domain.APITokenCredentials{Token: "t"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.CreateAdapter(tt.desc)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrConfiguration)
		})
	}
	assert.Empty(t, f.CachedKeys())
}

func TestFactoryConstructionFailureNotCached(t *testing.T) {
	f := newTestFactory()
	desc := sampleDescriptor(t, domain.EquipmentCloudflareTunnel, "gw-tunnel")
	desc.Subdomain = ""

	_, err := f.CreateAdapter(desc)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
	_, ok := f.GetAdapter("gw-tunnel", domain.EquipmentCloudflareTunnel)
	assert.False(t, ok)

	desc.Subdomain = "lobby"
	a, err := f.CreateAdapter(desc)
	require.NoError(t, err)
	assert.NotNil(t, a)
}

func TestFactoryAcceptsPointerCredentials(t *testing.T) {
	f := newTestFactory()
	desc := sampleDescriptor(t, domain.EquipmentDirect, "gw-ptr")
	creds := desc.Credentials.(domain.AgentCredentials)
	desc.Credentials = &creds

	a, err := f.CreateAdapter(desc)
	require.NoError(t, err)
	assert.Equal(t, domain.EquipmentDirect, a.Descriptor().Type)
}

func TestFactoryDetectsDirectWhenNothingAnswers(t *testing.T) {
	d := newTestDetector(&fakeSNMP{}, &fakeScanner{}, &fakeWeb{})
	f := NewFactory(NewRegistry(), d, testOptions(nil))

	assert.Equal(t, domain.EquipmentDirect, f.DetectEquipmentType(context.Background(), "10.0.0.5"))
}

// closingAdapter records Close calls
type closingAdapter struct {
	*core
	closed atomic.Int32
}

func (a *closingAdapter) Close() error {
	a.closed.Add(1)
	return nil
}

func newClosingAdapter() *closingAdapter {
	c, _ := newFakeCore(nil)
	return &closingAdapter{core: c}
}

func TestRegistryBuildsOnce(t *testing.T) {
	r := NewRegistry()
	key := domain.EquipmentKey{Type: domain.EquipmentDirect, ID: "gw1"}
	var builds atomic.Int32
	release := make(chan struct{})

	build := func() (Adapter, error) {
		builds.Add(1)
		<-release
		return newClosingAdapter(), nil
	}

	var wg sync.WaitGroup
	got := make([]Adapter, 8)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := r.getOrCreate(key, build)
			assert.NoError(t, err)
			got[i] = a
		}()
	}

	require.Eventually(t, func() bool { return builds.Load() == 1 }, time.Second, time.Millisecond)
	_, ok := r.Get(key)
	assert.False(t, ok, "not visible while under construction")
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), builds.Load())
	for _, a := range got[1:] {
		assert.Same(t, got[0], a)
	}
	_, ok = r.Get(key)
	assert.True(t, ok)
}

func TestRegistryFailedBuildSharedWithWaiters(t *testing.T) {
	r := NewRegistry()
	key := domain.EquipmentKey{Type: domain.EquipmentMikrotik, ID: "dev1"}
	boom := errors.New("router unreachable")
	started := make(chan struct{})
	release := make(chan struct{})
	var builds atomic.Int32

	firstErr := make(chan error, 1)
	go func() {
		_, err := r.getOrCreate(key, func() (Adapter, error) {
			builds.Add(1)
			close(started)
			<-release
			return nil, boom
		})
		firstErr <- err
	}()
	<-started

	waiterErr := make(chan error, 1)
	go func() {
		_, err := r.getOrCreate(key, func() (Adapter, error) {
			builds.Add(1)
			return newClosingAdapter(), nil
		})
		waiterErr <- err
	}()
	// the waiter finds the in-flight entry before it is released
	time.Sleep(50 * time.Millisecond)
	close(release)

	assert.ErrorIs(t, <-firstErr, boom)
	assert.ErrorIs(t, <-waiterErr, boom)
	assert.Equal(t, int32(1), builds.Load())
	assert.Zero(t, r.Len(), "failure is not cached")

	a, err := r.getOrCreate(key, func() (Adapter, error) { return newClosingAdapter(), nil })
	require.NoError(t, err)
	assert.NotNil(t, a)
}

func TestRegistryRecoversFromPanickingBuild(t *testing.T) {
	r := NewRegistry()
	key := domain.EquipmentKey{Type: domain.EquipmentUbiquiti, ID: "ctrl"}

	_, err := r.getOrCreate(key, func() (Adapter, error) {
		panic("nil controller client")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil controller client")
	assert.Zero(t, r.Len())

	done := make(chan struct{})
	go func() {
		defer close(done)
		a, err := r.getOrCreate(key, func() (Adapter, error) { return newClosingAdapter(), nil })
		assert.NoError(t, err)
		assert.NotNil(t, a)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("next build blocked on the panicked entry")
	}
}

func TestRegistryRemoveClosesAdapter(t *testing.T) {
	r := NewRegistry()
	a := newClosingAdapter()
	key := domain.EquipmentKey{Type: domain.EquipmentDirect, ID: "gw1"}
	_, err := r.getOrCreate(key, func() (Adapter, error) { return a, nil })
	require.NoError(t, err)

	assert.True(t, r.Remove(key))
	assert.Equal(t, int32(1), a.closed.Load())
	assert.False(t, r.Remove(key))
}

func TestRegistryRemoveDuringConstruction(t *testing.T) {
	r := NewRegistry()
	a := newClosingAdapter()
	key := domain.EquipmentKey{Type: domain.EquipmentDirect, ID: "gw1"}
	started := make(chan struct{})
	release := make(chan struct{})

	done := make(chan Adapter, 1)
	go func() {
		got, _ := r.getOrCreate(key, func() (Adapter, error) {
			close(started)
			<-release
			return a, nil
		})
		done <- got
	}()
	<-started
	assert.True(t, r.Remove(key))
	close(release)

	assert.Same(t, a, <-done, "the caller still receives its adapter")
	require.Eventually(t, func() bool { return a.closed.Load() == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, r.Len())
}

func TestRegistryKeysSorted(t *testing.T) {
	r := NewRegistry()
	for _, k := range []domain.EquipmentKey{
		{Type: domain.EquipmentUbiquiti, ID: "b"},
		{Type: domain.EquipmentDirect, ID: "z"},
		{Type: domain.EquipmentDirect, ID: "a"},
	} {
		_, err := r.getOrCreate(k, func() (Adapter, error) { return newClosingAdapter(), nil })
		require.NoError(t, err)
	}

	keys := r.Keys()
	require.Len(t, keys, 3)
	for i := 1; i < len(keys); i++ {
		assert.True(t, strings.Compare(keys[i-1].String(), keys[i].String()) < 0)
	}
	assert.Equal(t, 3, r.Clear())
	assert.Zero(t, r.Len())
}
