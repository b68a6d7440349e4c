package adapter

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"portalgate/internal/domain"
	"portalgate/internal/logging"
)

// Factory builds adapters from descriptors and caches them in a Registry
type Factory struct {
	registry *Registry
	detector *Detector
	opts     Options
	log      zerolog.Logger
}

// NewFactory wires a factory to an explicit registry. A nil detector falls
// back to one with default settings.
func NewFactory(registry *Registry, detector *Detector, opts Options) *Factory {
	opts = opts.withDefaults()
	if registry == nil {
		registry = NewRegistry()
	}
	if detector == nil {
		detector = NewDetector(DefaultDetectorConfig(), opts.Logger)
	}
	return &Factory{
		registry: registry,
		detector: detector,
		opts:     opts,
		log:      logging.WithComponent(opts.Logger, "factory"),
	}
}

// CreateAdapter returns the cached adapter for the descriptor's identity or
// builds one. Later calls for the same identity return the first instance
// even when the descriptor differs; evict to pick up changes.
func (f *Factory) CreateAdapter(desc domain.EquipmentDescriptor) (Adapter, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	return f.registry.getOrCreate(desc.Key(), func() (Adapter, error) {
		a, err := f.build(desc)
		if err != nil {
			return nil, err
		}
		f.log.Info().
			Str(logging.FieldEquipmentID, desc.ID).
			Str(logging.FieldEquipmentType, string(desc.Type)).
			Msg("adapter created")
		return a, nil
	})
}

// build dispatches on the equipment type. Every declared type has a case.
func (f *Factory) build(desc domain.EquipmentDescriptor) (Adapter, error) {
	switch desc.Type {
	case domain.EquipmentMikrotik:
		creds, err := credentialsAs[domain.UserPassCredentials](desc)
		if err != nil {
			return nil, err
		}
		return NewMikrotikAdapter(desc, creds, f.opts), nil
	case domain.EquipmentCiscoMeraki:
		creds, err := credentialsAs[domain.APITokenCredentials](desc)
		if err != nil {
			return nil, err
		}
		return NewMerakiAdapter(desc, creds, f.opts), nil
	case domain.EquipmentTPLinkOmada:
		creds, err := credentialsAs[domain.UserPassCredentials](desc)
		if err != nil {
			return nil, err
		}
		return NewOmadaAdapter(desc, creds, f.opts), nil
	case domain.EquipmentUbiquiti:
		creds, err := credentialsAs[domain.UserPassCredentials](desc)
		if err != nil {
			return nil, err
		}
		return NewUbiquitiAdapter(desc, creds, f.opts), nil
	case domain.EquipmentDirect:
		creds, err := credentialsAs[domain.AgentCredentials](desc)
		if err != nil {
			return nil, err
		}
		return NewDirectAdapter(desc, creds, f.opts), nil
	case domain.EquipmentCloudflareTunnel:
		creds, err := credentialsAs[domain.TunnelCredentials](desc)
		if err != nil {
			return nil, err
		}
		return NewCloudflareAdapter(desc, creds, f.opts)
	case domain.EquipmentWireGuard:
		creds, err := credentialsAs[domain.WireGuardCredentials](desc)
		if err != nil {
			return nil, err
		}
		return NewWireGuardAdapter(desc, creds, f.opts)
	case domain.EquipmentTailscale:
		creds, err := credentialsAs[domain.TailscaleCredentials](desc)
		if err != nil {
			return nil, err
		}
		return NewTailscaleAdapter(desc, creds, f.opts), nil
	case domain.EquipmentOpenVPN:
		creds, err := credentialsAs[domain.OpenVPNCredentials](desc)
		if err != nil {
			return nil, err
		}
		return NewOpenVPNAdapter(desc, creds, f.opts), nil
	case domain.EquipmentGenericRadius:
		creds, err := credentialsAs[domain.RadiusCredentials](desc)
		if err != nil {
			return nil, err
		}
		return NewRadiusAdapter(desc, creds, f.opts), nil
	}
	return nil, domain.NewConfigurationError(desc.ID, "create_adapter",
		fmt.Errorf("unsupported equipment type %q", desc.Type))
}

// credentialsAs extracts the credential variant, accepting value or pointer form
func credentialsAs[T domain.Credentials](desc domain.EquipmentDescriptor) (T, error) {
	if c, ok := desc.Credentials.(T); ok {
		return c, nil
	}
	if c, ok := any(desc.Credentials).(*T); ok && c != nil {
		return *c, nil
	}
	var zero T
	return zero, domain.NewConfigurationError(desc.ID, "create_adapter",
		fmt.Errorf("%s equipment requires %s credentials", desc.Type, zero.Kind()))
}

// GetAdapter returns a cached adapter without building one
func (f *Factory) GetAdapter(id string, t domain.EquipmentType) (Adapter, bool) {
	return f.registry.Get(domain.EquipmentKey{Type: t, ID: id})
}

// Evict drops one cached adapter so the next CreateAdapter rebuilds it
func (f *Factory) Evict(id string, t domain.EquipmentType) bool {
	removed := f.registry.Remove(domain.EquipmentKey{Type: t, ID: id})
	if removed {
		f.log.Info().
			Str(logging.FieldEquipmentID, id).
			Str(logging.FieldEquipmentType, string(t)).
			Msg("adapter evicted")
	}
	return removed
}

// ClearCache drops every cached adapter and returns how many were removed
func (f *Factory) ClearCache() int {
	n := f.registry.Clear()
	f.log.Info().Int("evicted", n).Msg("adapter cache cleared")
	return n
}

// CachedKeys lists the identities currently held by the registry
func (f *Factory) CachedKeys() []domain.EquipmentKey {
	return f.registry.Keys()
}

// DetectEquipmentType fingerprints ip and returns the best matching type,
// falling back to direct
func (f *Factory) DetectEquipmentType(ctx context.Context, ip string) domain.EquipmentType {
	return f.detector.Detect(ctx, ip)
}
