package adapter

import (
	"time"

	"github.com/rs/zerolog"

	"portalgate/internal/logging"
)

// DefaultTimeout bounds a single equipment request
const DefaultTimeout = 10 * time.Second

// Options carries process-wide settings into every adapter built by a factory
type Options struct {
	Logger zerolog.Logger

	// HTTPClient overrides the per-adapter client. Tests point it at fakes.
	HTTPClient HTTPDoer

	Bandwidth BandwidthLimits
	Retry     RetryPolicy
	Timeout   time.Duration

	// Now is the session clock
	Now func() time.Time
}

// DefaultOptions returns options with a discarding logger
func DefaultOptions() Options {
	return Options{
		Logger:    logging.NewTestLogger(),
		Bandwidth: DefaultBandwidthLimits(),
		Retry:     DefaultRetryPolicy(),
		Timeout:   DefaultTimeout,
		Now:       time.Now,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Bandwidth.MaxUploadKbps <= 0 {
		o.Bandwidth.MaxUploadKbps = def.Bandwidth.MaxUploadKbps
	}
	if o.Bandwidth.MaxDownloadKbps <= 0 {
		o.Bandwidth.MaxDownloadKbps = def.Bandwidth.MaxDownloadKbps
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry = def.Retry
	}
	if o.Timeout <= 0 {
		o.Timeout = def.Timeout
	}
	if o.Now == nil {
		o.Now = def.Now
	}
	return o
}
