package execution

import (
	"time"

	"github.com/GriffinCanCode/netengine/internal/monitoring"
	"github.com/GriffinCanCode/netengine/pkg/handlepool"
	"github.com/GriffinCanCode/netengine/pkg/proxy"
	"github.com/GriffinCanCode/netengine/pkg/transfer"
	"go.uber.org/zap"
)

// DefaultProgressInterval is the minimum delay between two progress callbacks.
const DefaultProgressInterval = 200 * time.Millisecond

// Defaults are engine-wide settings for requests that leave them unset.
type Defaults struct {
	SkipCertificateValidation bool
	RetryBackoff              transfer.Backoff
	ProgressInterval          time.Duration
}

// Services are the collaborators shared by every execution of one engine.
type Services struct {
	Pool         *handlepool.Pool
	Registry     *Registry
	Proxies      proxy.Source
	DefaultProxy *proxy.Holder
	Metrics      *monitoring.Metrics
	Logger       *zap.Logger
	Defaults     Defaults
}

// WithDefaults returns a copy with every nil collaborator replaced by a
// working default. Pool must be set.
func (s Services) WithDefaults() *Services {
	if s.Registry == nil {
		s.Registry = NewRegistry()
	}
	if s.Proxies == nil {
		s.Proxies = proxy.Direct{}
	}
	if s.DefaultProxy == nil {
		s.DefaultProxy = proxy.NewHolder(nil)
	}
	if s.Metrics == nil {
		s.Metrics = monitoring.New(nil)
	}
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}
	if s.Defaults.ProgressInterval <= 0 {
		s.Defaults.ProgressInterval = DefaultProgressInterval
	}
	return &s
}
