package engine

import (
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/GriffinCanCode/netengine/pkg/proxy"
	"github.com/GriffinCanCode/netengine/pkg/transfer"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// DefaultTrustBundle is the trust store file looked up under AssetsPath.
const DefaultTrustBundle = "cacert.pem"

// Options configures an Engine. The zero value is usable.
type Options struct {
	Logger *zap.Logger
	// Registerer receives the engine's metrics. Nil keeps them private.
	Registerer prometheus.Registerer

	MaxConnectionsPerHost int
	MaxTotalConnections   int
	MaxIdlePerHost        int
	IdleTimeout           time.Duration
	HandlePoolSize        int

	GateConcurrency int
	GateQueueSize   int
	// GatedMethods run on the worker pool instead of the event loop.
	GatedMethods []string
	// GateAllNonIdempotent also gates every method outside GET, HEAD,
	// OPTIONS, TRACE, PUT and DELETE.
	GateAllNonIdempotent bool

	// DefaultProxy applies to every request without a Proxy override.
	DefaultProxy        *proxy.Descriptor
	UseEnvironmentProxy bool
	SystemProxy         proxy.SystemSource
	PACTimeout          time.Duration

	// SkipCertificateValidation is the policy for CertificatesDefault.
	SkipCertificateValidation bool
	// RootCAs replaces the system trust store. When nil and AssetsPath is
	// set, the bundle at AssetsPath/TrustBundle is loaded.
	RootCAs     *x509.CertPool
	AssetsPath  string
	TrustBundle string

	RetryBackoff transfer.Backoff

	// RequestsPerSecond caps attempt starts. Zero disables the limit.
	RequestsPerSecond float64
	Burst             int

	ProgressInterval time.Duration
	PollInterval     time.Duration

	// TickInterval is how often handles poll progress and cancellation.
	TickInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.MaxConnectionsPerHost <= 0 {
		o.MaxConnectionsPerHost = 6
	}
	if o.MaxTotalConnections <= 0 {
		o.MaxTotalConnections = 32
	}
	if o.MaxTotalConnections < o.MaxConnectionsPerHost {
		o.MaxTotalConnections = o.MaxConnectionsPerHost
	}
	if o.MaxIdlePerHost <= 0 {
		o.MaxIdlePerHost = 2
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 90 * time.Second
	}
	if o.HandlePoolSize <= 0 {
		o.HandlePoolSize = 16
	}
	if o.GateConcurrency <= 0 {
		o.GateConcurrency = 4
	}
	if o.GateQueueSize <= 0 {
		o.GateQueueSize = 64
	}
	if o.GatedMethods == nil {
		o.GatedMethods = []string{http.MethodPost, http.MethodPatch}
	}
	if o.PACTimeout <= 0 {
		o.PACTimeout = 10 * time.Second
	}
	if o.TrustBundle == "" {
		o.TrustBundle = DefaultTrustBundle
	}
	if o.Burst <= 0 {
		o.Burst = 1
	}
	return o
}

// trustStore returns the configured root pool, loading the asset bundle
// when one is configured.
func (o Options) trustStore() (*x509.CertPool, error) {
	if o.RootCAs != nil || o.AssetsPath == "" {
		return o.RootCAs, nil
	}

	path := filepath.Join(o.AssetsPath, o.TrustBundle)
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read trust bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in trust bundle %s", path)
	}
	return pool, nil
}
