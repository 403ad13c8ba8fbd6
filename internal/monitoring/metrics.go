package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of one engine instance
type Metrics struct {
	// Transfer metrics
	TransfersTotal   *prometheus.CounterVec
	TransferDuration *prometheus.HistogramVec
	TransfersActive  prometheus.Gauge
	AttemptsTotal    *prometheus.CounterVec
	RetriesTotal     *prometheus.CounterVec

	// Byte counters
	BytesDownloaded prometheus.Counter
	BytesUploaded   prometheus.Counter

	// Resource metrics
	HandlesCreated prometheus.Counter
	Suspended      prometheus.Gauge

	// Proxy metrics
	ProxyResolutions *prometheus.CounterVec
	PACFetches       *prometheus.CounterVec

	registerer prometheus.Registerer

	// Snapshot for the demo host summary
	snapshot Snapshot
	mu       sync.RWMutex
}

// Snapshot holds current metric values
type Snapshot struct {
	Transfers       int64
	Failures        int64
	Attempts        int64
	Retries         int64
	Active          int64
	BytesDownloaded int64
	BytesUploaded   int64
}

// New creates a metrics collector registered on reg. A nil reg registers on a
// fresh private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		registerer: reg,

		TransfersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netengine_transfers_total",
				Help: "Total number of resolved logical requests",
			},
			[]string{"status"},
		),
		TransferDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "netengine_transfer_duration_seconds",
				Help:    "Logical request duration in seconds, retries included",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"status"},
		),
		TransfersActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "netengine_transfers_active",
				Help: "Number of submitted requests not yet resolved",
			},
		),
		AttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netengine_attempts_total",
				Help: "Total number of transfers performed",
			},
			[]string{"path"},
		),
		RetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netengine_retries_total",
				Help: "Total number of retry decisions",
			},
			[]string{"reason"},
		),

		BytesDownloaded: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "netengine_bytes_downloaded_total",
				Help: "Total bytes written into response bodies",
			},
		),
		BytesUploaded: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "netengine_bytes_uploaded_total",
				Help: "Total bytes read from request bodies",
			},
		),

		HandlesCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "netengine_handles_created_total",
				Help: "Total number of transfer handles created",
			},
		),
		Suspended: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "netengine_suspended",
				Help: "1 while new network activity is suspended",
			},
		),

		ProxyResolutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netengine_proxy_resolutions_total",
				Help: "Total number of proxy resolutions",
			},
			[]string{"source", "result"},
		),
		PACFetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netengine_pac_fetches_total",
				Help: "Total number of PAC script downloads",
			},
			[]string{"result"},
		),
	}
}

// RegisterHandleGauge exposes the idle handle count reported by fn.
// Only the first call registers.
func (m *Metrics) RegisterHandleGauge(fn func() float64) {
	_ = m.registerer.Register(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "netengine_handles_idle",
			Help: "Number of transfer handles parked in the pool",
		},
		fn,
	))
}

// TransferStarted records a newly submitted logical request
func (m *Metrics) TransferStarted() {
	m.TransfersActive.Inc()

	m.mu.Lock()
	m.snapshot.Active++
	m.mu.Unlock()
}

// TransferFinished records a resolved logical request
func (m *Metrics) TransferFinished(status string, duration time.Duration) {
	m.TransfersTotal.WithLabelValues(status).Inc()
	m.TransferDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.TransfersActive.Dec()

	m.mu.Lock()
	m.snapshot.Transfers++
	m.snapshot.Active--
	if status != "ok" {
		m.snapshot.Failures++
	}
	m.mu.Unlock()
}

// AttemptStarted records one transfer on the given execution path
func (m *Metrics) AttemptStarted(path string) {
	m.AttemptsTotal.WithLabelValues(path).Inc()

	m.mu.Lock()
	m.snapshot.Attempts++
	m.mu.Unlock()
}

// Retry records a retry decision
func (m *Metrics) Retry(reason string) {
	m.RetriesTotal.WithLabelValues(reason).Inc()

	m.mu.Lock()
	m.snapshot.Retries++
	m.mu.Unlock()
}

// BytesTransferred adds to the byte counters
func (m *Metrics) BytesTransferred(downloaded, uploaded int64) {
	if downloaded > 0 {
		m.BytesDownloaded.Add(float64(downloaded))
	}
	if uploaded > 0 {
		m.BytesUploaded.Add(float64(uploaded))
	}

	m.mu.Lock()
	m.snapshot.BytesDownloaded += downloaded
	m.snapshot.BytesUploaded += uploaded
	m.mu.Unlock()
}

// HandleCreated records a new transfer handle
func (m *Metrics) HandleCreated() {
	m.HandlesCreated.Inc()
}

// SetSuspended records the suspension state
func (m *Metrics) SetSuspended(suspended bool) {
	if suspended {
		m.Suspended.Set(1)
		return
	}
	m.Suspended.Set(0)
}

// ProxyResolution records one proxy lookup
func (m *Metrics) ProxyResolution(source, result string) {
	m.ProxyResolutions.WithLabelValues(source, result).Inc()
}

// PACFetch records one PAC script download
func (m *Metrics) PACFetch(result string) {
	m.PACFetches.WithLabelValues(result).Inc()
}

// GetSnapshot returns a copy of the current values
func (m *Metrics) GetSnapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}
