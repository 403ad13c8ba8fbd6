package monitoring

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransferLifecycle(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.TransferStarted()
	m.TransferStarted()
	m.AttemptStarted("eventloop")
	m.AttemptStarted("eventloop")
	m.AttemptStarted("gate")
	m.Retry("timeout")
	m.TransferFinished("ok", 50*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransfersActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransfersTotal.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AttemptsTotal.WithLabelValues("eventloop")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetriesTotal.WithLabelValues("timeout")))

	m.TransferFinished("timeout", time.Second)

	snap := m.GetSnapshot()
	assert.Equal(t, int64(2), snap.Transfers)
	assert.Equal(t, int64(1), snap.Failures)
	assert.Equal(t, int64(3), snap.Attempts)
	assert.Equal(t, int64(1), snap.Retries)
	assert.Equal(t, int64(0), snap.Active)
}

func TestBytesTransferred(t *testing.T) {
	m := New(nil)

	m.BytesTransferred(100, 0)
	m.BytesTransferred(20, 7)

	assert.Equal(t, 120.0, testutil.ToFloat64(m.BytesDownloaded))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.BytesUploaded))
	assert.Equal(t, int64(120), m.GetSnapshot().BytesDownloaded)
}

func TestSeparateRegistries(t *testing.T) {
	// Two engines in one process must not collide
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
		New(nil)
		New(nil)
	})
}

func TestHandleGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	idle := 3.0
	m.RegisterHandleGauge(func() float64 { return idle })
	m.RegisterHandleGauge(func() float64 { return -1 })

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() == "netengine_handles_idle" {
			found = true
			assert.Equal(t, 3.0, f.GetMetric()[0].GetGauge().GetValue())
		}
	}
	assert.True(t, found)
}

func TestSuspendedGauge(t *testing.T) {
	m := New(nil)

	m.SetSuspended(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Suspended))
	m.SetSuspended(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Suspended))

	m.ProxyResolution("pac", "ok")
	m.PACFetch("error")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProxyResolutions.WithLabelValues("pac", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PACFetches.WithLabelValues("error")))
}
