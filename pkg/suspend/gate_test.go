package suspend

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitions(t *testing.T) {
	g := New()
	assert.Equal(t, Admitting, g.State())
	assert.False(t, g.Resume())

	changed := g.Changed()
	assert.True(t, g.Suspend())
	assert.False(t, g.Suspend())
	assert.True(t, g.Suspended())

	select {
	case <-changed:
	default:
		t.Fatal("transition did not close the changed channel")
	}

	assert.True(t, g.Resume())
	assert.Equal(t, "admitting", g.State().String())
	assert.Equal(t, "draining", Draining.String())
}

func TestTryAdmitRespectsState(t *testing.T) {
	g := New()
	require.True(t, g.TryAdmit())
	assert.Equal(t, 1, g.InFlight())

	g.Suspend()
	assert.False(t, g.TryAdmit())
	assert.Equal(t, 1, g.InFlight())

	g.Done()
	g.Done()
	assert.Equal(t, 0, g.InFlight())
}

func TestWaitAdmittingUnblocksOnResume(t *testing.T) {
	g := New()
	g.Suspend()

	done := make(chan error, 1)
	go func() { done <- g.Admit(context.Background()) }()

	select {
	case <-done:
		t.Fatal("admitted while draining")
	case <-time.After(20 * time.Millisecond):
	}

	g.Resume()
	require.NoError(t, <-done)
	assert.Equal(t, 1, g.InFlight())
}

func TestWaitAdmittingContext(t *testing.T) {
	g := New()
	g.Suspend()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, g.WaitAdmitting(ctx), context.DeadlineExceeded)
	assert.ErrorIs(t, g.Admit(ctx), context.DeadlineExceeded)
}

func TestWaitDrained(t *testing.T) {
	g := New()
	for i := 0; i < 3; i++ {
		require.True(t, g.TryAdmit())
	}
	g.Suspend()

	drained := make(chan error, 1)
	go func() { drained <- g.WaitDrained(context.Background()) }()

	g.Done()
	g.Done()
	select {
	case <-drained:
		t.Fatal("drained with a transfer still in flight")
	case <-time.After(20 * time.Millisecond):
	}

	g.Done()
	require.NoError(t, <-drained)
}

func TestNoAdmissionAfterSuspendReturns(t *testing.T) {
	g := New()

	var (
		wg        sync.WaitGroup
		stop      atomic.Bool
		suspended atomic.Bool
		late      atomic.Int64
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				// Read the flag before trying: an admission that succeeds
				// after Suspend returned is a race.
				wasSuspended := suspended.Load()
				if g.TryAdmit() {
					if wasSuspended {
						late.Add(1)
					}
					g.Done()
				}
			}
		}()
	}

	time.Sleep(5 * time.Millisecond)
	g.Suspend()
	suspended.Store(true)
	time.Sleep(5 * time.Millisecond)
	stop.Store(true)
	wg.Wait()

	assert.Zero(t, late.Load())
}
