package engine

import (
	"context"

	"go.uber.org/zap"
)

// Suspend stops both execution paths from admitting new work. In-flight
// exchanges keep running. It reports whether the state changed.
func (e *Engine) Suspend() bool {
	if !e.suspend.Suspend() {
		return false
	}
	e.metrics.SetSuspended(true)
	e.loop.Wake()
	e.logger.Info("Engine suspended", zap.Int("in_flight", e.suspend.InFlight()))
	return true
}

// Resume lets queued and deferred work start again.
func (e *Engine) Resume() bool {
	if !e.suspend.Resume() {
		return false
	}
	e.metrics.SetSuspended(false)
	e.loop.Wake()
	e.logger.Info("Engine resumed", zap.Int("queued", e.loop.Queued()+e.gate.Queued()))
	return true
}

// Suspended reports whether new work is held back
func (e *Engine) Suspended() bool {
	return e.suspend.Suspended()
}

// WaitDrained blocks until no exchange is in flight. Call it after Suspend
// to know when the network went quiet.
func (e *Engine) WaitDrained(ctx context.Context) error {
	return e.suspend.WaitDrained(ctx)
}

// EnterBackground is the host signal that the process lost the foreground.
func (e *Engine) EnterBackground() {
	e.mu.Lock()
	e.background = true
	e.mu.Unlock()

	e.logger.Debug("Host entered background")
	e.Suspend()
}

// EnterForeground is the host signal that the process is active again.
func (e *Engine) EnterForeground() {
	e.mu.Lock()
	e.background = false
	e.mu.Unlock()

	e.logger.Debug("Host entered foreground")
	e.Resume()
}

// Background reports whether the host last signaled background
func (e *Engine) Background() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.background
}

// BackgroundTimeExpiring handles the host's hard deadline. It suspends the
// engine and force-resets every in-flight exchange so it fails on its next
// progress tick. expired runs once nothing is in flight any more.
func (e *Engine) BackgroundTimeExpiring(expired func()) {
	e.Suspend()
	n := e.forceResetAll()
	e.logger.Warn("Background time expiring, forcing in-flight transfers to fail", zap.Int("transfers", n))

	go func() {
		_ = e.suspend.WaitDrained(context.Background())
		if expired != nil {
			expired()
		}
	}()
}

// HardReset force-resets every in-flight exchange and drops idle
// connections. Queued work is unaffected. It returns the number of
// exchanges reset.
func (e *Engine) HardReset() int {
	n := e.forceResetAll()
	e.share.CloseIdleConnections()
	e.logger.Warn("Hard reset", zap.Int("transfers", n))
	return n
}

func (e *Engine) forceResetAll() int {
	n := e.registry.ForceResetAll()
	if e.pac != nil {
		n += e.pac.engine.forceResetAll()
	}
	return n
}
