// Package suspend implements the engine-wide admission gate toggled by the
// host when it pauses network activity.
//
// State machine:
//
//	Admitting → Draining   [Suspend]
//	Draining  → Admitting  [Resume]
//
// While Draining no new transfer is admitted; transfers already admitted run
// to completion and WaitDrained observes the moment the last one finishes.
// Admission checks the state under the same lock that flips it, so a transfer
// can never slip in while Suspend is taking effect.
package suspend

import (
	"context"
	"sync"
)

// State is the admission state of a Gate.
type State int

const (
	// Admitting lets new transfers start.
	Admitting State = iota
	// Draining holds new transfers back while in-flight ones finish.
	Draining
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case Admitting:
		return "admitting"
	case Draining:
		return "draining"
	default:
		return "unknown"
	}
}

// Gate is a two-state admission gate. The zero value is not usable; use New.
type Gate struct {
	mu       sync.Mutex
	state    State
	inFlight int
	// changed is closed and replaced on every transition and on every
	// in-flight decrement, waking all waiters at once.
	changed chan struct{}
}

// New returns a gate in the Admitting state.
func New() *Gate {
	return &Gate{changed: make(chan struct{})}
}

func (g *Gate) broadcastLocked() {
	close(g.changed)
	g.changed = make(chan struct{})
}

// Suspend moves the gate to Draining. It reports whether the state changed.
func (g *Gate) Suspend() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == Draining {
		return false
	}
	g.state = Draining
	g.broadcastLocked()
	return true
}

// Resume moves the gate to Admitting. It reports whether the state changed.
func (g *Gate) Resume() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == Admitting {
		return false
	}
	g.state = Admitting
	g.broadcastLocked()
	return true
}

// State returns the current state
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Suspended reports whether the gate is Draining
func (g *Gate) Suspended() bool {
	return g.State() == Draining
}

// InFlight returns the number of admitted transfers not yet done
func (g *Gate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}

// Changed returns a channel closed at the next transition.
func (g *Gate) Changed() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.changed
}

// TryAdmit admits one transfer if the gate is Admitting. Every successful
// TryAdmit must be paired with Done.
func (g *Gate) TryAdmit() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != Admitting {
		return false
	}
	g.inFlight++
	return true
}

// Done releases one admitted transfer.
func (g *Gate) Done() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.inFlight == 0 {
		return
	}
	g.inFlight--
	if g.inFlight == 0 {
		g.broadcastLocked()
	}
}

// WaitAdmitting blocks until the gate is Admitting or ctx is done.
func (g *Gate) WaitAdmitting(ctx context.Context) error {
	for {
		g.mu.Lock()
		if g.state == Admitting {
			g.mu.Unlock()
			return nil
		}
		changed := g.changed
		g.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Admit blocks until a transfer can be admitted, then admits it.
func (g *Gate) Admit(ctx context.Context) error {
	for {
		if g.TryAdmit() {
			return nil
		}
		if err := g.WaitAdmitting(ctx); err != nil {
			return err
		}
	}
}

// WaitDrained blocks until no admitted transfer remains or ctx is done.
func (g *Gate) WaitDrained(ctx context.Context) error {
	for {
		g.mu.Lock()
		if g.inFlight == 0 {
			g.mu.Unlock()
			return nil
		}
		changed := g.changed
		g.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
