package resilience

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrCircuitOpen  = errors.New("circuit breaker is open")
	ErrProbeRunning = errors.New("circuit breaker probe in progress")
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Settings configures the circuit breaker behavior
type Settings struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a probe is allowed
	Cooldown time.Duration
	// IsFailure decides whether an error counts against the circuit.
	// Nil counts every non-nil error.
	IsFailure func(err error) bool
	// OnStateChange is called outside the breaker lock whenever the state changes
	OnStateChange func(name string, from, to State)
	// Now overrides the clock
	Now func() time.Time
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	name     string
	settings Settings

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New creates a circuit breaker with the given settings
func New(name string, settings Settings) *Breaker {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = 3
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = 30 * time.Second
	}
	if settings.IsFailure == nil {
		settings.IsFailure = func(err error) bool { return err != nil }
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}

	return &Breaker{name: name, settings: settings}
}

// Name returns the name of the circuit breaker
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state, moving Open to Half-Open once the cooldown elapsed
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.cooledDown() {
		return StateHalfOpen
	}
	return b.state
}

// Failures returns the current consecutive failure count
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset closes the circuit and clears the failure count
func (b *Breaker) Reset() {
	b.mu.Lock()
	prev := b.state
	b.state = StateClosed
	b.failures = 0
	b.probing = false
	b.mu.Unlock()

	b.notify(prev, StateClosed)
}

// Execute runs fn if the breaker admits the call
func (b *Breaker) Execute(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}

	var err error
	defer func() {
		if r := recover(); r != nil {
			b.after(errors.New("panic"))
			panic(r)
		}
		b.after(err)
	}()

	err = fn()
	return err
}

// Do runs fn through the breaker and returns its result
func Do[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var result T
	err := b.Execute(func() error {
		var err error
		result, err = fn()
		return err
	})
	return result, err
}

func (b *Breaker) before() error {
	b.mu.Lock()

	switch b.state {
	case StateOpen:
		if !b.cooledDown() {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probing = true
		b.mu.Unlock()
		b.notify(StateOpen, StateHalfOpen)
		return nil
	case StateHalfOpen:
		if b.probing {
			b.mu.Unlock()
			return ErrProbeRunning
		}
		b.probing = true
	}
	b.mu.Unlock()
	return nil
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	prev := b.state
	next := prev

	if b.settings.IsFailure(err) {
		b.failures++
		if prev == StateHalfOpen || b.failures >= b.settings.FailureThreshold {
			next = StateOpen
			b.openedAt = b.settings.Now()
		}
	} else {
		b.failures = 0
		next = StateClosed
	}
	b.state = next
	b.probing = false
	b.mu.Unlock()

	b.notify(prev, next)
}

func (b *Breaker) cooledDown() bool {
	return !b.settings.Now().Before(b.openedAt.Add(b.settings.Cooldown))
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.name, from, to)
	}
}
