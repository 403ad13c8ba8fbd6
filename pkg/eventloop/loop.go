package eventloop

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/GriffinCanCode/netengine/pkg/execution"
	"github.com/GriffinCanCode/netengine/pkg/suspend"
	"github.com/GriffinCanCode/netengine/pkg/wakeup"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("event loop closed")

// DefaultPollInterval bounds every wait of the loop.
const DefaultPollInterval = 250 * time.Millisecond

// Options configures a Loop.
type Options struct {
	// MaxConnections bounds the exchanges running at once.
	MaxConnections int
	PollInterval   time.Duration
	// Gate is the engine-wide suspension gate. Nil never suspends.
	Gate *suspend.Gate
	// Limiter, when set, caps how fast attempts start.
	Limiter *rate.Limiter
}

// Loop is the single-goroutine multiplexed driver.
type Loop struct {
	svc     *execution.Services
	gate    *suspend.Gate
	limiter *rate.Limiter
	poll    time.Duration
	wake    *wakeup.Signal
	multi   *Multi
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	queue   []*execution.Execution
	closed  bool
	started bool
	stopped chan struct{}
}

// New creates a loop. Call Start to run it.
func New(svc *execution.Services, opts Options) *Loop {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Gate == nil {
		opts.Gate = suspend.New()
	}

	wake := wakeup.New()
	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		svc:     svc,
		gate:    opts.Gate,
		limiter: opts.Limiter,
		poll:    opts.PollInterval,
		wake:    wake,
		multi:   NewMulti(opts.MaxConnections, wake),
		logger:  svc.Logger.Named("eventloop"),
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
}

// Start runs the loop on its own goroutine. Calling it twice is a no-op.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started || l.closed {
		return
	}
	l.started = true
	go l.run()
}

// Submit queues e for execution.
func (l *Loop) Submit(e *execution.Execution) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.queue = append(l.queue, e)
	l.mu.Unlock()

	l.wake.Notify()
	return nil
}

// Wake interrupts the loop's current wait.
func (l *Loop) Wake() {
	l.wake.Notify()
}

// Queued returns the number of executions waiting to start
func (l *Loop) Queued() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Running returns the number of exchanges in flight
func (l *Loop) Running() int {
	return l.multi.Running()
}

// Close stops the loop. Queued and in-flight executions resolve as
// Canceled. It blocks until the loop exited or ctx is done.
func (l *Loop) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return l.waitStopped(ctx)
	}
	l.closed = true
	started := l.started
	l.mu.Unlock()

	l.cancel()
	if !started {
		l.shutdown()
		close(l.stopped)
		return nil
	}
	l.wake.Notify()
	return l.waitStopped(ctx)
}

func (l *Loop) waitStopped(ctx context.Context) error {
	select {
	case <-l.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) run() {
	defer close(l.stopped)
	l.logger.Debug("Event loop started")

	for {
		l.complete()

		if l.ctx.Err() != nil {
			l.shutdown()
			l.logger.Debug("Event loop stopped")
			return
		}

		changed := l.gate.Changed()
		if l.gate.Suspended() && l.multi.Idle() {
			l.parkSuspended(changed)
			continue
		}

		wait := l.admit()
		l.complete()

		if !l.multi.Idle() || wait > 0 {
			if wait <= 0 || wait > l.poll {
				wait = l.poll
			}
		}
		l.wake.Wait(l.ctx, wait)
	}
}

// parkSuspended blocks until the suspension ends, sweeping canceled
// executions out of the queue on every wakeup.
func (l *Loop) parkSuspended(changed <-chan struct{}) {
	timer := time.NewTimer(l.poll)
	defer timer.Stop()

	select {
	case <-changed:
	case <-l.wake.C():
	case <-timer.C:
	case <-l.ctx.Done():
	}
	l.sweepCanceled()
}

func (l *Loop) takeQueue() []*execution.Execution {
	l.mu.Lock()
	defer l.mu.Unlock()

	batch := l.queue
	l.queue = nil
	return batch
}

// requeue puts deferred executions back in front of anything submitted
// since the batch was taken.
func (l *Loop) requeue(deferred []*execution.Execution) {
	if len(deferred) == 0 {
		return
	}
	l.mu.Lock()
	l.queue = append(deferred, l.queue...)
	l.mu.Unlock()
}

func (l *Loop) sweepCanceled() {
	var keep []*execution.Execution
	for _, e := range l.takeQueue() {
		if e.Canceled() {
			e.ResolveCanceled()
			continue
		}
		keep = append(keep, e)
	}
	l.requeue(keep)
}

// admit starts every queued execution that may start now and returns how
// long until the earliest deferred one becomes due, or 0 if none is waiting.
func (l *Loop) admit() time.Duration {
	batch := l.takeQueue()
	if len(batch) == 0 {
		return 0
	}

	now := time.Now()
	var (
		deferred []*execution.Execution
		nextDue  time.Duration
	)
	due := func(d time.Duration) {
		if d <= 0 {
			d = time.Millisecond
		}
		if nextDue == 0 || d < nextDue {
			nextDue = d
		}
	}

	for _, e := range batch {
		if e.Canceled() {
			e.ResolveCanceled()
			continue
		}
		if wait := e.NotBefore().Sub(now); wait > 0 {
			deferred = append(deferred, e)
			due(wait)
			continue
		}
		if !l.gate.TryAdmit() {
			deferred = append(deferred, e)
			continue
		}
		if l.limiter != nil {
			r := l.limiter.Reserve()
			if delay := r.Delay(); delay > 0 {
				r.Cancel()
				l.gate.Done()
				deferred = append(deferred, e)
				due(delay)
				continue
			}
		}

		if err := e.Prepare(); err != nil {
			l.gate.Done()
			l.settle(e)
			continue
		}
		l.svc.Metrics.AttemptStarted("eventloop")
		l.multi.Add(l.ctx, e)
	}

	l.requeue(deferred)
	return nextDue
}

func (l *Loop) complete() {
	for _, c := range l.multi.completions() {
		c.exec.Finalize(c.result)
		l.gate.Done()
		l.settle(c.exec)
	}
}

// settle requeues a finalized execution for its next attempt or resolves it.
func (l *Loop) settle(e *execution.Execution) {
	if l.ctx.Err() == nil && e.ShouldRetry() {
		if err := l.Submit(e); err == nil {
			return
		}
	}
	e.Resolve()
}

func (l *Loop) shutdown() {
	l.multi.AbortAll(context.Canceled)
	l.multi.Wait()
	for _, c := range l.multi.completions() {
		c.exec.Cancel()
		c.exec.Finalize(c.result)
		l.gate.Done()
		c.exec.Resolve()
	}

	queued := l.takeQueue()
	for _, e := range queued {
		e.ResolveCanceled()
	}
	if len(queued) > 0 {
		l.logger.Info("Canceled queued transfers on shutdown", zap.Int("count", len(queued)))
	}
}
