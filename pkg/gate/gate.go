// Package gate runs requests to completion on a bounded pool of workers.
//
// The gate serves methods that must not be replayed in parallel through the
// shared event loop. Requests wait in a bounded admission queue; each worker
// pops one and drives every attempt of it synchronously. At most
// Concurrency exchanges run at once, and one spare worker beyond that keeps
// popping, so a canceled request never waits for a busy slot to resolve.
package gate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/GriffinCanCode/netengine/pkg/execution"
	"github.com/GriffinCanCode/netengine/pkg/suspend"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

var (
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("gate closed")
	// ErrQueueFull is returned by TrySubmit when the admission queue is full.
	ErrQueueFull = errors.New("gate queue full")

	errCanceled = errors.New("request canceled")
)

// Defaults applied by New.
const (
	DefaultConcurrency  = 4
	DefaultQueueSize    = 64
	DefaultPollInterval = 100 * time.Millisecond
)

// Options configures a Gate.
type Options struct {
	Concurrency int
	QueueSize   int
	// PollInterval bounds how long a waiting worker goes without checking
	// the request's cancellation.
	PollInterval time.Duration
	Suspend      *suspend.Gate
	Limiter      *rate.Limiter
}

// Gate is the worker-pool execution path.
type Gate struct {
	svc     *execution.Services
	suspend *suspend.Gate
	limiter *rate.Limiter
	slots   *semaphore.Weighted
	queue   chan *execution.Execution
	poll    time.Duration
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// New creates a gate and starts its workers.
func New(svc *execution.Services, opts Options) *Gate {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Suspend == nil {
		opts.Suspend = suspend.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gate{
		svc:     svc,
		suspend: opts.Suspend,
		limiter: opts.Limiter,
		slots:   semaphore.NewWeighted(int64(opts.Concurrency)),
		queue:   make(chan *execution.Execution, opts.QueueSize),
		poll:    opts.PollInterval,
		logger:  svc.Logger.Named("gate"),
		ctx:     ctx,
		cancel:  cancel,
	}

	workers := opts.Concurrency + 1
	for i := 0; i < workers; i++ {
		g.wg.Add(1)
		go g.worker()
	}
	g.logger.Debug("Gate started", zap.Int("workers", workers), zap.Int("queue", opts.QueueSize))
	return g
}

// Submit queues e, blocking while the queue is full.
func (g *Gate) Submit(ctx context.Context, e *execution.Execution) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.closed {
		return ErrClosed
	}
	select {
	case g.queue <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-g.ctx.Done():
		return ErrClosed
	}
}

// TrySubmit queues e without blocking.
func (g *Gate) TrySubmit(e *execution.Execution) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.closed {
		return ErrClosed
	}
	select {
	case g.queue <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

// Queued returns the number of requests no worker has picked up yet
func (g *Gate) Queued() int {
	return len(g.queue)
}

// Close stops the workers. Requests in flight or queued resolve as
// Canceled. It blocks until the workers exited or ctx is done.
func (g *Gate) Close(ctx context.Context) error {
	g.cancel()

	g.mu.Lock()
	already := g.closed
	g.closed = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if already {
		return nil
	}
	var canceled int
	for {
		select {
		case e := <-g.queue:
			e.ResolveCanceled()
			canceled++
		default:
			if canceled > 0 {
				g.logger.Info("Canceled queued requests on shutdown", zap.Int("count", canceled))
			}
			return nil
		}
	}
}

func (g *Gate) worker() {
	defer g.wg.Done()

	for {
		select {
		case e := <-g.queue:
			g.drive(e)
		case <-g.ctx.Done():
			return
		}
	}
}

// drive runs every attempt of e on the calling worker.
func (g *Gate) drive(e *execution.Execution) {
	for {
		if e.Canceled() || g.ctx.Err() != nil {
			e.ResolveCanceled()
			return
		}

		if err := g.waitFor(e, g.suspend.WaitAdmitting); err != nil {
			e.ResolveCanceled()
			return
		}
		if d := time.Until(e.NotBefore()); d > 0 {
			if err := g.waitFor(e, sleeper(d)); err != nil {
				e.ResolveCanceled()
				return
			}
		}
		if g.limiter != nil {
			r := g.limiter.Reserve()
			if err := g.waitFor(e, sleeper(r.Delay())); err != nil {
				r.Cancel()
				e.ResolveCanceled()
				return
			}
		}
		if err := g.waitFor(e, g.acquireSlot); err != nil {
			e.ResolveCanceled()
			return
		}

		// Recheck under the suspension lock: Suspend may have won the race
		// since WaitAdmitting returned.
		if !g.suspend.TryAdmit() {
			g.slots.Release(1)
			continue
		}

		if err := e.Prepare(); err == nil {
			g.svc.Metrics.AttemptStarted("gate")
			e.Finalize(e.Perform(g.ctx))
		}
		g.suspend.Done()
		g.slots.Release(1)

		if g.ctx.Err() != nil || !e.ShouldRetry() {
			e.Resolve()
			return
		}
	}
}

func (g *Gate) acquireSlot(ctx context.Context) error {
	return g.slots.Acquire(ctx, 1)
}

func sleeper(d time.Duration) func(context.Context) error {
	deadline := time.Now().Add(d)
	return func(ctx context.Context) error {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// waitFor runs wait in slices of the poll interval, checking e for
// cancellation between slices.
func (g *Gate) waitFor(e *execution.Execution, wait func(context.Context) error) error {
	for {
		ctx, cancel := context.WithTimeout(g.ctx, g.poll)
		err := wait(ctx)
		cancel()

		switch {
		case err == nil:
			return nil
		case g.ctx.Err() != nil:
			return g.ctx.Err()
		case e.Canceled():
			return errCanceled
		case !errors.Is(err, context.DeadlineExceeded):
			return err
		}
	}
}
