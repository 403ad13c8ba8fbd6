package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/GriffinCanCode/netengine/internal/assert"
	"github.com/GriffinCanCode/netengine/internal/logging"
	"github.com/GriffinCanCode/netengine/internal/monitoring"
	"github.com/GriffinCanCode/netengine/internal/shared/id"
	"github.com/GriffinCanCode/netengine/pkg/eventloop"
	"github.com/GriffinCanCode/netengine/pkg/execution"
	"github.com/GriffinCanCode/netengine/pkg/gate"
	"github.com/GriffinCanCode/netengine/pkg/handlepool"
	"github.com/GriffinCanCode/netengine/pkg/proxy"
	"github.com/GriffinCanCode/netengine/pkg/proxy/pac"
	"github.com/GriffinCanCode/netengine/pkg/suspend"
	"github.com/GriffinCanCode/netengine/pkg/transfer"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Engine is the embeddable transport: the event loop, the gate and the
// lifecycle coordination around them.
type Engine struct {
	id      id.EngineID
	opts    Options
	logger  *zap.Logger
	metrics *monitoring.Metrics

	share        *handlepool.Share
	pool         *handlepool.Pool
	registry     *execution.Registry
	suspend      *suspend.Gate
	defaultProxy *proxy.Holder
	resolver     *proxy.Resolver
	svc          *execution.Services

	loop   *eventloop.Loop
	gate   *gate.Gate
	router router
	// pac is the private engine PAC scripts download through. It is nil on
	// that private engine itself.
	pac *pacFetcher

	mu          sync.Mutex
	closed      bool
	background  bool
	outstanding int
	idle        chan struct{}
	requests    map[*transfer.Request]int
	bodies      map[transfer.Body]bool
}

// New creates and starts an engine.
func New(opts Options) (*Engine, error) {
	return build(opts, false)
}

func build(opts Options, private bool) (*Engine, error) {
	opts = opts.withDefaults()

	roots, err := opts.trustStore()
	if err != nil {
		return nil, err
	}

	engineID := id.NewEngineID()
	logger := logging.Component(opts.Logger, "engine").With(zap.String("engine_id", string(engineID)))
	if private {
		logger = logger.Named("pac")
	}
	metrics := monitoring.New(opts.Registerer)

	share := handlepool.NewShare(handlepool.ShareOptions{
		MaxConnsPerHost:     opts.MaxConnectionsPerHost,
		MaxIdleConns:        opts.MaxTotalConnections,
		MaxIdleConnsPerHost: opts.MaxIdlePerHost,
		IdleConnTimeout:     opts.IdleTimeout,
		RootCAs:             roots,
		TickInterval:        opts.TickInterval,
	})
	pool := handlepool.New(share, opts.HandlePoolSize, logger)
	pool.OnCreate = metrics.HandleCreated
	metrics.RegisterHandleGauge(func() float64 { return float64(pool.Idle()) })

	e := &Engine{
		id:           engineID,
		opts:         opts,
		logger:       logger,
		metrics:      metrics,
		share:        share,
		pool:         pool,
		registry:     execution.NewRegistry(),
		suspend:      suspend.New(),
		defaultProxy: proxy.NewHolder(opts.DefaultProxy),
		router:       newRouter(opts.GatedMethods, opts.GateAllNonIdempotent),
		idle:         make(chan struct{}),
		requests:     make(map[*transfer.Request]int),
		bodies:       make(map[transfer.Body]bool),
	}
	close(e.idle)

	var source proxy.Source = proxy.Direct{}
	if !private {
		e.pac, err = newPACFetcher(opts, metrics, logger)
		if err != nil {
			return nil, err
		}
		pacCfg := pac.DefaultConfig()
		e.resolver = proxy.NewResolver(proxy.Options{
			Fetcher:        e.pac,
			FetchTimeout:   opts.PACTimeout,
			UseEnvironment: opts.UseEnvironmentProxy,
			System:         opts.SystemProxy,
			PAC:            pacCfg,
			Logger:         logger.Named("proxy"),
			Observe:        metrics.ProxyResolution,
		})
		source = e.resolver
	}

	e.svc = execution.Services{
		Pool:         pool,
		Registry:     e.registry,
		Proxies:      source,
		DefaultProxy: e.defaultProxy,
		Metrics:      metrics,
		Logger:       logger,
		Defaults: execution.Defaults{
			SkipCertificateValidation: opts.SkipCertificateValidation,
			RetryBackoff:              opts.RetryBackoff,
			ProgressInterval:          opts.ProgressInterval,
		},
	}.WithDefaults()

	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst)
	}

	e.loop = eventloop.New(e.svc, eventloop.Options{
		MaxConnections: opts.MaxTotalConnections,
		PollInterval:   opts.PollInterval,
		Gate:           e.suspend,
		Limiter:        limiter,
	})
	e.gate = gate.New(e.svc, gate.Options{
		Concurrency: opts.GateConcurrency,
		QueueSize:   opts.GateQueueSize,
		Suspend:     e.suspend,
		Limiter:     limiter,
	})
	e.loop.Start()

	logger.Info("Engine started",
		zap.Int("max_connections", opts.MaxTotalConnections),
		zap.Int("max_per_host", opts.MaxConnectionsPerHost),
		zap.Int("gate_concurrency", opts.GateConcurrency),
		zap.Bool("private", private))
	return e, nil
}

// ID returns the engine's identifier
func (e *Engine) ID() id.EngineID { return e.id }

// Metrics returns the engine's metric set.
func (e *Engine) Metrics() *monitoring.Metrics { return e.metrics }

// Do runs req and blocks until its terminal Response. Transport failures
// are reported through Response.Status. Canceling ctx cancels the request.
func (e *Engine) Do(ctx context.Context, req *transfer.Request) *transfer.Response {
	return <-e.Go(ctx, req)
}

// Go starts req and returns a channel that receives its terminal Response.
func (e *Engine) Go(ctx context.Context, req *transfer.Request) <-chan *transfer.Response {
	ch := make(chan *transfer.Response, 1)

	e.mu.Lock()
	closed := e.closed
	reused := !closed && req.Body != nil && trackable(req.Body) && e.bodies[req.Body]
	if !closed && !reused {
		if e.requests[req] > 0 {
			assert.That(e.logger, false, "request submitted while already in flight",
				zap.String("method", req.Method))
		}
		e.requests[req]++
		if req.Body != nil && trackable(req.Body) {
			e.bodies[req.Body] = true
		}
		if e.outstanding == 0 {
			e.idle = make(chan struct{})
		}
		e.outstanding++
	}
	e.mu.Unlock()

	if closed || reused {
		rejected := *req
		if reused {
			// The body belongs to the request in flight.
			rejected.Body = nil
		}
		ex := execution.New(ctx, e.svc, &rejected, func(resp *transfer.Response) { ch <- resp })
		if closed {
			assert.That(e.logger, false, "request on closed engine", logging.TransferID(string(ex.ID())))
		} else {
			assert.That(e.logger, false, "body reused by a request still in flight", logging.TransferID(string(ex.ID())))
		}
		ex.ResolveCanceled()
		return ch
	}

	ex := execution.New(ctx, e.svc, req, func(resp *transfer.Response) {
		e.release(req)
		ch <- resp
	})
	e.dispatch(ctx, ex)
	return ch
}

func (e *Engine) dispatch(ctx context.Context, ex *execution.Execution) {
	if e.router.route(ex.Request()) != transfer.RouteGate {
		if err := e.loop.Submit(ex); err != nil {
			ex.ResolveCanceled()
		}
		return
	}

	err := e.gate.TrySubmit(ex)
	if errors.Is(err, gate.ErrQueueFull) {
		go func() {
			if err := e.gate.Submit(ctx, ex); err != nil {
				ex.ResolveCanceled()
			}
		}()
		return
	}
	if err != nil {
		ex.ResolveCanceled()
	}
}

func (e *Engine) release(req *transfer.Request) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.requests[req]--; e.requests[req] <= 0 {
		delete(e.requests, req)
	}
	if req.Body != nil && trackable(req.Body) {
		delete(e.bodies, req.Body)
	}
	e.outstanding--
	if e.outstanding == 0 {
		close(e.idle)
	}
}

// trackable reports whether b can key the in-flight body set.
func trackable(b transfer.Body) bool {
	return reflect.TypeOf(b).Comparable()
}

// ActiveTransfers returns the number of requests not yet resolved.
func (e *Engine) ActiveTransfers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outstanding
}

// WaitIdle blocks until every submitted request resolved or ctx is done.
func (e *Engine) WaitIdle(ctx context.Context) error {
	e.mu.Lock()
	idle := e.idle
	e.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetDefaultProxy replaces the descriptor used by requests without a
// Proxy override. A changed PAC URL invalidates the cached script.
func (e *Engine) SetDefaultProxy(d *proxy.Descriptor) {
	e.defaultProxy.Set(d)
	e.logger.Info("Default proxy changed", zap.Bool("pac", d != nil && d.UsesPAC()))
}

// DefaultProxy returns a copy of the current default descriptor
func (e *Engine) DefaultProxy() *proxy.Descriptor {
	return e.defaultProxy.Get()
}

// Close cancels every queued and in-flight request and releases the
// engine's resources. Requests submitted afterwards resolve as Canceled.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	var errs []error
	if err := e.loop.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("event loop: %w", err))
	}
	if err := e.gate.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("gate: %w", err))
	}
	if e.resolver != nil {
		e.resolver.Close()
	}
	if e.pac != nil {
		if err := e.pac.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("pac engine: %w", err))
		}
	}
	e.pool.Close()
	e.share.CloseIdleConnections()

	e.logger.Info("Engine closed")
	return errors.Join(errs...)
}
