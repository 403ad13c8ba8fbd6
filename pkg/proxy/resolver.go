package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/GriffinCanCode/netengine/internal/resilience"
	"github.com/GriffinCanCode/netengine/pkg/proxy/pac"
	"go.uber.org/zap"
	"golang.org/x/net/http/httpproxy"
	"golang.org/x/sync/singleflight"
)

// ErrPACUnavailable is returned when a PAC script is configured but cannot
// be fetched or evaluated.
var ErrPACUnavailable = errors.New("pac script unavailable")

// Resolution sources, as reported to the observer
const (
	SourceBypass      = "bypass"
	SourcePAC         = "pac"
	SourceExplicit    = "explicit"
	SourceEnvironment = "environment"
	SourceSystem      = "system"
	SourceDirect      = "direct"
)

// Source yields proxy candidates for a URL.
type Source interface {
	GetProxiesForURL(ctx context.Context, d *Descriptor, target string) ([]*url.URL, error)
}

// Direct is a Source that never uses a proxy.
type Direct struct{}

// GetProxiesForURL always returns an empty list
func (Direct) GetProxiesForURL(context.Context, *Descriptor, string) ([]*url.URL, error) {
	return nil, nil
}

// ScriptFetcher downloads PAC script text.
type ScriptFetcher interface {
	FetchScript(ctx context.Context, pacURL string) (string, error)
}

// SystemSource is the host operating system's proxy configuration.
type SystemSource interface {
	Proxies(ctx context.Context, target *url.URL) ([]*url.URL, error)
}

// SystemFunc adapts a function to SystemSource.
type SystemFunc func(ctx context.Context, target *url.URL) ([]*url.URL, error)

// Proxies calls f
func (f SystemFunc) Proxies(ctx context.Context, target *url.URL) ([]*url.URL, error) {
	return f(ctx, target)
}

// DefaultFetchTimeout bounds a PAC download when Options.FetchTimeout is unset.
const DefaultFetchTimeout = 10 * time.Second

// Options configures a Resolver.
type Options struct {
	// Fetcher downloads PAC scripts. Without it only inline scripts work.
	Fetcher ScriptFetcher
	// UseEnvironment consults HTTP_PROXY, HTTPS_PROXY and NO_PROXY.
	UseEnvironment bool
	// Environment overrides the variables read when UseEnvironment is set.
	Environment *httpproxy.Config
	System      SystemSource
	PAC         pac.Config
	// FetchTimeout bounds one PAC download, independent of the callers
	// waiting on it. Zero uses DefaultFetchTimeout.
	FetchTimeout time.Duration
	// Breaker guards PAC downloads. Nil installs a default breaker.
	Breaker *resilience.Breaker
	Logger  *zap.Logger
	// Observe is called once per resolution with its source and result.
	Observe func(source, result string)
}

// Resolver implements Source over explicit, PAC, environment and system
// configuration.
type Resolver struct {
	fetcher      ScriptFetcher
	fetchTimeout time.Duration
	envFunc      func(*url.URL) (*url.URL, error)
	system       SystemSource
	pacCfg       pac.Config
	breaker      *resilience.Breaker
	logger       *zap.Logger
	observe      func(source, result string)

	flight singleflight.Group

	mu       sync.Mutex
	cacheKey string
	cached   *pac.Pool
}

// NewResolver creates a resolver.
func NewResolver(opts Options) *Resolver {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	breaker := opts.Breaker
	if breaker == nil {
		breaker = resilience.New("pac-fetch", resilience.Settings{
			OnStateChange: func(name string, from, to resilience.State) {
				logger.Warn("PAC fetch breaker changed state",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
	}

	fetchTimeout := opts.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = DefaultFetchTimeout
	}

	r := &Resolver{
		fetcher:      opts.Fetcher,
		fetchTimeout: fetchTimeout,
		system:       opts.System,
		pacCfg:       opts.PAC,
		breaker:      breaker,
		logger:       logger,
		observe:      opts.Observe,
	}
	if opts.UseEnvironment {
		env := opts.Environment
		if env == nil {
			env = httpproxy.FromEnvironment()
		}
		r.envFunc = env.ProxyFunc()
	}
	return r
}

// GetProxiesForURL returns the ordered candidates for target. An empty list
// means a direct connection. A PAC failure is an error, never a silent
// direct connection.
func (r *Resolver) GetProxiesForURL(ctx context.Context, d *Descriptor, target string) ([]*url.URL, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse target url: %w", err)
	}

	source, proxies, err := r.resolve(ctx, d, u)
	result := "ok"
	switch {
	case err != nil:
		result = "error"
	case len(proxies) == 0:
		result = "direct"
	}
	if r.observe != nil {
		r.observe(source, result)
	}

	if err != nil {
		r.logger.Warn("Proxy resolution failed",
			zap.String("source", source),
			zap.String("host", u.Host),
			zap.Error(err))
		return nil, err
	}
	r.logger.Debug("Proxy resolved",
		zap.String("source", source),
		zap.String("host", u.Host),
		zap.Int("candidates", len(proxies)))
	return proxies, nil
}

func (r *Resolver) resolve(ctx context.Context, d *Descriptor, u *url.URL) (string, []*url.URL, error) {
	if d != nil && Bypassed(d.Bypass, u) {
		return SourceBypass, nil, nil
	}

	if d.UsesPAC() {
		proxies, err := r.evaluatePAC(ctx, d, u)
		return SourcePAC, proxies, err
	}

	if d != nil && d.URL != "" {
		p, err := d.ProxyURL()
		if err != nil {
			return SourceExplicit, nil, fmt.Errorf("parse proxy url: %w", err)
		}
		return SourceExplicit, []*url.URL{p}, nil
	}

	if r.envFunc != nil {
		p, err := r.envFunc(u)
		if err != nil {
			return SourceEnvironment, nil, fmt.Errorf("environment proxy: %w", err)
		}
		if p != nil {
			return SourceEnvironment, []*url.URL{d.withCredentials(p)}, nil
		}
	}

	if r.system != nil {
		proxies, err := r.system.Proxies(ctx, u)
		if err != nil {
			return SourceSystem, nil, fmt.Errorf("system proxy: %w", err)
		}
		if len(proxies) > 0 {
			return SourceSystem, proxies, nil
		}
	}

	return SourceDirect, nil, nil
}

func (r *Resolver) evaluatePAC(ctx context.Context, d *Descriptor, u *url.URL) ([]*url.URL, error) {
	pool, err := r.scriptPool(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPACUnavailable, err)
	}

	answer, err := pool.FindProxyForURL(ctx, u.String(), u.Hostname())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPACUnavailable, err)
	}
	proxies, err := pac.ParseResult(answer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPACUnavailable, err)
	}

	for i, p := range proxies {
		proxies[i] = d.withCredentials(p)
	}
	return proxies, nil
}

func pacCacheKey(d *Descriptor) string {
	if d.PACScript != "" {
		sum := sha256.Sum256([]byte(d.PACScript))
		return "inline:" + hex.EncodeToString(sum[:8])
	}
	return "url:" + d.PACURL
}

// scriptPool returns runtimes for the descriptor's script. The single cache
// slot is replaced whenever the configured PAC location changes.
func (r *Resolver) scriptPool(ctx context.Context, d *Descriptor) (*pac.Pool, error) {
	key := pacCacheKey(d)

	r.mu.Lock()
	if r.cacheKey == key && r.cached != nil {
		pool := r.cached
		r.mu.Unlock()
		return pool, nil
	}
	r.mu.Unlock()

	// The load outlives any single waiter on key.
	loadCtx := context.WithoutCancel(ctx)
	ch := r.flight.DoChan(key, func() (interface{}, error) {
		return r.load(loadCtx, key, d)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*pac.Pool), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// load fetches and compiles the descriptor's script and installs it in the
// cache slot.
func (r *Resolver) load(ctx context.Context, key string, d *Descriptor) (*pac.Pool, error) {
	script := d.PACScript
	if script == "" {
		if r.fetcher == nil {
			return nil, errors.New("no pac fetcher configured")
		}
		fetchCtx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
		defer cancel()

		var err error
		script, err = resilience.Do(r.breaker, func() (string, error) {
			return r.fetcher.FetchScript(fetchCtx, d.PACURL)
		})
		if err != nil {
			return nil, err
		}
	}

	pool, err := pac.NewPool(script, r.pacCfg)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	old := r.cached
	r.cacheKey, r.cached = key, pool
	r.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	stats := pool.Stats()
	r.logger.Info("PAC script loaded",
		zap.String("source", key),
		zap.Int("bytes", len(script)),
		zap.Int("runtimes", stats.Size))
	return pool, nil
}

// Invalidate drops the cached PAC script so the next resolution fetches it again.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	old := r.cached
	r.cacheKey, r.cached = "", nil
	r.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
}

// Close releases the cached PAC runtimes
func (r *Resolver) Close() {
	r.Invalidate()
}
