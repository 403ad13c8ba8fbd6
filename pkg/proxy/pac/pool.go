package pac

import (
	"context"
	"sync"

	"github.com/dop251/goja"
)

// Pool manages reusable runtimes that all hold the same script
type Pool struct {
	program  *goja.Program
	config   Config
	runtimes chan *Runtime
	size     int
	mu       sync.RWMutex
	closed   bool
}

// NewPool compiles script and pre-creates the runtimes. It fails when the
// script does not compile or does not define FindProxyForURL.
func NewPool(script string, config Config) (*Pool, error) {
	config = config.withDefaults()

	program, err := Compile(script)
	if err != nil {
		return nil, err
	}

	pool := &Pool{
		program:  program,
		config:   config,
		runtimes: make(chan *Runtime, config.PoolSize),
		size:     config.PoolSize,
	}

	for i := 0; i < pool.size; i++ {
		rt, err := newRuntime(program, config)
		if err != nil {
			pool.Close()
			return nil, err
		}
		pool.runtimes <- rt
	}

	return pool, nil
}

// Acquire gets a runtime from the pool
func (p *Pool) Acquire(ctx context.Context) (*Runtime, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()

	if closed {
		return nil, ErrPoolClosed
	}

	select {
	case rt, ok := <-p.runtimes:
		if !ok {
			return nil, ErrPoolClosed
		}
		return rt, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a runtime to the pool
func (p *Pool) Release(rt *Runtime) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		_ = rt.Close()
		return
	}

	select {
	case p.runtimes <- rt:
	default:
		_ = rt.Close()
	}
}

// FindProxyForURL evaluates the script on a pooled runtime
func (p *Pool) FindProxyForURL(ctx context.Context, rawURL, host string) (string, error) {
	rt, err := p.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer p.Release(rt)

	return rt.FindProxyForURL(ctx, rawURL, host)
}

// Close closes the pool and all runtimes
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true
	close(p.runtimes)

	for rt := range p.runtimes {
		_ = rt.Close()
	}
	return nil
}

// PoolStats describes the runtimes of a pool
type PoolStats struct {
	Size      int
	Available int
	Closed    bool
}

// Stats returns pool statistics
func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return PoolStats{
		Size:      p.size,
		Available: len(p.runtimes),
		Closed:    p.closed,
	}
}
