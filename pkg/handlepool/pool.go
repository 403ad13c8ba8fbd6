package handlepool

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/GriffinCanCode/netengine/internal/assert"
	"go.uber.org/zap"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("handle pool closed")

// Stats reports pool occupancy.
type Stats struct {
	Idle    int
	Leased  int64
	Created uint64
}

// Pool caches idle handles for reuse.
type Pool struct {
	share  *Share
	size   int
	logger *zap.Logger

	// OnCreate is called after a new handle was built.
	OnCreate func()

	mu     sync.Mutex
	idle   []*Handle
	closed bool

	leased  atomic.Int64
	created atomic.Uint64
}

// New creates a pool keeping at most size idle handles.
func New(share *Share, size int, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if size < 0 {
		size = 0
	}
	return &Pool{
		share:  share,
		size:   size,
		logger: logger,
		idle:   make([]*Handle, 0, size),
	}
}

// Acquire returns an idle handle or builds a new one. A fresh handle always
// is new and owns a private connection.
func (p *Pool) Acquire(fresh bool) (*Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	var h *Handle
	if !fresh && len(p.idle) > 0 {
		last := len(p.idle) - 1
		h = p.idle[last]
		p.idle[last] = nil
		p.idle = p.idle[:last]
	}
	p.mu.Unlock()

	if h == nil {
		h = newHandle(p.share, fresh, p.logger)
		p.created.Add(1)
		if p.OnCreate != nil {
			p.OnCreate()
		}
	}

	h.leased.Store(true)
	p.leased.Add(1)
	return h, nil
}

// Release returns h to the pool. Fresh handles and handles beyond the pool
// size are discarded.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}
	if !assert.That(p.logger, h.leased.Swap(false), "handle released twice", zap.Uint64("handle", h.id)) {
		return
	}
	p.leased.Add(-1)
	h.reset()

	p.mu.Lock()
	park := !h.fresh && !p.closed && len(p.idle) < p.size
	if park {
		p.idle = append(p.idle, h)
	}
	p.mu.Unlock()

	if !park {
		h.close()
	}
}

// Close discards every idle handle and rejects further Acquire calls.
// Leased handles are discarded when released.
func (p *Pool) Close() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	p.mu.Unlock()

	for _, h := range idle {
		h.close()
	}
	p.share.CloseIdleConnections()
}

// Idle returns the number of parked handles
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Stats returns current occupancy
func (p *Pool) Stats() Stats {
	return Stats{
		Idle:    p.Idle(),
		Leased:  p.leased.Load(),
		Created: p.created.Load(),
	}
}
