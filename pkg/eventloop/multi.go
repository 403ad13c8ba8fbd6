package eventloop

import (
	"context"
	"sync"

	"github.com/GriffinCanCode/netengine/pkg/execution"
	"github.com/GriffinCanCode/netengine/pkg/handlepool"
	"github.com/GriffinCanCode/netengine/pkg/wakeup"
	"golang.org/x/sync/semaphore"
)

type completion struct {
	exec   *execution.Execution
	result handlepool.Result
}

// Multi is the multiplexed execution context. Every registered handle
// progresses on its own goroutine; completions are collected until the loop
// drains them.
type Multi struct {
	conns *semaphore.Weighted
	wake  *wakeup.Signal

	mu     sync.Mutex
	active map[*handlepool.Handle]*execution.Execution
	done   []completion

	wg sync.WaitGroup
}

// NewMulti creates a context running at most maxConns exchanges at a time.
// Completions notify wake.
func NewMulti(maxConns int, wake *wakeup.Signal) *Multi {
	if maxConns <= 0 {
		maxConns = 1
	}
	return &Multi{
		conns:  semaphore.NewWeighted(int64(maxConns)),
		wake:   wake,
		active: make(map[*handlepool.Handle]*execution.Execution),
	}
}

// Add starts the prepared exchange of e. Canceling ctx aborts it.
func (m *Multi) Add(ctx context.Context, e *execution.Execution) {
	h := e.Handle()

	m.mu.Lock()
	m.active[h] = e
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		var res handlepool.Result
		if err := m.conns.Acquire(ctx, 1); err != nil {
			res = handlepool.Result{Code: handlepool.AbortedByCallback, Err: err}
		} else {
			res = e.Perform(ctx)
			m.conns.Release(1)
		}

		m.mu.Lock()
		delete(m.active, h)
		m.done = append(m.done, completion{exec: e, result: res})
		m.mu.Unlock()
		m.wake.Notify()
	}()
}

// Running returns the number of exchanges not yet finished
func (m *Multi) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Idle reports whether nothing runs and no completion waits to be drained
func (m *Multi) Idle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active) == 0 && len(m.done) == 0
}

// completions drains the finished exchanges.
func (m *Multi) completions() []completion {
	m.mu.Lock()
	defer m.mu.Unlock()

	done := m.done
	m.done = nil
	return done
}

// AbortAll cancels every running exchange with cause.
func (m *Multi) AbortAll(cause error) {
	m.mu.Lock()
	handles := make([]*handlepool.Handle, 0, len(m.active))
	for h := range m.active {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.Abort(cause)
	}
}

// Wait blocks until every exchange goroutine has exited.
func (m *Multi) Wait() {
	m.wg.Wait()
}
