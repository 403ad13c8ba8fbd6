package pac

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// Runtime wraps a goja VM holding one loaded PAC script
type Runtime struct {
	vm     *goja.Runtime
	find   goja.Callable
	config Config
	mu     sync.Mutex

	// ctx is the context of the evaluation in progress, read by the DNS helpers
	ctx context.Context

	// Interrupt channel
	interrupt chan struct{}
}

// Compile parses script once so several runtimes can load it.
func Compile(script string) (*goja.Program, error) {
	program, err := goja.Compile("proxy.pac", script, false)
	if err != nil {
		return nil, fmt.Errorf("compile pac script: %w", err)
	}
	return program, nil
}

// New creates a runtime and loads script into it
func New(script string, config Config) (*Runtime, error) {
	program, err := Compile(script)
	if err != nil {
		return nil, err
	}
	return newRuntime(program, config.withDefaults())
}

func newRuntime(program *goja.Program, config Config) (*Runtime, error) {
	r := &Runtime{
		vm:        goja.New(),
		config:    config,
		ctx:       context.Background(),
		interrupt: make(chan struct{}),
	}
	r.vm.SetMaxCallStackSize(1024)

	if err := r.setupGlobals(); err != nil {
		return nil, err
	}
	_, err := r.guarded(context.Background(), func() (goja.Value, error) {
		return r.vm.RunProgram(program)
	})
	if err != nil {
		return nil, fmt.Errorf("load pac script: %w", err)
	}

	find, ok := goja.AssertFunction(r.vm.Get("FindProxyForURL"))
	if !ok {
		return nil, ErrNoFindProxy
	}
	r.find = find
	return r, nil
}

// FindProxyForURL runs the script for one URL with timeout and returns its
// raw answer, e.g. "PROXY proxy:3128; DIRECT".
func (r *Runtime) FindProxyForURL(ctx context.Context, rawURL, host string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ctx = ctx
	defer func() { r.ctx = context.Background() }()

	val, err := r.guarded(ctx, func() (goja.Value, error) {
		return r.find(goja.Undefined(), r.vm.ToValue(rawURL), r.vm.ToValue(host))
	})
	if err != nil {
		return "", fmt.Errorf("evaluate pac script: %w", err)
	}
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return "", ErrInvalidResult
	}
	return val.String(), nil
}

// setupGlobals removes the host environment and installs the PAC helpers
func (r *Runtime) setupGlobals() error {
	for _, name := range []string{"require", "process", "module", "exports"} {
		if err := r.vm.Set(name, goja.Undefined()); err != nil {
			return err
		}
	}

	helpers := map[string]func(goja.FunctionCall) goja.Value{
		"dnsResolve":   r.dnsResolve,
		"myIpAddress":  r.myIPAddress,
		"isInNet":      r.isInNet,
		"weekdayRange": r.weekdayRange,
		"dateRange":    r.dateRange,
		"timeRange":    r.timeRange,
	}
	for name, fn := range helpers {
		if err := r.vm.Set(name, fn); err != nil {
			return err
		}
	}

	_, err := r.guarded(context.Background(), func() (goja.Value, error) {
		return r.vm.RunString(prelude)
	})
	if err != nil {
		return fmt.Errorf("install pac helpers: %w", err)
	}
	return nil
}

// guarded runs fn with the VM interrupted once the configured timeout
// passes or ctx is done. An interrupt is returned as its cause.
func (r *Runtime) guarded(ctx context.Context, fn func() (goja.Value, error)) (goja.Value, error) {
	timer := time.NewTimer(r.config.Timeout)
	defer timer.Stop()

	stopped := r.interrupt
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-timer.C:
			r.vm.Interrupt(ErrTimeout)
		case <-ctx.Done():
			r.vm.Interrupt(ctx.Err())
		case <-stopped:
		}
	}()

	val, err := fn()

	close(r.interrupt)
	<-exited
	r.interrupt = make(chan struct{})
	r.vm.ClearInterrupt()

	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if cause, ok := interrupted.Value().(error); ok {
				return nil, cause
			}
		}
		return nil, err
	}
	return val, nil
}

// Close releases resources
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.vm = nil
	r.find = nil
	return nil
}
