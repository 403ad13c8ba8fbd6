package transfer

import (
	"context"
	"sync"
)

// CancellationToken is polled by the engine on every progress tick.
type CancellationToken interface {
	IsCanceled() bool
}

// CancelToken is a CancellationToken canceled explicitly by its owner.
type CancelToken struct {
	once sync.Once
	done chan struct{}
}

// NewCancelToken creates an uncanceled token.
func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel marks the token canceled. Safe to call more than once.
func (t *CancelToken) Cancel() {
	t.once.Do(func() { close(t.done) })
}

// IsCanceled reports whether Cancel was called
func (t *CancelToken) IsCanceled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed on cancellation
func (t *CancelToken) Done() <-chan struct{} {
	return t.done
}

type contextToken struct {
	ctx context.Context
}

func (t contextToken) IsCanceled() bool { return t.ctx.Err() != nil }

// ContextToken reports cancellation of ctx as a CancellationToken.
func ContextToken(ctx context.Context) CancellationToken {
	return contextToken{ctx: ctx}
}

type anyToken []CancellationToken

func (a anyToken) IsCanceled() bool {
	for _, t := range a {
		if t.IsCanceled() {
			return true
		}
	}
	return false
}

// AnyToken is canceled as soon as one of tokens is. Nil tokens are skipped.
func AnyToken(tokens ...CancellationToken) CancellationToken {
	out := make(anyToken, 0, len(tokens))
	for _, t := range tokens {
		if t != nil {
			out = append(out, t)
		}
	}
	return out
}
