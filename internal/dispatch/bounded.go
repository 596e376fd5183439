package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Bounded limits an inner Client to a number of concurrent calls and a per-call timeout.
type Bounded struct {
	inner   Client
	sem     chan struct{} // nil means unlimited
	timeout time.Duration
}

// NewBounded wraps inner. maxConcurrent <= 0 means unlimited; timeout <= 0 means none.
func NewBounded(inner Client, maxConcurrent int, timeout time.Duration) *Bounded {
	var sem chan struct{}
	if maxConcurrent > 0 {
		sem = make(chan struct{}, maxConcurrent)
	}
	return &Bounded{inner: inner, sem: sem, timeout: timeout}
}

// Dispatch waits for a slot, then calls the inner client under the timeout.
// Exceeding the timeout is reported as ErrConnectivity.
func (b *Bounded) Dispatch(ctx context.Context, agentID string, env *Envelope) (*Ack, error) {
	if b.sem != nil {
		select {
		case b.sem <- struct{}{}:
			defer func() { <-b.sem }()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	callCtx := ctx
	if b.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	ack, err := b.inner.Dispatch(callCtx, agentID, env)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrConnectivity) {
		return nil, fmt.Errorf("%w: dispatch timed out after %s: %v", ErrConnectivity, b.timeout, err)
	}
	return ack, err
}

var _ Client = (*Bounded)(nil)
