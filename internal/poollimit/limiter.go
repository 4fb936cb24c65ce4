/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package poollimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrWaitTimeout is returned by Acquire when no slot became free before the
// configured wait limit elapsed.
var ErrWaitTimeout = errors.New("poollimit: timed out waiting for a free connection slot")

// Limiter bounds concurrent access to a fixed-size resource (a backend
// connection pool) and caps how long a caller will wait for a free slot.
type Limiter struct {
	slots       chan struct{}
	waitTimeout time.Duration
}

// New creates a Limiter admitting at most size concurrent holders, each
// waiting at most waitTimeout for a free slot before Acquire fails.
func New(size int, waitTimeout time.Duration) (*Limiter, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", size)
	}
	if waitTimeout < 0 {
		return nil, fmt.Errorf("wait timeout must not be negative")
	}
	return &Limiter{slots: make(chan struct{}, size), waitTimeout: waitTimeout}, nil
}

// Acquire blocks until a slot is free, the wait timeout elapses, or ctx is
// done, whichever happens first. On success, release must be called exactly
// once to return the slot.
func (l *Limiter) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case l.slots <- struct{}{}:
		return l.releaseFunc(), nil
	default:
	}

	timer := time.NewTimer(l.waitTimeout)
	defer timer.Stop()

	select {
	case l.slots <- struct{}{}:
		return l.releaseFunc(), nil
	case <-timer.C:
		return nil, ErrWaitTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Limiter) releaseFunc() func() {
	released := false
	return func() {
		if released {
			return
		}
		released = true
		<-l.slots
	}
}

// InUse returns the number of slots currently held, for diagnostics.
func (l *Limiter) InUse() int {
	return len(l.slots)
}
