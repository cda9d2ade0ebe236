package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrTimeout        = errors.New("timed out waiting for response")
	ErrInterrupted    = errors.New("interrupted while waiting for response")
	ErrCorrelatorUsed = errors.New("correlator has already been waited on")
)

// ResponseCorrelator pairs exactly one Deliver with exactly one Wait. Whichever side
// arrives first blocks until the other side arrives or the waiter gives up.
type ResponseCorrelator[T any] struct {
	ch        chan T
	abandoned chan struct{}
	abandon   sync.Once
	delivered atomic.Bool
	waited    atomic.Bool
}

func NewResponseCorrelator[T any]() *ResponseCorrelator[T] {
	return &ResponseCorrelator[T]{
		ch:        make(chan T),
		abandoned: make(chan struct{}),
	}
}

// Deliver hands v to the waiter. It returns false if the waiter gave up or a value was already delivered.
func (c *ResponseCorrelator[T]) Deliver(v T) bool {
	if c.delivered.Swap(true) {
		return false
	}
	select {
	case c.ch <- v:
		return true
	case <-c.abandoned:
		return false
	}
}

func (c *ResponseCorrelator[T]) Wait(timeout time.Duration) (T, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.WaitContext(ctx)
}

// WaitContext blocks until a value is delivered or ctx is done. An expired deadline
// yields ErrTimeout, any other cancellation ErrInterrupted.
func (c *ResponseCorrelator[T]) WaitContext(ctx context.Context) (T, error) {
	var zero T
	if c.waited.Swap(true) {
		return zero, ErrCorrelatorUsed
	}
	select {
	case v := <-c.ch:
		return v, nil
	case <-ctx.Done():
		c.abandon.Do(func() { close(c.abandoned) })
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, ErrTimeout
		}
		return zero, ErrInterrupted
	}
}
