package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestCorrelatorDeliverFirst(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := NewResponseCorrelator[int]()
	delivered := make(chan bool)
	go func() { delivered <- c.Deliver(42) }()

	// the deliverer blocks until the waiter shows up
	select {
	case <-delivered:
		t.Fatal("deliver returned before anyone waited")
	case <-time.After(20 * time.Millisecond):
	}

	v, err := c.Wait(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.True(t, <-delivered)
}

func TestCorrelatorWaitFirst(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := NewResponseCorrelator[string]()
	go func() {
		time.Sleep(20 * time.Millisecond)
		c.Deliver("pong")
	}()
	v, err := c.Wait(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pong", v)
}

func TestCorrelatorExactlyOnce(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := NewResponseCorrelator[int]()
	go c.Deliver(1)
	v, err := c.Wait(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	assert.False(t, c.Deliver(2))
	_, err = c.Wait(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrCorrelatorUsed)
}

func TestCorrelatorTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := NewResponseCorrelator[int]()
	start := time.Now()
	_, err := c.Wait(30 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	// a late delivery must not hang once the waiter gave up
	done := make(chan bool)
	go func() { done <- c.Deliver(7) }()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(waitFor):
		t.Fatal("late delivery blocked")
	}
}

func TestCorrelatorInterrupted(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := NewResponseCorrelator[int]()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := c.WaitContext(ctx)
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.False(t, c.Deliver(1))
}
