package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEnv(t *testing.T) (*State, chan func(*State) error, context.CancelCauseFunc) {
	ctx, cancel := context.WithCancelCause(context.Background())
	t.Cleanup(func() { cancel(nil) })
	dispatch := make(chan func(*State) error, 10)
	s := &State{
		Env: &Env{
			DispatchChannel: dispatch,
			Context:         ctx,
			Cancel:          cancel,
		},
	}
	return s, dispatch, cancel
}

// runLoop executes dispatched functions until the context ends
func runLoop(s *State, dispatch chan func(*State) error) {
	for {
		select {
		case f := <-dispatch:
			_ = f(s)
		case <-s.Context.Done():
			return
		}
	}
}

func TestDispatchWait(t *testing.T) {
	s, dispatch, _ := newTestEnv(t)
	go runLoop(s, dispatch)

	res, err := s.DispatchWait(func(s *State) (any, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, res)

	sentinel := errors.New("boom")
	_, err = s.DispatchWait(func(s *State) (any, error) {
		return nil, sentinel
	})
	assert.ErrorIs(t, err, sentinel)
}

func TestDispatchWaitCancelled(t *testing.T) {
	s, _, cancel := newTestEnv(t)
	cancel(errors.New("stopped"))

	// nothing drains the channel, so only the cancelled context can end the wait
	_, err := s.DispatchWait(func(s *State) (any, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScheduleTaskAfterCancel(t *testing.T) {
	s, dispatch, cancel := newTestEnv(t)
	s.ScheduleTask(func(s *State) error {
		return nil
	}, 20*time.Millisecond)
	cancel(nil)

	time.Sleep(60 * time.Millisecond)
	assert.Len(t, dispatch, 0, "a task scheduled before cancellation must not be dispatched after it")
}

func TestRepeatTaskRuns(t *testing.T) {
	s, dispatch, cancel := newTestEnv(t)
	count := 0
	s.RepeatTask(func(s *State) error {
		if s.Context.Err() != nil {
			return nil
		}
		count++
		if count == 3 {
			cancel(nil)
		}
		return nil
	}, 10*time.Millisecond)

	runLoop(s, dispatch)
	assert.Equal(t, 3, count)
}

func TestRepeatTaskDisabled(t *testing.T) {
	s, dispatch, _ := newTestEnv(t)
	s.RepeatTask(func(s *State) error {
		return nil
	}, 0)
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, dispatch, 0)
}
