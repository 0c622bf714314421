package channels

import (
	"errors"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitNoIntrRetriesInterruptions(t *testing.T) {
	var timeouts []time.Duration
	calls := 0
	wait := func(timeout time.Duration) ([]Event, error) {
		timeouts = append(timeouts, timeout)
		calls++
		if calls < 4 {
			return nil, syscall.EINTR
		}
		return []Event{{FD: 7, Types: EventRead}}, nil
	}

	events, err := WaitNoIntr(wait, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []Event{{FD: 7, Types: EventRead}}, events)
	assert.Equal(t, 4, calls)

	// The recomputed budget shrinks, never grows.
	for i := 1; i < len(timeouts); i++ {
		assert.LessOrEqual(t, timeouts[i], timeouts[i-1])
	}
}

func TestWaitNoIntrBudgetNeverExtends(t *testing.T) {
	calls := 0
	wait := func(timeout time.Duration) ([]Event, error) {
		calls++
		if calls == 1 {
			assert.Equal(t, 10*time.Millisecond, timeout)
			time.Sleep(15 * time.Millisecond)
			return nil, syscall.EINTR
		}
		// Interrupted past the deadline: the retry must not wait at all.
		assert.Equal(t, time.Duration(0), timeout)
		return nil, nil
	}

	_, err := WaitNoIntr(wait, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestWaitNoIntrIndefiniteTimeoutKept(t *testing.T) {
	calls := 0
	wait := func(timeout time.Duration) ([]Event, error) {
		calls++
		assert.Equal(t, time.Duration(-1), timeout)
		if calls < 3 {
			return nil, syscall.EINTR
		}
		return nil, nil
	}

	_, err := WaitNoIntr(wait, -1)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWaitNoIntrUnwrapsWrappedInterruption(t *testing.T) {
	calls := 0
	wait := func(timeout time.Duration) ([]Event, error) {
		calls++
		if calls == 1 {
			return nil, os.NewSyscallError("epoll_wait", syscall.EINTR)
		}
		return nil, nil
	}

	_, err := WaitNoIntr(wait, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestWaitNoIntrPropagatesOtherErrors(t *testing.T) {
	wantErr := errors.New("poller torn down")
	calls := 0
	wait := func(timeout time.Duration) ([]Event, error) {
		calls++
		return nil, wantErr
	}

	_, err := WaitNoIntr(wait, time.Second)
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 1, calls)
}
