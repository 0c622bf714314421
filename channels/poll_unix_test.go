//go:build linux
// +build linux

package channels

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestEpollPollerReadAndHangup(t *testing.T) {
	p, err := newEpollPoller()
	require.NoError(t, err)
	defer p.Close()

	fds := make([]int, 2)
	require.NoError(t, unix.Pipe(fds))
	defer unix.Close(fds[0])

	require.NoError(t, p.AddRead(fds[0]))

	// Nothing written yet: the bounded wait times out empty.
	events, err := p.Wait(10 * time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	events, err = p.Wait(time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, fds[0], events[0].FD)
	assert.NotZero(t, events[0].Types&EventRead)

	// Closing the write end reports hang-up alongside the unread data.
	require.NoError(t, unix.Close(fds[1]))
	events, err = p.Wait(time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotZero(t, events[0].Types&EventHup)

	require.NoError(t, p.Delete(fds[0]))
	events, err = p.Wait(10 * time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestEpollPollerDeleteUnknownFdIsNoop(t *testing.T) {
	p, err := newEpollPoller()
	require.NoError(t, err)
	defer p.Close()

	assert.NoError(t, p.Delete(12345))
}

func TestEpollPollerReAddModifiesRegistration(t *testing.T) {
	p, err := newEpollPoller()
	require.NoError(t, err)
	defer p.Close()

	fds := make([]int, 2)
	require.NoError(t, unix.Pipe(fds))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	require.NoError(t, p.AddRead(fds[0]))
	// Registering the same fd twice must not fail with EEXIST.
	require.NoError(t, p.AddRead(fds[0]))
}
