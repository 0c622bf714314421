//go:build linux
// +build linux

package guest

import (
	"bytes"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/fzft/go-vmchannels/channels"
	"github.com/fzft/go-vmchannels/log"
)

// MessageFunc receives every complete newline-framed message read from a
// guest agent, together with the VM it belongs to.
type MessageFunc func(vm string, line []byte)

// TimeoutFunc is told that a VM's agent went silent past the listener window.
type TimeoutFunc func(vm string)

// Channel is one VM's guest-agent connection: a non-blocking unix stream
// socket driven entirely by the channels listener. Create runs on the
// registering goroutine once; everything else runs on the loop goroutine.
type Channel struct {
	vm   string
	path string
	fd   int

	buf bytes.Buffer

	onMessage MessageFunc
	onTimeout TimeoutFunc
}

func NewChannel(vm, path string, onMessage MessageFunc, onTimeout TimeoutFunc) *Channel {
	return &Channel{vm: vm, path: path, fd: -1, onMessage: onMessage, onTimeout: onTimeout}
}

// Callbacks adapts the channel to the listener's callback contract, with the
// channel itself as the opaque value.
func (c *Channel) Callbacks() channels.Callbacks {
	return channels.Callbacks{
		Create:  func(opaque any) (int, error) { return opaque.(*Channel).create() },
		Connect: func(opaque any) bool { return opaque.(*Channel).connect() },
		Read:    func(opaque any) bool { return opaque.(*Channel).read() },
		Timeout: func(opaque any) { opaque.(*Channel).timeout() },
	}
}

// Register adds the channel to the listener and returns its descriptor.
func (c *Channel) Register(l *channels.Listener) (int, error) {
	return l.Register(c.Callbacks(), c)
}

func (c *Channel) VM() string {
	return c.vm
}

func (c *Channel) Fd() int {
	return c.fd
}

// Close releases the descriptor once the channel has been unregistered.
func (c *Channel) Close() error {
	err := CloseFd(c.fd)
	c.fd = -1
	return err
}

// create replaces any previous descriptor with a fresh non-blocking socket.
func (c *Channel) create() (int, error) {
	if err := CloseFd(c.fd); err != nil {
		log.Logger.Debug("failed to close stale fd", zap.Int("fd", c.fd), zap.Error(err))
	}
	c.fd = -1
	c.buf.Reset()

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, os.NewSyscallError("socket", err)
	}
	c.fd = fd
	return fd, nil
}

func (c *Channel) connect() bool {
	err := unix.Connect(c.fd, &unix.SockaddrUnix{Name: c.path})
	switch err {
	case nil, unix.EISCONN:
		log.Logger.Debug("guest channel connected",
			zap.String("vm", c.vm), zap.Int("fd", c.fd), zap.String("path", c.path))
		return true
	case unix.EINPROGRESS, unix.EALREADY, unix.EAGAIN, unix.EINTR:
		return false
	default:
		log.Logger.Debug("guest channel connect failed",
			zap.String("vm", c.vm), zap.String("path", c.path), zap.Error(err))
		return false
	}
}

// read drains the socket until it would block, then hands every complete
// line to the consumer. EOF or a hard read error reports the channel
// unhealthy so the listener reconnects it.
func (c *Channel) read() bool {
	readBuffer := make([]byte, 4096)
	for {
		n, err := unix.Read(c.fd, readBuffer)
		if n > 0 {
			c.buf.Write(readBuffer[:n])
		}
		if n == 0 && err == nil {
			// Peer closed the socket.
			c.dispatchLines()
			return false
		}
		if err != nil {
			if isTemporaryError(err) {
				break
			}
			log.Logger.Debug("guest channel read failed",
				zap.String("vm", c.vm), zap.Error(err))
			return false
		}
	}
	c.dispatchLines()
	return true
}

func (c *Channel) dispatchLines() {
	for {
		data := c.buf.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			// Partial line: kept for the next read.
			return
		}
		line := make([]byte, i)
		copy(line, data[:i])
		c.buf.Next(i + 1)

		line = bytes.TrimRight(line, "\r")
		if len(line) == 0 {
			continue
		}
		if c.onMessage != nil {
			c.onMessage(c.vm, line)
		}
	}
}

func (c *Channel) timeout() {
	log.Logger.Info("guest channel timed out", zap.String("vm", c.vm))
	if c.onTimeout != nil {
		c.onTimeout(c.vm)
	}
}
