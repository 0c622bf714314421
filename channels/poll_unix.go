//go:build linux
// +build linux

package channels

import (
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/fzft/go-vmchannels/log"
)

const (
	readEvents     = unix.EPOLLPRI | unix.EPOLLIN
	maxEpollEvents = 128
)

func newPoller() (Poller, error) {
	return newEpollPoller()
}

// epollPoller is a thin wrapper around a level-triggered epoll instance. It
// keeps track of the fds that are registered so that re-registering an fd
// turns into a modify and deleting an unknown fd is a no-op.
type epollPoller struct {
	epollFd  int
	epollSet map[int]uint32
	events   []unix.EpollEvent
}

func newEpollPoller() (*epollPoller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		log.Logger.Error("Failed to create epoll", zap.Error(err))
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &epollPoller{
		epollFd:  epfd,
		epollSet: make(map[int]uint32),
		events:   make([]unix.EpollEvent, maxEpollEvents),
	}, nil
}

func (p *epollPoller) AddRead(fd int) (err error) {
	ev := &unix.EpollEvent{Fd: int32(fd), Events: readEvents}
	if _, ok := p.epollSet[fd]; ok {
		err = os.NewSyscallError("epoll_ctl mod",
			unix.EpollCtl(p.epollFd, unix.EPOLL_CTL_MOD, fd, ev))
	} else {
		err = os.NewSyscallError("epoll_ctl add",
			unix.EpollCtl(p.epollFd, unix.EPOLL_CTL_ADD, fd, ev))
	}
	if err != nil {
		return err
	}
	p.epollSet[fd] = readEvents
	return nil
}

func (p *epollPoller) Delete(fd int) error {
	if _, ok := p.epollSet[fd]; !ok {
		return nil
	}
	delete(p.epollSet, fd)
	return os.NewSyscallError("epoll_ctl del",
		unix.EpollCtl(p.epollFd, unix.EPOLL_CTL_DEL, fd, nil))
}

func (p *epollPoller) Wait(timeout time.Duration) ([]Event, error) {
	msec := -1
	if timeout >= 0 {
		msec = int(timeout / time.Millisecond)
	}

	n, err := unix.EpollWait(p.epollFd, p.events, msec)
	if err != nil {
		// EINTR included: the retry policy lives in WaitNoIntr.
		return nil, os.NewSyscallError("epoll_wait", err)
	}

	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		ev := &p.events[i]
		var types EventType
		if ev.Events&unix.EPOLLHUP != 0 {
			types |= EventHup
		}
		if ev.Events&unix.EPOLLERR != 0 {
			types |= EventErr
		}
		if ev.Events&readEvents != 0 {
			types |= EventRead
		}
		out = append(out, Event{FD: int(ev.Fd), Types: types})
	}
	return out, nil
}

func (p *epollPoller) Close() error {
	return unix.Close(p.epollFd)
}
