// Package epoll implements the runtime host: a single-threaded
// asynchronous I/O executor built directly on Linux epoll. The Acceptor
// and every Session run as callbacks dispatched from Run's loop; no
// Session state is ever touched from more than one goroutine, because
// there is only one goroutine.
package epoll

import (
	"errors"

	"golang.org/x/sys/unix"

	"socks5proxy/internal/domain"
)

// LinuxEventLoop is an edge-triggered epoll event loop.
type LinuxEventLoop struct {
	epollFD int
	stopped bool
}

// New creates an epoll instance. The returned loop owns epollFD until Stop.
func New() (*LinuxEventLoop, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &LinuxEventLoop{epollFD: fd}, nil
}

// Register arms fd for the given events, edge-triggered.
func (l *LinuxEventLoop) Register(fd int, events domain.EventType) error {
	evt := &unix.EpollEvent{
		Events: uint32(events) | unix.EPOLLET,
		Fd:     int32(fd),
	}
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_ADD, fd, evt)
}

// Modify re-arms fd with a new event mask, edge-triggered.
func (l *LinuxEventLoop) Modify(fd int, events domain.EventType) error {
	evt := &unix.EpollEvent{
		Events: uint32(events) | unix.EPOLLET,
		Fd:     int32(fd),
	}
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_MOD, fd, evt)
}

// Unregister disarms fd. Safe to call on an already-closed fd; ENOENT and
// EBADF are swallowed since the net effect — fd no longer dispatches — is
// already true.
func (l *LinuxEventLoop) Unregister(fd int) error {
	err := unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_DEL, fd, nil)
	if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF) {
		return nil
	}
	return err
}

// Run blocks dispatching readiness events to handler until Stop is called
// or EpollWait returns an unrecoverable error.
func (l *LinuxEventLoop) Run(handler domain.EventHandler) error {
	events := make([]unix.EpollEvent, 128)
	for !l.stopped {
		n, err := unix.EpollWait(l.epollFD, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if l.stopped {
				return nil
			}
			return err
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			evMask := events[i].Events

			var domainEv domain.EventType
			if evMask&unix.EPOLLIN != 0 {
				domainEv |= domain.EventRead
			}
			if evMask&unix.EPOLLOUT != 0 {
				domainEv |= domain.EventWrite
			}
			if evMask&unix.EPOLLHUP != 0 {
				domainEv |= domain.EventHup
			}
			if evMask&unix.EPOLLERR != 0 {
				domainEv |= domain.EventErr
			}

			// A handler error is discarded: it neither stops the loop
			// nor reaches the handling of any other fd.
			_ = handler.HandleEvent(fd, domainEv)
		}
	}
	return nil
}

// Stop releases the epoll instance. Run returns shortly afterward once its
// in-flight EpollWait call (if any) unblocks.
func (l *LinuxEventLoop) Stop() {
	l.stopped = true
	unix.Close(l.epollFD)
}
