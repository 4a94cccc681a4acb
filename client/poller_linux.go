//go:build linux

package client

import (
	"encoding/binary"

	"github.com/advdv/h2mux/multi"
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// poller waits for socket readiness with epoll. Sockets are registered one-shot: after an event
// was reported the descriptor stays disabled until it is armed again.
type poller struct {
	epfd   int
	wakefd int
	events []unix.EpollEvent
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll create")
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, errors.Wrap(err, "eventfd")
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)

		return nil, errors.Wrap(err, "epoll add wake descriptor")
	}

	return &poller{epfd: epfd, wakefd: wakefd, events: make([]unix.EpollEvent, 128)}, nil
}

// arm enables one event for fd with the given interest.
func (p *poller) arm(fd int, what multi.Poll, registered bool) error {
	op := unix.EPOLL_CTL_MOD
	if !registered {
		op = unix.EPOLL_CTL_ADD
	}

	ev := unix.EpollEvent{Events: unix.EPOLLONESHOT, Fd: int32(fd)}
	switch what {
	case multi.PollIn:
		ev.Events |= unix.EPOLLIN
	case multi.PollOut:
		ev.Events |= unix.EPOLLOUT
	case multi.PollInOut:
		ev.Events |= unix.EPOLLIN | unix.EPOLLOUT
	}

	if err := unix.EpollCtl(p.epfd, op, fd, &ev); err != nil {
		return errors.Wrapf(err, "epoll arm fd %d for %s", fd, what)
	}

	return nil
}

func (p *poller) disarm(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, &unix.EpollEvent{}); err != nil {
		return errors.Wrapf(err, "epoll remove fd %d", fd)
	}

	return nil
}

// wait blocks until at least one socket is ready or wake was called. The ready sockets are
// appended to out.
func (p *poller) wait(out []readiness) ([]readiness, error) {
	n, err := unix.EpollWait(p.epfd, p.events, -1)
	if errors.Is(err, unix.EINTR) {
		return out, nil
	} else if err != nil {
		return out, errors.Wrap(err, "epoll wait")
	}

	for _, e := range p.events[:n] {
		if int(e.Fd) == p.wakefd {
			var buf [8]byte
			unix.Read(p.wakefd, buf[:])

			continue
		}

		var ev multi.Event
		if e.Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP) != 0 {
			ev |= multi.EventIn
		}

		if e.Events&unix.EPOLLOUT != 0 {
			ev |= multi.EventOut
		}

		if e.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			ev |= multi.EventErr
		}

		out = append(out, readiness{fd: int(e.Fd), ev: ev})
	}

	return out, nil
}

// wake interrupts a blocked wait.
func (p *poller) wake() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)

	if _, err := unix.Write(p.wakefd, buf[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		return errors.Wrap(err, "write wake descriptor")
	}

	return nil
}

func (p *poller) close() error {
	return errors.CombineErrors(unix.Close(p.wakefd), unix.Close(p.epfd))
}
