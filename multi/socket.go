package multi

import (
	"net"
	"strconv"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// dial starts a non-blocking connect to ip:port. The connection is established once the socket
// becomes writable, connectResult tells whether it succeeded.
func dial(ip net.IP, port int) (int, error) {
	domain, sa := sockaddr(ip, port)

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}

	unix.CloseOnExec(fd)

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "set non-blocking")
	}

	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "set TCP_NODELAY")
	}

	err = unix.Connect(fd, sa)
	if err != nil && !errors.Is(err, unix.EINPROGRESS) && !errors.Is(err, unix.EINTR) {
		unix.Close(fd)
		return -1, errors.Wrapf(err, "connect to %s", net.JoinHostPort(ip.String(), strconv.Itoa(port)))
	}

	return fd, nil
}

func connectResult(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return errors.Wrap(err, "get SO_ERROR")
	}

	if errno != 0 {
		return errors.Wrap(unix.Errno(errno), "connect")
	}

	return nil
}

func sockaddr(ip net.IP, port int) (int, unix.Sockaddr) {
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)

		return unix.AF_INET, sa
	}

	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())

	return unix.AF_INET6, sa
}
