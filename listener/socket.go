package listener

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/nabbar/tcpsession/socketerr"
)

// bindListen creates a non-blocking TCP socket, binds it to ip:port, and
// places it in listen mode with a backlog of 1 — sufficient for the
// control-plane session counts this engine targets. Grounded on
// olsr_stream_add's os_net_getsocket + listen(s, 1) sequence.
func bindListen(ip net.IP, port uint16) (int, error) {
	family, sa, err := toSockaddr(ip, port)
	if err != nil {
		return -1, err
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, socketerr.Wrap(err, "socket")
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, socketerr.Wrap(err, "setsockopt(SO_REUSEADDR)")
	}

	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, socketerr.Wrap(err, "bind")
	}

	if err := unix.Listen(fd, 1); err != nil {
		_ = unix.Close(fd)
		return -1, socketerr.Wrap(err, "listen")
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, socketerr.Wrap(err, "set nonblock")
	}

	return fd, nil
}

// dialNonblocking creates a non-blocking TCP socket and issues a
// non-blocking connect to ip:port, reporting whether the connect is
// still in progress (olsr_stream_connect_to's EINPROGRESS handling).
func dialNonblocking(ip net.IP, port uint16) (fd int, waitForConnect bool, err error) {
	family, sa, err := toSockaddr(ip, port)
	if err != nil {
		return -1, false, err
	}

	fd, err = unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, false, socketerr.Wrap(err, "socket")
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, false, socketerr.Wrap(err, "set nonblock")
	}

	err = unix.Connect(fd, sa)
	if err == nil {
		return fd, false, nil
	}
	if err == unix.EINPROGRESS {
		return fd, true, nil
	}

	_ = unix.Close(fd)
	return -1, false, socketerr.Wrap(err, "connect")
}

func toSockaddr(ip net.IP, port uint16) (int, unix.Sockaddr, error) {
	if v4 := ip.To4(); v4 != nil {
		var addr [4]byte
		copy(addr[:], v4)
		return unix.AF_INET, &unix.SockaddrInet4{Port: int(port), Addr: addr}, nil
	}
	if v6 := ip.To16(); v6 != nil {
		var addr [16]byte
		copy(addr[:], v6)
		return unix.AF_INET6, &unix.SockaddrInet6{Port: int(port), Addr: addr}, nil
	}
	return 0, nil, socketerr.ErrBadFamily
}

func sockaddrToNetAddr(sa unix.Sockaddr) net.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	default:
		return nil
	}
}
