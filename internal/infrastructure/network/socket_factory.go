// Package network builds the raw non-blocking sockets the event loop
// dispatches on: the IPv4 listener, outbound IPv4/IPv6 connect attempts,
// and a UDP socket for outbound DNS queries.
package network

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// ListenTCP binds and listens on IPv4 0.0.0.0:port, non-blocking. IPv6
// listen sockets are an explicit non-goal.
func ListenTCP(port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return 0, err
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return 0, err
	}

	addr := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return 0, err
	}

	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return 0, err
	}

	return fd, nil
}

// BindUDP opens an unconnected, non-blocking UDP socket suitable for
// fire-and-forget DNS queries.
func BindUDP() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return 0, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return 0, err
	}
	return fd, nil
}

// DialNonblock starts a non-blocking TCP connect to ip:port. A true
// inProgress return means the connect is asynchronous (EINPROGRESS); the
// caller must register fd for EventWrite and call FinishConnect once
// writable. The socket's address family (IPv4 or IPv6) follows ip.
func DialNonblock(ip net.IP, port int) (fd int, inProgress bool, err error) {
	family := unix.AF_INET
	if ip.To4() == nil {
		family = unix.AF_INET6
	}

	fd, err = unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, false, err
	}
	if err = unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return 0, false, err
	}

	var sa unix.Sockaddr
	if family == unix.AF_INET {
		v4 := &unix.SockaddrInet4{Port: port}
		copy(v4.Addr[:], ip.To4())
		sa = v4
	} else {
		v6 := &unix.SockaddrInet6{Port: port}
		copy(v6.Addr[:], ip.To16())
		sa = v6
	}

	err = unix.Connect(fd, sa)
	if err == nil {
		return fd, false, nil
	}
	if err == unix.EINPROGRESS {
		return fd, true, nil
	}
	unix.Close(fd)
	return 0, false, err
}

// FinishConnect checks the deferred result of a non-blocking connect once
// fd has become writable, via SO_ERROR.
func FinishConnect(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// PeerAddr returns the remote address and port a connected socket fd is
// talking to. Used for WRITE_REPLY, which (per spec) reports the upstream
// peer's address rather than the server's local bound address.
func PeerAddr(fd int) (net.IP, int, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return nil, 0, err
	}
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(addr.Addr[:]), addr.Port, nil
	case *unix.SockaddrInet6:
		return net.IP(addr.Addr[:]), addr.Port, nil
	default:
		return nil, 0, fmt.Errorf("unsupported peer address type %T", sa)
	}
}
