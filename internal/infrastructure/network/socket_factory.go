package network

import (
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

const listenBacklog = 1024

// ListenTCP opens a non-blocking listening socket on addr. An IPv6 address
// gets an AF_INET6 socket; everything else is AF_INET.
func ListenTCP(addr netip.AddrPort) (int, error) {
	fd, err := newSocket(addr.Addr(), unix.SOCK_STREAM)
	if err != nil {
		return -1, err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}

	if err := unix.Bind(fd, Sockaddr(addr)); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind %s: %w", addr, err)
	}

	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen %s: %w", addr, err)
	}

	return fd, nil
}

// Accept accepts one pending connection as a non-blocking socket. It returns
// unix.EAGAIN when the backlog is empty.
func Accept(lfd int) (int, netip.AddrPort, error) {
	nfd, sa, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, netip.AddrPort{}, err
	}
	return nfd, AddrPort(sa), nil
}

// ConnectTCP starts a non-blocking connect to addr. A nil error means the
// connect is in progress or already complete; completion is signalled by
// write readiness and confirmed with ConnectError.
func ConnectTCP(addr netip.AddrPort) (int, error) {
	fd, err := newSocket(addr.Addr(), unix.SOCK_STREAM)
	if err != nil {
		return -1, err
	}

	err = unix.Connect(fd, Sockaddr(addr))
	if err != nil && !errors.Is(err, unix.EINPROGRESS) {
		unix.Close(fd)
		return -1, fmt.Errorf("connect %s: %w", addr, err)
	}
	return fd, nil
}

// ConnectError returns the pending error of a non-blocking connect.
func ConnectError(fd int) error {
	val, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("getsockopt SO_ERROR: %w", err)
	}
	if val != 0 {
		return unix.Errno(val)
	}
	return nil
}

// DialUDP returns a non-blocking UDP socket connected to addr.
func DialUDP(addr netip.AddrPort) (int, error) {
	fd, err := newSocket(addr.Addr(), unix.SOCK_DGRAM)
	if err != nil {
		return -1, err
	}
	if err := unix.Connect(fd, Sockaddr(addr)); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("connect udp %s: %w", addr, err)
	}
	return fd, nil
}

// LocalAddr returns the bound address of fd.
func LocalAddr(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("getsockname: %w", err)
	}
	return AddrPort(sa), nil
}

// Sockaddr converts addr into the matching unix.Sockaddr.
func Sockaddr(addr netip.AddrPort) unix.Sockaddr {
	ip := addr.Addr()
	if !ip.IsValid() {
		return &unix.SockaddrInet4{Port: int(addr.Port())}
	}
	if ip.Is4() || ip.Is4In6() {
		return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: ip.Unmap().As4()}
	}
	return &unix.SockaddrInet6{Port: int(addr.Port()), Addr: ip.As16()}
}

// AddrPort converts an inet sockaddr; other families yield the zero value.
func AddrPort(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port))
	default:
		return netip.AddrPort{}
	}
}

func newSocket(ip netip.Addr, typ int) (int, error) {
	family := unix.AF_INET
	if ip.Is6() && !ip.Is4In6() {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, typ|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	return fd, nil
}
