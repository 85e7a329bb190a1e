//go:build linux || darwin || freebsd

package internal

import (
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

// ResolveSockaddr resolves addr on network ("tcp", "tcp4", "tcp6", "udp", "udp4", "udp6", "unix") into the
// socket domain and sockaddr needed to bind or connect.
func ResolveSockaddr(network, addr string) (domain int, sa unix.Sockaddr, err error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
		tcpAddr, err := net.ResolveTCPAddr(network, addr)
		if err != nil {
			return -1, nil, err
		}
		domain, sa = ToSockaddr(tcpAddr.AddrPort())
		return domain, sa, nil
	case "udp", "udp4", "udp6":
		udpAddr, err := net.ResolveUDPAddr(network, addr)
		if err != nil {
			return -1, nil, err
		}
		domain, sa = ToSockaddr(udpAddr.AddrPort())
		return domain, sa, nil
	case "unix":
		return unix.AF_UNIX, &unix.SockaddrUnix{Name: addr}, nil
	default:
		return -1, nil, fmt.Errorf("unknown network %s", network)
	}
}

func ToSockaddr(addrPort netip.AddrPort) (int, unix.Sockaddr) {
	addr := addrPort.Addr()
	if !addr.IsValid() {
		return unix.AF_INET, &unix.SockaddrInet4{Port: int(addrPort.Port())}
	}
	if addr.Is4() || addr.Is4In6() {
		return unix.AF_INET, &unix.SockaddrInet4{
			Port: int(addrPort.Port()),
			Addr: addr.Unmap().As4(),
		}
	}
	return unix.AF_INET6, &unix.SockaddrInet6{
		Port: int(addrPort.Port()),
		Addr: addr.As16(),
	}
}

// FromSockaddr converts sa into a net.Addr. typ is the socket type, used to tell TCP from UDP peers.
func FromSockaddr(sa unix.Sockaddr, typ int) net.Addr {
	var addrPort netip.AddrPort
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		addrPort = netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		addrPort = netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrUnix:
		return &net.UnixAddr{Name: sa.Name, Net: "unix"}
	default:
		return nil
	}

	if typ == unix.SOCK_DGRAM {
		return net.UDPAddrFromAddrPort(addrPort)
	}
	return net.TCPAddrFromAddrPort(addrPort)
}
