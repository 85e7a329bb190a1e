//go:build linux || darwin || freebsd

package internal

import (
	"fmt"
	"net"
	"os"
	"syscall"

	"github.com/talostrading/sonicfd/sonicopts"
	"golang.org/x/sys/unix"
)

var ListenBacklog int = 2048

// Socket creates a socket with close-on-exec set.
func Socket(domain, typ, proto int) (int, error) {
	syscall.ForkLock.RLock()
	fd, err := unix.Socket(domain, typ, proto)
	if err == nil {
		unix.CloseOnExec(fd)
	}
	syscall.ForkLock.RUnlock()

	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	return fd, nil
}

// Socketpair creates a pair of connected stream sockets with close-on-exec set.
func Socketpair() (fds [2]int, err error) {
	syscall.ForkLock.RLock()
	fds, err = unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err == nil {
		unix.CloseOnExec(fds[0])
		unix.CloseOnExec(fds[1])
	}
	syscall.ForkLock.RUnlock()

	if err != nil {
		return fds, os.NewSyscallError("socketpair", err)
	}
	return fds, nil
}

func Bind(fd int, sa unix.Sockaddr) error {
	if err := unix.Bind(fd, sa); err != nil {
		return os.NewSyscallError("bind", err)
	}
	return nil
}

func Listen(fd int, backlog int) error {
	if backlog <= 0 {
		backlog = ListenBacklog
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return os.NewSyscallError("listen", err)
	}
	return nil
}

// ApplyOpts applies the socket options to fd. Nonblocking is applied verbatim, callers who track the
// descriptor mode must filter it out first.
func ApplyOpts(fd int, opts ...sonicopts.Option) error {
	for _, opt := range opts {
		switch t := opt.Type(); t {
		case sonicopts.TypeNonblocking:
			if err := SetNonblock(fd, opt.Value().(bool)); err != nil {
				return err
			}
		case sonicopts.TypeReusePort:
			if err := setBool(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, opt.Value().(bool)); err != nil {
				return os.NewSyscallError(fmt.Sprintf("reuse_port(%v)", opt.Value()), err)
			}
		case sonicopts.TypeReuseAddr:
			if err := setBool(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, opt.Value().(bool)); err != nil {
				return os.NewSyscallError(fmt.Sprintf("reuse_address(%v)", opt.Value()), err)
			}
		case sonicopts.TypeNoDelay:
			if err := setBool(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, opt.Value().(bool)); err != nil {
				return os.NewSyscallError(fmt.Sprintf("tcp_no_delay(%v)", opt.Value()), err)
			}
		default:
			return fmt.Errorf("unsupported socket option %s", t)
		}
	}

	return nil
}

func setBool(fd, level, opt int, v bool) error {
	iv := 0
	if v {
		iv = 1
	}
	return unix.SetsockoptInt(fd, level, opt, iv)
}

func SocketAddress(fd int) (net.Addr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, os.NewSyscallError("getsockname", err)
	}
	return FromSockaddr(sa, SocketType(fd)), nil
}

func PeerAddress(fd int) (net.Addr, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return nil, os.NewSyscallError("getpeername", err)
	}
	return FromSockaddr(sa, SocketType(fd)), nil
}

// SocketType returns SO_TYPE of fd, or -1 if it cannot be determined.
func SocketType(fd int) int {
	typ, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil {
		return -1
	}
	return typ
}
