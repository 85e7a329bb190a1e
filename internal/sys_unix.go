//go:build linux || darwin || freebsd

package internal

import (
	"os"
	"syscall"

	"github.com/talostrading/sonicfd/sonicerrors"
	"golang.org/x/sys/unix"
)

// Syscalls is the default, OS backed, implementation of the syscalls the socket service depends on.
type Syscalls struct{}

func (Syscalls) SetNonblock(fd int, nonblocking bool) error {
	return SetNonblock(fd, nonblocking)
}

func (Syscalls) Close(fd int) error {
	return Close(fd)
}

func SetNonblock(fd int, nonblocking bool) error {
	if err := unix.SetNonblock(fd, nonblocking); err != nil {
		return os.NewSyscallError("set_nonblock", err)
	}
	return nil
}

func IsNonblocking(fd int) (bool, error) {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return false, os.NewSyscallError("fcntl", err)
	}
	return flags&unix.O_NONBLOCK != 0, nil
}

func Close(fd int) error {
	if err := unix.Close(fd); err != nil {
		return os.NewSyscallError("close", err)
	}
	return nil
}

// Read reads from fd. A would-block condition is reported as sonicerrors.ErrWouldBlock. A zero-byte result is
// returned as is: only the caller knows whether it is an orderly shutdown or an empty datagram.
func Read(fd int, b []byte) (int, error) {
	for {
		n, err := unix.Read(fd, b)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				return 0, sonicerrors.ErrWouldBlock
			}
			return 0, err
		}

		return n, nil
	}
}

// Peek is Read without removing the data from the receive queue.
func Peek(fd int, b []byte) (int, error) {
	for {
		n, _, err := unix.Recvfrom(fd, b, unix.MSG_PEEK)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				return 0, sonicerrors.ErrWouldBlock
			}
			return 0, err
		}

		return n, nil
	}
}

func Write(fd int, b []byte) (int, error) {
	for {
		n, err := unix.Write(fd, b)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				return 0, sonicerrors.ErrWouldBlock
			}
			return 0, err
		}

		if n < 0 {
			n = 0
		}

		return n, nil
	}
}

// Accept accepts a connection on the listening fd. The returned fd has close-on-exec set.
//
// An aborted connection is reported as sonicerrors.ErrWouldBlock: the listener is still fine and the caller
// should wait for the next one.
func Accept(fd int) (int, unix.Sockaddr, error) {
	for {
		syscall.ForkLock.RLock()
		nfd, sa, err := unix.Accept(fd)
		if err == nil {
			unix.CloseOnExec(nfd)
		}
		syscall.ForkLock.RUnlock()

		if err != nil {
			switch err {
			case unix.EINTR:
				continue
			case unix.EAGAIN, unix.ECONNABORTED:
				return -1, nil, sonicerrors.ErrWouldBlock
			}
			return -1, nil, os.NewSyscallError("accept", err)
		}

		return nfd, sa, nil
	}
}

// Connect initiates a connection. A connection which is under way is reported as EINPROGRESS, including one
// interrupted by a signal, as retrying the call would then fail with EALREADY. Callers wait for writability and
// collect the outcome with SocketError. ECONNREFUSED is reported as sonicerrors.ErrConnRefused, the same as by
// SocketError.
func Connect(fd int, sa unix.Sockaddr) error {
	switch err := unix.Connect(fd, sa); err {
	case nil, unix.EISCONN:
		return nil
	case unix.EINPROGRESS, unix.EALREADY, unix.EINTR:
		return unix.EINPROGRESS
	case unix.ECONNREFUSED:
		return sonicerrors.ErrConnRefused
	default:
		return err
	}
}

// SocketError returns the pending error on fd, as reported by SO_ERROR.
func SocketError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return os.NewSyscallError("getsockopt", err)
	}
	if v != 0 {
		errno := unix.Errno(v)
		if errno == unix.ECONNREFUSED {
			return sonicerrors.ErrConnRefused
		}
		return errno
	}
	return nil
}

// WaitRead blocks until fd is readable.
func WaitRead(fd int) error {
	return wait(fd, unix.POLLIN)
}

// WaitWrite blocks until fd is writable.
func WaitWrite(fd int) error {
	return wait(fd, unix.POLLOUT)
}

func wait(fd int, events int16) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		if _, err := unix.Poll(fds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			return os.NewSyscallError("poll", err)
		}
		return nil
	}
}

// Available returns the number of bytes which can be read from fd without blocking.
func Available(fd int) (int, error) {
	n, err := unix.IoctlGetInt(fd, availableRequest)
	if err != nil {
		return 0, os.NewSyscallError("ioctl_available", err)
	}
	return n, nil
}

// AtMark reports whether the read pointer of fd is at the out-of-band mark.
func AtMark(fd int) (bool, error) {
	v, err := unix.IoctlGetInt(fd, unix.SIOCATMARK)
	if err != nil {
		return false, os.NewSyscallError("ioctl_siocatmark", err)
	}
	return v != 0, nil
}
