//go:build linux

package internal

import (
	"encoding/binary"
	"os"

	"golang.org/x/sys/unix"
)

// EventFd wakes up a Poller blocked in epoll_wait.
type EventFd struct {
	fd int
	b  [8]byte
}

func NewEventFd(nonBlocking bool) (*EventFd, error) {
	flags := unix.EFD_CLOEXEC
	if nonBlocking {
		flags |= unix.EFD_NONBLOCK
	}

	fd, err := unix.Eventfd(0, flags)
	if err != nil {
		return nil, os.NewSyscallError("eventfd", err)
	}
	return &EventFd{fd: fd}, nil
}

// Write adds x to the eventfd counter. Not safe for concurrent use.
func (e *EventFd) Write(x uint64) (int, error) {
	binary.NativeEndian.PutUint64(e.b[:], x)
	return unix.Write(e.fd, e.b[:])
}

func (e *EventFd) Read(b []byte) (int, error) {
	return unix.Read(e.fd, b)
}

func (e *EventFd) Fd() int {
	return e.fd
}

func (e *EventFd) Close() error {
	return unix.Close(e.fd)
}
