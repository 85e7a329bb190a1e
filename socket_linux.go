//go:build linux

package sonicfd

import (
	"net"
	"os"

	"github.com/talostrading/sonicfd/sonicerrors"
	"golang.org/x/sys/unix"
)

// BindToDevice restricts the Socket to the network interface with the given name.
func (s *Socket) BindToDevice(name string) error {
	if !s.state.IsOpen() {
		return sonicerrors.ErrBadDescriptor
	}

	iff, err := net.InterfaceByName(name)
	if err != nil {
		return err
	}

	if err := unix.SetsockoptString(
		s.state.handle,
		unix.SOL_SOCKET,
		unix.SO_BINDTODEVICE,
		iff.Name,
	); err != nil {
		return os.NewSyscallError("bind_to_device", err)
	}

	s.boundInterface = iff
	return nil
}
