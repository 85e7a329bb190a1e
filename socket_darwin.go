//go:build darwin

package sonicfd

import (
	"fmt"
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

	var level, opt int
	switch s.domain {
	case SocketDomainIPv4:
		level, opt = unix.IPPROTO_IP, unix.IP_BOUND_IF
	case SocketDomainIPv6:
		level, opt = unix.IPPROTO_IPV6, unix.IPV6_BOUND_IF
	default:
		return fmt.Errorf("cannot bind a %s socket to a device", s.domain)
	}

	if err := unix.SetsockoptInt(s.state.handle, level, opt, iff.Index); err != nil {
		return os.NewSyscallError("bind_to_device", err)
	}

	s.boundInterface = iff
	return nil
}
