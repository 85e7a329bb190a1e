package sonicfd

import (
	"fmt"
	"io"
	"net"
	"net/netip"

	"github.com/talostrading/sonicfd/internal"
	"github.com/talostrading/sonicfd/sonicerrors"
	"github.com/talostrading/sonicfd/sonicopts"
	"golang.org/x/sys/unix"
)

type SocketDomain int

const (
	SocketDomainUnix SocketDomain = iota
	SocketDomainIPv4
	SocketDomainIPv6
)

func (s SocketDomain) into() (int, error) {
	switch s {
	case SocketDomainUnix:
		return unix.AF_UNIX, nil
	case SocketDomainIPv4:
		return unix.AF_INET, nil
	case SocketDomainIPv6:
		return unix.AF_INET6, nil
	}
	return -1, fmt.Errorf("(socket domain not supported)")
}

func socketDomainFrom(domain int) SocketDomain {
	switch domain {
	case unix.AF_UNIX:
		return SocketDomainUnix
	case unix.AF_INET6:
		return SocketDomainIPv6
	default:
		return SocketDomainIPv4
	}
}

func SocketDomainFromIP(ip net.IP) SocketDomain {
	if ip.To4() != nil {
		return SocketDomainIPv4
	} else {
		return SocketDomainIPv6
	}
}

func (s SocketDomain) String() string {
	switch s {
	case SocketDomainUnix:
		return "unix"
	case SocketDomainIPv4:
		return "ipv4"
	case SocketDomainIPv6:
		return "ipv6"
	}
	return "(unknown domain)"
}

type SocketType int

const (
	SocketTypeStream SocketType = iota
	SocketTypeDatagram
	SocketRaw
)

func (s SocketType) into() (int, error) {
	switch s {
	case SocketTypeStream:
		return unix.SOCK_STREAM, nil
	case SocketTypeDatagram:
		return unix.SOCK_DGRAM, nil
	case SocketRaw:
		return unix.SOCK_RAW, nil
	}
	return -1, fmt.Errorf("(socket type not supported)")
}

func (s SocketType) flags() StateFlags {
	switch s {
	case SocketTypeStream:
		return FlagStreamOriented
	case SocketTypeDatagram:
		return FlagDatagramOriented
	}
	return 0
}

func (s SocketType) String() string {
	switch s {
	case SocketTypeStream:
		return "stream"
	case SocketTypeDatagram:
		return "datagram"
	case SocketRaw:
		return "raw"
	}
	return "(unknown type)"
}

type SocketProtocol int

const (
	SocketProtocolTCP SocketProtocol = iota
	SocketProtocolUDP
)

// into returns the protocol number for domain. Unix domain sockets only know the default protocol.
func (s SocketProtocol) into(domain SocketDomain) (int, error) {
	if domain == SocketDomainUnix {
		return 0, nil
	}

	switch s {
	case SocketProtocolTCP:
		return unix.IPPROTO_TCP, nil
	case SocketProtocolUDP:
		return unix.IPPROTO_UDP, nil
	}
	return -1, fmt.Errorf("(socket protocol not supported)")
}

func socketProtocolFrom(network string) SocketProtocol {
	switch network {
	case "udp", "udp4", "udp6":
		return SocketProtocolUDP
	default:
		return SocketProtocolTCP
	}
}

func (s SocketProtocol) String() string {
	switch s {
	case SocketProtocolTCP:
		return "tcp"
	case SocketProtocolUDP:
		return "udp"
	}
	return "(unknown type)"
}

var _ Stream = &Socket{}

// Socket is a stream or datagram socket whose descriptor is managed by the SocketService of an IO.
//
// A Socket is not safe for concurrent use. Asynchronous operations complete in the goroutine running the IO.
type Socket struct {
	ioc   *IO
	svc   *SocketService
	state DescriptorState

	domain         SocketDomain
	socketType     SocketType
	protocol       SocketProtocol
	boundInterface *net.Interface
}

// NewSocket returns a closed Socket. Open, Assign, Connect or an Acceptor bring it to life.
func NewSocket(ioc *IO) *Socket {
	s := &Socket{
		ioc: ioc,
		svc: ioc.Sockets(),
	}
	s.svc.Construct(&s.state)
	return s
}

func (s *Socket) Open(
	domain SocketDomain,
	socketType SocketType,
	protocol SocketProtocol,
) error {
	if s.state.IsOpen() {
		return sonicerrors.ErrAlreadyOpen
	}

	rawDomain, err := domain.into()
	if err != nil {
		return err
	}
	rawType, err := socketType.into()
	if err != nil {
		return err
	}
	rawProtocol, err := protocol.into(domain)
	if err != nil {
		return err
	}

	fd, err := internal.Socket(rawDomain, rawType, rawProtocol)
	if err != nil {
		return err
	}

	if err := s.svc.Attach(&s.state, fd, socketType.flags()); err != nil {
		_ = internal.Close(fd)
		return err
	}

	s.domain = domain
	s.socketType = socketType
	s.protocol = protocol

	return nil
}

// Assign makes the Socket own an already open descriptor.
func (s *Socket) Assign(fd int, socketType SocketType) error {
	if err := s.svc.Attach(&s.state, fd, socketType.flags()); err != nil {
		return err
	}
	s.socketType = socketType
	return nil
}

func (s *Socket) IsOpen() bool {
	return s.state.IsOpen()
}

func (s *Socket) RawFd() int {
	return s.state.handle
}

func (s *Socket) Flags() StateFlags {
	return s.state.flags
}

func (s *Socket) Domain() SocketDomain {
	return s.domain
}

func (s *Socket) Type() SocketType {
	return s.socketType
}

// SetNonblocking switches synchronous calls between blocking and non-blocking semantics. In non-blocking mode
// they return sonicerrors.ErrWouldBlock instead of waiting.
func (s *Socket) SetNonblocking(nonblocking bool) error {
	return s.svc.SetUserNonBlocking(&s.state, nonblocking)
}

func (s *Socket) Nonblocking() bool {
	return s.state.flags&FlagUserNonBlocking != 0
}

func (s *Socket) SetOption(opts ...sonicopts.Option) error {
	if !s.state.IsOpen() {
		return sonicerrors.ErrBadDescriptor
	}

	for _, opt := range opts {
		var err error
		if opt.Type() == sonicopts.TypeNonblocking {
			err = s.SetNonblocking(opt.Value().(bool))
		} else {
			err = internal.ApplyOpts(s.state.handle, opt)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Socket) Bind(addrPort netip.AddrPort) error {
	if !s.state.IsOpen() {
		return sonicerrors.ErrBadDescriptor
	}
	_, sa := internal.ToSockaddr(addrPort)
	return internal.Bind(s.state.handle, sa)
}

// AtMark reports whether the next read starts at the out-of-band mark.
func (s *Socket) AtMark() (bool, error) {
	return s.svc.AtMark(&s.state)
}

func (s *Socket) BoundDevice() *net.Interface {
	return s.boundInterface
}

func (s *Socket) LocalAddr() net.Addr {
	if !s.state.IsOpen() {
		return nil
	}
	addr, _ := internal.SocketAddress(s.state.handle)
	return addr
}

func (s *Socket) RemoteAddr() net.Addr {
	if !s.state.IsOpen() {
		return nil
	}
	addr, _ := internal.PeerAddress(s.state.handle)
	return addr
}

// Read reads up to len(b) bytes. It blocks until data is available, unless the Socket is in non-blocking mode.
// On a stream socket, a clean shutdown of the peer is reported as (0, io.EOF). On a datagram socket, a 0 return
// without error is an empty datagram.
func (s *Socket) Read(b []byte) (int, error) {
	if len(b) == 0 && s.state.flags&FlagStreamOriented != 0 {
		return 0, nil
	}
	n, err := s.sync(internal.Read, b, internal.WaitRead)
	return n, s.eof(n, b, err)
}

func (s *Socket) ReadWithHandler(b []byte, h ErrorHandler) int {
	n, err := s.Read(b)
	if err != nil && err != io.EOF {
		h(err)
	}
	return n
}

func (s *Socket) Peek(b []byte) (int, error) {
	if len(b) == 0 && s.state.flags&FlagStreamOriented != 0 {
		return 0, nil
	}
	n, err := s.sync(internal.Peek, b, internal.WaitRead)
	return n, s.eof(n, b, err)
}

func (s *Socket) PeekWithHandler(b []byte, h ErrorHandler) int {
	n, err := s.Peek(b)
	if err != nil && err != io.EOF {
		h(err)
	}
	return n
}

func (s *Socket) InAvail() (int, error) {
	return s.svc.Available(&s.state)
}

func (s *Socket) InAvailWithHandler(h ErrorHandler) int {
	n, err := s.InAvail()
	if err != nil {
		h(err)
	}
	return n
}

// Write writes all of b, unless an error occurs or the Socket is in non-blocking mode and would block. On a
// datagram socket, an empty b sends an empty datagram.
func (s *Socket) Write(b []byte) (written int, err error) {
	if len(b) == 0 && s.state.flags&FlagDatagramOriented != 0 {
		return s.sync(internal.Write, b, internal.WaitWrite)
	}

	for written < len(b) {
		var n int
		n, err = s.sync(internal.Write, b[written:], internal.WaitWrite)
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// sync performs a synchronous call. Once the SocketService switched the descriptor to non-blocking mode, a
// blocking caller gets its semantics back by waiting for readiness whenever the call would block.
func (s *Socket) sync(
	fn func(int, []byte) (int, error),
	b []byte,
	wait func(int) error,
) (int, error) {
	if !s.state.IsOpen() {
		return 0, sonicerrors.ErrBadDescriptor
	}

	for {
		n, err := fn(s.state.handle, b)
		if err != sonicerrors.ErrWouldBlock || s.state.flags&FlagUserNonBlocking != 0 {
			return n, err
		}

		if err := wait(s.state.handle); err != nil {
			return 0, err
		}
	}
}

func (s *Socket) AsyncRead(b []byte, cb AsyncCallback) {
	s.asyncIO(OpRead, internal.Read, b, cb)
}

func (s *Socket) AsyncReadAll(b []byte, cb AsyncCallback) {
	s.asyncReadAll(b, 0, cb)
}

func (s *Socket) asyncReadAll(b []byte, readBytes int, cb AsyncCallback) {
	s.AsyncRead(b[readBytes:], func(err error, n int) {
		readBytes += n
		if err != nil || readBytes == len(b) {
			cb(err, readBytes)
			return
		}
		s.asyncReadAll(b, readBytes, cb)
	})
}

func (s *Socket) AsyncWrite(b []byte, cb AsyncCallback) {
	s.asyncIO(OpWrite, internal.Write, b, cb)
}

func (s *Socket) AsyncWriteAll(b []byte, cb AsyncCallback) {
	s.asyncWriteAll(b, 0, cb)
}

func (s *Socket) asyncWriteAll(b []byte, writtenBytes int, cb AsyncCallback) {
	s.AsyncWrite(b[writtenBytes:], func(err error, n int) {
		writtenBytes += n
		if err != nil || writtenBytes == len(b) {
			cb(err, writtenBytes)
			return
		}
		s.asyncWriteAll(b, writtenBytes, cb)
	})
}

// eof reports a zero-byte read into a non-empty buffer as io.EOF on stream sockets, where it can only mean that
// the peer shut down.
func (s *Socket) eof(n int, b []byte, err error) error {
	if err == nil && n == 0 && len(b) > 0 && s.state.flags&FlagStreamOriented != 0 {
		return io.EOF
	}
	return err
}

// asyncIO starts a read or write. Zero-length transfers on stream sockets complete immediately without touching
// the descriptor.
func (s *Socket) asyncIO(kind OpKind, fn func(int, []byte) (int, error), b []byte, cb AsyncCallback) {
	var (
		fd = s.state.handle
		n  int
	)
	op := NewOp(func() (bool, error) {
		var err error
		n, err = fn(fd, b)
		if err == sonicerrors.ErrWouldBlock {
			return false, nil
		}
		if kind == OpRead {
			err = s.eof(n, b, err)
		}
		return true, err
	}, func(err error) {
		cb(err, n)
	})

	noop := len(b) == 0 && s.state.flags&FlagStreamOriented != 0
	s.svc.StartOp(&s.state, kind, op, true, noop)
}

// Connect connects the Socket to addr, opening it first if needed.
func (s *Socket) Connect(network, addr string) error {
	domain, sa, err := internal.ResolveSockaddr(network, addr)
	if err != nil {
		return err
	}

	if !s.state.IsOpen() {
		if err := s.Open(socketDomainFrom(domain), socketTypeFrom(network), socketProtocolFrom(network)); err != nil {
			return err
		}
	}

	err = internal.Connect(s.state.handle, sa)
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS && err != unix.EAGAIN {
		return err
	}
	if s.state.flags&FlagUserNonBlocking != 0 {
		return sonicerrors.ErrWouldBlock
	}

	if err := internal.WaitWrite(s.state.handle); err != nil {
		return err
	}
	return internal.SocketError(s.state.handle)
}

// AsyncConnect connects the Socket to addr asynchronously, opening it first if needed.
func (s *Socket) AsyncConnect(network, addr string, cb ConnectCallback) {
	domain, sa, err := internal.ResolveSockaddr(network, addr)
	if err == nil && !s.state.IsOpen() {
		err = s.Open(socketDomainFrom(domain), socketTypeFrom(network), socketProtocolFrom(network))
	}

	fd := s.state.handle
	op := NewOp(func() (bool, error) {
		return true, internal.SocketError(fd)
	}, func(err error) {
		cb(err)
	})

	if err != nil {
		op.SetErr(err)
		s.svc.StartOp(&s.state, OpWrite, op, false, true)
		return
	}

	s.svc.StartConnectOp(&s.state, op, sa)
}

// Cancel completes all outstanding asynchronous operations with sonicerrors.ErrCancelled.
func (s *Socket) Cancel() error {
	return s.svc.Cancel(&s.state)
}

// Close closes the Socket. Outstanding asynchronous operations complete with sonicerrors.ErrCancelled. A closed
// Socket can be opened again.
func (s *Socket) Close() error {
	return s.svc.Close(&s.state)
}

// Destroy releases the Socket, discarding any error. The Socket must not be used afterwards.
func (s *Socket) Destroy() {
	s.svc.Destroy(&s.state)
}

func socketTypeFrom(network string) SocketType {
	switch network {
	case "udp", "udp4", "udp6":
		return SocketTypeDatagram
	default:
		return SocketTypeStream
	}
}
