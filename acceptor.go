package sonicfd

import (
	"net"

	"github.com/talostrading/sonicfd/internal"
	"github.com/talostrading/sonicfd/sonicerrors"
	"github.com/talostrading/sonicfd/sonicopts"
	"golang.org/x/sys/unix"
)

// Acceptor is a listening stream socket. Accepted connections are handed over to caller provided, closed,
// Sockets.
type Acceptor struct {
	ioc   *IO
	svc   *SocketService
	state DescriptorState
	addr  net.Addr
}

// Listen creates an Acceptor listening on addr. Options are applied before binding; sonicopts.ReuseAddr(true)
// is applied by default.
func Listen(ioc *IO, network, addr string, opts ...sonicopts.Option) (*Acceptor, error) {
	switch network {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return nil, net.UnknownNetworkError(network)
	}

	domain, sa, err := internal.ResolveSockaddr(network, addr)
	if err != nil {
		return nil, err
	}

	fd, err := internal.Socket(domain, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, err
	}

	a := &Acceptor{
		ioc: ioc,
		svc: ioc.Sockets(),
	}
	a.svc.Construct(&a.state)

	if err := a.svc.Attach(&a.state, fd, FlagStreamOriented); err != nil {
		_ = internal.Close(fd)
		return nil, err
	}

	if err := a.setup(domain, sa, opts); err != nil {
		a.svc.Destroy(&a.state)
		return nil, err
	}

	a.addr, _ = internal.SocketAddress(fd)

	return a, nil
}

func (a *Acceptor) setup(domain int, sa unix.Sockaddr, opts []sonicopts.Option) error {
	if domain != unix.AF_UNIX {
		if _, ok := sonicopts.Get(sonicopts.TypeReuseAddr, opts); !ok {
			opts = sonicopts.AddOption(sonicopts.ReuseAddr(true), opts)
		}
	}

	for _, opt := range opts {
		var err error
		if opt.Type() == sonicopts.TypeNonblocking {
			err = a.svc.SetUserNonBlocking(&a.state, opt.Value().(bool))
		} else {
			err = internal.ApplyOpts(a.state.handle, opt)
		}
		if err != nil {
			return err
		}
	}

	if err := internal.Bind(a.state.handle, sa); err != nil {
		return err
	}
	return internal.Listen(a.state.handle, 0)
}

// Accept waits for the next connection and assigns it to peer, which must not be open.
//
// If the Acceptor is non-blocking and no connection is pending, sonicerrors.ErrWouldBlock is returned.
func (a *Acceptor) Accept(peer *Socket) error {
	if !a.state.IsOpen() {
		return sonicerrors.ErrBadDescriptor
	}
	if peer.IsOpen() {
		return sonicerrors.ErrAlreadyOpen
	}

	for {
		fd, _, err := internal.Accept(a.state.handle)
		if err == nil {
			return a.assign(peer, fd)
		}

		if err != sonicerrors.ErrWouldBlock || a.state.flags&FlagUserNonBlocking != 0 {
			return err
		}

		if err := internal.WaitRead(a.state.handle); err != nil {
			return err
		}
	}
}

// AsyncAccept accepts the next connection into peer, which must not be open. cb receives peer.
func (a *Acceptor) AsyncAccept(peer *Socket, cb AcceptCallback) {
	var (
		listenFd = a.state.handle
		fd       = InvalidHandle
	)

	op := NewOp(func() (bool, error) {
		var err error
		fd, _, err = internal.Accept(listenFd)
		if err == sonicerrors.ErrWouldBlock {
			return false, nil
		}
		return true, err
	}, func(err error) {
		if err == nil && fd != InvalidHandle {
			err = a.assign(peer, fd)
		}
		cb(err, peer)
	})

	a.svc.StartAcceptOp(&a.state, op, peer.IsOpen())
}

func (a *Acceptor) assign(peer *Socket, fd int) error {
	if err := peer.Assign(fd, SocketTypeStream); err != nil {
		_ = internal.Close(fd)
		return err
	}
	peer.domain = a.domain()
	return nil
}

func (a *Acceptor) domain() SocketDomain {
	switch addr := a.addr.(type) {
	case *net.UnixAddr:
		return SocketDomainUnix
	case *net.TCPAddr:
		return SocketDomainFromIP(addr.IP)
	}
	return SocketDomainIPv4
}

func (a *Acceptor) SetNonblocking(nonblocking bool) error {
	return a.svc.SetUserNonBlocking(&a.state, nonblocking)
}

func (a *Acceptor) RawFd() int {
	return a.state.handle
}

func (a *Acceptor) IsOpen() bool {
	return a.state.IsOpen()
}

// Addr returns the address the Acceptor listens on. For ports chosen by the kernel it holds the actual port.
func (a *Acceptor) Addr() net.Addr {
	return a.addr
}

// Cancel completes all pending accepts with sonicerrors.ErrCancelled.
func (a *Acceptor) Cancel() error {
	return a.svc.Cancel(&a.state)
}

func (a *Acceptor) Close() error {
	return a.svc.Close(&a.state)
}
