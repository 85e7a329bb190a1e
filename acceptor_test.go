package sonicfd

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talostrading/sonicfd/sonicerrors"
	"github.com/talostrading/sonicfd/sonicopts"
)

func listen(t *testing.T, ioc *IO, opts ...sonicopts.Option) *Acceptor {
	t.Helper()

	a, err := Listen(ioc, "tcp", "127.0.0.1:0", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	return a
}

func TestListenUnknownNetwork(t *testing.T) {
	ioc := MustIO()
	defer ioc.Close()

	_, err := Listen(ioc, "udp", "127.0.0.1:0")
	assert.Error(t, err)
	assert.Equal(t, 0, ioc.Registered())
}

func TestListenAddr(t *testing.T) {
	ioc := MustIO()
	defer ioc.Close()

	a := listen(t, ioc)
	assert.True(t, a.IsOpen())

	addr, ok := a.Addr().(*net.TCPAddr)
	require.True(t, ok)
	assert.NotZero(t, addr.Port)
	assert.Equal(t, "127.0.0.1", addr.IP.String())
}

func TestAcceptorSyncAcceptAndConnect(t *testing.T) {
	ioc := MustIO()
	defer ioc.Close()

	a := listen(t, ioc)

	client := NewSocket(ioc)
	defer client.Destroy()
	require.NoError(t, client.Connect("tcp", a.Addr().String()))

	peer := NewSocket(ioc)
	defer peer.Destroy()
	require.NoError(t, a.Accept(peer))
	assert.True(t, peer.IsOpen())
	assert.Equal(t, SocketDomainIPv4, peer.Domain())
	assert.Equal(t, client.LocalAddr().String(), peer.RemoteAddr().String())

	_, err := client.Write([]byte("ping"))
	require.NoError(t, err)

	b := make([]byte, 4)
	n, err := peer.Read(b)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(b[:n]))

	assert.ErrorIs(t, a.Accept(peer), sonicerrors.ErrAlreadyOpen)
}

func TestAcceptorNonblockingAccept(t *testing.T) {
	ioc := MustIO()
	defer ioc.Close()

	a := listen(t, ioc, sonicopts.Nonblocking(true))

	peer := NewSocket(ioc)
	assert.ErrorIs(t, a.Accept(peer), sonicerrors.ErrWouldBlock)
	assert.False(t, peer.IsOpen())
}

func TestAcceptorAsyncAcceptAndConnect(t *testing.T) {
	ioc := MustIO()
	defer ioc.Close()

	a := listen(t, ioc)

	var (
		accepted, connected bool
		peer                = NewSocket(ioc)
		client              = NewSocket(ioc)
	)
	defer peer.Destroy()
	defer client.Destroy()

	a.AsyncAccept(peer, func(err error, p *Socket) {
		require.NoError(t, err)
		assert.Same(t, peer, p)
		accepted = true
	})

	client.AsyncConnect("tcp", a.Addr().String(), func(err error) {
		require.NoError(t, err)
		connected = true
	})

	for !accepted || !connected {
		require.NoError(t, ioc.RunOne())
	}

	assert.True(t, peer.IsOpen())
	assert.True(t, client.Flags()&FlagNonBlocking != 0)
	assert.True(t, a.state.NonBlocking())
}

func TestAcceptorAsyncAcceptIntoOpenPeer(t *testing.T) {
	ioc := MustIO()
	defer ioc.Close()

	a := listen(t, ioc)

	peer := NewSocket(ioc)
	require.NoError(t, peer.Open(SocketDomainIPv4, SocketTypeStream, SocketProtocolTCP))
	defer peer.Close()
	fd := peer.RawFd()

	var got error
	a.AsyncAccept(peer, func(err error, _ *Socket) {
		got = err
	})
	require.NoError(t, ioc.RunPending())

	assert.ErrorIs(t, got, sonicerrors.ErrAlreadyOpen)
	assert.Equal(t, fd, peer.RawFd())

	// the listener was never switched to non-blocking mode
	assert.False(t, a.state.NonBlocking())
}

func TestAcceptorCancel(t *testing.T) {
	ioc := MustIO()
	defer ioc.Close()

	a := listen(t, ioc)

	var got error
	peer := NewSocket(ioc)
	a.AsyncAccept(peer, func(err error, _ *Socket) {
		got = err
	})

	require.NoError(t, a.Cancel())
	require.NoError(t, ioc.RunPending())
	assert.ErrorIs(t, got, sonicerrors.ErrCancelled)
	assert.False(t, peer.IsOpen())
}

func TestAsyncConnectRefused(t *testing.T) {
	ioc := MustIO()
	defer ioc.Close()

	a, err := Listen(ioc, "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := a.Addr().String()
	require.NoError(t, a.Close())

	client := NewSocket(ioc)
	defer client.Destroy()

	done := false
	client.AsyncConnect("tcp", addr, func(err error) {
		assert.ErrorIs(t, err, sonicerrors.ErrConnRefused)
		done = true
	})

	for !done {
		require.NoError(t, ioc.RunOne())
	}
}

func TestAsyncConnectBadAddress(t *testing.T) {
	ioc := MustIO()
	defer ioc.Close()

	client := NewSocket(ioc)

	var got error
	client.AsyncConnect("tcp", "not an address", func(err error) {
		got = err
	})
	require.NoError(t, ioc.RunPending())

	assert.Error(t, got)
	assert.False(t, client.IsOpen())
}

func TestAcceptorUnixDomain(t *testing.T) {
	ioc := MustIO()
	defer ioc.Close()

	path := filepath.Join(t.TempDir(), "sonicfd.sock")

	a, err := Listen(ioc, "unix", path)
	require.NoError(t, err)
	defer a.Close()

	client := NewSocket(ioc)
	defer client.Destroy()
	require.NoError(t, client.Connect("unix", path))
	assert.Equal(t, SocketDomainUnix, client.Domain())

	peer := NewSocket(ioc)
	defer peer.Destroy()
	require.NoError(t, a.Accept(peer))
	assert.Equal(t, SocketDomainUnix, peer.Domain())

	_, err = peer.Write([]byte("pong"))
	require.NoError(t, err)

	b := make([]byte, 4)
	n, err := client.Read(b)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(b[:n]))
}
