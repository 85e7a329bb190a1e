package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talostrading/sonicfd"
	"go.uber.org/zap"
)

func TestServerStopWithInflightEcho(t *testing.T) {
	ioc := sonicfd.MustIO()
	defer ioc.Close()

	acceptor, err := sonicfd.Listen(ioc, "tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &server{
		ioc:      ioc,
		acceptor: acceptor,
		log:      zap.NewNop(),
		sessions: make(map[uint64]*session),
	}
	s.accept()

	client := sonicfd.NewSocket(ioc)
	defer client.Destroy()
	require.NoError(t, client.Connect("tcp", acceptor.Addr().String()))

	for len(s.sessions) == 0 {
		require.NoError(t, ioc.RunOne())
	}

	// data is still in flight when the server stops
	_, err = client.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, ioc.Post(s.stop))

	require.NoError(t, s.run())
	assert.True(t, s.stopped)
	assert.Empty(t, s.sessions)
	assert.False(t, acceptor.IsOpen())

	// only the client is left
	assert.Equal(t, 1, ioc.Registered())
}

func TestServerStopWithoutSessions(t *testing.T) {
	ioc := sonicfd.MustIO()
	defer ioc.Close()

	acceptor, err := sonicfd.Listen(ioc, "tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &server{
		ioc:      ioc,
		acceptor: acceptor,
		log:      zap.NewNop(),
		sessions: make(map[uint64]*session),
	}
	s.accept()
	require.NoError(t, ioc.Post(s.stop))

	require.NoError(t, s.run())
	assert.Equal(t, 0, ioc.Registered())
}
