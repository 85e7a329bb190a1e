package sonicfd

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talostrading/sonicfd/sonicerrors"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type reactorCall struct {
	name      string
	fd        int
	token     Token
	kind      OpKind
	op        Operation
	fastPath  bool
	opErrSeen error
}

// recordingReactor records every call made on it and never completes anything by itself.
type recordingReactor struct {
	calls []reactorCall
	next  uint32
}

func (r *recordingReactor) Register(fd int) (Token, error) {
	r.next++
	t := Token{index: r.next, generation: 1}
	r.calls = append(r.calls, reactorCall{name: "register", fd: fd, token: t})
	return t, nil
}

func (r *recordingReactor) CloseDescriptor(fd int, token Token) {
	r.calls = append(r.calls, reactorCall{name: "close_descriptor", fd: fd, token: token})
}

func (r *recordingReactor) CancelOps(fd int, token Token) {
	r.calls = append(r.calls, reactorCall{name: "cancel_ops", fd: fd, token: token})
}

func (r *recordingReactor) StartOp(kind OpKind, fd int, token Token, op Operation, allowFastPath bool) {
	r.calls = append(r.calls, reactorCall{
		name:      "start_op",
		fd:        fd,
		token:     token,
		kind:      kind,
		op:        op,
		fastPath:  allowFastPath,
		opErrSeen: op.Err(),
	})
}

func (r *recordingReactor) PostImmediateCompletion(op Operation) {
	r.calls = append(r.calls, reactorCall{name: "post", op: op, opErrSeen: op.Err()})
}

func (r *recordingReactor) count(name string) (n int) {
	for _, c := range r.calls {
		if c.name == name {
			n++
		}
	}
	return n
}

func (r *recordingReactor) reset() {
	r.calls = nil
}

type fakeSyscalls struct {
	nonblockErr error
	closeErr    error

	nonblock map[int]bool
	closed   []int
}

func newFakeSyscalls() *fakeSyscalls {
	return &fakeSyscalls{nonblock: make(map[int]bool)}
}

func (f *fakeSyscalls) SetNonblock(fd int, nonblocking bool) error {
	if f.nonblockErr != nil {
		return f.nonblockErr
	}
	f.nonblock[fd] = nonblocking
	return nil
}

func (f *fakeSyscalls) Close(fd int) error {
	f.closed = append(f.closed, fd)
	return f.closeErr
}

func setupService(t *testing.T) (*SocketService, *recordingReactor, *fakeSyscalls) {
	t.Helper()
	r := &recordingReactor{}
	sys := newFakeSyscalls()
	return NewSocketService(r, WithSyscalls(sys)), r, sys
}

func openState(t *testing.T, svc *SocketService, fd int) *DescriptorState {
	t.Helper()
	var s DescriptorState
	svc.Construct(&s)
	require.NoError(t, svc.Attach(&s, fd, FlagStreamOriented))
	return &s
}

func TestServiceConstruct(t *testing.T) {
	svc, r, _ := setupService(t)

	var s DescriptorState
	svc.Construct(&s)
	assert.False(t, s.IsOpen())
	assert.Equal(t, InvalidHandle, s.Handle())
	assert.Equal(t, StateFlags(0), s.Flags())
	assert.False(t, s.Token().Valid())

	before := s
	svc.Construct(&s)
	assert.Equal(t, before, s)

	assert.Empty(t, r.calls)
}

func TestServiceAttach(t *testing.T) {
	svc, r, _ := setupService(t)

	s := openState(t, svc, 7)
	assert.True(t, s.IsOpen())
	assert.Equal(t, 7, s.Handle())
	assert.True(t, s.Token().Valid())
	assert.Equal(t, FlagStreamOriented, s.Flags())
	assert.Equal(t, 1, r.count("register"))

	assert.ErrorIs(t, svc.Attach(s, 8, 0), sonicerrors.ErrAlreadyOpen)

	var closed DescriptorState
	svc.Construct(&closed)
	assert.ErrorIs(t, svc.Attach(&closed, -3, 0), sonicerrors.ErrBadDescriptor)
	assert.Equal(t, 1, r.count("register"))
}

func TestServiceCancelClosed(t *testing.T) {
	svc, r, _ := setupService(t)

	var s DescriptorState
	svc.Construct(&s)

	assert.ErrorIs(t, svc.Cancel(&s), sonicerrors.ErrBadDescriptor)
	assert.Empty(t, r.calls)
}

func TestServiceCloseSuccessResetsState(t *testing.T) {
	svc, r, sys := setupService(t)

	s := openState(t, svc, 7)
	s.flags |= FlagNonBlocking | FlagUserNonBlocking
	token := s.Token()

	require.NoError(t, svc.Close(s))

	var fresh DescriptorState
	svc.Construct(&fresh)
	assert.Equal(t, fresh, *s)

	assert.Equal(t, 1, r.count("close_descriptor"))
	assert.Equal(t, token, r.calls[len(r.calls)-1].token)
	assert.Equal(t, []int{7}, sys.closed)
}

func TestServiceCloseFailureReleasesOnce(t *testing.T) {
	svc, r, sys := setupService(t)

	s := openState(t, svc, 7)
	sys.closeErr = errors.New("interrupted")

	err := svc.Close(s)
	assert.EqualError(t, err, "interrupted")
	assert.True(t, s.IsOpen())
	assert.Equal(t, 7, s.Handle())
	assert.Equal(t, 1, r.count("close_descriptor"))

	err = svc.Close(s)
	assert.EqualError(t, err, "interrupted")
	assert.Equal(t, 1, r.count("close_descriptor"))
	assert.Equal(t, []int{7, 7}, sys.closed)

	// the retry succeeds without touching the reactor
	sys.closeErr = nil
	require.NoError(t, svc.Close(s))
	assert.False(t, s.IsOpen())
	assert.Equal(t, 1, r.count("close_descriptor"))
}

func TestServiceCloseClosedIsNoop(t *testing.T) {
	svc, r, sys := setupService(t)

	var s DescriptorState
	svc.Construct(&s)

	assert.NoError(t, svc.Close(&s))
	assert.NoError(t, svc.Close(&s))
	assert.Empty(t, r.calls)
	assert.Empty(t, sys.closed)
}

func TestServiceDestroySwallowsErrors(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)

	r := &recordingReactor{}
	sys := newFakeSyscalls()
	sys.closeErr = errors.New("io error")
	svc := NewSocketService(r, WithSyscalls(sys), WithLogger(zap.New(core)))

	s := openState(t, svc, 9)
	svc.Destroy(s)

	assert.Equal(t, 1, r.count("close_descriptor"))
	assert.Equal(t, []int{9}, sys.closed)
	assert.Equal(t, 1, logs.FilterMessage("discarding close error on destroy").Len())
}

func TestServiceDestroyClosed(t *testing.T) {
	svc, r, sys := setupService(t)

	var s DescriptorState
	svc.Construct(&s)
	svc.Destroy(&s)

	assert.Empty(t, r.calls)
	assert.Empty(t, sys.closed)
}

func TestServiceStartOpNoop(t *testing.T) {
	svc, r, sys := setupService(t)

	s := openState(t, svc, 7)
	r.reset()

	preset := errors.New("preset")
	op := NewOp(nil, nil)
	op.SetErr(preset)

	svc.StartOp(s, OpRead, op, true, true)

	assert.Equal(t, 0, r.count("start_op"))
	require.Equal(t, 1, r.count("post"))
	assert.Same(t, op, r.calls[0].op)
	assert.Equal(t, preset, op.Err())

	// a noop never negotiates non-blocking mode
	assert.False(t, s.NonBlocking())
	assert.Empty(t, sys.nonblock)

	// a noop without error is delivered as it is
	op = NewOp(nil, nil)
	svc.StartOp(s, OpWrite, op, false, true)
	assert.Equal(t, 2, r.count("post"))
	assert.NoError(t, op.Err())
}

func TestServiceStartOpOnClosed(t *testing.T) {
	svc, r, _ := setupService(t)

	var s DescriptorState
	svc.Construct(&s)

	op := NewOp(nil, nil)
	svc.StartOp(&s, OpRead, op, true, false)

	assert.Equal(t, 0, r.count("start_op"))
	assert.Equal(t, 1, r.count("post"))
	assert.ErrorIs(t, op.Err(), sonicerrors.ErrBadDescriptor)
}

// A blocking descriptor is made non-blocking by its first operation.
func TestServiceStartOpUpgradesToNonBlocking(t *testing.T) {
	svc, r, sys := setupService(t)

	s := openState(t, svc, 7)
	r.reset()
	assert.False(t, s.NonBlocking())

	op := NewOp(nil, nil)
	svc.StartOp(s, OpRead, op, true, false)

	assert.True(t, s.NonBlocking())
	assert.True(t, sys.nonblock[7])

	require.Len(t, r.calls, 1)
	c := r.calls[0]
	assert.Equal(t, "start_op", c.name)
	assert.Equal(t, OpRead, c.kind)
	assert.Equal(t, 7, c.fd)
	assert.Equal(t, s.Token(), c.token)
	assert.True(t, c.fastPath)
	assert.Same(t, op, c.op)

	// the switch is done once
	delete(sys.nonblock, 7)
	svc.StartOp(s, OpWrite, NewOp(nil, nil), false, false)
	assert.Empty(t, sys.nonblock)
	assert.Equal(t, 2, r.count("start_op"))
	assert.False(t, r.calls[1].fastPath)
}

func TestServiceCancelOpen(t *testing.T) {
	svc, r, _ := setupService(t)

	s := openState(t, svc, 7)
	svc.StartOp(s, OpRead, NewOp(nil, nil), true, false)
	require.True(t, s.NonBlocking())
	r.reset()

	require.NoError(t, svc.Cancel(s))
	require.Len(t, r.calls, 1)
	assert.Equal(t, "cancel_ops", r.calls[0].name)
	assert.Equal(t, 7, r.calls[0].fd)
	assert.Equal(t, s.Token(), r.calls[0].token)
}

// The reactor never sees an operation whose descriptor could not be made non-blocking.
func TestServiceStartOpNonBlockingFailure(t *testing.T) {
	svc, r, sys := setupService(t)

	s := openState(t, svc, 7)
	r.reset()

	sysErr := errors.New("fcntl failed")
	sys.nonblockErr = sysErr

	op := NewOp(nil, nil)
	svc.StartOp(s, OpRead, op, true, false)

	assert.Equal(t, sysErr, op.Err())
	assert.Equal(t, 0, r.count("start_op"))
	require.Equal(t, 1, r.count("post"))
	assert.Equal(t, sysErr, r.calls[0].opErrSeen)
	assert.False(t, s.NonBlocking())
}

func TestServiceStartAcceptOp(t *testing.T) {
	svc, r, _ := setupService(t)

	s := openState(t, svc, 7)
	r.reset()

	op := NewOp(nil, nil)
	svc.StartAcceptOp(s, op, true)
	assert.Equal(t, 0, r.count("start_op"))
	require.Equal(t, 1, r.count("post"))
	assert.ErrorIs(t, op.Err(), sonicerrors.ErrAlreadyOpen)
	assert.ErrorIs(t, r.calls[0].opErrSeen, sonicerrors.ErrAlreadyOpen)

	r.reset()
	op = NewOp(nil, nil)
	svc.StartAcceptOp(s, op, false)
	require.Equal(t, 1, r.count("start_op"))
	assert.Equal(t, OpRead, r.calls[0].kind)
	assert.True(t, r.calls[0].fastPath)
	assert.NoError(t, op.Err())
}

func TestServiceNonBlockingIsSticky(t *testing.T) {
	svc, _, sys := setupService(t)

	s := openState(t, svc, 7)
	svc.StartOp(s, OpRead, NewOp(nil, nil), true, false)
	require.True(t, s.NonBlocking())

	require.NoError(t, svc.SetUserNonBlocking(s, true))
	assert.True(t, s.Flags()&FlagUserNonBlocking != 0)

	require.NoError(t, svc.SetUserNonBlocking(s, false))
	assert.True(t, s.NonBlocking())
	assert.True(t, sys.nonblock[7])
	assert.Equal(t, StateFlags(0), s.Flags()&FlagUserNonBlocking)

	require.NoError(t, svc.Cancel(s))
	assert.True(t, s.NonBlocking())

	svc.StartOp(s, OpRead, NewOp(nil, nil), true, true)
	assert.True(t, s.NonBlocking())

	require.NoError(t, svc.Close(s))
	assert.False(t, s.NonBlocking())
}

func TestServiceUserNonBlockingWithoutAsync(t *testing.T) {
	svc, _, sys := setupService(t)

	s := openState(t, svc, 7)

	require.NoError(t, svc.SetUserNonBlocking(s, true))
	assert.True(t, s.NonBlocking())
	assert.True(t, sys.nonblock[7])

	// non-blocking mode was set by the service, so turning the user flag off keeps it
	require.NoError(t, svc.SetUserNonBlocking(s, false))
	assert.True(t, sys.nonblock[7])

	var closed DescriptorState
	svc.Construct(&closed)
	assert.ErrorIs(t, svc.SetUserNonBlocking(&closed, true), sonicerrors.ErrBadDescriptor)
}
