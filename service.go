package sonicfd

import (
	"github.com/talostrading/sonicfd/internal"
	"github.com/talostrading/sonicfd/sonicerrors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Syscalls are the platform calls the SocketService performs itself. Everything else is done by the Reactor.
type Syscalls interface {
	SetNonblock(fd int, nonblocking bool) error
	Close(fd int) error
}

type ServiceOption func(*SocketService)

func WithLogger(log *zap.Logger) ServiceOption {
	return func(svc *SocketService) {
		svc.log = log
	}
}

func WithSyscalls(sys Syscalls) ServiceOption {
	return func(svc *SocketService) {
		svc.sys = sys
	}
}

// SocketService is the single authority over the open, closed and non-blocking status of the descriptors it
// manages, and the only caller of the Reactor on their behalf.
//
// A SocketService holds no per-descriptor state: every call takes the DescriptorState it acts upon. Callers must
// not mutate the same DescriptorState from two goroutines at once.
type SocketService struct {
	reactor Reactor
	sys     Syscalls
	log     *zap.Logger
}

func NewSocketService(reactor Reactor, opts ...ServiceOption) *SocketService {
	svc := &SocketService{
		reactor: reactor,
		sys:     internal.Syscalls{},
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

func (svc *SocketService) Reactor() Reactor {
	return svc.reactor
}

// Construct initializes s to the closed state.
func (svc *SocketService) Construct(s *DescriptorState) {
	*s = DescriptorState{handle: InvalidHandle}
}

// Attach makes s own fd and registers fd with the reactor. All flags are reset to the provided ones.
func (svc *SocketService) Attach(s *DescriptorState, fd int, flags StateFlags) error {
	if s.IsOpen() {
		return sonicerrors.ErrAlreadyOpen
	}
	if fd < 0 {
		return sonicerrors.ErrBadDescriptor
	}

	token, err := svc.reactor.Register(fd)
	if err != nil {
		return err
	}

	s.handle = fd
	s.flags = flags
	s.token = token

	return nil
}

// Destroy tears s down. If s is open, its reactor bookkeeping is dropped and the descriptor closed. Errors are
// logged and discarded. s must not be used afterwards.
func (svc *SocketService) Destroy(s *DescriptorState) {
	if !s.IsOpen() {
		return
	}

	if s.token.Valid() {
		svc.reactor.CloseDescriptor(s.handle, s.token)
	}

	if err := svc.sys.Close(s.handle); err != nil {
		svc.log.Debug(
			"discarding close error on destroy",
			zap.Int("fd", s.handle),
			zap.Error(err),
		)
	}
}

// Close closes s. Closing a closed descriptor is a no-op.
//
// The reactor registration is released before the close syscall and regardless of its outcome. If the syscall
// fails, the error is returned and s keeps its handle, so the close can be retried, but its registration is
// already gone and is not released a second time.
func (svc *SocketService) Close(s *DescriptorState) error {
	if !s.IsOpen() {
		return nil
	}

	if s.token.Valid() {
		svc.reactor.CloseDescriptor(s.handle, s.token)
		s.token = Token{}
	}

	if err := svc.sys.Close(s.handle); err != nil {
		svc.log.Debug(
			"close failed, registration already released",
			zap.Int("fd", s.handle),
			zap.Error(err),
		)
		return err
	}

	svc.Construct(s)

	return nil
}

// Cancel makes the reactor complete all outstanding operations on s with sonicerrors.ErrCancelled.
//
// Operations whose completion was already scheduled may still complete successfully.
func (svc *SocketService) Cancel(s *DescriptorState) error {
	if !s.IsOpen() {
		return sonicerrors.ErrBadDescriptor
	}

	svc.reactor.CancelOps(s.handle, s.token)

	return nil
}

// StartOp dispatches op.
//
// If noop is true, op is posted for immediate completion with its error slot untouched. Otherwise the descriptor
// is switched to non-blocking mode, if not already, and op is handed to the reactor. If the switch fails, the
// error is recorded in op, which is then posted for immediate completion.
func (svc *SocketService) StartOp(
	s *DescriptorState,
	kind OpKind,
	op Operation,
	allowFastPath bool,
	noop bool,
) {
	if !noop {
		if !s.IsOpen() {
			op.SetErr(sonicerrors.ErrBadDescriptor)
		} else if err := svc.setInternalNonBlocking(s); err != nil {
			op.SetErr(err)
		} else {
			svc.reactor.StartOp(kind, s.handle, s.token, op, allowFastPath)
			return
		}
	}

	svc.reactor.PostImmediateCompletion(op)
}

// StartAcceptOp dispatches an accept operation. Accepting into an open peer fails with
// sonicerrors.ErrAlreadyOpen, without the operation ever being started.
func (svc *SocketService) StartAcceptOp(s *DescriptorState, op Operation, peerOpen bool) {
	if !peerOpen {
		svc.StartOp(s, OpRead, op, true, false)
	} else {
		op.SetErr(sonicerrors.ErrAlreadyOpen)
		svc.reactor.PostImmediateCompletion(op)
	}
}

// StartConnectOp initiates a connection to sa. If the connection cannot be established immediately, op is
// registered for write readiness without a fast path; op's perform must then collect the connect result.
func (svc *SocketService) StartConnectOp(s *DescriptorState, op Operation, sa unix.Sockaddr) {
	if !s.IsOpen() {
		op.SetErr(sonicerrors.ErrBadDescriptor)
	} else if err := svc.setInternalNonBlocking(s); err != nil {
		op.SetErr(err)
	} else if err := internal.Connect(s.handle, sa); err == unix.EINPROGRESS || err == unix.EAGAIN {
		svc.reactor.StartOp(OpWrite, s.handle, s.token, op, false)
		return
	} else if err != nil {
		op.SetErr(err)
	}

	svc.reactor.PostImmediateCompletion(op)
}

// SetUserNonBlocking changes the semantics of synchronous calls on s.
//
// Turning it on puts the descriptor in non-blocking mode for good. Turning it off only switches the descriptor
// back to blocking mode if the service never needed it non-blocking; otherwise synchronous calls emulate blocking
// by waiting for readiness.
func (svc *SocketService) SetUserNonBlocking(s *DescriptorState, v bool) error {
	if !s.IsOpen() {
		return sonicerrors.ErrBadDescriptor
	}

	if v {
		if err := svc.setInternalNonBlocking(s); err != nil {
			return err
		}
		s.flags |= FlagUserNonBlocking
		return nil
	}

	if s.flags&FlagNonBlocking == 0 {
		if err := svc.sys.SetNonblock(s.handle, false); err != nil {
			return err
		}
	}
	s.flags &^= FlagUserNonBlocking

	return nil
}

// AtMark reports whether s is at the out-of-band mark and records the answer in FlagAtMark.
func (svc *SocketService) AtMark(s *DescriptorState) (bool, error) {
	if !s.IsOpen() {
		return false, sonicerrors.ErrBadDescriptor
	}

	atMark, err := internal.AtMark(s.handle)
	if err != nil {
		return false, err
	}

	if atMark {
		s.flags |= FlagAtMark
	} else {
		s.flags &^= FlagAtMark
	}
	return atMark, nil
}

// Available returns the number of bytes which can be read from s without blocking.
func (svc *SocketService) Available(s *DescriptorState) (int, error) {
	if !s.IsOpen() {
		return 0, sonicerrors.ErrBadDescriptor
	}
	return internal.Available(s.handle)
}

func (svc *SocketService) setInternalNonBlocking(s *DescriptorState) error {
	if s.flags&FlagNonBlocking != 0 {
		return nil
	}

	if err := svc.sys.SetNonblock(s.handle, true); err != nil {
		return err
	}
	s.flags |= FlagNonBlocking

	svc.log.Debug("descriptor switched to non-blocking mode", zap.Int("fd", s.handle))

	return nil
}
