package sonicfd

import (
	"io"
	"os"
	"runtime"

	"github.com/talostrading/sonicfd/internal"
	"github.com/talostrading/sonicfd/sonicerrors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

type IOOption func(*IO)

func WithIOLogger(log *zap.Logger) IOOption {
	return func(ioc *IO) {
		ioc.log = log
	}
}

// IO is the Reactor: it owns the poller and the registration table of every descriptor attached through its
// SocketService, and runs completion handlers in the goroutine that drives it with Run, RunOne, Poll etc.
//
// IO is not safe for concurrent use, except for Post.
type IO struct {
	poller   *internal.Poller
	registry registry
	sockets  *SocketService
	log      *zap.Logger

	// dispatched is the current depth of completions invoked inline, bounded by MaxCallbackDispatch.
	dispatched int

	closed atomic.Bool
}

var _ Reactor = &IO{}

func NewIO(opts ...IOOption) (*IO, error) {
	poller, err := internal.NewPoller()
	if err != nil {
		return nil, err
	}

	ioc := &IO{
		poller: poller,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(ioc)
	}
	ioc.sockets = NewSocketService(ioc, WithLogger(ioc.log))

	return ioc, nil
}

func MustIO(opts ...IOOption) *IO {
	ioc, err := NewIO(opts...)
	if err != nil {
		panic(err)
	}
	return ioc
}

// Sockets returns the SocketService whose descriptors are registered with this IO.
func (ioc *IO) Sockets() *SocketService {
	return ioc.sockets
}

// Run runs the event processing loop
func (ioc *IO) Run() error {
	for {
		if err := ioc.RunOne(); err != nil && err != internal.ErrTimeout {
			return err
		}
	}
}

// RunPending runs the event processing loop until there are no pending handlers
// and no armed readiness interests left.
//
// note: this blocks for as long as an operation waits for readiness.
func (ioc *IO) RunPending() error {
	for ioc.poller.Pending() > 0 {
		if err := ioc.RunOne(); err != nil && err != internal.ErrTimeout {
			return err
		}
	}
	return nil
}

// RunOne runs the event processing loop to execute at most one handler
// note: this blocks the calling goroutine until one event is ready to process
func (ioc *IO) RunOne() error {
	return ioc.poll(-1)
}

// RunOneFor runs the event processing loop for a specified duration to execute at
// most one handler.
// note: this blocks the calling goroutine until one event is ready to process
func (ioc *IO) RunOneFor(timeoutMs int) error {
	return ioc.poll(timeoutMs)
}

// Poll runs the event processing loop to execute ready handlers
// note: this will return immediately in case there is no event to process
func (ioc *IO) Poll() error {
	for {
		if err := ioc.PollOne(); err != nil {
			return err
		}
	}
}

// PollOne runs the event processing loop to execute one ready handler
// note: this will return immediately in case there is no event to process
func (ioc *IO) PollOne() error {
	return ioc.poll(0)
}

func (ioc *IO) poll(timeoutMs int) error {
	if _, err := ioc.poller.Poll(timeoutMs); err != nil {
		if err == unix.EINTR {
			if timeoutMs >= 0 {
				return internal.ErrTimeout
			}

			runtime.Gosched()
			return nil
		}

		if err == internal.ErrTimeout {
			return err
		}

		return os.NewSyscallError("poll_wait", err)
	}

	return nil
}

// Post schedules the provided handler to be run immediately by the event
// processing loop in its own thread. It is safe to call this concurrently.
func (ioc *IO) Post(handler func()) error {
	return ioc.poller.Post(handler)
}

// Pending returns the number of posted handlers and armed readiness interests.
func (ioc *IO) Pending() int64 {
	return ioc.poller.Pending()
}

// Registered returns the number of descriptors registered with this IO.
func (ioc *IO) Registered() int {
	return ioc.registry.len()
}

func (ioc *IO) Close() error {
	if !ioc.closed.CAS(false, true) {
		return io.EOF
	}

	return ioc.poller.Close()
}

func (ioc *IO) Closed() bool {
	return ioc.closed.Load()
}

func (ioc *IO) Register(fd int) (Token, error) {
	if ioc.Closed() {
		return Token{}, io.EOF
	}

	reg := ioc.registry.alloc(fd)
	reg.slot.Set(internal.ReadEvent, func(err error) {
		ioc.onReady(reg, OpRead, err)
	})
	reg.slot.Set(internal.WriteEvent, func(err error) {
		ioc.onReady(reg, OpWrite, err)
	})

	return reg.token, nil
}

func (ioc *IO) CloseDescriptor(fd int, token Token) {
	reg := ioc.lookup(fd, token)
	if reg == nil {
		return
	}

	ioc.abort(reg, sonicerrors.ErrCancelled)
	ioc.registry.release(token)
}

func (ioc *IO) CancelOps(fd int, token Token) {
	if reg := ioc.lookup(fd, token); reg != nil {
		ioc.abort(reg, sonicerrors.ErrCancelled)
	}
}

func (ioc *IO) StartOp(kind OpKind, fd int, token Token, op Operation, allowFastPath bool) {
	reg := ioc.lookup(fd, token)
	if reg == nil {
		op.SetErr(sonicerrors.ErrBadDescriptor)
		ioc.PostImmediateCompletion(op)
		return
	}

	q := reg.ops[kind]
	if q.Length() == 0 {
		if allowFastPath && op.Perform() {
			ioc.complete(op)
			return
		}

		if err := ioc.arm(reg, kind); err != nil {
			op.SetErr(err)
			ioc.PostImmediateCompletion(op)
			return
		}
	}

	q.Add(op)
}

func (ioc *IO) PostImmediateCompletion(op Operation) {
	if err := ioc.poller.Post(op.Complete); err != nil {
		ioc.log.Warn("could not post completion", zap.Error(err))
	}
}

func (ioc *IO) lookup(fd int, token Token) *registration {
	reg := ioc.registry.lookup(token)
	if reg == nil || reg.slot.Fd != fd {
		return nil
	}
	return reg
}

// complete invokes the completion of an operation which finished on the fast path. Completions are invoked
// inline up to MaxCallbackDispatch deep, and posted past that so that a chain of immediately completing
// operations cannot grow the stack without bound.
func (ioc *IO) complete(op Operation) {
	if ioc.dispatched < MaxCallbackDispatch {
		ioc.dispatched++
		op.Complete()
		ioc.dispatched--
	} else {
		ioc.PostImmediateCompletion(op)
	}
}

// onReady performs the operations of the given kind in the order they were started, until one has to wait
// again.
func (ioc *IO) onReady(reg *registration, kind OpKind, err error) {
	q := reg.ops[kind]
	for q.Length() > 0 {
		op := q.Peek().(Operation)
		if err != nil {
			op.SetErr(err)
		} else if !op.Perform() {
			break
		}

		q.Remove()
		ioc.complete(op)
	}

	if q.Length() == 0 {
		if err := ioc.disarm(reg, kind); err != nil {
			ioc.log.Debug(
				"could not disarm descriptor",
				zap.Int("fd", reg.slot.Fd),
				zap.Stringer("kind", kind),
				zap.Error(err),
			)
		}
	}
}

// abort completes all operations queued on reg with reason and removes reg from the poller.
func (ioc *IO) abort(reg *registration, reason error) {
	if n := reg.pending(); n > 0 {
		ioc.log.Debug(
			"aborting operations",
			zap.Int("fd", reg.slot.Fd),
			zap.Int("ops", n),
			zap.Error(reason),
		)
	}

	for _, q := range reg.ops {
		for q.Length() > 0 {
			op := q.Remove().(Operation)
			op.SetErr(reason)
			ioc.PostImmediateCompletion(op)
		}
	}

	if err := ioc.poller.Del(&reg.slot); err != nil {
		ioc.log.Debug(
			"could not disarm descriptor",
			zap.Int("fd", reg.slot.Fd),
			zap.Error(err),
		)
	}
}

func (ioc *IO) arm(reg *registration, kind OpKind) error {
	if kind == OpRead {
		return ioc.poller.SetRead(&reg.slot)
	}
	return ioc.poller.SetWrite(&reg.slot)
}

func (ioc *IO) disarm(reg *registration, kind OpKind) error {
	if kind == OpRead {
		return ioc.poller.DelRead(&reg.slot)
	}
	return ioc.poller.DelWrite(&reg.slot)
}
