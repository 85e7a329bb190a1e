package sonicfd

import "go.uber.org/atomic"

// Operation is one pending asynchronous action: a read, a write, a connect or an accept.
//
// Ownership moves from the SocketService to the Reactor, which invokes Complete exactly once. After that, the
// operation is finished and belongs to whoever awaits it.
type Operation interface {
	// Perform attempts the action without blocking. It returns true when the operation is finished, successfully
	// or not, and false when it has to wait for readiness.
	Perform() bool

	// Err returns the error slot.
	Err() error

	// SetErr records err in the error slot. The SocketService uses it for failures detected before the operation
	// ever reaches readiness registration.
	SetErr(err error)

	// Complete invokes the completion trigger.
	Complete()
}

var _ Operation = &Op{}

// Op is a single-use Operation built from a perform function and a completion callback.
type Op struct {
	perform    func() (bool, error)
	onComplete func(error)

	err       error
	completed atomic.Bool
	done      chan struct{}
}

// NewOp creates an operation. perform may be nil, in which case the operation is finished as soon as it is
// performed. onComplete receives the error slot and may be nil.
func NewOp(perform func() (done bool, err error), onComplete func(error)) *Op {
	return &Op{
		perform:    perform,
		onComplete: onComplete,
		done:       make(chan struct{}),
	}
}

func (o *Op) Perform() bool {
	if o.perform == nil {
		return true
	}

	done, err := o.perform()
	if done {
		o.err = err
	}
	return done
}

func (o *Op) Err() error {
	return o.err
}

func (o *Op) SetErr(err error) {
	o.err = err
}

// Complete invokes the completion callback and then closes Done. Only the first call has an effect.
func (o *Op) Complete() {
	if !o.completed.CAS(false, true) {
		return
	}

	if o.onComplete != nil {
		o.onComplete(o.err)
	}
	close(o.done)
}

func (o *Op) Completed() bool {
	return o.completed.Load()
}

// Done is closed once the completion callback returned.
func (o *Op) Done() <-chan struct{} {
	return o.done
}

// Wait blocks until the operation completed and returns its error. It must not be called from the goroutine
// running the IO, which is the one completing the operation.
func (o *Op) Wait() error {
	<-o.done
	return o.err
}
