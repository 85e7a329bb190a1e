package sonicfd

import "fmt"

// Token is the handle to the reactor bookkeeping of one registered descriptor. It is an index into the
// reactor's registration table, plus the generation of the entry, so a released token never resolves to a
// newer registration. The zero Token is not valid.
type Token struct {
	index      uint32
	generation uint32
}

func (t Token) Valid() bool {
	return t.generation != 0
}

func (t Token) String() string {
	if !t.Valid() {
		return "token(invalid)"
	}
	return fmt.Sprintf("token(%d/%d)", t.index, t.generation)
}

type OpKind uint8

const (
	// OpRead waits for read readiness. Reads and accepts use it.
	OpRead OpKind = iota

	// OpWrite waits for write readiness. Writes and connects use it.
	OpWrite

	MaxOpKind
)

func (k OpKind) String() string {
	switch k {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	default:
		return "op_unknown"
	}
}

// Reactor is the readiness-based event demultiplexer the SocketService hands operations to.
//
// Completion triggers are invoked by the Reactor, never by the SocketService, and possibly from the Reactor's
// own dispatch context.
type Reactor interface {
	// Register starts the bookkeeping for fd. It is called once, when a descriptor is attached.
	Register(fd int) (Token, error)

	// CloseDescriptor drops all bookkeeping for fd. Pending operations are completed with
	// sonicerrors.ErrCancelled. It does not fail observably.
	CloseDescriptor(fd int, token Token)

	// CancelOps completes all pending operations on fd with sonicerrors.ErrCancelled, soon.
	CancelOps(fd int, token Token)

	// StartOp registers op for readiness-driven completion. If allowFastPath is true and the operation can be
	// performed without waiting, it is completed immediately.
	StartOp(kind OpKind, fd int, token Token, op Operation, allowFastPath bool)

	// PostImmediateCompletion schedules the completion of op without registering it for readiness.
	PostImmediateCompletion(op Operation)
}
