package sonicerrors

import "errors"

var (
	ErrWouldBlock  = errors.New("operation would block")
	ErrCancelled   = errors.New("operation cancelled")
	ErrTimeout     = errors.New("operation timed out")
	ErrConnRefused = errors.New("connection refused") // a connect() on a stream socket found no one listening on the remote address

	// ErrBadDescriptor is returned when an operation is attempted on a descriptor that is not open.
	ErrBadDescriptor = errors.New("bad file descriptor")

	// ErrAlreadyOpen is returned when a descriptor is attached to, or a connection is accepted into, an object
	// which already owns an open descriptor.
	ErrAlreadyOpen = errors.New("already open")
)
