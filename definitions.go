package sonicfd

import (
	"io"
	"net"
)

const (
	// MaxCallbackDispatch is the maximum number of callbacks which can be
	// placed onto the stack for immediate invocation.
	MaxCallbackDispatch int = 32
)

type AsyncCallback func(error, int)
type AcceptCallback func(error, *Socket)
type ConnectCallback func(error)

// ErrorHandler receives the error of a synchronous call made through one of the *WithHandler variants.
type ErrorHandler func(error)

// AsyncReader is the interface that wraps the AsyncRead and AsyncReadAll methods.
type AsyncReader interface {
	// AsyncRead reads up to len(b) bytes into b asynchronously.
	//
	// This call should not block. The provided completion handler is called
	// in the following cases:
	//  - a read of n bytes completes
	//  - an error occurs
	//
	// Callers should always process the n > 0 bytes returned before considering
	// the error err.
	//
	// Implementations must not retain b. Ownership of b must be retained by the caller,
	// which must guarantee that it remains valid until the handler is called.
	AsyncRead(b []byte, cb AsyncCallback)

	// AsyncReadAll reads len(b) bytes into b asynchronously.
	AsyncReadAll(b []byte, cb AsyncCallback)
}

// AsyncWriter is the interface that wraps the AsyncWrite and AsyncWriteAll methods.
type AsyncWriter interface {
	// AsyncWrite writes up to len(b) bytes into the underlying data stream asynchronously.
	//
	// This call should not block. The provided completion handler is called in the following cases:
	//  - a write of n bytes completes
	//  - an error occurs
	//
	// Implementations must not retain b. Ownership of b must be retained by the caller,
	// which must guarantee that it remains valid until the handler is called.
	// AsyncWrite must not modify b, even temporarily.
	AsyncWrite(b []byte, cb AsyncCallback)

	// AsyncWriteAll writes len(b) bytes into the underlying data stream asynchronously.
	AsyncWriteAll(b []byte, cb AsyncCallback)
}

type AsyncCanceller interface {
	// Cancel cancels all asynchronous operations on the next layer.
	Cancel() error
}

// SyncReadStream is the capability every synchronous stream built on the SocketService honors.
//
// Read and Peek block until at least one byte is available or an error occurs. A stream closed cleanly by the
// peer is reported as (0, io.EOF) by Read and Peek, and as a 0 return without invoking the handler by the
// *WithHandler variants, which never report anything but errors through the handler.
type SyncReadStream interface {
	io.Reader

	// ReadWithHandler reads like Read, but reports errors through h instead of returning them.
	ReadWithHandler(b []byte, h ErrorHandler) int

	// Peek reads like Read, but leaves the data in the stream.
	Peek(b []byte) (int, error)

	// PeekWithHandler peeks like Peek, but reports errors through h instead of returning them.
	PeekWithHandler(b []byte, h ErrorHandler) int

	// InAvail returns the number of bytes which can be read without blocking.
	InAvail() (int, error)

	// InAvailWithHandler is InAvail reporting errors through h instead of returning them.
	InAvailWithHandler(h ErrorHandler) int
}

type SyncWriteStream interface {
	io.Writer
}

// Stream represents a full-duplex connection between two processes,
// where data represented as bytes may be received reliably in the same order
// they were written.
type Stream interface {
	RawFd() int

	SyncReadStream
	SyncWriteStream
	AsyncReader
	AsyncWriter
	AsyncCanceller
	io.Closer

	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}
