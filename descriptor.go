package sonicfd

import "strings"

// InvalidHandle is the handle of a DescriptorState which is not open.
const InvalidHandle = -1

type StateFlags uint8

const (
	// FlagNonBlocking is set once the descriptor has been put in OS non-blocking mode by the SocketService. It is
	// never cleared while the same handle stays open.
	FlagNonBlocking StateFlags = 1 << iota

	// FlagUserNonBlocking is set when the user asked for non-blocking semantics on synchronous calls.
	FlagUserNonBlocking

	FlagStreamOriented
	FlagDatagramOriented

	// FlagAtMark records the last SIOCATMARK observation: the read pointer is at the out-of-band mark.
	FlagAtMark
)

func (f StateFlags) String() string {
	if f == 0 {
		return "none"
	}

	var names []string
	for _, x := range []struct {
		flag StateFlags
		name string
	}{
		{FlagNonBlocking, "non_blocking"},
		{FlagUserNonBlocking, "user_non_blocking"},
		{FlagStreamOriented, "stream_oriented"},
		{FlagDatagramOriented, "datagram_oriented"},
		{FlagAtMark, "at_mark"},
	} {
		if f&x.flag != 0 {
			names = append(names, x.name)
		}
	}
	return strings.Join(names, "|")
}

// DescriptorState is the per-socket record owned by a SocketService binding: the native handle, the state flags
// and the reactor registration token.
//
// The zero value is not closed, as 0 is a valid file descriptor. Call SocketService.Construct first.
type DescriptorState struct {
	handle int
	flags  StateFlags
	token  Token
}

func (s *DescriptorState) Handle() int {
	return s.handle
}

func (s *DescriptorState) Flags() StateFlags {
	return s.flags
}

func (s *DescriptorState) Token() Token {
	return s.token
}

func (s *DescriptorState) IsOpen() bool {
	return s.handle != InvalidHandle
}

func (s *DescriptorState) NonBlocking() bool {
	return s.flags&FlagNonBlocking != 0
}
