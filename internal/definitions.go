package internal

type EventType int8

const (
	ReadEvent EventType = iota
	WriteEvent
	MaxEvent
)

type Handler func(error)

type Slot struct {
	Fd int // A file descriptor which uniquely identifies a Slot. Callers must set it up at construction time.

	// Events registered with this Slot. Essentially a bitmask. It can contain a read event, a write event, or both.
	// Every event from here has a corresponding Handler in Handlers.
	//
	// Defined by Poller, which is platform-specific. Since this is a bitmask, the Poller guarantees that each
	// platform-specific event is a power of two.
	Events PollerEvent

	// Handlers registered with this Slot. The poller dispatches the appropriate handler when it receives an event
	// that's in Events. Interest stays registered until the owner removes it with DelRead, DelWrite or Del.
	Handlers [MaxEvent]Handler
}

func (s *Slot) Set(et EventType, h Handler) {
	s.Handlers[et] = h
}

func (s *Slot) Dispatch(et EventType, err error) {
	if h := s.Handlers[et]; h != nil {
		h(err)
	}
}
