//go:build linux

package internal

import (
	"io"
	"os"
	"sync"

	"github.com/eapache/queue"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

type PollerEvent uint32

const (
	PollerReadEvent  = PollerEvent(unix.EPOLLIN)
	PollerWriteEvent = PollerEvent(unix.EPOLLOUT)

	// errorEvents are always reported by epoll. They wake up every direction registered on the slot so that the
	// pending operations observe the error themselves.
	errorEvents = unix.EPOLLERR | unix.EPOLLHUP
)

type Poller struct {
	// fd is the file descriptor returned by calling epoll_create1(0).
	fd int

	// events contains the events which occurred in the last call to epoll_wait.
	events []unix.EpollEvent

	// slots maps registered file descriptors to their Slot.
	slots map[int]*Slot

	// waker is used to wake up the process when the client calls Post(...), thus dispatching the provided
	// handler. It is registered for reads with epoll.
	waker *EventFd

	// posted holds the handlers set by the client to be executed in the Poller's goroutine. Adding a handler
	// entails writing to the waker.
	posted *queue.Queue

	// dispatching is reused across dispatch calls.
	dispatching []func()

	// lck synchronizes access to posted and waker writes. This is needed because multiple goroutines can call
	// Post(...) on the same Poller.
	lck sync.Mutex

	// pending is the number of registered events and posted handlers the poller still needs to execute.
	pending atomic.Int64

	closed atomic.Bool

	wakerBytes [8]byte
}

func NewPoller() (*Poller, error) {
	epollFd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}

	waker, err := NewEventFd(true)
	if err != nil {
		_ = unix.Close(epollFd)
		return nil, err
	}

	p := &Poller{
		fd:     epollFd,
		waker:  waker,
		events: make([]unix.EpollEvent, 128),
		slots:  make(map[int]*Slot),
		posted: queue.New(),
	}

	if err := p.add(waker.Fd(), PollerReadEvent); err != nil {
		_ = p.waker.Close()
		_ = unix.Close(p.fd)
		return nil, err
	}

	return p, nil
}

// Pending returns the number of registered events and posted handlers which have not yet been dispatched.
func (p *Poller) Pending() int64 {
	return p.pending.Load()
}

func (p *Poller) Close() error {
	if !p.closed.CAS(false, true) {
		return io.EOF
	}

	p.events = nil
	p.pending.Store(0)

	return multierr.Append(p.waker.Close(), unix.Close(p.fd))
}

func (p *Poller) Closed() bool {
	return p.closed.Load()
}

// Post instructs the Poller to execute the provided handler in the Poller's goroutine in the next Poll call.
//
// Post is safe for concurrent use.
func (p *Poller) Post(handler func()) error {
	if p.Closed() {
		return io.EOF
	}

	p.lck.Lock()
	defer p.lck.Unlock()

	p.posted.Add(handler)
	p.pending.Inc()

	// EAGAIN means the counter is saturated, which still wakes up epoll_wait.
	if _, err := p.waker.Write(1); err != nil && err != unix.EAGAIN {
		return os.NewSyscallError("eventfd_write", err)
	}
	return nil
}

// Posted returns the number of handlers registered with Post which have not run yet.
func (p *Poller) Posted() int {
	p.lck.Lock()
	defer p.lck.Unlock()
	return p.posted.Length()
}

// Poll waits for events and dispatches them. A negative timeout blocks indefinitely, zero returns immediately.
func (p *Poller) Poll(timeoutMs int) (int, error) {
	n, err := unix.EpollWait(p.fd, p.events, timeoutMs)
	if err != nil {
		return 0, err
	}

	if n == 0 && timeoutMs >= 0 {
		return 0, ErrTimeout
	}

	for i := 0; i < n; i++ {
		event := &p.events[i]
		fd := int(event.Fd)

		if fd == p.waker.Fd() {
			p.dispatch()
			continue
		}

		slot, ok := p.slots[fd]
		if !ok {
			continue
		}

		flags := PollerEvent(event.Events)
		if event.Events&errorEvents != 0 {
			flags |= slot.Events
		}

		// Handlers may deregister the slot, so Events is re-read before each dispatch.
		if flags&slot.Events&PollerReadEvent == PollerReadEvent {
			slot.Dispatch(ReadEvent, nil)
		}

		if flags&slot.Events&PollerWriteEvent == PollerWriteEvent {
			slot.Dispatch(WriteEvent, nil)
		}
	}

	return n, nil
}

func (p *Poller) dispatch() {
	for {
		if _, err := p.waker.Read(p.wakerBytes[:]); err != nil {
			break
		}
	}

	p.lck.Lock()
	for p.posted.Length() > 0 {
		p.dispatching = append(p.dispatching, p.posted.Remove().(func()))
	}
	p.lck.Unlock()

	// Handlers run outside the lock as they are free to Post more handlers.
	for i, handler := range p.dispatching {
		p.dispatching[i] = nil
		p.pending.Dec()
		handler()
	}
	p.dispatching = p.dispatching[:0]
}

// SetRead registers interest in read events on the provided slot.
func (p *Poller) SetRead(slot *Slot) error {
	return p.set(slot, PollerReadEvent)
}

// SetWrite registers interest in write events on the provided slot.
func (p *Poller) SetWrite(slot *Slot) error {
	return p.set(slot, PollerWriteEvent)
}

func (p *Poller) set(slot *Slot, event PollerEvent) error {
	if slot.Events&event == event {
		return nil
	}

	var err error
	if slot.Events == 0 {
		err = p.add(slot.Fd, event)
	} else {
		err = p.modify(slot.Fd, slot.Events|event)
	}
	if err != nil {
		return err
	}

	slot.Events |= event
	p.slots[slot.Fd] = slot
	p.pending.Inc()

	return nil
}

// DelRead deregisters interest in read events on the provided slot.
func (p *Poller) DelRead(slot *Slot) error {
	return p.del(slot, PollerReadEvent)
}

// DelWrite deregisters interest in write events on the provided slot.
func (p *Poller) DelWrite(slot *Slot) error {
	return p.del(slot, PollerWriteEvent)
}

// Del deregisters interest in all events on the provided slot.
func (p *Poller) Del(slot *Slot) error {
	return p.del(slot, PollerReadEvent|PollerWriteEvent)
}

func (p *Poller) del(slot *Slot, events PollerEvent) error {
	events &= slot.Events
	if events == 0 {
		return nil
	}

	if events&PollerReadEvent != 0 {
		p.pending.Dec()
	}
	if events&PollerWriteEvent != 0 {
		p.pending.Dec()
	}

	slot.Events &^= events
	if slot.Events != 0 {
		return p.modify(slot.Fd, slot.Events)
	}

	if p.slots[slot.Fd] == slot {
		delete(p.slots, slot.Fd)
	}
	return p.remove(slot.Fd)
}

func (p *Poller) add(fd int, events PollerEvent) error {
	event := unix.EpollEvent{Events: uint32(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
		return os.NewSyscallError("epoll_ctl_add", err)
	}
	return nil
}

func (p *Poller) modify(fd int, events PollerEvent) error {
	event := unix.EpollEvent{Events: uint32(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &event); err != nil {
		return os.NewSyscallError("epoll_ctl_mod", err)
	}
	return nil
}

func (p *Poller) remove(fd int) error {
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return os.NewSyscallError("epoll_ctl_del", err)
	}
	return nil
}
