//go:build darwin || freebsd

package internal

import (
	"io"
	"os"
	"sync"

	"github.com/eapache/queue"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

type PollerEvent int16

const (
	PollerReadEvent PollerEvent = 1 << iota
	PollerWriteEvent
)

// wakerIdent identifies the EVFILT_USER event used by Post. It lives in its own filter namespace, so it cannot
// clash with a file descriptor.
const wakerIdent = 0

type Poller struct {
	kq int

	events []unix.Kevent_t

	// slots maps registered file descriptors to their Slot.
	slots map[int]*Slot

	// posted holds the handlers set by the client to be executed in the Poller's goroutine.
	posted      *queue.Queue
	dispatching []func()
	lck         sync.Mutex

	pending atomic.Int64

	closed atomic.Bool
}

func NewPoller() (*Poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, os.NewSyscallError("kqueue", err)
	}
	unix.CloseOnExec(kq)

	// listen to user events by default
	_, err = unix.Kevent(kq, []unix.Kevent_t{{
		Ident:  wakerIdent,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}}, nil, nil)
	if err != nil {
		_ = unix.Close(kq)
		return nil, os.NewSyscallError("kevent_add_user", err)
	}

	p := &Poller{
		kq:     kq,
		events: make([]unix.Kevent_t, 128),
		slots:  make(map[int]*Slot),
		posted: queue.New(),
	}

	return p, nil
}

func (p *Poller) Pending() int64 {
	return p.pending.Load()
}

func (p *Poller) Close() error {
	if !p.closed.CAS(false, true) {
		return io.EOF
	}

	p.events = nil
	p.pending.Store(0)

	return unix.Close(p.kq)
}

func (p *Poller) Closed() bool {
	return p.closed.Load()
}

func (p *Poller) Post(handler func()) error {
	if p.Closed() {
		return io.EOF
	}

	p.lck.Lock()
	p.posted.Add(handler)
	p.pending.Inc()
	p.lck.Unlock()

	_, err := unix.Kevent(p.kq, []unix.Kevent_t{{
		Ident:  wakerIdent,
		Filter: unix.EVFILT_USER,
		Fflags: unix.NOTE_TRIGGER,
	}}, nil, nil)
	if err != nil {
		return os.NewSyscallError("kevent_trigger", err)
	}
	return nil
}

func (p *Poller) Posted() int {
	p.lck.Lock()
	defer p.lck.Unlock()
	return p.posted.Length()
}

func (p *Poller) Poll(timeoutMs int) (int, error) {
	var timeout *unix.Timespec
	if timeoutMs >= 0 { // 0 does a poll
		ts := unix.NsecToTimespec(int64(timeoutMs) * 1e6)
		timeout = &ts
	}

	n, err := unix.Kevent(p.kq, nil, p.events, timeout)
	if err != nil {
		return 0, err
	}

	if n == 0 && timeoutMs >= 0 {
		return 0, ErrTimeout
	}

	for i := 0; i < n; i++ {
		event := &p.events[i]

		if event.Filter == unix.EVFILT_USER {
			p.dispatch()
			continue
		}

		slot, ok := p.slots[int(event.Ident)]
		if !ok {
			continue
		}

		switch event.Filter {
		case unix.EVFILT_READ:
			if slot.Events&PollerReadEvent == PollerReadEvent {
				slot.Dispatch(ReadEvent, nil)
			}
		case unix.EVFILT_WRITE:
			if slot.Events&PollerWriteEvent == PollerWriteEvent {
				slot.Dispatch(WriteEvent, nil)
			}
		}
	}

	return n, nil
}

func (p *Poller) dispatch() {
	p.lck.Lock()
	for p.posted.Length() > 0 {
		p.dispatching = append(p.dispatching, p.posted.Remove().(func()))
	}
	p.lck.Unlock()

	for i, handler := range p.dispatching {
		p.dispatching[i] = nil
		p.pending.Dec()
		handler()
	}
	p.dispatching = p.dispatching[:0]
}

func (p *Poller) SetRead(slot *Slot) error {
	return p.set(slot, PollerReadEvent, unix.EVFILT_READ)
}

func (p *Poller) SetWrite(slot *Slot) error {
	return p.set(slot, PollerWriteEvent, unix.EVFILT_WRITE)
}

func (p *Poller) set(slot *Slot, event PollerEvent, filter int) error {
	if slot.Events&event == event {
		return nil
	}

	if err := p.change(slot.Fd, filter, unix.EV_ADD|unix.EV_ENABLE); err != nil {
		return os.NewSyscallError("kevent_add", err)
	}

	slot.Events |= event
	p.slots[slot.Fd] = slot
	p.pending.Inc()

	return nil
}

func (p *Poller) DelRead(slot *Slot) error {
	return p.del(slot, PollerReadEvent, unix.EVFILT_READ)
}

func (p *Poller) DelWrite(slot *Slot) error {
	return p.del(slot, PollerWriteEvent, unix.EVFILT_WRITE)
}

func (p *Poller) Del(slot *Slot) error {
	if err := p.DelRead(slot); err != nil {
		_ = p.DelWrite(slot)
		return err
	}
	return p.DelWrite(slot)
}

func (p *Poller) del(slot *Slot, event PollerEvent, filter int) error {
	if slot.Events&event != event {
		return nil
	}

	p.pending.Dec()
	slot.Events &^= event
	if slot.Events == 0 && p.slots[slot.Fd] == slot {
		delete(p.slots, slot.Fd)
	}

	if err := p.change(slot.Fd, filter, unix.EV_DELETE); err != nil {
		return os.NewSyscallError("kevent_delete", err)
	}
	return nil
}

func (p *Poller) change(fd int, filter int, flags int) error {
	var event unix.Kevent_t
	unix.SetKevent(&event, fd, filter, flags)
	_, err := unix.Kevent(p.kq, []unix.Kevent_t{event}, nil, nil)
	return err
}
