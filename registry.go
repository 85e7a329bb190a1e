package sonicfd

import (
	"github.com/eapache/queue"
	"github.com/talostrading/sonicfd/internal"
)

// registration is the reactor bookkeeping of one descriptor.
type registration struct {
	token Token
	slot  internal.Slot

	// ops holds, per kind, the operations waiting for readiness in the order they were started.
	ops [MaxOpKind]*queue.Queue
}

func (r *registration) pending() int {
	n := 0
	for _, q := range r.ops {
		n += q.Length()
	}
	return n
}

// registry is the registration table of an IO. A Token is an index into entries. Releasing an entry bumps its
// generation, so tokens issued before the release no longer resolve.
type registry struct {
	entries     []*registration
	generations []uint32
	free        []uint32
	live        int
}

func (r *registry) alloc(fd int) *registration {
	var index uint32
	if n := len(r.free); n > 0 {
		index = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		index = uint32(len(r.entries))
		r.entries = append(r.entries, nil)
		r.generations = append(r.generations, 0)
	}

	r.generations[index]++
	if r.generations[index] == 0 {
		// Skip 0 on wraparound as it marks the invalid Token.
		r.generations[index]++
	}

	reg := &registration{
		token: Token{index: index, generation: r.generations[index]},
	}
	reg.slot.Fd = fd
	for i := range reg.ops {
		reg.ops[i] = queue.New()
	}

	r.entries[index] = reg
	r.live++

	return reg
}

func (r *registry) lookup(token Token) *registration {
	if !token.Valid() || int(token.index) >= len(r.entries) {
		return nil
	}
	reg := r.entries[token.index]
	if reg == nil || reg.token != token {
		return nil
	}
	return reg
}

func (r *registry) release(token Token) {
	if r.lookup(token) == nil {
		return
	}
	r.entries[token.index] = nil
	r.free = append(r.free, token.index)
	r.live--
}

func (r *registry) len() int {
	return r.live
}
