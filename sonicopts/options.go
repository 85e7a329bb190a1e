package sonicopts

type boolOption struct {
	t OptionType
	v bool
}

func (o *boolOption) Type() OptionType {
	return o.t
}

func (o *boolOption) Value() interface{} {
	return o.v
}

// Nonblocking requests user-visible non-blocking semantics: synchronous calls return
// sonicerrors.ErrWouldBlock instead of waiting.
//
// The asynchronous machinery switches descriptors to OS non-blocking mode on its own when first needed,
// and that switch is never undone while the descriptor stays open. Nonblocking(false) therefore only
// restores blocking semantics for synchronous calls.
func Nonblocking(v bool) Option {
	return &boolOption{t: TypeNonblocking, v: v}
}

// ReusePort sets SO_REUSEPORT.
func ReusePort(v bool) Option {
	return &boolOption{t: TypeReusePort, v: v}
}

// ReuseAddr sets SO_REUSEADDR.
func ReuseAddr(v bool) Option {
	return &boolOption{t: TypeReuseAddr, v: v}
}

// NoDelay sets TCP_NODELAY. Only valid on TCP sockets.
func NoDelay(v bool) Option {
	return &boolOption{t: TypeNoDelay, v: v}
}
