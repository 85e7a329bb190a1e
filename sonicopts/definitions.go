package sonicopts

import "fmt"

type OptionType uint8

// Option is a socket option applied when a socket is opened, or later through Socket.SetOption.
type Option interface {
	Type() OptionType
	Value() interface{}
}

const (
	TypeNonblocking OptionType = iota
	TypeReusePort
	TypeReuseAddr
	TypeNoDelay
	MaxOption
)

func (t OptionType) String() string {
	switch t {
	case TypeNonblocking:
		return "nonblocking"
	case TypeReusePort:
		return "reuse_port"
	case TypeReuseAddr:
		return "reuse_addr"
	case TypeNoDelay:
		return "no_delay"
	default:
		panic(fmt.Errorf("invalid option %d", t))
	}
}

// AddOption replaces the option of the same type in opts, or appends it.
func AddOption(add Option, opts []Option) []Option {
	for i, cur := range opts {
		if cur.Type() == add.Type() {
			opts[i] = add
			return opts
		}
	}
	return append(opts, add)
}

// DelOption removes the first option of the given type.
func DelOption(del OptionType, opts []Option) []Option {
	for i := 0; i < len(opts); i++ {
		if opts[i].Type() == del {
			return append(opts[:i], opts[i+1:]...)
		}
	}
	return opts
}

// Get returns the value of the last option of the given type, if any.
func Get(t OptionType, opts []Option) (interface{}, bool) {
	var (
		v     interface{}
		found bool
	)
	for _, opt := range opts {
		if opt.Type() == t {
			v, found = opt.Value(), true
		}
	}
	return v, found
}
