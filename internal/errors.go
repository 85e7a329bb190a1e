package internal

import "github.com/talostrading/sonicfd/sonicerrors"

// ErrTimeout is returned by Poller.Poll when the timeout expired without any event.
var ErrTimeout = sonicerrors.ErrTimeout
