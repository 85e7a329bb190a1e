//go:build linux

package internal

import "golang.org/x/sys/unix"

// availableRequest is the ioctl returning the number of unread bytes in a socket's receive queue.
const availableRequest = unix.SIOCINQ
