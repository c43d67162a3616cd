//go:build linux

// File: reactor/fd_event.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// FdEvent binds a file descriptor to readable/writable callbacks and an
// epoll interest mask. The mask is the source of truth; the owning loop
// reconciles it with the kernel on AddFdEvent/DeleteFdEvent.

package reactor

import (
	"golang.org/x/sys/unix"
)

// Event selects one readiness direction on an FdEvent.
type Event uint32

const (
	// EventIn is readable readiness.
	EventIn Event = unix.EPOLLIN
	// EventOut is writable readiness.
	EventOut Event = unix.EPOLLOUT
)

// FdEvent is the per-fd record of interest mask plus callbacks.
// Callbacks run on the owning loop's thread; the struct itself is only
// mutated from that thread once registered.
type FdEvent struct {
	fd       int
	interest uint32
	readCb   func()
	writeCb  func()
}

// NewFdEvent wraps an already-open descriptor with no interest set.
func NewFdEvent(fd int) *FdEvent {
	return &FdEvent{fd: fd}
}

// Fd returns the wrapped descriptor.
func (e *FdEvent) Fd() int {
	return e.fd
}

// Interest returns the current epoll interest mask.
func (e *FdEvent) Interest() uint32 {
	return e.interest
}

// SetNonBlock switches the descriptor to non-blocking mode.
func (e *FdEvent) SetNonBlock() error {
	return unix.SetNonblock(e.fd, true)
}

// Listen installs cb for the given direction and asserts interest in it.
// The change reaches the kernel on the next AddFdEvent call.
func (e *FdEvent) Listen(ev Event, cb func()) {
	e.interest |= uint32(ev)
	if ev == EventIn {
		e.readCb = cb
	} else {
		e.writeCb = cb
	}
}

// Cancel clears the callback and the interest bit for the direction.
func (e *FdEvent) Cancel(ev Event) {
	e.interest &^= uint32(ev)
	if ev == EventIn {
		e.readCb = nil
	} else {
		e.writeCb = nil
	}
}

// Handler returns the callback installed for the direction, or nil.
func (e *FdEvent) Handler(ev Event) func() {
	if ev == EventIn {
		return e.readCb
	}
	return e.writeCb
}
