//go:build linux

// File: reactor/eventloop.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// EventLoop is a single-thread epoll reactor. One OS thread owns the
// loop: it alone mutates the fd registry and timer heap. Other threads
// reach in by posting closures to the pending queue and writing a wakeup
// byte to the loop's eventfd.

package reactor

import (
	"encoding/binary"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-rpc/asynclog"
)

// pollBudget caps a single epoll wait so pending tasks and freshly armed
// timers are never starved by a quiet fd set.
const pollBudget = 10 * time.Millisecond

// maxPollEvents bounds one epoll_wait batch.
const maxPollEvents = 128

var (
	loopsMu sync.Mutex
	loops   = make(map[int]*EventLoop)
)

// EventLoop is the reactor bound to one OS thread.
type EventLoop struct {
	tid      int
	epfd     int
	wakeupFd int
	wakeup   *FdEvent

	fdEvents map[int]*FdEvent
	timers   *TimerHeap

	pendingMu sync.Mutex
	pending   *queue.Queue

	stopFlag atomic.Bool
	looping  atomic.Bool
}

// Current returns the event loop bound to the calling thread, creating
// and binding one on first use. The calling goroutine is locked to its
// OS thread for the lifetime of the loop.
func Current() *EventLoop {
	runtime.LockOSThread()
	tid := unix.Gettid()

	loopsMu.Lock()
	defer loopsMu.Unlock()
	if l, ok := loops[tid]; ok {
		return l
	}
	l, err := newEventLoop(tid)
	if err != nil {
		asynclog.Errorf("event loop init failed on tid %d: %v", tid, err)
		return nil
	}
	loops[tid] = l
	return l
}

func newEventLoop(tid int) (*EventLoop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}

	l := &EventLoop{
		tid:      tid,
		epfd:     epfd,
		wakeupFd: wfd,
		fdEvents: make(map[int]*FdEvent),
		timers:   NewTimerHeap(),
		pending:  queue.New(),
	}

	l.wakeup = NewFdEvent(wfd)
	l.wakeup.Listen(EventIn, l.drainWakeup)
	l.registerLocked(l.wakeup)
	return l, nil
}

// Tid returns the owning OS thread id.
func (l *EventLoop) Tid() int {
	return l.tid
}

// IsInLoopThread reports whether the caller runs on the owning thread.
func (l *EventLoop) IsInLoopThread() bool {
	return unix.Gettid() == l.tid
}

// IsLooping reports whether Loop is currently running.
func (l *EventLoop) IsLooping() bool {
	return l.looping.Load()
}

// AddFdEvent reconciles the fd-event's interest mask with the kernel.
// From a foreign thread the mutation is posted to the loop.
func (l *EventLoop) AddFdEvent(ev *FdEvent) {
	if l.IsInLoopThread() {
		l.registerLocked(ev)
		return
	}
	l.Post(func() { l.registerLocked(ev) })
}

// DeleteFdEvent removes the fd from the kernel set and the registry.
func (l *EventLoop) DeleteFdEvent(ev *FdEvent) {
	if l.IsInLoopThread() {
		l.unregisterLocked(ev)
		return
	}
	l.Post(func() { l.unregisterLocked(ev) })
}

// AddTimer schedules a timer on this loop, with the same thread-affinity
// rule as fd mutations.
func (l *EventLoop) AddTimer(t *Timer) {
	if l.IsInLoopThread() {
		l.timers.Add(t)
		return
	}
	l.Post(func() { l.timers.Add(t) })
}

// Post enqueues a closure to run on the loop thread and wakes the loop.
func (l *EventLoop) Post(task func()) {
	l.pendingMu.Lock()
	l.pending.Add(task)
	l.pendingMu.Unlock()
	l.doWakeup()
}

// RunInLoop runs the task immediately when called from the loop thread,
// otherwise posts it.
func (l *EventLoop) RunInLoop(task func()) {
	if l.IsInLoopThread() {
		task()
		return
	}
	l.Post(task)
}

// Stop asks the loop to exit; asynchronous and safe from any thread.
func (l *EventLoop) Stop() {
	l.stopFlag.Store(true)
	l.doWakeup()
}

// Loop runs the reactor until Stop. Each cycle: wait for readiness up to
// the earlier of the poll budget and the next timer deadline, fire ready
// fd callbacks, drain posted tasks, fire due timers.
func (l *EventLoop) Loop() {
	if !l.looping.CompareAndSwap(false, true) {
		return
	}
	defer func() {
		l.looping.Store(false)
		l.unbind()
	}()

	events := make([]unix.EpollEvent, maxPollEvents)
	for !l.stopFlag.Load() {
		n, err := unix.EpollWait(l.epfd, events, l.pollTimeoutMs())
		if err != nil && err != unix.EINTR {
			asynclog.Errorf("epoll wait failed on tid %d: %v", l.tid, err)
			return
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			fde, ok := l.fdEvents[int(ev.Fd)]
			if !ok {
				continue
			}
			// Errors and hangups surface through the read path so the
			// connection observes EOF and tears itself down.
			if ev.Events&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				if cb := fde.Handler(EventIn); cb != nil {
					cb()
				}
			}
			if ev.Events&unix.EPOLLOUT != 0 {
				if cb := fde.Handler(EventOut); cb != nil {
					cb()
				}
			}
		}

		l.drainPending()
		for _, t := range l.timers.FireDue(time.Now()) {
			t.callback()
		}
	}
}

// pollTimeoutMs clamps the wait to the next timer deadline.
func (l *EventLoop) pollTimeoutMs() int {
	timeout := pollBudget
	if deadline, ok := l.timers.EarliestDeadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	if timeout < 0 {
		timeout = 0
	}
	return int(timeout / time.Millisecond)
}

func (l *EventLoop) drainPending() {
	for {
		l.pendingMu.Lock()
		if l.pending.Length() == 0 {
			l.pendingMu.Unlock()
			return
		}
		task := l.pending.Remove().(func())
		l.pendingMu.Unlock()
		task()
	}
}

// registerLocked reconciles kernel interest; loop thread only.
func (l *EventLoop) registerLocked(ev *FdEvent) {
	op := unix.EPOLL_CTL_ADD
	if _, ok := l.fdEvents[ev.Fd()]; ok {
		op = unix.EPOLL_CTL_MOD
	}
	epev := unix.EpollEvent{Events: ev.Interest(), Fd: int32(ev.Fd())}
	if err := unix.EpollCtl(l.epfd, op, ev.Fd(), &epev); err != nil {
		asynclog.Errorf("epoll ctl op %d fd %d failed: %v", op, ev.Fd(), err)
		return
	}
	l.fdEvents[ev.Fd()] = ev
}

// unregisterLocked drops the fd from kernel and registry; loop thread only.
func (l *EventLoop) unregisterLocked(ev *FdEvent) {
	if _, ok := l.fdEvents[ev.Fd()]; !ok {
		return
	}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, ev.Fd(), nil); err != nil {
		asynclog.Errorf("epoll ctl del fd %d failed: %v", ev.Fd(), err)
	}
	delete(l.fdEvents, ev.Fd())
}

// unbind detaches a finished loop from the thread registry so a reused
// thread id cannot resurrect it. The loop's fds stay open: late posters
// may still write the wakeup eventfd harmlessly.
func (l *EventLoop) unbind() {
	loopsMu.Lock()
	if loops[l.tid] == l {
		delete(loops, l.tid)
	}
	loopsMu.Unlock()
}

// doWakeup writes one counter increment to the eventfd so a blocked
// EpollWait returns.
func (l *EventLoop) doWakeup() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(l.wakeupFd, buf[:])
		if err == unix.EINTR {
			continue
		}
		return
	}
}

// drainWakeup consumes the eventfd counter.
func (l *EventLoop) drainWakeup() {
	var buf [8]byte
	for {
		_, err := unix.Read(l.wakeupFd, buf[:])
		if err == unix.EINTR {
			continue
		}
		return
	}
}
