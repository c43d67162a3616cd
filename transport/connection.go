//go:build linux

// File: transport/connection.go
// Package transport implements the per-socket state machine and buffered
// I/O pipeline between the reactor and the RPC layer.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A Connection lives on exactly one event loop; every callback and every
// buffer access happens on that loop's thread. Foreign threads reach a
// connection only through Reply, which posts to the owning loop.

package transport

import (
	"net"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-rpc/asynclog"
	"github.com/momentics/hioload-rpc/buffer"
	"github.com/momentics/hioload-rpc/protocol"
	"github.com/momentics/hioload-rpc/reactor"
	"github.com/momentics/hioload-rpc/rpc"
)

// Role distinguishes the two ends of a connection. Immutable after the
// facade finishes construction.
type Role int32

const (
	RoleServer Role = iota
	RoleClient
)

// State is the connection lifecycle position. Closed is terminal.
type State int32

const (
	StateNotConnected State = iota
	StateConnected
	StateHalfClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNotConnected:
		return "not-connected"
	case StateConnected:
		return "connected"
	case StateHalfClosing:
		return "half-closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// pendingWrite pairs an outbound message with its after-send callback.
// encoded flips once the message body is in the out-buffer so a partial
// flush cannot re-encode it; the message stays for the callback.
type pendingWrite struct {
	msg     *protocol.Message
	done    func(*protocol.Message)
	encoded bool
}

// Connection is the per-socket pipeline:
// read → decode → dispatch → encode → write.
type Connection struct {
	loop    *reactor.EventLoop
	fd      int
	fdEvent *reactor.FdEvent

	localAddr net.Addr
	peerAddr  net.Addr
	role      Role
	state     atomic.Int32

	inBuffer  *buffer.RingBuffer
	outBuffer *buffer.RingBuffer
	codec     *protocol.Codec

	dispatcher *rpc.Dispatcher

	writeDones []pendingWrite
	readDones  map[string]func(*protocol.Message)
}

// NewConnection wraps an accepted or connected fd. Server-role
// connections arm read interest immediately; client-role connections arm
// it when the facade asks for a reply. Must run on the owning loop's
// thread.
func NewConnection(loop *reactor.EventLoop, fd, bufSize int, peerAddr, localAddr net.Addr,
	role Role, dispatcher *rpc.Dispatcher) *Connection {

	c := &Connection{
		loop:       loop,
		fd:         fd,
		fdEvent:    reactor.NewFdEvent(fd),
		localAddr:  localAddr,
		peerAddr:   peerAddr,
		role:       role,
		inBuffer:   buffer.NewRingBuffer(bufSize),
		outBuffer:  buffer.NewRingBuffer(bufSize),
		codec:      protocol.NewCodec(),
		dispatcher: dispatcher,
		readDones:  make(map[string]func(*protocol.Message)),
	}
	c.state.Store(int32(StateNotConnected))

	if err := c.fdEvent.SetNonBlock(); err != nil {
		asynclog.Errorf("set nonblock on fd %d failed: %v", fd, err)
	}
	if role == RoleServer {
		c.ListenRead()
	}
	return c
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// SetState stores s.
func (c *Connection) SetState(s State) {
	c.state.Store(int32(s))
}

// Fd returns the socket descriptor.
func (c *Connection) Fd() int {
	return c.fd
}

// Loop returns the owning event loop.
func (c *Connection) Loop() *reactor.EventLoop {
	return c.loop
}

// Role returns which end this connection is.
func (c *Connection) Role() Role {
	return c.role
}

// LocalAddr returns the local socket address.
func (c *Connection) LocalAddr() net.Addr {
	return c.localAddr
}

// PeerAddr returns the remote socket address.
func (c *Connection) PeerAddr() net.Addr {
	return c.peerAddr
}

// SetLocalAddr records the local address once known (client side learns
// it after connect completes).
func (c *Connection) SetLocalAddr(a net.Addr) {
	c.localAddr = a
}

// OnRead drains the socket into the in-buffer and hands complete frames
// to Execute. Also runs while HalfClosing so the peer's FIN can close the
// connection. Loop thread only.
func (c *Connection) OnRead() {
	if s := c.State(); s != StateConnected && s != StateHalfClosing {
		asynclog.Errorf("read on %s connection, peer [%v], fd %d", c.State(), c.peerAddr, c.fd)
		return
	}

	peerClosed := false
	for {
		if c.inBuffer.Writable() == 0 {
			c.inBuffer.Resize(2 * c.inBuffer.Capacity())
		}
		window := c.inBuffer.WritableSlice()
		n, err := unix.Read(c.fd, window)
		if n > 0 {
			c.inBuffer.MoveWrite(n)
			if n == len(window) {
				continue // kernel may hold more
			}
			break // short read: next read would block
		}
		if n == 0 && err == nil {
			peerClosed = true
			break
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			break
		}
		if err == unix.EINTR {
			continue
		}
		asynclog.Errorf("read fd %d failed: %v", c.fd, err)
		c.Clear()
		return
	}

	if peerClosed {
		asynclog.Infof("peer closed, peer [%v], fd %d", c.peerAddr, c.fd)
		c.Clear()
		return
	}
	c.Execute()
}

// Execute decodes every complete frame in the in-buffer. Server side
// dispatches requests; client side correlates replies to pending reads.
func (c *Connection) Execute() {
	messages := c.codec.Decode(c.inBuffer)

	if c.role == RoleServer {
		for _, req := range messages {
			asynclog.Infof("%s | request from [%v]", req.MsgID, c.peerAddr)
			rsp := &protocol.Message{}
			c.dispatcher.Dispatch(req, rsp, c)
		}
		return
	}

	for _, msg := range messages {
		done, ok := c.readDones[msg.MsgID]
		if !ok {
			asynclog.Errorf("reply with unknown msg id [%s] dropped, peer [%v]", msg.MsgID, c.peerAddr)
			continue
		}
		delete(c.readDones, msg.MsgID)
		done(msg)
	}
}

// OnWrite flushes the out-buffer. Client side first encodes every queued
// outbound message. When the buffer drains, OUT interest is dropped to
// stop spurious wakeups and client after-send callbacks run in enqueue
// order. Loop thread only.
func (c *Connection) OnWrite() {
	if c.State() != StateConnected {
		asynclog.Errorf("write on %s connection, peer [%v], fd %d", c.State(), c.peerAddr, c.fd)
		return
	}

	if c.role == RoleClient {
		var out []*protocol.Message
		for i := range c.writeDones {
			if !c.writeDones[i].encoded {
				out = append(out, c.writeDones[i].msg)
				c.writeDones[i].encoded = true
			}
		}
		c.codec.Encode(out, c.outBuffer)
	}

	wroteAll := false
	for {
		if c.outBuffer.Readable() == 0 {
			wroteAll = true
			break
		}
		window := c.outBuffer.Peek()
		n, err := unix.Write(c.fd, window)
		if n > 0 {
			if err := c.outBuffer.MoveRead(n); err != nil {
				asynclog.Errorf("out buffer desync on fd %d: %v", c.fd, err)
				c.Clear()
				return
			}
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			break // send buffer full; OUT interest stays armed
		}
		if err == unix.EINTR {
			continue
		}
		asynclog.Errorf("write fd %d failed: %v", c.fd, err)
		c.Clear()
		return
	}

	if wroteAll {
		c.fdEvent.Cancel(reactor.EventOut)
		c.loop.AddFdEvent(c.fdEvent)

		if c.role == RoleClient {
			dones := c.writeDones
			c.writeDones = nil
			for _, w := range dones {
				if w.done != nil {
					w.done(w.msg)
				}
			}
		}
	}
}

// Reply encodes replies into the out-buffer and arms write interest.
// Safe from any goroutine: the work is routed to the owning loop.
func (c *Connection) Reply(messages []*protocol.Message) {
	c.loop.RunInLoop(func() {
		if c.State() == StateClosed {
			return
		}
		c.codec.Encode(messages, c.outBuffer)
		c.ListenWrite()
	})
}

// PushSend queues an outbound message with its after-send callback.
// Client role, loop thread only.
func (c *Connection) PushSend(msg *protocol.Message, done func(*protocol.Message)) {
	c.writeDones = append(c.writeDones, pendingWrite{msg: msg, done: done})
}

// PushRead registers the callback for an expected reply msg-id.
// Client role, loop thread only.
func (c *Connection) PushRead(msgID string, done func(*protocol.Message)) {
	c.readDones[msgID] = done
}

// CancelRead withdraws a pending reply correlation; a late reply is then
// dropped with a warning.
func (c *Connection) CancelRead(msgID string) {
	delete(c.readDones, msgID)
}

// ListenRead arms read interest on the owning loop.
func (c *Connection) ListenRead() {
	c.fdEvent.Listen(reactor.EventIn, c.OnRead)
	c.loop.AddFdEvent(c.fdEvent)
}

// ListenWrite arms write interest on the owning loop.
func (c *Connection) ListenWrite() {
	c.fdEvent.Listen(reactor.EventOut, c.OnWrite)
	c.loop.AddFdEvent(c.fdEvent)
}

// Shutdown half-closes the socket: the peer sees FIN, and the eventual
// zero-byte read here drives the transition to Closed. Idempotent, and
// only meaningful from Connected.
func (c *Connection) Shutdown() {
	if c.State() == StateClosed || c.State() == StateNotConnected {
		return
	}
	c.SetState(StateHalfClosing)
	if err := unix.Shutdown(c.fd, unix.SHUT_RDWR); err != nil {
		asynclog.Errorf("shutdown fd %d failed: %v", c.fd, err)
	}
}

// Clear tears the connection down: all interest removed, fd-event
// deregistered, socket closed, state Closed. Safe to call repeatedly;
// once Closed, no further callbacks run.
func (c *Connection) Clear() {
	if State(c.state.Swap(int32(StateClosed))) == StateClosed {
		return
	}
	c.fdEvent.Cancel(reactor.EventIn)
	c.fdEvent.Cancel(reactor.EventOut)
	fd, ev := c.fd, c.fdEvent
	c.loop.RunInLoop(func() {
		c.loop.DeleteFdEvent(ev)
		unix.Close(fd)
	})
}
