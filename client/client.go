//go:build linux

// File: client/client.go
// Package client originates RPC requests and correlates replies by
// message id on its own reactor.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The constructing thread becomes the client's loop thread. Typical use:
// Connect arms the async dial, Run drives the loop, and everything after
// the dial happens inside callbacks on that thread.

package client

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-rpc/asynclog"
	"github.com/momentics/hioload-rpc/protocol"
	"github.com/momentics/hioload-rpc/reactor"
	"github.com/momentics/hioload-rpc/rpc"
	"github.com/momentics/hioload-rpc/transport"
)

// connBufferSize is the initial size of each connection buffer.
const connBufferSize = 128

// Client is the dialing facade: one socket, one connection with client
// role, one event loop bound to the constructing thread.
type Client struct {
	peerAddr  *transport.Addr
	localAddr *transport.Addr

	fd      int
	loop    *reactor.EventLoop
	fdEvent *reactor.FdEvent
	conn    *transport.Connection

	errCode int32
	errInfo string
}

// NewClient creates the socket and binds the calling thread's loop.
func NewClient(peerAddr *transport.Addr) (*Client, error) {
	loop := reactor.Current()
	if loop == nil {
		return nil, fmt.Errorf("client init: no event loop for this thread")
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("client init: create socket: %w", err)
	}

	c := &Client{
		peerAddr: peerAddr,
		fd:       fd,
		loop:     loop,
		fdEvent:  reactor.NewFdEvent(fd),
	}
	c.conn = transport.NewConnection(loop, fd, connBufferSize, peerAddr, nil, transport.RoleClient, nil)
	return c, nil
}

// Connect issues the non-blocking dial. done runs once the outcome is
// known: on success the connection is Connected and the local address
// resolved; on failure ErrCode/ErrInfo are set. A failure reported
// asynchronously (after EINPROGRESS) also replaces the socket with a
// fresh one; an immediate failure leaves the socket as it is.
func (c *Client) Connect(done func()) {
	err := unix.Connect(c.fd, c.peerAddr.Sockaddr())
	switch {
	case err == nil:
		asynclog.Debugf("connect [%s] success", c.peerAddr)
		c.onConnected()
		if done != nil {
			done()
		}

	case err == unix.EINPROGRESS:
		// Completion surfaces as writability; SO_ERROR tells refusal
		// from success.
		c.fdEvent.Listen(reactor.EventOut, func() {
			soErr, gerr := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
			if gerr != nil {
				soErr = int(unix.ECONNABORTED)
			}
			if soErr == 0 {
				asynclog.Debugf("connect [%s] success", c.peerAddr)
				c.onConnected()
			} else {
				c.failConnect(unix.Errno(soErr))
			}
			// Writability stays asserted on a connected socket; drop the
			// dial registration before running the callback.
			c.loop.DeleteFdEvent(c.fdEvent)
			if done != nil {
				done()
			}
		})
		c.loop.AddFdEvent(c.fdEvent)

	default:
		asynclog.Errorf("connect [%s] failed: %v", c.peerAddr, err)
		c.errCode = rpc.CodeFailedConnect
		c.errInfo = fmt.Sprintf("connect error, sys error = %v", err)
		if done != nil {
			done()
		}
	}
}

// onConnected marks the connection live and resolves the local address.
func (c *Client) onConnected() {
	c.conn.SetState(transport.StateConnected)
	c.errCode = 0
	c.errInfo = ""
	sa, err := unix.Getsockname(c.fd)
	if err != nil {
		asynclog.Errorf("getsockname fd %d failed: %v", c.fd, err)
		return
	}
	if inet4, ok := sa.(*unix.SockaddrInet4); ok {
		c.localAddr = transport.AddrFromSockaddr(inet4)
		c.conn.SetLocalAddr(c.localAddr)
	}
}

// failConnect records the error, closes the failed socket and replaces
// it (and the connection) with fresh ones so the caller can retry.
func (c *Client) failConnect(soErr unix.Errno) {
	if soErr == unix.ECONNREFUSED {
		c.errCode = rpc.CodePeerClosed
		c.errInfo = fmt.Sprintf("connect refused, sys error = %v", soErr)
	} else {
		c.errCode = rpc.CodeFailedConnect
		c.errInfo = fmt.Sprintf("connect unknown error, sys error = %v", soErr)
	}
	asynclog.Errorf("connect [%s] failed: %v", c.peerAddr, soErr)

	unix.Close(c.fd)
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		asynclog.Errorf("recreate client socket failed: %v", err)
		return
	}
	c.fd = fd
	c.fdEvent = reactor.NewFdEvent(fd)
	c.conn = transport.NewConnection(c.loop, fd, connBufferSize, c.peerAddr, nil, transport.RoleClient, nil)
}

// WriteMessage queues msg and arms write interest; done runs with the
// message once it has been fully handed to the kernel.
func (c *Client) WriteMessage(msg *protocol.Message, done func(*protocol.Message)) {
	c.conn.PushSend(msg, done)
	c.conn.ListenWrite()
}

// ReadMessage registers done for the reply carrying msgID and ensures
// read interest is armed.
func (c *Client) ReadMessage(msgID string, done func(*protocol.Message)) {
	c.conn.PushRead(msgID, done)
	c.conn.ListenRead()
}

// CancelRead withdraws an expected reply; a late arrival is dropped.
func (c *Client) CancelRead(msgID string) {
	c.conn.CancelRead(msgID)
}

// AddTimer arms a timer on the client's loop, e.g. for call timeouts.
func (c *Client) AddTimer(t *reactor.Timer) {
	c.loop.AddTimer(t)
}

// Run drives the loop on the calling thread until Stop.
func (c *Client) Run() {
	if !c.loop.IsLooping() {
		c.loop.Loop()
	}
}

// Stop stops the owning loop; safe from callbacks or foreign threads.
func (c *Client) Stop() {
	c.loop.Stop()
}

// Close tears down the connection and its socket.
func (c *Client) Close() {
	c.conn.Clear()
}

// ErrCode returns the last connect error code, zero when connected.
func (c *Client) ErrCode() int32 {
	return c.errCode
}

// ErrInfo returns the last connect error description.
func (c *Client) ErrInfo() string {
	return c.errInfo
}

// LocalAddr returns the resolved local address, nil before connect.
func (c *Client) LocalAddr() *transport.Addr {
	return c.localAddr
}

// PeerAddr returns the dial target.
func (c *Client) PeerAddr() *transport.Addr {
	return c.peerAddr
}

// Connection exposes the underlying connection, mainly for tests.
func (c *Client) Connection() *transport.Connection {
	return c.conn
}
