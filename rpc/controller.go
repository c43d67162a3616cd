// File: rpc/controller.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package rpc

import "net"

// Controller is the per-call context handed to a handler: the request's
// msg-id and the two socket addresses. One instance lives per in-flight
// request and is released once the reply closure has run.
type Controller struct {
	msgID     string
	localAddr net.Addr
	peerAddr  net.Addr
}

// NewController builds the per-call context.
func NewController(msgID string, localAddr, peerAddr net.Addr) *Controller {
	return &Controller{msgID: msgID, localAddr: localAddr, peerAddr: peerAddr}
}

// MsgID returns the correlation id of the call.
func (c *Controller) MsgID() string {
	return c.msgID
}

// LocalAddr returns the serving socket's local address.
func (c *Controller) LocalAddr() net.Addr {
	return c.localAddr
}

// PeerAddr returns the calling peer's address.
func (c *Controller) PeerAddr() net.Addr {
	return c.peerAddr
}
