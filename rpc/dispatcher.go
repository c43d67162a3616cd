//go:build linux

// File: rpc/dispatcher.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Dispatcher routes decoded request frames to registered services and
// arranges the reply closure. Registration happens before serving
// traffic; the service map is read-only afterwards, so dispatch takes no
// locks on it.

package rpc

import (
	"net"
	"strings"

	"google.golang.org/protobuf/proto"

	"github.com/momentics/hioload-rpc/asynclog"
	"github.com/momentics/hioload-rpc/protocol"
)

// Conn is the connection surface the dispatcher needs: where the reply
// goes and which addresses the controller carries. Reply must be safe to
// call from any goroutine; the connection posts to its owning loop.
type Conn interface {
	Reply(messages []*protocol.Message)
	LocalAddr() net.Addr
	PeerAddr() net.Addr
}

// Dispatcher is the service/method registry. Post-registration it is
// infallible: every failure becomes a structured reply, never a Go error.
type Dispatcher struct {
	services map[string]*Service
}

// NewDispatcher returns an empty registry.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{services: make(map[string]*Service)}
}

// Register inserts a service under its full name. Not safe to call
// concurrently with Dispatch.
func (d *Dispatcher) Register(s *Service) {
	d.services[s.Name()] = s
	asynclog.Infof("registered service [%s]", s.Name())
}

// Dispatch resolves req to a handler and invokes it. rsp is filled with
// the correlation fields up front; on any resolution failure it carries
// the error code and is sent back immediately. On success the reply is
// sent whenever the handler runs its closure.
func (d *Dispatcher) Dispatch(req, rsp *protocol.Message, conn Conn) {
	rsp.MsgID = req.MsgID
	rsp.MethodName = req.MethodName

	serviceName, methodName, ok := parseServiceFullName(req.MethodName)
	if !ok {
		asynclog.Errorf("%s | parse service name failed, full name [%s]", req.MsgID, req.MethodName)
		setError(rsp, CodeParseServiceName, "parse service name error")
		conn.Reply([]*protocol.Message{rsp})
		return
	}

	service, ok := d.services[serviceName]
	if !ok {
		asynclog.Errorf("%s | service name [%s] not found", req.MsgID, serviceName)
		setError(rsp, CodeServiceNotFound, "service not found")
		conn.Reply([]*protocol.Message{rsp})
		return
	}

	method, ok := service.Method(methodName)
	if !ok {
		asynclog.Errorf("%s | method name [%s] not found in service [%s]", req.MsgID, methodName, serviceName)
		setError(rsp, CodeServiceNotFound, "method not found")
		conn.Reply([]*protocol.Message{rsp})
		return
	}

	reqMsg := method.NewRequest()
	if err := proto.Unmarshal(req.Payload, reqMsg); err != nil {
		asynclog.Errorf("%s | deserialize request failed: %v", req.MsgID, err)
		setError(rsp, CodeDeserializeFailed, "deserialize error")
		conn.Reply([]*protocol.Message{rsp})
		return
	}

	rspMsg := method.NewResponse()
	ctrl := NewController(req.MsgID, conn.LocalAddr(), conn.PeerAddr())

	rt := CurrentRunTime()
	rt.MsgID = req.MsgID
	rt.MethodName = methodName

	done := NewClosure(func() {
		data, err := proto.Marshal(rspMsg)
		if err != nil {
			asynclog.Errorf("%s | serialize response failed: %v", rsp.MsgID, err)
			setError(rsp, CodeSerializeFailed, "serialize error")
		} else {
			rsp.Payload = data
			rsp.ErrCode = 0
			rsp.ErrInfo = ""
			asynclog.Infof("%s | dispatch success, method [%s]", rsp.MsgID, rsp.MethodName)
		}
		conn.Reply([]*protocol.Message{rsp})
	})

	defer func() {
		if r := recover(); r != nil {
			asynclog.Errorf("%s | handler panic in [%s]: %v", req.MsgID, req.MethodName, r)
			// Shares the closure's once so a handler that panicked after
			// completing cannot produce a second reply.
			done.once.Do(func() {
				setError(rsp, CodeHandlerPanic, "handler panic")
				conn.Reply([]*protocol.Message{rsp})
			})
		}
	}()
	method.Handler(ctrl, reqMsg, rspMsg, done)
}

// parseServiceFullName splits "<service>.<method>" on the first dot.
func parseServiceFullName(fullName string) (service, method string, ok bool) {
	if fullName == "" {
		return "", "", false
	}
	i := strings.Index(fullName, ".")
	if i < 0 {
		return "", "", false
	}
	return fullName[:i], fullName[i+1:], true
}

func setError(msg *protocol.Message, code int32, info string) {
	msg.ErrCode = code
	msg.ErrInfo = info
}
