// File: rpc/service.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Service and method registry types. A service bundles named methods;
// each method supplies request/response prototypes and a handler. The
// handler signals completion through the closure it receives, which may
// happen after the handler returns and from any goroutine.

package rpc

import (
	"sync"

	"google.golang.org/protobuf/proto"
)

// MethodHandler implements one RPC method. rsp is the response prototype
// to fill in; done must be run exactly once when the response is ready.
type MethodHandler func(ctrl *Controller, req, rsp proto.Message, done *Closure)

// Method describes one callable method of a service.
type Method struct {
	Name        string
	NewRequest  func() proto.Message
	NewResponse func() proto.Message
	Handler     MethodHandler
}

// Service maps method names to methods under one service name.
// Immutable once registered with a dispatcher.
type Service struct {
	name    string
	methods map[string]*Method
}

// NewService creates an empty service with the given full name.
func NewService(name string) *Service {
	return &Service{name: name, methods: make(map[string]*Method)}
}

// Name returns the full service name.
func (s *Service) Name() string {
	return s.name
}

// RegisterMethod adds a method; later registrations with the same name
// replace earlier ones.
func (s *Service) RegisterMethod(m *Method) *Service {
	s.methods[m.Name] = m
	return s
}

// Method looks a method up by name.
func (s *Service) Method(name string) (*Method, bool) {
	m, ok := s.methods[name]
	return m, ok
}

// Closure wraps a completion callback so it runs at most once, from
// whatever goroutine eventually invokes it.
type Closure struct {
	once sync.Once
	fn   func()
}

// NewClosure wraps fn.
func NewClosure(fn func()) *Closure {
	return &Closure{fn: fn}
}

// Run invokes the wrapped callback; subsequent calls are no-ops.
func (c *Closure) Run() {
	c.once.Do(c.fn)
}
