//go:build linux

// File: server/server.go
// Package server wires the acceptor, the main reactor, the IO thread
// pool and the dispatcher into the serving facade.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-rpc/asynclog"
	"github.com/momentics/hioload-rpc/config"
	"github.com/momentics/hioload-rpc/reactor"
	"github.com/momentics/hioload-rpc/rpc"
	"github.com/momentics/hioload-rpc/transport"
)

// cleanupInterval is how often closed connections are reaped from the
// client set.
const cleanupInterval = 5 * time.Second

// Server owns the main reactor (bound to the constructing thread), the
// listening socket, the worker pool and the service registry.
type Server struct {
	cfg       *config.Config
	localAddr *transport.Addr

	acceptor      *transport.Acceptor
	mainLoop      *reactor.EventLoop
	pool          *reactor.IoThreadPool
	listenFdEvent *reactor.FdEvent
	dispatcher    *rpc.Dispatcher

	connBufSize  int
	clients      map[*transport.Connection]struct{}
	clientCount  int64
	cleanupTimer *reactor.Timer
}

// Option customizes server construction.
type Option func(*Server)

// WithConnBufferSize overrides the initial per-connection buffer size.
func WithConnBufferSize(n int) Option {
	return func(s *Server) {
		s.connBufSize = n
	}
}

// NewServer builds the facade on the calling thread, which becomes the
// main reactor thread. Bind or listen failures abort initialisation.
func NewServer(cfg *config.Config, listenAddr string, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	local, err := transport.ParseAddr(listenAddr)
	if err != nil {
		return nil, err
	}
	acceptor, err := transport.NewAcceptor(local)
	if err != nil {
		return nil, fmt.Errorf("server init: %w", err)
	}
	mainLoop := reactor.Current()
	if mainLoop == nil {
		acceptor.Close()
		return nil, fmt.Errorf("server init: no event loop for this thread")
	}

	s := &Server{
		cfg:         cfg,
		localAddr:   local,
		acceptor:    acceptor,
		mainLoop:    mainLoop,
		pool:        reactor.NewIoThreadPool(cfg.IoThreads),
		dispatcher:  rpc.NewDispatcher(),
		connBufSize: 128,
		clients:     make(map[*transport.Connection]struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	// The listen fd registration happens here on the main loop's own
	// thread, so no cross-thread task is involved.
	s.listenFdEvent = reactor.NewFdEvent(acceptor.ListenFd())
	s.listenFdEvent.Listen(reactor.EventIn, s.onAccept)
	s.mainLoop.AddFdEvent(s.listenFdEvent)

	s.cleanupTimer = reactor.NewTimer(cleanupInterval, true, s.clearClosedClients)
	s.mainLoop.AddTimer(s.cleanupTimer)

	asynclog.Infof("server listening on [%s] with %d io threads", local, cfg.IoThreads)
	return s, nil
}

// RegisterService adds a service to the dispatcher. Must complete before
// Start; registration does not synchronize with dispatch.
func (s *Server) RegisterService(svc *rpc.Service) {
	s.dispatcher.Register(svc)
}

// Dispatcher exposes the registry, mainly for tests.
func (s *Server) Dispatcher() *rpc.Dispatcher {
	return s.dispatcher
}

// LocalAddr returns the bound listen address.
func (s *Server) LocalAddr() *transport.Addr {
	return s.localAddr
}

// ClientCount returns the number of connections accepted so far.
func (s *Server) ClientCount() int64 {
	return s.clientCount
}

// Start launches the worker pool and runs the main reactor on the
// calling thread. It returns when Stop is called.
func (s *Server) Start() {
	s.pool.Start()
	s.mainLoop.Loop()
}

// Stop shuts down the workers and the main loop, then closes the listen
// socket. Asynchronous with respect to in-flight callbacks on the main
// loop; safe from any thread.
func (s *Server) Stop() {
	s.pool.Stop()
	s.mainLoop.Stop()
	s.acceptor.Close()
}

// onAccept drains the backlog. Each new fd is handed round-robin to a
// worker, which constructs the Connection on its own thread; the client
// set itself is only ever touched from the main loop.
func (s *Server) onAccept() {
	for {
		fd, peer, err := s.acceptor.Accept()
		if err != nil {
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
				asynclog.Errorf("accept failed on [%s]: %v", s.localAddr, err)
			}
			return
		}
		s.clientCount++

		workerLoop := s.pool.Next().Loop()
		workerLoop.Post(func() {
			conn := transport.NewConnection(workerLoop, fd, s.connBufSize,
				peer, s.localAddr, transport.RoleServer, s.dispatcher)
			conn.SetState(transport.StateConnected)
			s.mainLoop.Post(func() {
				s.clients[conn] = struct{}{}
			})
		})
		asynclog.Infof("accepted connection, fd=%d, peer [%s]", fd, peer)
	}
}

// clearClosedClients reaps closed connections; runs on the main loop
// every cleanup interval.
func (s *Server) clearClosedClients() {
	for conn := range s.clients {
		if conn.State() == transport.StateClosed {
			asynclog.Debugf("reaping closed connection, fd=%d", conn.Fd())
			delete(s.clients, conn)
		}
	}
}
