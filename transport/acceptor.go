//go:build linux

// File: transport/acceptor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Acceptor wraps the listening socket: non-blocking, SO_REUSEADDR,
// backlog 1000. The accept loop lives in the server facade; Accept here
// surfaces would-block upward so the caller can stop draining.

package transport

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-rpc/asynclog"
)

const listenBacklog = 1000

// Acceptor owns the listen fd for one local address.
type Acceptor struct {
	listenFd  int
	localAddr *Addr
}

// NewAcceptor creates, binds and listens. Failures here are fatal to
// server initialisation and are returned loudly.
func NewAcceptor(localAddr *Addr) (*Acceptor, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("create listen socket: %w", err)
	}
	// Without REUSEADDR a restart within TIME_WAIT of the old socket
	// cannot rebind the port.
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		asynclog.Errorf("setsockopt SO_REUSEADDR failed on fd %d: %v", fd, err)
	}
	if err := unix.Bind(fd, localAddr.Sockaddr()); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", localAddr, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", localAddr, err)
	}
	asynclog.Infof("listening on [%s]", localAddr)
	return &Acceptor{listenFd: fd, localAddr: localAddr}, nil
}

// ListenFd returns the listening descriptor.
func (a *Acceptor) ListenFd() int {
	return a.listenFd
}

// Accept takes one pending connection. A would-block return means the
// backlog is drained; other errors are logged and reported upward while
// the listen fd stays alive.
func (a *Acceptor) Accept() (int, *Addr, error) {
	fd, sa, err := unix.Accept4(a.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			asynclog.Errorf("accept on [%s] failed: %v", a.localAddr, err)
		}
		return -1, nil, err
	}
	inet4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("accept: unexpected address family")
	}
	peer := AddrFromSockaddr(inet4)
	asynclog.Debugf("accepted client [%s], fd=%d", peer, fd)
	return fd, peer, nil
}

// Close releases the listen fd.
func (a *Acceptor) Close() error {
	return unix.Close(a.listenFd)
}
