//go:build linux

// File: transport/addr.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Addr is an IPv4 socket address in "a.b.c.d:port" form. It implements
// net.Addr and converts to the raw sockaddr the syscall layer needs.
type Addr struct {
	ip   net.IP
	port int
}

// ParseAddr validates and parses "a.b.c.d:port". The port must be in
// (0, 65535].
func ParseAddr(s string) (*Addr, error) {
	i := strings.Index(s, ":")
	if i < 0 {
		return nil, fmt.Errorf("invalid address %q: missing port separator", s)
	}
	host, portStr := s[:i], s[i+1:]
	if host == "" || portStr == "" {
		return nil, fmt.Errorf("invalid address %q: empty host or port", s)
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("invalid address %q: not an IPv4 host", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: bad port: %w", s, err)
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid address %q: port out of range", s)
	}
	return &Addr{ip: ip.To4(), port: port}, nil
}

// NewAddr builds an address from already-validated parts.
func NewAddr(ip net.IP, port int) *Addr {
	return &Addr{ip: ip.To4(), port: port}
}

// AddrFromSockaddr converts a kernel-filled sockaddr.
func AddrFromSockaddr(sa *unix.SockaddrInet4) *Addr {
	return &Addr{ip: net.IPv4(sa.Addr[0], sa.Addr[1], sa.Addr[2], sa.Addr[3]).To4(), port: sa.Port}
}

// Network implements net.Addr.
func (a *Addr) Network() string {
	return "tcp"
}

// String implements net.Addr. Tolerates a nil receiver so unresolved
// addresses can be logged.
func (a *Addr) String() string {
	if a == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s:%d", a.ip, a.port)
}

// Port returns the port.
func (a *Addr) Port() int {
	return a.port
}

// Sockaddr returns the address as a bindable/connectable sockaddr.
func (a *Addr) Sockaddr() *unix.SockaddrInet4 {
	sa := &unix.SockaddrInet4{Port: a.port}
	copy(sa.Addr[:], a.ip.To4())
	return sa
}
