package nat

import (
	"net"
	"sync"
)

// PortForward describes one host port that should be relayed to a
// fixed port inside the guest.
type PortForward struct {
	HostPort  int
	GuestPort uint16
}

// forwardTable reconciles the set of active host listeners against a
// desired PortForward list: UpdatePortForwards adds listeners for new
// entries and tears down ones that disappeared.
type forwardTable struct {
	s *Stack

	mu        sync.Mutex
	listeners map[int]net.Listener
	guestPort map[int]uint16
}

func newForwardTable(s *Stack) *forwardTable {
	return &forwardTable{
		s:         s,
		listeners: make(map[int]net.Listener),
		guestPort: make(map[int]uint16),
	}
}

// UpdatePortForwards reconciles the live host listeners against the
// desired set, returning the first error encountered while opening a
// new listener (existing ones are left running).
func (f *forwardTable) UpdatePortForwards(entries []PortForward) error {
	want := make(map[int]uint16, len(entries))
	for _, e := range entries {
		want[e.HostPort] = e.GuestPort
	}

	f.mu.Lock()
	for hostPort, ln := range f.listeners {
		if _, ok := want[hostPort]; !ok {
			_ = ln.Close()
			delete(f.listeners, hostPort)
			delete(f.guestPort, hostPort)
		}
	}
	var toStart []PortForward
	for hostPort, guestPort := range want {
		if _, ok := f.listeners[hostPort]; !ok {
			toStart = append(toStart, PortForward{HostPort: hostPort, GuestPort: guestPort})
		}
	}
	f.mu.Unlock()

	var firstErr error
	for _, e := range toStart {
		if err := f.start(e); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *forwardTable) start(e PortForward) error {
	ln, err := net.Listen("tcp4", net.JoinHostPort("0.0.0.0", itoa(e.HostPort)))
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.listeners[e.HostPort] = ln
	f.guestPort[e.HostPort] = e.GuestPort
	f.mu.Unlock()

	go f.acceptLoop(ln, e.GuestPort)
	return nil
}

func (f *forwardTable) acceptLoop(ln net.Listener, guestPort uint16) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go f.s.dialGuest(guestPort, conn)
	}
}

// Close tears down every active port-forward listener.
func (f *forwardTable) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for hostPort, ln := range f.listeners {
		_ = ln.Close()
		delete(f.listeners, hostPort)
		delete(f.guestPort, hostPort)
	}
}
