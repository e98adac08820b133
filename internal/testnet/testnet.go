// Package testnet provides an in-memory stand-in for the raw IPv4 link
// MyCP normally speaks over, so integration tests can exercise the
// handshake, the I/O multiplexer and full Dial/Accept flows without
// CAP_NET_RAW: a fake transport wired directly to the code under test,
// plus lossy and corrupting variants for fault-injection tests.
//
// A Network models one or more hosts, each identified by an IP string.
// Every Socket opened on a host receives a copy of every datagram any
// other Socket addresses to that host, mirroring the real behaviour
// rawsocket.go documents: a raw IP socket for a given protocol sees every
// matching datagram arriving on the host, regardless of which of that
// host's own sockets is "the" long-lived one. This is what lets a test
// open one Socket for a handshake and a second, independent Socket for
// the iomux.Manager that takes over afterward, exactly as mycp.Dial and
// mycp.Listen do against a real raw socket.
package testnet

import (
	"net"
	"sync"
	"time"

	"github.com/lyricsdb/mycp/iomux"
	"github.com/lyricsdb/mycp/packet"
)

// datagram is one packet in flight on a Network.
type datagram struct {
	payload []byte
	src     net.IP
}

// host fans an outbound datagram out to every Socket currently open on it.
type host struct {
	mu      sync.Mutex
	sockets map[*Socket]struct{}
}

// Network is a set of hosts connected by an in-memory fan-out medium.
type Network struct {
	mu    sync.Mutex
	hosts map[string]*host
}

// NewNetwork creates an empty Network; hosts are created lazily by Open.
func NewNetwork() *Network {
	return &Network{hosts: make(map[string]*host)}
}

func (n *Network) hostFor(ip string) *host {
	n.mu.Lock()
	defer n.mu.Unlock()
	h, ok := n.hosts[ip]
	if !ok {
		h = &host{sockets: make(map[*Socket]struct{})}
		n.hosts[ip] = h
	}
	return h
}

// Open returns a new Socket bound to ip. Multiple Sockets may be Open on
// the same ip at once (e.g. one for a handshake, one for the long-lived
// Manager that takes over once the handshake completes); each sees every
// datagram any peer addresses to ip.
func (n *Network) Open(ip string) *Socket {
	s := &Socket{
		network: n,
		selfIP:  net.ParseIP(ip),
		inbox:   make(chan datagram, 256),
		closed:  make(chan struct{}),
	}
	h := n.hostFor(ip)
	h.mu.Lock()
	h.sockets[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// NewPair is shorthand for a Network with exactly one Socket open on each
// of two hosts, the common case of a single client talking to a single
// server.
func NewPair(ipA, ipB string) (*Socket, *Socket) {
	n := NewNetwork()
	return n.Open(ipA), n.Open(ipB)
}

// Socket is an in-memory raw-socket stand-in. It satisfies, purely
// structurally, the socket interfaces iomux and handshake define over
// ReadFrom/WriteTo/SetReadDeadline/Close — this package
// never needs to import those interface types, only iomux's two exported
// sentinel errors.
type Socket struct {
	network *Network
	selfIP  net.IP
	inbox   chan datagram
	closed  chan struct{}
	once    sync.Once

	mu       sync.Mutex
	deadline time.Time

	// drop, if set, is consulted for every outbound datagram sent from
	// this Socket; returning true discards it before it reaches any peer.
	drop func(payload []byte) bool

	// corrupt, if set, is given a chance to mangle every outbound
	// datagram in place before it reaches any peer.
	corrupt func(payload []byte)
}

// DropEveryNthData makes this Socket's outbound DATA packets vanish on
// every Nth send (the Nth, 2Nth, 3Nth, ... are dropped), leaving
// SYN/SYN-ACK/ACK/CLOSE traffic untouched so the handshake and the ACK
// clock keep working around the loss.
func (s *Socket) DropEveryNthData(n int) {
	count := 0
	var mu sync.Mutex
	s.drop = func(payload []byte) bool {
		p, err := packet.Decode(payload)
		if err != nil || p.Header.Type != packet.DATA {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		count++
		return count%n == 0
	}
}

// CorruptNthData flips a single header byte in the Nth outbound DATA packet
// only (1-indexed; every earlier and later DATA packet is left alone),
// landing it on the wire with a header that no longer matches its checksum.
// The receiver rejects it outright rather than delivering garbage payload
// bytes, so whichever retransmission eventually resends that sequence number
// arrives uncorrupted and gets delivered normally. SYN/SYN-ACK/ACK/CLOSE
// traffic is never touched.
func (s *Socket) CorruptNthData(n int) {
	count := 0
	var mu sync.Mutex
	s.corrupt = func(payload []byte) {
		p, err := packet.Decode(payload)
		if err != nil || p.Header.Type != packet.DATA {
			return
		}
		mu.Lock()
		count++
		hit := count == n
		mu.Unlock()
		if hit {
			payload[0] ^= 0xFF
		}
	}
}

// SetReadDeadline bounds how long the next ReadFrom may block.
func (s *Socket) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	s.deadline = t
	s.mu.Unlock()
	return nil
}

// ReadFrom blocks for the next inbound datagram, honoring the deadline set
// by SetReadDeadline, and returns iomux.ErrTimeout / iomux.ErrClosed in
// place of a real socket's EAGAIN / EBADF so iomux's poll loop treats a
// Socket exactly like a real one.
func (s *Socket) ReadFrom(buf []byte) (int, net.IP, error) {
	s.mu.Lock()
	deadline := s.deadline
	s.mu.Unlock()

	var timeoutCh <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeoutCh = timer.C
	}
	select {
	case dg := <-s.inbox:
		n := copy(buf, dg.payload)
		return n, dg.src, nil
	case <-timeoutCh:
		return 0, nil, iomux.ErrTimeout
	case <-s.closed:
		return 0, nil, iomux.ErrClosed
	}
}

// WriteTo delivers buf to every Socket currently Open on dst, unless a
// loss policy configured via DropEveryNthData discards it first. A full
// peer inbox drops the datagram rather than blocking, the same as a
// kernel socket's receive buffer overrunning.
func (s *Socket) WriteTo(buf []byte, dst net.IP) error {
	if s.drop != nil && s.drop(buf) {
		return nil
	}
	// Corruption is applied once, before fan-out, so every Socket on the
	// destination host sees the same bytes the wire would have carried.
	wire := make([]byte, len(buf))
	copy(wire, buf)
	if s.corrupt != nil {
		s.corrupt(wire)
	}
	h := s.network.hostFor(dst.String())
	h.mu.Lock()
	defer h.mu.Unlock()
	for peer := range h.sockets {
		cp := make([]byte, len(wire))
		copy(cp, wire)
		select {
		case peer.inbox <- datagram{payload: cp, src: s.selfIP}:
		default:
		}
	}
	return nil
}

// Close unblocks any pending ReadFrom with iomux.ErrClosed and removes
// this Socket from its host, so it no longer receives deliveries. Safe to
// call more than once.
func (s *Socket) Close() error {
	s.once.Do(func() {
		close(s.closed)
		h := s.network.hostFor(s.selfIP.String())
		h.mu.Lock()
		delete(h.sockets, s)
		h.mu.Unlock()
	})
	return nil
}
