// Package iomux implements the single shared I/O multiplexer that owns the
// one raw IPv4 socket MyCP speaks over. All connections in a process share
// one Manager; it is created lazily on first use and run on its own
// goroutine, joined rather than detached at shutdown.
package iomux

import (
	"errors"
	"net"
	"time"
)

// ErrTimeout is returned internally by a rawSocket implementation's
// ReadFrom when its deadline elapses with nothing to read; the Manager
// loop treats it identically to a successful empty poll tick.
var ErrTimeout = errors.New("iomux: read deadline exceeded")

// ErrClosed is returned internally once the socket's shutdown signal has
// fired, telling the Manager loop to exit.
var ErrClosed = errors.New("iomux: socket closed")

// MyCPProtocolNumber is the IP protocol number MyCP packets are carried
// under, in place of TCP(6) or UDP(17).
const MyCPProtocolNumber = 192

// rawSocket abstracts the raw IPv4 socket operations the Manager needs.
// socket_linux.go provides the real epoll-backed implementation;
// socket_other.go provides a stub for platforms without AF_INET/SOCK_RAW
// support.
type rawSocket interface {
	// ReadFrom blocks (subject to the deadline set by SetReadDeadline)
	// until a datagram arrives, returning its payload (IP header already
	// stripped) and the sender's address.
	ReadFrom(buf []byte) (n int, src net.IP, err error)
	// WriteTo sends buf as the body of an IPv4 packet addressed to dst.
	WriteTo(buf []byte, dst net.IP) error
	// SetReadDeadline bounds how long the next ReadFrom call may block,
	// so the main loop can wake up for retransmission bookkeeping even
	// when nothing arrives.
	SetReadDeadline(t time.Time) error
	// Close releases the underlying file descriptor.
	Close() error
}

// HandshakeSocket is rawSocket exported for the handshake package: raw IP
// sockets deliver a copy of every matching-protocol datagram to every
// open socket on the host, so the handshake can safely open its own
// independent of the Manager's, and only needs to see SYN/SYN-ACK
// traffic before a Connection exists to register.
type HandshakeSocket interface {
	ReadFrom(buf []byte) (n int, src net.IP, err error)
	WriteTo(buf []byte, dst net.IP) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// NewRawHandshakeSocket opens a fresh raw MyCP socket for handshake use.
func NewRawHandshakeSocket() (HandshakeSocket, error) {
	return newPlatformRawSocket()
}
