// Package handshake implements MyCP's two-step connection setup: a
// client sends SYN and blocks for a matching SYN-ACK; a server blocks on
// its listen port for an inbound SYN and replies with SYN-ACK. Both sides
// then register the resulting conn.Connection with the shared
// iomux.Manager and hand back the ordinary blocking facade.
package handshake

import (
	"net"
	"time"

	"github.com/lyricsdb/mycp/conn"
	"github.com/lyricsdb/mycp/iomux"
	"github.com/lyricsdb/mycp/mycperr"
	"github.com/lyricsdb/mycp/packet"
)

// MaxAttempts bounds how many SYNs a client will send before giving up.
const MaxAttempts = 5

// AttemptTimeout is how long the client waits for a SYN-ACK after each SYN
// before retrying.
const AttemptTimeout = 500 * time.Millisecond

// synSocket is the minimal raw-socket surface the handshake needs before a
// Connection (and therefore a Manager dispatch table entry) exists: send
// one datagram, and block for up to a deadline on one reply.
type synSocket interface {
	WriteTo(buf []byte, dst net.IP) error
	ReadFrom(buf []byte) (n int, src net.IP, err error)
	SetReadDeadline(t time.Time) error
}

// Connect performs the client side of the handshake against a listening
// MyCP peer at remoteIP:remotePort, using localPort to identify this side
// of the new connection. On success it registers the Connection with mgr
// and returns it ready for Send/Recv.
func Connect(mgr *iomux.Manager, sock synSocket, localPort uint16, remoteIP string, remotePort uint16) (*conn.Connection, error) {
	dst := net.ParseIP(remoteIP)
	if dst == nil {
		return nil, mycperr.New(mycperr.Addressing, "invalid remote address %q", remoteIP)
	}

	syn := packet.Encode(packet.Packet{Header: packet.Header{
		Type:            packet.SYN,
		SrcPort:         localPort,
		DstPort:         remotePort,
		TimestampMillis: uint64(time.Now().UnixMilli()),
	}})

	buf := make([]byte, packet.MTU)
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		if err := sock.WriteTo(syn, dst); err != nil {
			return nil, mycperr.New(mycperr.HandshakeFailed, "sending SYN: %v", err)
		}
		sock.SetReadDeadline(time.Now().Add(AttemptTimeout))

		n, src, err := sock.ReadFrom(buf)
		if err != nil {
			continue // timeout or transient error: retry with another SYN
		}
		p, err := packet.Decode(buf[:n])
		if err != nil || p.Header.Type != packet.SYNACK || p.Header.DstPort != localPort || p.Header.SrcPort != remotePort {
			continue // malformed or unrelated datagram: keep waiting/retrying
		}
		if src.String() != remoteIP {
			continue // reply did not come from the peer we dialed
		}

		c := conn.New(conn.NextID(), conn.AddrInfo{
			LocalPort:  localPort,
			RemoteIP:   remoteIP,
			RemotePort: remotePort,
		})
		mgr.Register(c)
		return c, nil
	}
	return nil, mycperr.New(mycperr.HandshakeFailed, "no SYN-ACK from %s:%d after %d attempts", remoteIP, remotePort, MaxAttempts)
}

// AcceptOneClient blocks until a SYN arrives on listenPort, replies with a
// SYN-ACK, and returns a newly registered Connection for that peer. A real
// MyCP server calls this in a loop, one call per incoming client, since a
// single raw socket (and therefore a single listenPort namespace) has no
// kernel-level backlog of its own.
func AcceptOneClient(mgr *iomux.Manager, sock synSocket, listenPort uint16) (*conn.Connection, error) {
	buf := make([]byte, packet.MTU)
	for {
		sock.SetReadDeadline(time.Time{}) // block indefinitely for a new client
		n, src, err := sock.ReadFrom(buf)
		if err != nil {
			return nil, mycperr.New(mycperr.IoError, "accept: %v", err)
		}
		p, err := packet.Decode(buf[:n])
		if err != nil || p.Header.Type != packet.SYN || p.Header.DstPort != listenPort {
			continue
		}

		synack := packet.Encode(packet.Packet{Header: packet.Header{
			Type:            packet.SYNACK,
			SrcPort:         listenPort,
			DstPort:         p.Header.SrcPort,
			TimestampMillis: uint64(time.Now().UnixMilli()),
		}})
		if err := sock.WriteTo(synack, src); err != nil {
			return nil, mycperr.New(mycperr.IoError, "replying SYN-ACK: %v", err)
		}

		c := conn.New(conn.NextID(), conn.AddrInfo{
			LocalPort:  listenPort,
			RemoteIP:   src.String(),
			RemotePort: p.Header.SrcPort,
		})
		mgr.Register(c)
		return c, nil
	}
}
