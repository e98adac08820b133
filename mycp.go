// Package mycp is the public façade for the custom reliable-stream
// transport: Dial and Listen hide the handshake and the shared I/O
// multiplexer behind the ordinary net.Conn-shaped Send/Recv/Close surface
// used throughout this repository.
package mycp

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/lyricsdb/mycp/conn"
	"github.com/lyricsdb/mycp/handshake"
	"github.com/lyricsdb/mycp/iomux"
	"github.com/lyricsdb/mycp/mycperr"
	"github.com/lyricsdb/mycp/packet"
)

var (
	managerOnce sync.Once
	manager     *iomux.Manager
	managerErr  error
)

// SharedManager exposes the lazily-started process-wide NetworkManager so
// callers like cmd/lyrics-server can attach a stats snapshot loop to it
// without MyCP internals leaking further than this one accessor.
func SharedManager(ctx context.Context) (*iomux.Manager, error) {
	return sharedManager(ctx)
}

// sharedManager lazily starts the one process-wide NetworkManager the
// first time a connection is dialed or accepted: the raw socket and its
// poll loop are expensive enough that a process should only ever have
// one, not one per Conn.
func sharedManager(ctx context.Context) (*iomux.Manager, error) {
	managerOnce.Do(func() {
		manager, managerErr = iomux.New(ctx)
	})
	return manager, managerErr
}

// Conn is a single established MyCP connection.
type Conn struct {
	c   *conn.Connection
	mgr *iomux.Manager
}

// Send implements transport.Stream.
func (s *Conn) Send(buf []byte) error { return s.c.Send(buf) }

// Recv implements transport.Stream.
func (s *Conn) Recv(buf []byte) (int, error) { return s.c.Recv(buf) }

// Close tears the connection down: it sends a best-effort CLOSE, then
// unregisters and releases local state. It does not stop the shared
// Manager, which may be serving other connections.
func (s *Conn) Close() error {
	wire := packet.Encode(packet.Packet{Header: packet.Header{
		Type:            packet.CLOSE,
		SrcPort:         s.c.Addr.LocalPort,
		DstPort:         s.c.Addr.RemotePort,
		TimestampMillis: uint64(time.Now().UnixMilli()),
	}})
	// Best-effort: a failure here just means the peer times out waiting
	// for more data instead of seeing an explicit close.
	s.mgr.SendRaw(wire, net.ParseIP(s.c.Addr.RemoteIP))

	s.c.Close()
	s.mgr.Unregister(s.c)
	return nil
}

// Dial performs a client-side handshake against remoteIP:remotePort and
// returns an established Conn. localPort identifies this side of the
// connection in MyCP's port namespace (not an OS port).
func Dial(ctx context.Context, localPort uint16, remoteIP string, remotePort uint16) (*Conn, error) {
	mgr, err := sharedManager(ctx)
	if err != nil {
		return nil, mycperr.New(mycperr.SocketCreate, "starting network manager: %v", err)
	}
	sock, err := iomux.NewRawHandshakeSocket()
	if err != nil {
		return nil, mycperr.New(mycperr.SocketCreate, "opening handshake socket: %v", err)
	}
	defer sock.Close()
	c, err := handshake.Connect(mgr, sock, localPort, remoteIP, remotePort)
	if err != nil {
		return nil, err
	}
	return &Conn{c: c, mgr: mgr}, nil
}

// Listener accepts MyCP connections on a fixed local port.
type Listener struct {
	mgr        *iomux.Manager
	sock       iomux.HandshakeSocket
	listenPort uint16
}

// Listen prepares to accept MyCP connections on listenPort.
func Listen(ctx context.Context, listenPort uint16) (*Listener, error) {
	mgr, err := sharedManager(ctx)
	if err != nil {
		return nil, mycperr.New(mycperr.SocketCreate, "starting network manager: %v", err)
	}
	sock, err := iomux.NewRawHandshakeSocket()
	if err != nil {
		return nil, mycperr.New(mycperr.SocketCreate, "opening handshake socket: %v", err)
	}
	return &Listener{mgr: mgr, sock: sock, listenPort: listenPort}, nil
}

// Close releases the Listener's handshake socket.
func (l *Listener) Close() error {
	return l.sock.Close()
}

// Accept blocks for the next client's SYN and completes the handshake.
// Unlike net.Listener, there is no kernel backlog: only one client at a
// time can be mid-handshake.
func (l *Listener) Accept() (*Conn, error) {
	c, err := handshake.AcceptOneClient(l.mgr, l.sock, l.listenPort)
	if err != nil {
		return nil, err
	}
	return &Conn{c: c, mgr: l.mgr}, nil
}
