// Package transport abstracts over the two ways a lyricsDB client and
// server can talk to each other: the custom MyCP protocol, and ordinary
// kernel TCP stream sockets as the default fallback.
package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/lyricsdb/mycp"
)

// Backend selects which concrete transport a Dial/Listen call uses.
type Backend string

const (
	// MyCP selects the custom reliable-stream protocol implemented by this
	// repository's core packages.
	MyCP Backend = "mycp"
	// TCP selects ordinary kernel stream sockets — the default backend.
	TCP Backend = "tcp"
)

// Stream is the minimal byte-stream surface both backends expose.
type Stream interface {
	Send(buf []byte) error
	Recv(buf []byte) (int, error)
	Close() error
}

// Listener accepts new Streams.
type Listener interface {
	Accept() (Stream, error)
	Close() error
}

// tcpStream adapts a net.Conn to the Stream interface. Recv deliberately
// does not require the caller to fill the whole buffer in one call,
// matching net.Conn.Read's usual partial-read semantics, unlike
// mycp.Conn.Recv's exact-length contract — callers in server/ and client/
// read through protocol.ReadFrame, whose io.ReadFull copes with partial
// reads either way.
type tcpStream struct {
	conn net.Conn
}

func (t tcpStream) Send(buf []byte) error {
	_, err := t.conn.Write(buf)
	return err
}
func (t tcpStream) Recv(buf []byte) (int, error) { return t.conn.Read(buf) }
func (t tcpStream) Close() error                 { return t.conn.Close() }

// DialTCP dials addr ("host:port") over a kernel TCP stream socket.
func DialTCP(ctx context.Context, addr string) (Stream, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return tcpStream{conn: c}, nil
}

type tcpListener struct{ l net.Listener }

func (t tcpListener) Accept() (Stream, error) {
	c, err := t.l.Accept()
	if err != nil {
		return nil, err
	}
	return tcpStream{conn: c}, nil
}
func (t tcpListener) Close() error { return t.l.Close() }

// ListenTCP listens for kernel TCP connections on addr ("host:port" or
// ":port").
func ListenTCP(addr string) (Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return tcpListener{l: l}, nil
}

// mycpStream adapts a *mycp.Conn to the Stream interface; it already has
// the right method set, so this is a type-identity wrapper that exists to
// keep the transport package's Stream the one public interface callers
// depend on.
type mycpStream struct {
	conn *mycp.Conn
}

func (m mycpStream) Send(buf []byte) error      { return m.conn.Send(buf) }
func (m mycpStream) Recv(buf []byte) (int, error) { return m.conn.Recv(buf) }
func (m mycpStream) Close() error               { return m.conn.Close() }

// DialMyCP performs a MyCP handshake to remoteIP:remotePort using
// localPort as this side's port.
func DialMyCP(ctx context.Context, localPort uint16, remoteIP string, remotePort uint16) (Stream, error) {
	c, err := mycp.Dial(ctx, localPort, remoteIP, remotePort)
	if err != nil {
		return nil, err
	}
	return mycpStream{conn: c}, nil
}

type mycpListener struct {
	l *mycp.Listener
}

func (m mycpListener) Accept() (Stream, error) {
	c, err := m.l.Accept()
	if err != nil {
		return nil, err
	}
	return mycpStream{conn: c}, nil
}
func (m mycpListener) Close() error { return m.l.Close() }

// ListenMyCP prepares to accept MyCP connections on listenPort.
func ListenMyCP(ctx context.Context, listenPort uint16) (Listener, error) {
	l, err := mycp.Listen(ctx, listenPort)
	if err != nil {
		return nil, err
	}
	return mycpListener{l: l}, nil
}

// Dial dials addr using the given backend. For Backend MyCP, addr must be
// "ip:port" and localPort supplies this side's MyCP port.
func Dial(ctx context.Context, backend Backend, localPort uint16, addr string) (Stream, error) {
	switch backend {
	case TCP:
		return DialTCP(ctx, addr)
	case MyCP:
		ip, port, err := splitHostPort(addr)
		if err != nil {
			return nil, err
		}
		return DialMyCP(ctx, localPort, ip, port)
	default:
		return nil, fmt.Errorf("transport: unknown backend %q", backend)
	}
}

// Listen listens using the given backend. addr is "host:port" for TCP, or
// the numeric port, with or without a leading colon, for MyCP (it has no
// notion of a bind address).
func Listen(ctx context.Context, backend Backend, addr string) (Listener, error) {
	switch backend {
	case TCP:
		return ListenTCP(addr)
	case MyCP:
		_, port, err := splitHostPort("0.0.0.0:" + trimLeadingColon(addr))
		if err != nil {
			return nil, err
		}
		return ListenMyCP(ctx, port)
	default:
		return nil, fmt.Errorf("transport: unknown backend %q", backend)
	}
}

func trimLeadingColon(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return addr[1:]
	}
	return addr
}

func splitHostPort(addr string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("transport: invalid address %q: %w", addr, err)
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return "", 0, fmt.Errorf("transport: invalid port in %q: %w", addr, err)
	}
	return host, port, nil
}
