package handshake_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/lyricsdb/mycp/conn"
	"github.com/lyricsdb/mycp/handshake"
	"github.com/lyricsdb/mycp/iomux"
)

type datagram struct {
	payload []byte
	src     net.IP
}

// pairedSocket implements handshake's synSocket (structurally, via the same
// method set) over an in-memory channel pair, the same approach iomux's own
// tests use for a loopback link without CAP_NET_RAW.
type pairedSocket struct {
	selfIP   net.IP
	inbox    chan datagram
	peer     *pairedSocket
	deadline time.Time
}

func newPairedSockets(ipA, ipB string) (*pairedSocket, *pairedSocket) {
	a := &pairedSocket{selfIP: net.ParseIP(ipA), inbox: make(chan datagram, 16)}
	b := &pairedSocket{selfIP: net.ParseIP(ipB), inbox: make(chan datagram, 16)}
	a.peer, b.peer = b, a
	return a, b
}

func (s *pairedSocket) SetReadDeadline(t time.Time) error {
	s.deadline = t
	return nil
}

func (s *pairedSocket) WriteTo(buf []byte, dst net.IP) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	s.peer.inbox <- datagram{payload: cp, src: s.selfIP}
	return nil
}

func (s *pairedSocket) ReadFrom(buf []byte) (int, net.IP, error) {
	var timeoutCh <-chan time.Time
	if !s.deadline.IsZero() {
		d := time.Until(s.deadline)
		if d < 0 {
			d = 0
		}
		timeoutCh = time.After(d)
	}
	select {
	case dg := <-s.inbox:
		return copy(buf, dg.payload), dg.src, nil
	case <-timeoutCh:
		return 0, nil, errTimeoutForTest
	}
}

var errTimeoutForTest = errDeadline{}

type errDeadline struct{}

func (errDeadline) Error() string { return "deadline exceeded" }

func TestHandshakeCompletesClientAndServer(t *testing.T) {
	clientSock, serverSock := newPairedSockets("10.1.0.1", "10.1.0.2")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverMgr := iomux.NewDetached(ctx)
	defer serverMgr.Close()
	clientMgr := iomux.NewDetached(ctx)
	defer clientMgr.Close()

	type acceptResult struct {
		c   *conn.Connection
		err error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		c, err := handshake.AcceptOneClient(serverMgr, serverSock, 9000)
		acceptCh <- acceptResult{c, err}
	}()

	clientConn, err := handshake.Connect(clientMgr, clientSock, 5000, "10.1.0.2", 9000)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if clientConn.Addr.RemotePort != 9000 {
		t.Errorf("client remote port = %d, want 9000", clientConn.Addr.RemotePort)
	}

	select {
	case res := <-acceptCh:
		if res.err != nil {
			t.Fatalf("AcceptOneClient: %v", res.err)
		}
		if res.c.Addr.RemotePort != 5000 {
			t.Errorf("server-side remote port = %d, want 5000", res.c.Addr.RemotePort)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("AcceptOneClient never returned")
	}
}
