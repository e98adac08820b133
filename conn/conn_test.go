package conn_test

import (
	"sync"
	"testing"
	"time"

	"github.com/lyricsdb/mycp/conn"
	"github.com/lyricsdb/mycp/connstate"
	"github.com/lyricsdb/mycp/mycperr"
	"github.com/lyricsdb/mycp/packet"
)

func newTestConn() *conn.Connection {
	return conn.New("test-conn", conn.AddrInfo{LocalPort: 1, RemoteIP: "127.0.0.1", RemotePort: 2})
}

func TestNewConnectionIsEstablished(t *testing.T) {
	c := newTestConn()
	if c.State() != connstate.ESTABLISHED {
		t.Errorf("got %v, want ESTABLISHED", c.State())
	}
}

func TestSendZeroLengthIsNoop(t *testing.T) {
	c := newTestConn()
	if err := c.Send(nil); err != nil {
		t.Errorf("Send(nil) = %v, want nil", err)
	}
	if _, ok := c.SendQ.Pop(); ok {
		t.Error("expected no chunk queued for a zero-length Send")
	}
}

func TestSendChunksAtMaxData(t *testing.T) {
	c := newTestConn()
	buf := make([]byte, packet.MaxData+10)
	if err := c.Send(buf); err != nil {
		t.Fatalf("Send: %v", err)
	}
	first, ok := c.SendQ.Pop()
	if !ok || len(first) != packet.MaxData {
		t.Fatalf("first chunk len=%d ok=%v, want %d/true", len(first), ok, packet.MaxData)
	}
	second, ok := c.SendQ.Pop()
	if !ok || len(second) != 10 {
		t.Fatalf("second chunk len=%d ok=%v, want 10/true", len(second), ok)
	}
}

func TestRecvZeroLengthIsNoop(t *testing.T) {
	c := newTestConn()
	n, err := c.Recv(nil)
	if n != 0 || err != nil {
		t.Errorf("Recv(nil) = %d,%v, want 0,nil", n, err)
	}
}

func TestRecvBlocksThenReturnsInsertedData(t *testing.T) {
	c := newTestConn()
	done := make(chan struct{})
	var n int
	var err error
	buf := make([]byte, 5)

	go func() {
		n, err = c.Recv(buf)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Recv returned before any data was inserted")
	case <-time.After(30 * time.Millisecond):
	}

	c.InsertData(0, &packet.DataBody{PayloadSize: 5, Payload: []byte("hello")})
	c.NotifyReadable()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Recv did not unblock after data arrived")
	}
	if err != nil || string(buf[:n]) != "hello" {
		t.Fatalf("got %q,%v want hello,nil", buf[:n], err)
	}
}

func TestRecvReturnsPeerClosedOnceDrained(t *testing.T) {
	c := newTestConn()
	c.MarkPeerClosed()

	buf := make([]byte, 4)
	n, err := c.Recv(buf)
	if n != 0 {
		t.Errorf("n=%d, want 0", n)
	}
	if !mycperr.Is(err, mycperr.PeerClosed) {
		t.Errorf("err=%v, want PeerClosed", err)
	}
}

func TestRecvDrainsBeforeReportingPeerClosed(t *testing.T) {
	c := newTestConn()
	c.InsertData(0, &packet.DataBody{PayloadSize: 2, Payload: []byte("ab")})
	c.MarkPeerClosed()

	buf := make([]byte, 2)
	n, err := c.Recv(buf)
	if err != nil || string(buf[:n]) != "ab" {
		t.Fatalf("got %q,%v want ab,nil", buf[:n], err)
	}
}

func TestCloseIsIdempotentAndUnblocksRecv(t *testing.T) {
	c := newTestConn()
	var wg sync.WaitGroup
	wg.Add(1)
	var err error
	go func() {
		defer wg.Done()
		_, err = c.Recv(make([]byte, 1))
	}()
	time.Sleep(20 * time.Millisecond)

	c.Close()
	c.Close() // must not panic or double-close SendQ

	wg.Wait()
	if !mycperr.Is(err, mycperr.IoError) {
		t.Errorf("err=%v, want IoError", err)
	}
	if !c.Closed() {
		t.Error("Closed() should report true after Close")
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	c := newTestConn()
	c.Close()
	if err := c.Send([]byte("x")); err == nil {
		t.Error("expected an error sending on a closed connection")
	}
}
