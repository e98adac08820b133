package mycp

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/lyricsdb/mycp/handshake"
	"github.com/lyricsdb/mycp/internal/testnet"
	"github.com/lyricsdb/mycp/iomux"
	"github.com/lyricsdb/mycp/mycperr"
)

// dialedPair completes a full SYN/SYN-ACK handshake over an in-memory
// testnet.Network and returns both ends wrapped as ordinary mycp.Conn
// facades, exactly what mycp.Dial/Listener.Accept hand back in production.
// Each side opens its own handshake Socket, then its own long-lived
// Manager Socket, reproducing the two-sockets-per-host split
// mycp.Dial/Listen use against a real raw socket (see testnet.go).
func dialedPair(t *testing.T, clientIP, serverIP string, port uint16) (client, server *Conn) {
	t.Helper()
	net := testnet.NewNetwork()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	clientHandshakeSock := net.Open(clientIP)
	serverHandshakeSock := net.Open(serverIP)
	t.Cleanup(func() { clientHandshakeSock.Close(); serverHandshakeSock.Close() })

	clientMgr := iomux.NewWithSocket(ctx, net.Open(clientIP))
	serverMgr := iomux.NewWithSocket(ctx, net.Open(serverIP))
	t.Cleanup(func() { clientMgr.Close(); serverMgr.Close() })

	type acceptResult struct {
		c   *Conn
		err error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		c, err := handshake.AcceptOneClient(serverMgr, serverHandshakeSock, port)
		acceptCh <- acceptResult{&Conn{c: c, mgr: serverMgr}, err}
	}()

	time.Sleep(10 * time.Millisecond) // let AcceptOneClient start blocking on ReadFrom
	cc, err := handshake.Connect(clientMgr, clientHandshakeSock, port, serverIP, port)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case res := <-acceptCh:
		if res.err != nil {
			t.Fatalf("AcceptOneClient: %v", res.err)
		}
		server = res.c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for AcceptOneClient")
	}
	client = &Conn{c: cc, mgr: clientMgr}
	return client, server
}

func TestSmallRoundTrip(t *testing.T) {
	client, server := dialedPair(t, "10.10.0.1", "10.10.0.2", 9000)

	if err := client.Send([]byte("PING")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	buf := make([]byte, 4)
	n, err := server.Recv(buf)
	if err != nil || string(buf[:n]) != "PING" {
		t.Fatalf("Recv = %q, %v; want PING, nil", buf[:n], err)
	}

	if err := server.Send(buf[:n]); err != nil {
		t.Fatalf("echo Send: %v", err)
	}
	echoBuf := make([]byte, 4)
	n, err = client.Recv(echoBuf)
	if err != nil || string(echoBuf[:n]) != "PING" {
		t.Fatalf("echo Recv = %q, %v; want PING, nil", echoBuf[:n], err)
	}
}

// TestLargeStreamPreservesOrder sends a large stream of 64-bit integers,
// split across many DATA packets, and checks they're reassembled in order.
func TestLargeStreamPreservesOrder(t *testing.T) {
	const count = 8192 // large enough to span many packets without making the test slow
	client, server := dialedPair(t, "10.10.1.1", "10.10.1.2", 9001)

	payload := make([]byte, count*8)
	for i := 0; i < count; i++ {
		binary.LittleEndian.PutUint64(payload[i*8:], uint64(i))
	}

	done := make(chan error, 1)
	go func() { done <- client.Send(payload) }()

	recvBuf := make([]byte, len(payload))
	total := 0
	for total < len(recvBuf) {
		n, err := server.Recv(recvBuf[total:])
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		total += n
	}
	if err := <-done; err != nil {
		t.Fatalf("Send: %v", err)
	}

	for i := 0; i < count; i++ {
		got := binary.LittleEndian.Uint64(recvBuf[i*8:])
		if got != uint64(i) {
			t.Fatalf("buf[%d] = %d, want %d", i, got, i)
		}
	}
}

// TestLossySenderStillDeliversEverything drops every 10th DATA packet on the
// wire and checks the delivered byte sequence is still loss-free and in order.
func TestLossySenderStillDeliversEverything(t *testing.T) {
	netw := testnet.NewNetwork()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	clientIP, serverIP := "10.10.2.1", "10.10.2.2"
	clientHandshakeSock := netw.Open(clientIP)
	serverHandshakeSock := netw.Open(serverIP)

	clientDataSock := netw.Open(clientIP)
	clientDataSock.DropEveryNthData(10)
	clientMgr := iomux.NewWithSocket(ctx, clientDataSock)
	serverMgr := iomux.NewWithSocket(ctx, netw.Open(serverIP))
	t.Cleanup(func() { clientMgr.Close(); serverMgr.Close() })

	type acceptResult struct {
		c   *Conn
		err error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		c, err := handshake.AcceptOneClient(serverMgr, serverHandshakeSock, 9002)
		acceptCh <- acceptResult{&Conn{c: c, mgr: serverMgr}, err}
	}()
	time.Sleep(10 * time.Millisecond)
	cc, err := handshake.Connect(clientMgr, clientHandshakeSock, 9002, serverIP, 9002)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	client := &Conn{c: cc, mgr: clientMgr}

	var server *Conn
	select {
	case res := <-acceptCh:
		if res.err != nil {
			t.Fatalf("AcceptOneClient: %v", res.err)
		}
		server = res.c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accept")
	}

	payload := make([]byte, 50*1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	done := make(chan error, 1)
	go func() { done <- client.Send(payload) }()

	got := make([]byte, len(payload))
	total := 0
	for total < len(got) {
		n, err := server.Recv(got[total:])
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		total += n
	}
	if err := <-done; err != nil {
		t.Fatalf("Send: %v", err)
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("byte %d = %d, want %d (loss should be fully recovered by retransmission)", i, got[i], payload[i])
		}
	}
}

// TestWindowBackpressureStallsThenDrains checks that a receiver which stops
// reading causes the sender to stall inside Send until the receiver resumes,
// never busy-looping, and that the final bytes delivered still match what
// was sent.
func TestWindowBackpressureStallsThenDrains(t *testing.T) {
	client, server := dialedPair(t, "10.10.3.1", "10.10.3.2", 9003)

	payload := make([]byte, 256*1024)
	for i := range payload {
		payload[i] = byte(i)
	}

	sendDone := make(chan error, 1)
	go func() { sendDone <- client.Send(payload) }()

	// The receiver does not call Recv at all for a while: Send must not
	// return early and must not busy-loop (no CPU spin is asserted here,
	// only that completion is gated on Recv actually running).
	select {
	case err := <-sendDone:
		t.Fatalf("Send returned early (err=%v) before any bytes were read", err)
	case <-time.After(200 * time.Millisecond):
	}

	got := make([]byte, len(payload))
	total := 0
	for total < len(got) {
		n, err := server.Recv(got[total:])
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		total += n
	}
	if err := <-sendDone; err != nil {
		t.Fatalf("Send: %v", err)
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("byte %d mismatch after backpressure stall", i)
		}
	}
}

// TestConcurrentConnectionsDoNotCrossContaminate checks that two
// independently accepted connections each carry their own stream without
// cross-contamination.
func TestConcurrentConnectionsDoNotCrossContaminate(t *testing.T) {
	netw := testnet.NewNetwork()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	serverIP := "10.10.4.1"
	serverHandshakeSock := netw.Open(serverIP)
	serverMgr := iomux.NewWithSocket(ctx, netw.Open(serverIP))
	t.Cleanup(func() { serverMgr.Close() })

	type acceptResult struct {
		c   *Conn
		err error
	}
	accept := func() *Conn {
		ch := make(chan acceptResult, 1)
		go func() {
			c, err := handshake.AcceptOneClient(serverMgr, serverHandshakeSock, 9004)
			ch <- acceptResult{&Conn{c: c, mgr: serverMgr}, err}
		}()
		res := <-ch
		if res.err != nil {
			t.Fatalf("AcceptOneClient: %v", res.err)
		}
		return res.c
	}

	dialClient := func(ip string) *Conn {
		ctx2, cancel2 := context.WithCancel(context.Background())
		t.Cleanup(cancel2)
		hs := netw.Open(ip)
		mgr := iomux.NewWithSocket(ctx2, netw.Open(ip))
		t.Cleanup(func() { mgr.Close() })

		acceptedCh := make(chan *Conn, 1)
		go func() { acceptedCh <- accept() }()
		time.Sleep(10 * time.Millisecond)
		cc, err := handshake.Connect(mgr, hs, 9004, serverIP, 9004)
		if err != nil {
			t.Fatalf("Connect from %s: %v", ip, err)
		}
		server := <-acceptedCh
		clientConn := &Conn{c: cc, mgr: mgr}

		done := make(chan struct{})
		go func() {
			defer close(done)
			buf := []byte(ip + " payload")
			if err := clientConn.Send(buf); err != nil {
				t.Errorf("Send from %s: %v", ip, err)
				return
			}
			got := make([]byte, len(buf))
			n, err := server.Recv(got)
			if err != nil {
				t.Errorf("Recv for %s: %v", ip, err)
				return
			}
			if string(got[:n]) != string(buf) {
				t.Errorf("cross-contamination: %s got %q, want %q", ip, got[:n], buf)
			}
		}()
		<-done
		return clientConn
	}

	doneA := make(chan struct{})
	doneB := make(chan struct{})
	go func() { dialClient("10.10.4.10"); close(doneA) }()
	go func() { dialClient("10.10.4.11"); close(doneB) }()
	<-doneA
	<-doneB
}

// TestIntegrityRejectionThenRetransmit flips a header byte on the first DATA
// packet sent, so its checksum no longer matches and the receiver must
// silently drop it rather than deliver garbage. The sender's retransmit timer
// then resends the same sequence number, this time uncorrupted, and that copy
// is the one that actually gets delivered.
func TestIntegrityRejectionThenRetransmit(t *testing.T) {
	netw := testnet.NewNetwork()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	clientIP, serverIP := "10.10.5.1", "10.10.5.2"
	clientHandshakeSock := netw.Open(clientIP)
	serverHandshakeSock := netw.Open(serverIP)

	clientDataSock := netw.Open(clientIP)
	clientDataSock.CorruptNthData(1) // corrupt only the very first DATA packet
	clientMgr := iomux.NewWithSocket(ctx, clientDataSock)
	serverMgr := iomux.NewWithSocket(ctx, netw.Open(serverIP))
	t.Cleanup(func() { clientMgr.Close(); serverMgr.Close() })

	type acceptResult struct {
		c   *Conn
		err error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		c, err := handshake.AcceptOneClient(serverMgr, serverHandshakeSock, 9005)
		acceptCh <- acceptResult{&Conn{c: c, mgr: serverMgr}, err}
	}()
	time.Sleep(10 * time.Millisecond)
	cc, err := handshake.Connect(clientMgr, clientHandshakeSock, 9005, serverIP, 9005)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	client := &Conn{c: cc, mgr: clientMgr}

	var server *Conn
	select {
	case res := <-acceptCh:
		if res.err != nil {
			t.Fatalf("AcceptOneClient: %v", res.err)
		}
		server = res.c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accept")
	}

	if err := client.Send([]byte("z")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	buf := make([]byte, 1)
	n, err := server.Recv(buf)
	if err != nil || string(buf[:n]) != "z" {
		t.Fatalf("Recv = %q, %v; want z, nil", buf[:n], err)
	}
}

// TestRecvSurfacesPeerClosedAfterDrain checks that a PeerClosed façade error
// surfaces once the receive buffer has been fully drained after the peer is
// marked closed.
func TestRecvSurfacesPeerClosedAfterDrain(t *testing.T) {
	client, server := dialedPair(t, "10.10.6.1", "10.10.6.2", 9006)
	_ = client

	server.c.MarkPeerClosed()
	buf := make([]byte, 1)
	_, err := server.Recv(buf)
	if !mycperr.Is(err, mycperr.PeerClosed) {
		t.Fatalf("got %v, want PeerClosed", err)
	}
}
