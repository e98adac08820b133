package transport_test

import (
	"context"
	"testing"
	"time"

	"github.com/lyricsdb/mycp/transport"
)

func TestDialListenTCPRoundTrip(t *testing.T) {
	l, err := transport.ListenTCP("127.0.0.1:18743")
	if err != nil {
		t.Skipf("could not bind test port: %v", err)
	}
	defer l.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		s, err := l.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 5)
		n, err := s.Recv(buf)
		if err != nil {
			return
		}
		s.Send(buf[:n])
		s.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := transport.DialTCP(ctx, "127.0.0.1:18743")
	if err != nil {
		t.Fatalf("DialTCP: %v", err)
	}
	defer c.Close()

	if err := c.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	buf := make([]byte, 5)
	n, err := c.Recv(buf)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Errorf("got %q, want hello", buf[:n])
	}

	<-serverDone
}

func TestUnknownBackendRejected(t *testing.T) {
	ctx := context.Background()
	if _, err := transport.Dial(ctx, transport.Backend("bogus"), 0, "x:1"); err == nil {
		t.Error("expected an error for an unknown backend")
	}
}
