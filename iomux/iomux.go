package iomux

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/m-lab/go/logx"

	"github.com/lyricsdb/mycp/conn"
	"github.com/lyricsdb/mycp/metrics"
	"github.com/lyricsdb/mycp/packet"
	"github.com/lyricsdb/mycp/sendqueue"
)

// tickInterval bounds how long a single epoll_wait may block even when no
// connection's RTO is about to expire.
const tickInterval = 10 * time.Millisecond

// errorLog rate-limits the socket-error log lines below to at most one per
// second: a peer that is unreachable or gone can make every single write in
// drainSendQueue/flushAcks/retransmitTimedOut fail, and without a limiter a
// sustained failure floods stdout once per tick per connection.
var errorLog = logx.NewLogEvery(nil, time.Second)

// Manager is the process-wide NetworkManager: the one goroutine that reads
// and writes the shared raw socket, fans incoming packets out to
// registered Connections, and drives retransmission/ack/send-window
// bookkeeping for all of them. Callers never talk to the socket directly;
// they register a *conn.Connection and then use its blocking Send/Recv
// facade.
type Manager struct {
	sock rawSocket

	mu    sync.Mutex
	conns map[connKey]*conn.Connection

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// connKey identifies a connection by its full 4-tuple, not just its local
// port: a server listening on one port dispatches to many distinct peers,
// so the local port alone cannot disambiguate them.
type connKey struct {
	localPort  uint16
	remoteIP   string
	remotePort uint16
}

func keyOf(c *conn.Connection) connKey {
	return connKey{localPort: c.Addr.LocalPort, remoteIP: c.Addr.RemoteIP, remotePort: c.Addr.RemotePort}
}

// New opens the shared raw socket and starts the poll loop in a background
// goroutine. The returned Manager must eventually have Close called on it;
// Close joins the loop goroutine rather than abandoning it.
func New(ctx context.Context) (*Manager, error) {
	sock, err := newPlatformRawSocket()
	if err != nil {
		return nil, err
	}
	m := &Manager{
		sock:   sock,
		conns:  make(map[connKey]*conn.Connection),
		stopCh: make(chan struct{}),
	}
	m.wg.Add(1)
	go m.run(ctx)
	return m, nil
}

// NewWithSocket starts a Manager against an already-open socket instead of
// opening a real one, so tests (this package's own, and
// internal/testnet-based integration tests elsewhere) can drive the poll
// loop over an in-memory link without CAP_NET_RAW. sock need only satisfy
// ReadFrom/WriteTo/SetReadDeadline/Close with the signatures rawSocket
// declares in rawsocket.go; callers
// outside this package never name the unexported rawSocket type directly.
func NewWithSocket(ctx context.Context, sock rawSocket) *Manager {
	return newWithSocket(ctx, sock)
}

// newWithSocket is used by this package's own tests to inject a fake
// rawSocket instead of opening a real one.
func newWithSocket(ctx context.Context, sock rawSocket) *Manager {
	m := &Manager{
		sock:   sock,
		conns:  make(map[connKey]*conn.Connection),
		stopCh: make(chan struct{}),
	}
	m.wg.Add(1)
	go m.run(ctx)
	return m
}

// blockingNullSocket never produces a datagram and never errors until
// closed; its only purpose is to back a Manager whose poll loop has
// nothing real to do, for callers that only need the Register/Unregister
// dispatch table (e.g. handshake's tests).
type blockingNullSocket struct {
	closed chan struct{}
	once   sync.Once
}

func (s *blockingNullSocket) SetReadDeadline(time.Time) error { return nil }
func (s *blockingNullSocket) WriteTo([]byte, net.IP) error    { return nil }
func (s *blockingNullSocket) ReadFrom([]byte) (int, net.IP, error) {
	<-s.closed
	return 0, nil, ErrClosed
}
func (s *blockingNullSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// NewDetached returns a Manager that runs its poll loop against a socket
// that never sees real traffic. It exists for tests in other packages
// (handshake's tests) that need a working Register/Unregister
// dispatch table without CAP_NET_RAW or a live raw socket.
func NewDetached(ctx context.Context) *Manager {
	return newWithSocket(ctx, &blockingNullSocket{closed: make(chan struct{})})
}

// Register adds c to the dispatch table, keyed by its (local port, remote
// IP, remote port) tuple, and
// marks it visible to the poll loop. Callers typically do this immediately
// after a handshake completes.
func (m *Manager) Register(c *conn.Connection) {
	m.mu.Lock()
	m.conns[keyOf(c)] = c
	m.mu.Unlock()
	metrics.ActiveConnections.Inc()
}

// Unregister removes c from the dispatch table. It does not itself close c;
// callers call c.Close() separately.
func (m *Manager) Unregister(c *conn.Connection) {
	m.mu.Lock()
	_, ok := m.conns[keyOf(c)]
	delete(m.conns, keyOf(c))
	m.mu.Unlock()
	if ok {
		metrics.ActiveConnections.Dec()
	}
}

// SendRaw transmits an already-encoded wire packet to dst. It exists so the
// handshake package (which sends SYN/SYN-ACK before a Connection is
// registered) can reuse the same socket.
func (m *Manager) SendRaw(wire []byte, dst net.IP) error {
	return m.sock.WriteTo(wire, dst)
}

// Close signals the poll loop to exit and waits for it to finish.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	err := m.sock.Close()
	m.wg.Wait()
	return err
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()
	lastTick := time.Now()
	buf := make([]byte, packet.MTU)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		default:
		}

		m.sock.SetReadDeadline(time.Now().Add(tickInterval))
		n, src, err := m.sock.ReadFrom(buf)
		switch err {
		case nil:
			m.handleDatagram(buf[:n], src)
			continue // drain aggressively before doing bookkeeping
		case ErrClosed:
			return
		case ErrTimeout:
			// fall through to periodic bookkeeping below
		default:
			errorLog.Println(fmt.Sprintf("iomux: read error: %v", err))
		}

		now := time.Now()
		metrics.PollLoopHistogram.Observe(now.Sub(lastTick).Seconds())
		lastTick = now
		m.tick(now)
	}
}

// handleDatagram decodes and dispatches one inbound packet. Malformed or
// spoofed packets are dropped silently, counted in metrics, and never
// surfaced to a caller, per the error taxonomy.
func (m *Manager) handleDatagram(raw []byte, src net.IP) {
	p, err := packet.Decode(raw)
	if err != nil {
		reason := "malformed"
		if err == packet.ErrBadChecksum {
			reason = "checksum"
		}
		metrics.PacketsDropped.WithLabelValues(reason).Inc()
		return
	}

	key := connKey{localPort: p.Header.DstPort, remoteIP: src.String(), remotePort: p.Header.SrcPort}
	m.mu.Lock()
	c, ok := m.conns[key]
	m.mu.Unlock()
	if !ok {
		metrics.PacketsDropped.WithLabelValues("unknown_connection").Inc()
		return
	}

	metrics.PacketsReceived.WithLabelValues(p.Header.Type.String()).Inc()

	switch p.Header.Type {
	case packet.DATA:
		accepted := c.InsertData(p.Header.PacketNumber, p.Data)
		if accepted || c.StaleData(p.Header.PacketNumber) {
			// A stale duplicate means the peer never saw our earlier ACK;
			// re-acknowledging it stops the retransmissions.
			if ack, ok := ackPacketFor(c, p.Header.TimestampMillis); ok {
				c.Acks = append(c.Acks, ack)
			}
		} else {
			metrics.PacketsDropped.WithLabelValues("window_exhausted").Inc()
		}
	case packet.ACK:
		freed := c.Retransmit.AckUpTo(p.Header.PacketNumber)
		if freed > 0 {
			// Additive increase: one more packet may be in flight for
			// every ACK that frees at least one retransmit entry, so the
			// cap grows per acknowledgement, not once per round trip. A
			// clean acknowledgement also walks the retransmit timeout
			// back down.
			c.MaxInFlight++
			metrics.MaxInFlightGauge.Set(float64(c.MaxInFlight))
			c.RTO /= 2
			if c.RTO < conn.MinTimeout {
				c.RTO = conn.MinTimeout
			}
		}
		if p.Ack != nil {
			c.PeerWindow = p.Ack.Window
			metrics.PeerWindowBytes.Observe(float64(p.Ack.Window))
		}
	case packet.CLOSE:
		c.MarkPeerClosed()
	case packet.SYN, packet.SYNACK:
		// Handshake traffic is carried on the dedicated handshake socket;
		// the copy a raw socket delivers here is ignored.
	default:
		metrics.PacketsDropped.WithLabelValues("malformed").Inc()
	}
}

// ackPacketFor builds the cumulative ACK for c's receive stream: its packet
// number is the highest sequence through which coverage is contiguous, its
// timestamp echoes the DATA packet that triggered it so the peer can
// estimate round-trip time, and its window advertises the buffer space
// currently free. ok is false while nothing contiguous has arrived yet, in
// which case no ACK is sent and the peer retransmits from the start of the
// gap.
func ackPacketFor(c *conn.Connection, echoTimestamp uint64) (packet.Packet, bool) {
	ackNum, ok := c.CumulativeAck()
	if !ok {
		return packet.Packet{}, false
	}
	return packet.Packet{
		Header: packet.Header{
			Type:            packet.ACK,
			SrcPort:         c.Addr.LocalPort,
			DstPort:         c.Addr.RemotePort,
			PacketNumber:    ackNum,
			TimestampMillis: echoTimestamp,
		},
		Ack: &packet.AckBody{Window: c.FreeWindowBytes()},
	}, true
}

// tick performs the periodic per-connection bookkeeping: flushing pending
// ACKs, retransmitting timed-out DATA packets with an AIMD backoff,
// draining each connection's send queue within its congestion window, and
// waking any reader whose buffer now has data.
func (m *Manager) tick(now time.Time) {
	m.mu.Lock()
	snapshot := make([]*conn.Connection, 0, len(m.conns))
	for _, c := range m.conns {
		snapshot = append(snapshot, c)
	}
	m.mu.Unlock()

	for _, c := range snapshot {
		if c.Closed() {
			continue
		}
		m.flushAcks(c)
		m.retransmitTimedOut(c, now)
		m.drainSendQueue(c, now)
		c.NotifyReadable()
	}
}

func (m *Manager) flushAcks(c *conn.Connection) {
	for _, p := range c.Acks {
		wire := packet.Encode(p)
		if err := m.sock.WriteTo(wire, net.ParseIP(c.Addr.RemoteIP)); err != nil {
			errorLog.Println(fmt.Sprintf("iomux: flush ack to %s: %v", c.Addr.RemoteIP, err))
			continue
		}
		metrics.PacketsSent.WithLabelValues(packet.ACK.String()).Inc()
	}
	c.Acks = c.Acks[:0]
}

func (m *Manager) retransmitTimedOut(c *conn.Connection, now time.Time) {
	timedOut := c.Retransmit.TimedOut(now, c.RTO)
	if len(timedOut) == 0 {
		return
	}
	// Multiplicative decrease: a loss signal halves the in-flight cap,
	// never below one outstanding packet.
	c.MaxInFlight /= 2
	if c.MaxInFlight < 1 {
		c.MaxInFlight = 1
	}
	metrics.MaxInFlightGauge.Set(float64(c.MaxInFlight))

	c.RTO *= 2
	if c.RTO > conn.MaxTimeout {
		c.RTO = conn.MaxTimeout
	}
	metrics.RTOHistogram.Observe(c.RTO.Seconds())

	for _, e := range timedOut {
		if err := m.sock.WriteTo(e.Wire, net.ParseIP(c.Addr.RemoteIP)); err != nil {
			errorLog.Println(fmt.Sprintf("iomux: retransmit to %s: %v", c.Addr.RemoteIP, err))
			continue
		}
		c.Retransmit.Restamp(e.Seq, now)
		metrics.RetransmissionsTotal.Inc()
		metrics.PacketsSent.WithLabelValues(packet.DATA.String()).Inc()
	}
}

// drainSendQueue pushes queued chunks onto the wire as DATA packets, bounded
// by both the AIMD in-flight cap and the peer's last-advertised window. One
// packet may always be outstanding even into a zero advertised window: it
// doubles as the probe that discovers when the peer's receiver has freed
// space, since a stalled peer sends no unprompted window updates.
func (m *Manager) drainSendQueue(c *conn.Connection, now time.Time) {
	for c.Retransmit.Len() < c.MaxInFlight && (c.Retransmit.Len() == 0 || c.Retransmit.Bytes() < int(c.PeerWindow)) {
		chunk, ok := c.SendQ.Pop()
		if !ok {
			return
		}
		seq := c.NextSeq
		c.NextSeq++

		p := packet.Packet{
			Header: packet.Header{
				Type:            packet.DATA,
				SrcPort:         c.Addr.LocalPort,
				DstPort:         c.Addr.RemotePort,
				PacketNumber:    seq,
				TimestampMillis: uint64(now.UnixMilli()),
			},
			Data: &packet.DataBody{PayloadSize: uint16(len(chunk)), Payload: chunk},
		}
		wire := packet.Encode(p)
		if err := m.sock.WriteTo(wire, net.ParseIP(c.Addr.RemoteIP)); err != nil {
			errorLog.Println(fmt.Sprintf("iomux: send to %s: %v", c.Addr.RemoteIP, err))
			return
		}
		c.Retransmit.Push(sendqueue.Entry{Seq: seq, Wire: wire, LastSent: now})
		metrics.PacketsSent.WithLabelValues(packet.DATA.String()).Inc()
	}
}
