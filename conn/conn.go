// Package conn implements the MyCP connection object: per-peer addressing,
// sequence counters, windows, timers and the blocking send/recv facade.
//
// Concurrency contract: one mutex guards the send queue, one guards the
// receive buffer; both are satisfied here by sendqueue.Queue's own lock
// and recvMu respectively. The retransmit set and pending-ack queue are
// touched exclusively by the I/O worker goroutine and need no lock of
// their own.
package conn

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/lyricsdb/mycp/connstate"
	"github.com/lyricsdb/mycp/mycperr"
	"github.com/lyricsdb/mycp/packet"
	"github.com/lyricsdb/mycp/recvbuf"
	"github.com/lyricsdb/mycp/sendqueue"
)

const (
	// MaxSendQueue is MAX_SEND_QUEUE: the send queue's chunk capacity.
	MaxSendQueue = 128
	// MaxPackets is MAX_PACKETS: the receive buffer's packet capacity.
	MaxPackets = 128

	// MinTimeout and MaxTimeout bound the retransmit timeout.
	MinTimeout = 10 * time.Millisecond
	MaxTimeout = 5 * time.Second
)

// AddrInfo names a MyCP endpoint pair: a local port (a namespace internal
// to MyCP, independent of any OS port), and the remote IP/port it talks to.
type AddrInfo struct {
	LocalPort  uint16
	RemoteIP   string
	RemotePort uint16
}

// Connection is a single MyCP peer-to-peer connection, shared between the
// user-facing facade and the I/O worker: a pointer with its own internal
// locks, handed to both the facade and the multiplexer's connection table.
type Connection struct {
	ID   string
	Addr AddrInfo

	stateMu sync.Mutex
	state   connstate.State

	SendQ *sendqueue.Queue

	// Retransmit and Acks are touched only by the I/O worker goroutine.
	Retransmit sendqueue.RetransmitSet
	Acks       []packet.Packet

	// NextSeq, RTO, MaxInFlight and PeerWindow are the I/O worker's private
	// per-connection policy state.
	NextSeq     uint64
	RTO         time.Duration
	MaxInFlight int
	PeerWindow  uint16

	recvMu   sync.Mutex
	recvCond *sync.Cond
	recvBuf  *recvbuf.Buffer

	closed atomic.Bool
}

// New creates an ESTABLISHED connection ready to be registered with the
// I/O multiplexer.
func New(id string, addr AddrInfo) *Connection {
	c := &Connection{
		ID:          id,
		Addr:        addr,
		state:       connstate.ESTABLISHED,
		SendQ:       sendqueue.NewQueue(MaxSendQueue),
		RTO:         MinTimeout,
		MaxInFlight: 1,
		PeerWindow:  0xFFFF,
		recvBuf:     recvbuf.New(MaxPackets),
	}
	c.recvCond = sync.NewCond(&c.recvMu)
	return c
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() connstate.State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Connection) setState(s connstate.State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// MarkPeerClosed transitions the connection to PEER_CLOSED and wakes any
// blocked reader so it can drain the remaining buffered bytes and then fail.
func (c *Connection) MarkPeerClosed() {
	c.setState(connstate.PEER_CLOSED)
	c.recvMu.Lock()
	c.recvCond.Signal()
	c.recvMu.Unlock()
}

// Send blocks until every byte of buf has been accepted into the send
// queue, splitting it into MaxData-sized chunks. It does not imply
// delivery. A zero-length buf returns immediately without emitting any
// DATA.
func (c *Connection) Send(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	if c.closed.Load() {
		return mycperr.New(mycperr.IoError, "connection %s is closed", c.ID)
	}
	for offset := 0; offset < len(buf); {
		end := offset + packet.MaxData
		if end > len(buf) {
			end = len(buf)
		}
		chunk := make([]byte, end-offset)
		copy(chunk, buf[offset:end])
		if !c.SendQ.Push(chunk) {
			return mycperr.New(mycperr.IoError, "connection %s closed while sending", c.ID)
		}
		offset = end
	}
	return nil
}

// Recv blocks until exactly len(buf) bytes have been copied from the
// receive buffer, or the connection enters PEER_CLOSED with nothing left
// to drain. A zero-length buf returns immediately.
func (c *Connection) Recv(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	total := 0
	for total < len(buf) {
		for c.recvBuf.Empty() && c.State() != connstate.PEER_CLOSED && !c.closed.Load() {
			c.recvCond.Wait()
		}
		if c.recvBuf.Empty() {
			if c.State() == connstate.PEER_CLOSED {
				return total, mycperr.New(mycperr.PeerClosed, "connection %s: peer closed", c.ID)
			}
			return total, mycperr.New(mycperr.IoError, "connection %s closed locally", c.ID)
		}
		total += c.recvBuf.Read(buf[total:])
	}
	return total, nil
}

// InsertData stores a DATA packet's body in the receive buffer, keyed by
// sequence number. It returns whether the packet was accepted; the I/O
// worker emits an ACK when this is true, and also for a stale duplicate
// (see StaleData).
func (c *Connection) InsertData(seq uint64, body *packet.DataBody) bool {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	return c.recvBuf.Insert(seq, body)
}

// CumulativeAck returns the highest sequence number through which the
// receive stream is contiguous, and false when nothing has arrived in
// order yet.
func (c *Connection) CumulativeAck() (uint64, bool) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	return c.recvBuf.CumulativeAck()
}

// StaleData reports whether seq was already delivered to the reader; a
// duplicate DATA for it is re-acknowledged, not stored.
func (c *Connection) StaleData(seq uint64) bool {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	return c.recvBuf.IsStale(seq)
}

// FreeWindowBytes reports the receive buffer's currently advertisable
// window, used to fill an outgoing ACK's Window field.
func (c *Connection) FreeWindowBytes() uint16 {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	return c.recvBuf.FreeWindowBytes()
}

// HasFreeSpace reports whether the receive buffer currently has room for
// another in-window packet.
func (c *Connection) HasFreeSpace() bool {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	return c.recvBuf.HasFreeSpace()
}

// NotifyReadable wakes a reader blocked in Recv if the receive buffer now
// has data, called once per I/O worker tick.
func (c *Connection) NotifyReadable() {
	c.recvMu.Lock()
	empty := c.recvBuf.Empty()
	if !empty {
		c.recvCond.Signal()
	}
	c.recvMu.Unlock()
}

// BufferEmpty reports whether the receive buffer currently has no
// contiguous data available to read.
func (c *Connection) BufferEmpty() bool {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	return c.recvBuf.Empty()
}

// Close marks the connection terminal and wakes any blocked facade calls.
// It does not itself emit the best-effort CLOSE packet or unregister from
// the multiplexer; that orchestration belongs to the owning mycp.Conn,
// which also holds the raw socket needed to send it.
func (c *Connection) Close() {
	if c.closed.Swap(true) {
		return
	}
	c.setState(connstate.CLOSED)
	c.SendQ.Close()
	c.recvMu.Lock()
	c.recvCond.Broadcast()
	c.recvMu.Unlock()
}

// Closed reports whether Close has already run.
func (c *Connection) Closed() bool {
	return c.closed.Load()
}
