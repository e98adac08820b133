// Package recvbuf implements the per-connection receive reassembly buffer:
// incoming DATA packets are stored keyed by sequence number, and Read
// exposes the contiguous ordered byte stream starting at the next
// expected sequence number.
//
// Buffer is NOT threadsafe; the caller (conn.Connection) holds its own
// mutex around every call.
package recvbuf

import "github.com/lyricsdb/mycp/packet"

// Buffer reassembles a MyCP byte stream from out-of-order DATA packets.
type Buffer struct {
	packets      map[uint64]*packet.DataBody // sequence -> body
	nextExpected uint64
	byteOffset   int // offset already consumed within packets[nextExpected]
	maxPackets   int
}

// New creates a Buffer that holds at most maxPackets packets at once.
func New(maxPackets int) *Buffer {
	return &Buffer{
		packets:    make(map[uint64]*packet.DataBody, maxPackets),
		maxPackets: maxPackets,
	}
}

// Insert stores a DATA packet's body at the given sequence number. Packets
// older than what's already been consumed are dropped; packets beyond the
// window are dropped; duplicates silently overwrite.
func (b *Buffer) Insert(seq uint64, body *packet.DataBody) bool {
	if seq < b.nextExpected || seq >= b.nextExpected+uint64(b.maxPackets) {
		return false
	}
	b.packets[seq] = body
	return true
}

// HasFreeSpace reports whether Insert would currently accept a new, in-window
// packet (i.e. the buffer is not holding maxPackets packets already).
func (b *Buffer) HasFreeSpace() bool {
	return len(b.packets) < b.maxPackets
}

// FreeWindowBytes is the advertised window: remaining packet slots times
// the maximum payload per packet, capped at 0xFFFF to fit the ACK's uint16
// window field.
func (b *Buffer) FreeWindowBytes() uint16 {
	free := b.maxPackets - len(b.packets)
	if free < 0 {
		free = 0
	}
	bytes := free * packet.MaxData
	if bytes > 0xFFFF {
		bytes = 0xFFFF
	}
	return uint16(bytes)
}

// CumulativeAck returns the highest sequence number s such that every DATA
// packet with sequence <= s has been received, counting packets already
// drained by Read, and false while no such sequence exists yet (nothing has
// arrived in order since the start of the stream).
func (b *Buffer) CumulativeAck() (uint64, bool) {
	seq := b.nextExpected
	for {
		if _, ok := b.packets[seq]; !ok {
			break
		}
		seq++
	}
	if seq == 0 {
		return 0, false
	}
	return seq - 1, true
}

// IsStale reports whether seq is below the next expected sequence: the
// packet was already received and drained, so a duplicate of it should be
// re-acknowledged rather than stored.
func (b *Buffer) IsStale(seq uint64) bool {
	return seq < b.nextExpected
}

// Empty reports whether the packet at nextExpected is absent, i.e. whether
// Read would copy no bytes right now.
func (b *Buffer) Empty() bool {
	_, ok := b.packets[b.nextExpected]
	return !ok
}

// Read copies the largest available contiguous prefix of the ordered byte
// stream into dst, up to len(dst) bytes, and returns the number of bytes
// actually copied.
func (b *Buffer) Read(dst []byte) int {
	copied := 0
	for copied < len(dst) {
		body, ok := b.packets[b.nextExpected]
		if !ok {
			break
		}
		leftInPacket := int(body.PayloadSize) - b.byteOffset
		need := len(dst) - copied
		if need > leftInPacket {
			need = leftInPacket
		}
		copy(dst[copied:copied+need], body.Payload[b.byteOffset:b.byteOffset+need])
		copied += need
		b.byteOffset += need

		if b.byteOffset == int(body.PayloadSize) {
			delete(b.packets, b.nextExpected)
			b.nextExpected++
			b.byteOffset = 0
		}
	}
	return copied
}
