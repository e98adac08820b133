// Package packet implements the MyCP wire format: fixed headers, DATA/ACK
// bodies, and the running-sum integrity checks described in the protocol
// design. It has no notion of connections or sequencing; it only turns bytes
// into typed packets and back.
package packet

import (
	"encoding/binary"
	"errors"
)

// Type is the one-byte MyCP packet kind.
type Type uint8

// Packet kinds, in wire order.
const (
	SYN Type = iota
	SYNACK
	ACK
	DATA
	CLOSE
)

//go:generate stringer -type=Type

func (t Type) String() string {
	switch t {
	case SYN:
		return "SYN"
	case SYNACK:
		return "SYN-ACK"
	case ACK:
		return "ACK"
	case DATA:
		return "DATA"
	case CLOSE:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

const (
	// MaxData is the maximum DATA payload size in bytes (MAX_DATA).
	MaxData = 1024
	// MTU is the Ethernet-default maximum transmission unit a MyCP packet
	// must fit within, including the IP header the kernel prepends.
	MTU = 1500
	// HeaderSize is the encoded size of Header on the wire.
	HeaderSize = 1 + 2 + 2 + 2 + 4 + 4 + 8 + 8
)

// Header is the fixed MyCP header, identical on every packet kind.
type Header struct {
	Type            Type
	SrcPort         uint16
	DstPort         uint16
	Size            uint16 // total packet length, header included
	HeaderChecksum  uint32
	BodyChecksum    uint32
	PacketNumber    uint64
	TimestampMillis uint64
}

// DataBody is the body of a DATA packet.
type DataBody struct {
	PayloadSize uint16
	Payload     []byte // len(Payload) == PayloadSize, capped at MaxData
}

// AckBody is the body of an ACK packet.
type AckBody struct {
	Window uint16
}

// Packet is a decoded MyCP datagram: a header plus an optional body. Only
// DATA and ACK packets carry a body; SYN, SYN-ACK and CLOSE are header-only.
type Packet struct {
	Header Header
	Data   *DataBody
	Ack    *AckBody
}

// Errors returned by Decode. Per the protocol's error taxonomy these are
// always handled by silently dropping the datagram; they are exported so
// callers can count them in metrics without string-matching.
var (
	ErrTooShort     = errors.New("packet: buffer shorter than header")
	ErrSizeMismatch = errors.New("packet: declared size does not match buffer length")
	ErrBadChecksum  = errors.New("packet: header or body checksum mismatch")
	ErrBadBodyLen   = errors.New("packet: body shorter than declared payload size")
)

// checksum is the running sum-of-bytes-mod-2^32 used for both header and
// body integrity checks.
func checksum(b []byte) uint32 {
	var sum uint32
	for _, c := range b {
		sum += uint32(c)
	}
	return sum
}

func putHeader(dst []byte, h Header) {
	dst[0] = byte(h.Type)
	binary.LittleEndian.PutUint16(dst[1:3], h.SrcPort)
	binary.LittleEndian.PutUint16(dst[3:5], h.DstPort)
	binary.LittleEndian.PutUint16(dst[5:7], h.Size)
	binary.LittleEndian.PutUint32(dst[7:11], h.HeaderChecksum)
	binary.LittleEndian.PutUint32(dst[11:15], h.BodyChecksum)
	binary.LittleEndian.PutUint64(dst[15:23], h.PacketNumber)
	binary.LittleEndian.PutUint64(dst[23:31], h.TimestampMillis)
}

func getHeader(src []byte) Header {
	return Header{
		Type:            Type(src[0]),
		SrcPort:         binary.LittleEndian.Uint16(src[1:3]),
		DstPort:         binary.LittleEndian.Uint16(src[3:5]),
		Size:            binary.LittleEndian.Uint16(src[5:7]),
		HeaderChecksum:  binary.LittleEndian.Uint32(src[7:11]),
		BodyChecksum:    binary.LittleEndian.Uint32(src[11:15]),
		PacketNumber:    binary.LittleEndian.Uint64(src[15:23]),
		TimestampMillis: binary.LittleEndian.Uint64(src[23:31]),
	}
}

// Encode serialises p to the wire format, computing both checksums and the
// Size field. The caller is expected to have already filled in Type,
// SrcPort, DstPort, PacketNumber and TimestampMillis.
func Encode(p Packet) []byte {
	var body []byte
	switch p.Header.Type {
	case DATA:
		body = make([]byte, 2+len(p.Data.Payload))
		binary.LittleEndian.PutUint16(body[0:2], p.Data.PayloadSize)
		copy(body[2:], p.Data.Payload)
	case ACK:
		body = make([]byte, 2)
		binary.LittleEndian.PutUint16(body[0:2], p.Ack.Window)
	default:
		body = nil
	}

	h := p.Header
	h.Size = uint16(HeaderSize + len(body))
	h.HeaderChecksum = 0
	h.BodyChecksum = 0

	buf := make([]byte, h.Size)
	putHeader(buf, h)
	copy(buf[HeaderSize:], body)

	h.HeaderChecksum = checksum(buf[:HeaderSize])
	h.BodyChecksum = checksum(buf[HeaderSize:])
	putHeader(buf, h)

	return buf
}

// Decode parses a wire-format datagram (the caller has already stripped the
// IP header). It validates Size against the buffer length and both
// checksums, returning an error for any mismatch; such packets are meant
// to be silently dropped by the caller, never surfaced to a user.
func Decode(buf []byte) (Packet, error) {
	if len(buf) < HeaderSize {
		return Packet{}, ErrTooShort
	}
	h := getHeader(buf)
	if int(h.Size) != len(buf) {
		return Packet{}, ErrSizeMismatch
	}

	headerChecksum := h.HeaderChecksum
	bodyChecksum := h.BodyChecksum

	zeroed := make([]byte, len(buf))
	copy(zeroed, buf)
	zh := h
	zh.HeaderChecksum = 0
	zh.BodyChecksum = 0
	putHeader(zeroed, zh)

	if checksum(zeroed[:HeaderSize]) != headerChecksum {
		return Packet{}, ErrBadChecksum
	}
	if checksum(zeroed[HeaderSize:]) != bodyChecksum {
		return Packet{}, ErrBadChecksum
	}

	p := Packet{Header: h}
	body := buf[HeaderSize:]
	switch h.Type {
	case DATA:
		if len(body) < 2 {
			return Packet{}, ErrBadBodyLen
		}
		size := binary.LittleEndian.Uint16(body[0:2])
		if int(size) > len(body)-2 || size > MaxData {
			return Packet{}, ErrBadBodyLen
		}
		payload := make([]byte, size)
		copy(payload, body[2:2+size])
		p.Data = &DataBody{PayloadSize: size, Payload: payload}
	case ACK:
		if len(body) < 2 {
			return Packet{}, ErrBadBodyLen
		}
		p.Ack = &AckBody{Window: binary.LittleEndian.Uint16(body[0:2])}
	}
	return p, nil
}
