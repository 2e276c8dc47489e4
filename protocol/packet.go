// Package protocol implements the wire format of the reliable UDP
// file-transfer protocol: packet framing, the per-packet XOR checksum,
// and the message types exchanged during handshake, transfer and teardown.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// MsgType is the tag of the packet union (spec.md §3: "a tagged union over
// the seven message kinds").
type MsgType uint8

const (
	SYN MsgType = iota
	SynAck
	Data
	Ack
	Fin
	FinAck
	Error
)

func (t MsgType) String() string {
	switch t {
	case SYN:
		return "SYN"
	case SynAck:
		return "SYN-ACK"
	case Data:
		return "DATA"
	case Ack:
		return "ACK"
	case Fin:
		return "FIN"
	case FinAck:
		return "FIN-ACK"
	case Error:
		return "ERROR"
	default:
		return fmt.Sprintf("MsgType(%d)", uint8(t))
	}
}

const (
	// HeaderSize is the fixed 12-byte wire header.
	HeaderSize = 12
	// MaxPayloadSize bounds a single DATA chunk.
	MaxPayloadSize = 1024
	// MaxPacketSize is the largest legal datagram on this protocol.
	MaxPacketSize = HeaderSize + MaxPayloadSize
)

// Packet is the immutable wire unit described in spec.md §3.
type Packet struct {
	Type      MsgType
	SeqNum    uint32
	SessionID uint32
	Payload   []byte
}

// checksum computes the XOR of every header byte (excluding the checksum
// byte itself) and every payload byte.
func checksum(typ MsgType, seq, session uint32, payload []byte) uint8 {
	var hdr [HeaderSize - 1]byte
	hdr[0] = byte(typ)
	binary.BigEndian.PutUint32(hdr[1:5], seq)
	binary.BigEndian.PutUint32(hdr[5:9], session)
	binary.BigEndian.PutUint16(hdr[9:11], uint16(len(payload)))

	var sum uint8
	for _, b := range hdr {
		sum ^= b
	}
	for _, b := range payload {
		sum ^= b
	}
	return sum
}

// Encode serializes p to its wire representation. The caller is expected
// to have kept len(p.Payload) <= MaxPayloadSize; Encode does not itself
// enforce this (that invariant is the responsibility of the components
// that build chunks — see client.Upload and server.sendNextData).
func Encode(p Packet) []byte {
	buf := make([]byte, HeaderSize+len(p.Payload))
	buf[0] = byte(p.Type)
	binary.BigEndian.PutUint32(buf[1:5], p.SeqNum)
	binary.BigEndian.PutUint32(buf[5:9], p.SessionID)
	binary.BigEndian.PutUint16(buf[9:11], uint16(len(p.Payload)))
	buf[11] = checksum(p.Type, p.SeqNum, p.SessionID, p.Payload)
	copy(buf[HeaderSize:], p.Payload)
	return buf
}

// Decode parses a datagram into a Packet. A short datagram or a checksum
// mismatch is a parse error; callers must discard the datagram silently
// on error (spec.md §4.1).
func Decode(data []byte) (Packet, error) {
	if len(data) < HeaderSize {
		return Packet{}, fmt.Errorf("protocol: short packet: %d bytes", len(data))
	}

	typ := MsgType(data[0])
	seq := binary.BigEndian.Uint32(data[1:5])
	session := binary.BigEndian.Uint32(data[5:9])
	payloadLen := binary.BigEndian.Uint16(data[9:11])
	wantChecksum := data[11]

	payload := data[HeaderSize:]
	if int(payloadLen) > len(payload) {
		return Packet{}, fmt.Errorf("protocol: declared payload length %d exceeds %d received bytes", payloadLen, len(payload))
	}
	payload = payload[:payloadLen]

	got := checksum(typ, seq, session, payload)
	if got != wantChecksum {
		return Packet{}, fmt.Errorf("protocol: checksum mismatch: got %#x want %#x", got, wantChecksum)
	}

	// Copy the payload out of the caller's receive buffer so the packet
	// doesn't alias a buffer that will be reused for the next recv. A
	// zero-length payload decodes to nil.
	var out []byte
	if len(payload) > 0 {
		out = make([]byte, len(payload))
		copy(out, payload)
	}

	return Packet{Type: typ, SeqNum: seq, SessionID: session, Payload: out}, nil
}
