// Package netsim provides a deliberately lossy net.Conn / net.PacketConn
// wrapper for testing and demonstration. It is not part of the protocol —
// spec.md §9 is explicit that drop-rate simulation "is a test knob, not a
// protocol feature" — so nothing in package server or package client
// imports it; only cmd/rudpft (when a client --drop-rate or a responder
// drop_rate config value is set) and the test suites do.
package netsim

import (
	"math/rand"
	"net"
)

// Conn wraps a net.Conn and drops outbound writes according to a two-state
// (last-dropped) loss model: P is the drop probability when the previous
// write went through, Q is the drop probability when the previous write
// was itself dropped. Setting P == Q degenerates to independent per-packet
// loss at that rate.
type Conn struct {
	net.Conn
	P, Q float64

	lastDropped bool
}

// NewConn wraps conn with the given Markov-chain loss parameters.
func NewConn(conn net.Conn, p, q float64) *Conn {
	return &Conn{Conn: conn, P: p, Q: q}
}

func (c *Conn) Write(b []byte) (int, error) {
	if c.drop() {
		return len(b), nil
	}
	return c.Conn.Write(b)
}

func (c *Conn) drop() bool {
	threshold := c.P
	if c.lastDropped {
		threshold = c.Q
	}
	c.lastDropped = rand.Float64() < threshold
	return c.lastDropped
}

// PacketConn wraps a net.PacketConn with the same loss model, for use on
// the responder side where the socket is shared across sessions.
type PacketConn struct {
	net.PacketConn
	P, Q float64

	lastDropped bool
}

// NewPacketConn wraps conn with the given Markov-chain loss parameters.
func NewPacketConn(conn net.PacketConn, p, q float64) *PacketConn {
	return &PacketConn{PacketConn: conn, P: p, Q: q}
}

func (c *PacketConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	threshold := c.P
	if c.lastDropped {
		threshold = c.Q
	}
	c.lastDropped = rand.Float64() < threshold
	if c.lastDropped {
		return len(b), nil
	}
	return c.PacketConn.WriteTo(b, addr)
}

// SetDeadline helpers are forwarded automatically via the embedded
// net.Conn / net.PacketConn for every method this type doesn't override
// (Read, Close, LocalAddr, SetDeadline, SetReadDeadline, ...).
var _ net.Conn = (*Conn)(nil)
var _ net.PacketConn = (*PacketConn)(nil)
