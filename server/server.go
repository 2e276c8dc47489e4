// Package server implements the responder side of the protocol: the
// handshake, the download sender (stop-and-wait), the upload receiver
// (stop-and-wait), and the periodic timeout sweeper. Everything in this
// package runs on a single goroutine — the session registry is touched
// only from Responder.Serve, so it needs no locking (spec.md §5, §9).
package server

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/mjbarnes/rudpft/protocol"
	"github.com/mjbarnes/rudpft/session"
	log "github.com/sirupsen/logrus"
)

// Responder owns the shared UDP socket and the session registry.
type Responder struct {
	Conn    net.PacketConn
	RootDir string
	Timeout time.Duration
	// EvictAfter is the stale-session TTL; New sets it to
	// evictMultiplier*Timeout (5*Timeout by default, matching spec.md §5).
	EvictAfter time.Duration

	sessions *session.Registry
}

// New constructs a Responder bound to conn, serving files rooted at dir.
// A session idle for more than evictMultiplier*timeout is reclaimed by the
// sweeper (spec.md §5); evictMultiplier <= 0 falls back to the spec's
// default of 5.
func New(conn net.PacketConn, dir string, timeout time.Duration, evictMultiplier int) *Responder {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.WithError(err).WithField("dir", dir).Warn("could not create server directory ahead of time")
	}
	if evictMultiplier <= 0 {
		evictMultiplier = 5
	}
	return &Responder{
		Conn:       conn,
		RootDir:    dir,
		Timeout:    timeout,
		EvictAfter: time.Duration(evictMultiplier) * timeout,
		sessions:   session.NewRegistry(),
	}
}

// Sessions exposes the registry for tests and diagnostics (spec.md §8
// scenario 4: "a subsequent listSessions-style probe shows zero entries").
func (r *Responder) Sessions() *session.Registry {
	return r.sessions
}

// Serve runs the responder's single receive loop until stop is closed, or
// the socket errors out. It blocks the calling goroutine; callers that
// want a background responder should invoke Serve in their own goroutine.
func (r *Responder) Serve(stop <-chan struct{}) error {
	buf := make([]byte, protocol.MaxPacketSize)
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		if err := r.Conn.SetReadDeadline(time.Now().Add(r.Timeout)); err != nil {
			return fmt.Errorf("server: set read deadline: %w", err)
		}

		n, addr, err := r.Conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				r.sweep()
				continue
			}
			return fmt.Errorf("server: read from udp: %w", err)
		}

		r.handleDatagram(buf[:n], addr)
	}
}

func (r *Responder) handleDatagram(data []byte, addr net.Addr) {
	pkt, err := protocol.Decode(data)
	if err != nil {
		log.WithError(err).WithField("addr", addr).Debug("dropping malformed datagram")
		return
	}

	if pkt.Type == protocol.SYN {
		r.handleSyn(pkt, addr)
		return
	}

	sess, ok := r.sessions.Get(pkt.SessionID)
	if !ok {
		log.WithFields(log.Fields{"session": pkt.SessionID, "type": pkt.Type}).
			Debug("dropping packet for unknown session")
		return
	}
	sess.Touch(time.Now())

	switch pkt.Type {
	case protocol.Data:
		r.handleData(pkt, sess)
	case protocol.Ack, protocol.FinAck:
		r.handleAck(pkt, sess)
	case protocol.Fin:
		r.handleFin(pkt, sess)
	default:
		log.WithField("type", pkt.Type).Debug("dropping packet with unexpected type for session")
	}
}

func (r *Responder) send(addr net.Addr, pkt protocol.Packet) {
	if _, err := r.Conn.WriteTo(protocol.Encode(pkt), addr); err != nil {
		log.WithError(err).WithField("type", pkt.Type).Warn("failed to send packet")
	}
}

func (r *Responder) sweep() {
	now := time.Now()
	r.sessions.Sweep(now, r.Timeout, r.EvictAfter,
		func(s *session.Session, pkt protocol.Packet) {
			log.WithFields(log.Fields{"session": s.ID, "seq": pkt.SeqNum}).Debug("retransmitting unacked packet")
			r.send(s.PeerAddr, pkt)
		},
		func(id uint32) {
			log.WithField("session", id).Warn("evicting stale session")
		},
	)
}
