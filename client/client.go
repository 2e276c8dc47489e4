// Package client implements the initiator side of the protocol: the
// handshake retry loop, the stop-and-wait download receiver, and the
// Go-Back-N upload sender.
package client

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/mjbarnes/rudpft/protocol"
	log "github.com/sirupsen/logrus"
)

// Transfer holds one initiator-side transfer's local state — this is
// scoped to a single call, unlike the responder's long-lived Session
// (spec.md §3: "the initiator's state is local to a single transfer call").
type Transfer struct {
	Conn      net.Conn
	SessionID uint32
	SeqNum    uint32
	Timeout   time.Duration
	// MaxRetries bounds the SYN/FIN retry loops; 0 means unbounded,
	// matching spec.md §5's literal "no bound" unless the caller opts in
	// to the recommended cap (spec.md §5: "recommended: 10 retries").
	MaxRetries int
}

// New creates a Transfer over conn with a freshly-randomized session ID
// and initial sequence number, mirroring
// original_source/client.py's UDPClient.__init__.
func New(conn net.Conn, timeout time.Duration) (*Transfer, error) {
	sessionID, err := randomUint32()
	if err != nil {
		return nil, fmt.Errorf("client: generate session id: %w", err)
	}
	seq, err := randomUint32()
	if err != nil {
		return nil, fmt.Errorf("client: generate seq num: %w", err)
	}
	return &Transfer{Conn: conn, SessionID: sessionID, SeqNum: seq, Timeout: timeout}, nil
}

func randomUint32() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// connect performs the handshake (spec.md §4.2): send SYN, retry on
// timeout, return the responder's SYN-ACK seq on success, or an error if
// the responder replies ERROR or MaxRetries is exhausted.
func (t *Transfer) connect(op, filename string) (serverSeq uint32, err error) {
	payload := []byte(op + "|" + filename)
	syn := protocol.Packet{Type: protocol.SYN, SeqNum: t.SeqNum, SessionID: t.SessionID, Payload: payload}

	log.WithFields(log.Fields{"op": op, "file": filename, "session": t.SessionID}).Info("sending SYN")

	for attempt := 0; t.MaxRetries == 0 || attempt < t.MaxRetries; attempt++ {
		if _, err := t.Conn.Write(protocol.Encode(syn)); err != nil {
			return 0, fmt.Errorf("client: send SYN: %w", err)
		}

		deadline := time.Now().Add(t.Timeout)
		for time.Now().Before(deadline) {
			pkt, ok, err := t.readOne(deadline)
			if err != nil {
				return 0, err
			}
			if !ok {
				break // timed out, retry SYN
			}
			if pkt.SessionID != t.SessionID {
				continue
			}
			switch pkt.Type {
			case protocol.SynAck:
				log.WithField("session", t.SessionID).Info("received SYN-ACK, connection established")
				return pkt.SeqNum, nil
			case protocol.Error:
				return 0, fmt.Errorf("client: server error: %s", string(pkt.Payload))
			}
		}
	}
	return 0, errors.New("client: SYN retries exhausted")
}

// readOne reads a single datagram, parses it, and reports whether the
// deadline was hit (ok=false) versus a packet arrived (ok=true).
func (t *Transfer) readOne(deadline time.Time) (protocol.Packet, bool, error) {
	if err := t.Conn.SetReadDeadline(deadline); err != nil {
		return protocol.Packet{}, false, fmt.Errorf("client: set read deadline: %w", err)
	}
	buf := make([]byte, protocol.MaxPacketSize)
	n, err := t.Conn.Read(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return protocol.Packet{}, false, nil
		}
		return protocol.Packet{}, false, fmt.Errorf("client: read: %w", err)
	}
	pkt, err := protocol.Decode(buf[:n])
	if err != nil {
		log.WithError(err).Debug("dropping malformed datagram")
		return protocol.Packet{}, false, nil
	}
	return pkt, true, nil
}
