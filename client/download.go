package client

import (
	"fmt"
	"io"
	"time"

	"github.com/mjbarnes/rudpft/protocol"
	log "github.com/sirupsen/logrus"
)

// Download performs a complete download: handshake, then stop-and-wait
// acceptance of DATA packets written to dst, terminating on FIN
// (spec.md §4.4).
func (t *Transfer) Download(remoteFilename string, dst io.Writer) error {
	serverSeq, err := t.connect("DOWNLOAD", remoteFilename)
	if err != nil {
		return err
	}

	expected := serverSeq + 1

	for {
		pkt, ok, err := t.readOne(time.Now().Add(t.Timeout))
		if err != nil {
			return err
		}
		if !ok {
			// The responder is stop-and-wait and will retransmit; we just
			// keep waiting (spec.md §4.4 doesn't define a client-side
			// abandon threshold for this loop).
			log.Debug("waiting for DATA from responder")
			continue
		}
		if pkt.SessionID != t.SessionID {
			continue
		}

		switch {
		case pkt.Type == protocol.Data && pkt.SeqNum == expected:
			if _, err := dst.Write(pkt.Payload); err != nil {
				return fmt.Errorf("client: write downloaded data: %w", err)
			}
			t.ackData(pkt.SeqNum)
			expected++

		case pkt.Type == protocol.Data && pkt.SeqNum < expected:
			// Duplicate: our previous ACK was likely lost.
			log.WithField("seq", pkt.SeqNum).Debug("duplicate DATA, resending ACK")
			t.ackData(pkt.SeqNum)

		case pkt.Type == protocol.Data:
			// seq > expected: shouldn't happen against a stop-and-wait
			// sender; drop it, the sender will time out and retransmit
			// the one we're actually waiting for.
			log.WithFields(log.Fields{"got": pkt.SeqNum, "expected": expected}).Debug("dropping out-of-order DATA")

		case pkt.Type == protocol.Fin:
			log.Info("received FIN, closing download")
			t.ackFin(pkt.SeqNum)
			return nil

		case pkt.Type == protocol.Error:
			return fmt.Errorf("client: server error: %s", string(pkt.Payload))
		}
	}
}

func (t *Transfer) ackData(seq uint32) {
	ack := protocol.Packet{Type: protocol.Ack, SeqNum: seq, SessionID: t.SessionID}
	if _, err := t.Conn.Write(protocol.Encode(ack)); err != nil {
		log.WithError(err).Warn("failed to send ACK")
	}
}

func (t *Transfer) ackFin(seq uint32) {
	finAck := protocol.Packet{Type: protocol.FinAck, SeqNum: seq, SessionID: t.SessionID}
	if _, err := t.Conn.Write(protocol.Encode(finAck)); err != nil {
		log.WithError(err).Warn("failed to send FIN-ACK")
	}
}
