package client

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/mjbarnes/rudpft/protocol"
	log "github.com/sirupsen/logrus"
)

// DefaultWindowSize matches original_source/client.py's
// upload_file(filename, window_size=4) default.
const DefaultWindowSize = 4

// Upload performs a complete Go-Back-N upload of src, chunked into
// MaxPayloadSize pieces (spec.md §4.5).
func (t *Transfer) Upload(remoteFilename string, src io.Reader, windowSize int) error {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}

	chunks, err := readChunks(src)
	if err != nil {
		return fmt.Errorf("client: read chunks: %w", err)
	}

	if _, err := t.connect("UPLOAD", remoteFilename); err != nil {
		return err
	}

	// First data packet = SYN seq + 1 — our own counter (spec.md §4.5).
	t.SeqNum++
	baseSeq := t.SeqNum
	total := len(chunks)

	packets := make([]protocol.Packet, total)
	for i, chunk := range chunks {
		packets[i] = protocol.Packet{Type: protocol.Data, SeqNum: baseSeq + uint32(i), SessionID: t.SessionID, Payload: chunk}
	}

	base, nextIdx := 0, 0
	for base < total {
		for nextIdx < total && nextIdx < base+windowSize {
			log.WithFields(log.Fields{"seq": packets[nextIdx].SeqNum, "of": total}).Debug("sending upload DATA")
			if _, err := t.Conn.Write(protocol.Encode(packets[nextIdx])); err != nil {
				return fmt.Errorf("client: send DATA: %w", err)
			}
			nextIdx++
		}

		pkt, ok, err := t.readOne(time.Now().Add(t.Timeout))
		if err != nil {
			return err
		}
		if !ok {
			// Go-Back-N retransmit: roll the send pointer back to base.
			log.WithField("seq", packets[base].SeqNum).Info("timeout, retransmitting from window base")
			nextIdx = base
			continue
		}
		if pkt.SessionID != t.SessionID || pkt.Type != protocol.Ack {
			continue
		}

		ackedIdx := int(pkt.SeqNum - baseSeq)
		if ackedIdx >= base && ackedIdx < total {
			base = ackedIdx + 1 // cumulative ACK semantics
		}
	}

	t.SeqNum = baseSeq + uint32(total)
	return t.sendFin()
}

func readChunks(src io.Reader) ([][]byte, error) {
	var chunks [][]byte
	for {
		chunk := make([]byte, protocol.MaxPayloadSize)
		n, err := io.ReadFull(src, chunk)
		if n > 0 {
			chunks = append(chunks, chunk[:n])
		}
		if errors.Is(err, io.EOF) {
			return chunks, nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return chunks, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// sendFin implements the FIN teardown leg of spec.md §4.5.
func (t *Transfer) sendFin() error {
	fin := protocol.Packet{Type: protocol.Fin, SeqNum: t.SeqNum, SessionID: t.SessionID}

	for attempt := 0; t.MaxRetries == 0 || attempt < t.MaxRetries; attempt++ {
		if _, err := t.Conn.Write(protocol.Encode(fin)); err != nil {
			return fmt.Errorf("client: send FIN: %w", err)
		}

		deadline := time.Now().Add(t.Timeout)
		pkt, ok, err := t.readOne(deadline)
		if err != nil {
			return err
		}
		if ok && pkt.SessionID == t.SessionID && pkt.Type == protocol.FinAck && pkt.SeqNum == t.SeqNum {
			log.WithField("session", t.SessionID).Info("received FIN-ACK, upload complete")
			return nil
		}
	}
	return errors.New("client: FIN retries exhausted")
}
