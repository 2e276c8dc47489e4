package server

import (
	"errors"
	"io"
	"time"

	"github.com/mjbarnes/rudpft/protocol"
	"github.com/mjbarnes/rudpft/session"
	log "github.com/sirupsen/logrus"
)

// sendNextData implements spec.md §4.3: read the next chunk and send it,
// or transition to FIN_WAIT on EOF. A no-op if a packet is already
// in flight — the caller waits for handleAck to clear it.
func (r *Responder) sendNextData(sess *session.Session) {
	if sess.State != session.Transferring || sess.Op != session.Download {
		return
	}
	if sess.Unacked != nil {
		return
	}

	chunk := make([]byte, protocol.MaxPayloadSize)
	n, err := sess.File.Read(chunk)
	if err != nil && !errors.Is(err, io.EOF) {
		log.WithError(err).WithField("session", sess.ID).Error("read failed, tearing down download session")
		r.sessions.Delete(sess.ID)
		return
	}
	if n == 0 {
		r.finishDownloadEOF(sess)
		return
	}

	sess.NextSeq++
	pkt := protocol.Packet{Type: protocol.Data, SeqNum: sess.NextSeq, SessionID: sess.ID, Payload: chunk[:n]}
	sess.Unacked = &pkt
	sess.LastSendTime = time.Now()
	r.send(sess.PeerAddr, pkt)
}

func (r *Responder) finishDownloadEOF(sess *session.Session) {
	// FIN seq = last DATA seq + 1 (spec.md §9 open question, resolved per
	// original_source/server.py's send_next_data: the pending seq is
	// incremented once more before sending FIN).
	sess.NextSeq++
	fin := protocol.Packet{Type: protocol.Fin, SeqNum: sess.NextSeq, SessionID: sess.ID}
	sess.State = session.FinWait
	sess.Unacked = &fin
	sess.LastSendTime = time.Now()
	log.WithFields(log.Fields{"session": sess.ID, "seq": fin.SeqNum}).Info("EOF reached, sending FIN")
	r.send(sess.PeerAddr, fin)
}

// handleAck processes ACK/FIN-ACK for a download session (spec.md §4.3).
func (r *Responder) handleAck(pkt protocol.Packet, sess *session.Session) {
	if sess.Op != session.Download {
		return
	}
	if sess.Unacked == nil || pkt.SeqNum != sess.Unacked.SeqNum {
		return
	}

	sess.Unacked = nil

	switch sess.State {
	case session.Transferring:
		r.sendNextData(sess)
	case session.FinWait:
		log.WithField("session", sess.ID).Info("received FIN-ACK, closing download session")
		r.sessions.Delete(sess.ID)
	}
}
