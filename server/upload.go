package server

import (
	"github.com/mjbarnes/rudpft/protocol"
	"github.com/mjbarnes/rudpft/session"
	log "github.com/sirupsen/logrus"
)

// handleData implements spec.md §4.6, stop-and-wait acceptance on the
// upload receiver.
func (r *Responder) handleData(pkt protocol.Packet, sess *session.Session) {
	if sess.Op != session.Upload || sess.State != session.Transferring {
		return
	}

	switch {
	case pkt.SeqNum == sess.Expected:
		if _, err := sess.File.Write(pkt.Payload); err != nil {
			log.WithError(err).WithField("session", sess.ID).Error("write failed, tearing down upload session")
			r.sessions.Delete(sess.ID)
			return
		}
		sess.Expected++
		r.send(sess.PeerAddr, protocol.Packet{Type: protocol.Ack, SeqNum: pkt.SeqNum, SessionID: sess.ID})

	case pkt.SeqNum < sess.Expected:
		// Duplicate: our previous ACK was probably lost. Resend it.
		r.send(sess.PeerAddr, protocol.Packet{Type: protocol.Ack, SeqNum: pkt.SeqNum, SessionID: sess.ID})

	default:
		// Out of order: drop silently, Go-Back-N will roll the sender back.
		log.WithFields(log.Fields{"session": sess.ID, "got": pkt.SeqNum, "expected": sess.Expected}).
			Debug("dropping out-of-order upload DATA")
	}
}

// handleFin implements spec.md §4.6's teardown for uploads: ACK the FIN
// at whatever seq it carries, close the file, remove the session.
func (r *Responder) handleFin(pkt protocol.Packet, sess *session.Session) {
	if sess.Op != session.Upload {
		return
	}
	log.WithField("session", sess.ID).Info("received FIN for upload, closing session")
	r.send(sess.PeerAddr, protocol.Packet{Type: protocol.FinAck, SeqNum: pkt.SeqNum, SessionID: sess.ID})
	r.sessions.Delete(sess.ID)
}
