package server

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mjbarnes/rudpft/protocol"
	"github.com/mjbarnes/rudpft/session"
	log "github.com/sirupsen/logrus"
)

var errMalformedSyn = errors.New("SYN payload missing '|' separator")

// handleSyn interprets the SYN payload ("OP|FILENAME"), allocates a
// session on success, and replies SYN-ACK or ERROR (spec.md §4.2).
func (r *Responder) handleSyn(pkt protocol.Packet, addr net.Addr) {
	op, filename, err := parseSynPayload(pkt.Payload)
	if err != nil {
		log.WithError(err).WithField("session", pkt.SessionID).Warn("malformed SYN payload")
		r.send(addr, errorPacket(pkt, "Invalid SYN payload format"))
		return
	}

	// Path-traversal defense: resolve only the basename against RootDir.
	safeName := filepath.Base(filename)
	path := filepath.Join(r.RootDir, safeName)

	switch op {
	case "DOWNLOAD":
		r.handleDownloadSyn(pkt, addr, path)
	case "UPLOAD":
		r.handleUploadSyn(pkt, addr, path)
	default:
		log.WithField("op", op).Warn("unknown SYN operation")
		r.send(addr, errorPacket(pkt, "Invalid SYN payload format"))
	}
}

func parseSynPayload(payload []byte) (op, filename string, err error) {
	parts := strings.SplitN(string(payload), "|", 2)
	if len(parts) != 2 {
		return "", "", errMalformedSyn
	}
	return parts[0], parts[1], nil
}

func errorPacket(syn protocol.Packet, msg string) protocol.Packet {
	return protocol.Packet{
		Type:      protocol.Error,
		SeqNum:    syn.SeqNum + 1,
		SessionID: syn.SessionID,
		Payload:   []byte(msg),
	}
}

func (r *Responder) handleDownloadSyn(pkt protocol.Packet, addr net.Addr, path string) {
	f, err := os.Open(path)
	if err != nil {
		log.WithError(err).WithField("path", path).Info("download request for missing file")
		r.send(addr, errorPacket(pkt, "File not found"))
		return
	}

	now := time.Now()
	sess := &session.Session{
		ID:           pkt.SessionID,
		PeerAddr:     addr,
		Op:           session.Download,
		State:        session.Transferring,
		NextSeq:      pkt.SeqNum + 1,
		File:         f,
		LastActivity: now,
	}
	r.sessions.Put(sess)

	log.WithFields(log.Fields{"session": sess.ID, "path": path}).Info("starting download")

	synAck := protocol.Packet{Type: protocol.SynAck, SeqNum: sess.NextSeq, SessionID: sess.ID, Payload: []byte("OK")}
	r.send(addr, synAck)

	// Immediately begin the transfer by sending the first DATA packet
	// (spec.md §4.2).
	r.sendNextData(sess)
}

func (r *Responder) handleUploadSyn(pkt protocol.Packet, addr net.Addr, path string) {
	f, err := os.Create(path) // truncates any existing file
	if err != nil {
		log.WithError(err).WithField("path", path).Error("could not open file for upload")
		r.send(addr, errorPacket(pkt, "Could not open file for writing"))
		return
	}

	now := time.Now()
	sess := &session.Session{
		ID:           pkt.SessionID,
		PeerAddr:     addr,
		Op:           session.Upload,
		State:        session.Transferring,
		Expected:     pkt.SeqNum + 1,
		File:         f,
		LastActivity: now,
	}
	r.sessions.Put(sess)

	log.WithFields(log.Fields{"session": sess.ID, "path": path}).Info("starting upload")

	synAck := protocol.Packet{Type: protocol.SynAck, SeqNum: pkt.SeqNum + 1, SessionID: sess.ID, Payload: []byte("OK")}
	r.send(addr, synAck)
}
