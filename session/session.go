// Package session holds the responder-side per-session state machine
// described in spec.md §3 and §9: a plain map owned exclusively by the
// responder's single receive loop, so no locking is required.
package session

import (
	"net"
	"os"
	"time"

	"github.com/mjbarnes/rudpft/protocol"
)

// Op identifies which direction of transfer a session is performing.
type Op int

const (
	Upload Op = iota
	Download
)

func (o Op) String() string {
	if o == Upload {
		return "UPLOAD"
	}
	return "DOWNLOAD"
}

// State is the responder-side session state machine (spec.md §4.7):
// TRANSFERRING --(EOF)--> FIN_WAIT --(FIN-ACK)--> CLOSED, with eviction
// reachable from any state.
type State int

const (
	Transferring State = iota
	FinWait
	Closed
)

func (s State) String() string {
	switch s {
	case Transferring:
		return "TRANSFERRING"
	case FinWait:
		return "FIN_WAIT"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Session is the responder's bookkeeping for one transfer, keyed by
// session ID (spec.md §3).
type Session struct {
	ID       uint32
	PeerAddr net.Addr
	Op       Op
	State    State

	// Download (responder sends file): next_seq is the seq of the last
	// DATA/FIN sent, unacked holds the in-flight packet awaiting ACK.
	NextSeq uint32
	Unacked *protocol.Packet

	// Upload (responder receives file): expected is the next in-order
	// DATA seq.
	Expected uint32

	File *os.File

	LastSendTime time.Time
	LastActivity time.Time
}

// Touch refreshes the session's activity timestamp; the responder calls it
// for every decoded packet that carries this session's ID, before
// dispatching it to a handler.
func (s *Session) Touch(now time.Time) {
	s.LastActivity = now
}

// Close releases the session's file handle. Safe to call more than once.
func (s *Session) Close() error {
	if s.File == nil {
		return nil
	}
	err := s.File.Close()
	s.File = nil
	return err
}

// Registry maps session IDs to Session state. It is not safe for
// concurrent use — by design, only the responder's single receive loop
// touches it (spec.md §5, §9).
type Registry struct {
	sessions map[uint32]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uint32]*Session)}
}

// Get looks up a session by ID.
func (r *Registry) Get(id uint32) (*Session, bool) {
	s, ok := r.sessions[id]
	return s, ok
}

// Put inserts or replaces a session.
func (r *Registry) Put(s *Session) {
	r.sessions[s.ID] = s
}

// Delete removes a session, closing its file handle first.
func (r *Registry) Delete(id uint32) {
	if s, ok := r.sessions[id]; ok {
		s.Close()
		delete(r.sessions, id)
	}
}

// Len reports the number of live sessions — used by tests to assert that
// a rejected handshake created no session (spec.md §8, scenario 4).
func (r *Registry) Len() int {
	return len(r.sessions)
}

// All returns every live session's ID, stable order not guaranteed.
func (r *Registry) All() []uint32 {
	ids := make([]uint32, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Sweep implements spec.md §4.7's periodic timeout pass: retransmit any
// session's unacked packet past `timeout`, and evict (closing its file)
// any session inactive for longer than `ttl`. send is invoked with the
// session and its unacked packet for every packet that needs retransmitting;
// evicted is invoked with the ID of every session removed this sweep.
func (r *Registry) Sweep(now time.Time, timeout, ttl time.Duration, send func(*Session, protocol.Packet), evicted func(uint32)) {
	var stale []uint32
	for id, s := range r.sessions {
		if s.Unacked != nil && now.Sub(s.LastSendTime) > timeout {
			send(s, *s.Unacked)
			s.LastSendTime = now
		}
		if now.Sub(s.LastActivity) > ttl {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		r.Delete(id)
		if evicted != nil {
			evicted(id)
		}
	}
}
