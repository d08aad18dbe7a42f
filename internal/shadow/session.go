package shadow

import (
	"sync"
	"time"

	"github.com/prudhvinik1/edgeshadow/internal/models"
)

type SessionState int

const (
	StateUnregistered SessionState = iota
	StateRegistering
	StateDisconnected
	StateConnected
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistering:
		return "registering"
	case StateDisconnected:
		return "registered-disconnected"
	case StateConnected:
		return "registered-connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type pendingRequest struct {
	token    string
	op       Operation
	issuedAt time.Time
}

type session struct {
	mu       sync.Mutex
	identity string
	watched  []string
	observer Observer

	registered  bool
	registering bool
	connected   bool
	closed      bool

	desired     models.Properties
	reported    models.Properties
	lastVersion int64
	pending     *pendingRequest
}

func (s *session) state() SessionState {
	switch {
	case s.closed:
		return StateClosed
	case s.registering:
		return StateRegistering
	case !s.registered:
		return StateUnregistered
	case s.connected:
		return StateConnected
	default:
		return StateDisconnected
	}
}

// stale reports whether a document with version v must be ignored.
// Unversioned documents are always applied.
func (s *session) stale(v int64) bool {
	return v > 0 && v <= s.lastVersion
}

// staleRead is stale for full documents. A get answered at the version the
// session already holds is the authority's current state and replaces the view.
func (s *session) staleRead(v int64) bool {
	return v > 0 && v < s.lastVersion
}

func (s *session) accept(v int64) {
	if v > s.lastVersion {
		s.lastVersion = v
	}
}

// reset drops the view after a delete. lastVersion is kept because the
// authority continues numbering from it when the shadow is recreated.
func (s *session) reset(v int64) {
	s.desired = nil
	s.reported = nil
	s.accept(v)
}

// Snapshot is a read-only copy of a session.
type Snapshot struct {
	Identity         string
	State            SessionState
	Desired          models.Properties
	Reported         models.Properties
	Version          int64
	PendingToken     string
	PendingOperation Operation
}

func (s *session) snapshot() Snapshot {
	snap := Snapshot{
		Identity: s.identity,
		State:    s.state(),
		Desired:  s.desired.Clone(),
		Reported: s.reported.Clone(),
		Version:  s.lastVersion,
	}
	if s.pending != nil {
		snap.PendingToken = s.pending.token
		snap.PendingOperation = s.pending.op
	}
	return snap
}
