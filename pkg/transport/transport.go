// Package transport describes the peer-to-peer capability the channel pool
// is built on: one link is one peer connection carrying one ordered,
// reliable data channel.
package transport

import "errors"

// Role selects which side drives negotiation.
type Role int

const (
	// RoleConnector creates offers (sender side).
	RoleConnector Role = iota
	// RoleListener answers offers (receiver side).
	RoleListener
)

func (r Role) String() string {
	if r == RoleConnector {
		return "connector"
	}
	return "listener"
}

// State is a link's data channel state.
type State int

const (
	StateNegotiating State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Description is a session description (offer or answer).
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is a trickled ICE candidate.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Handler receives link events. Any field may be nil.
type Handler struct {
	OnCandidate func(Candidate)
	OnOpen      func()
	OnMessage   func([]byte)
	// OnFailure reports a connectivity failure that a restart may repair.
	OnFailure func(error)
	OnClose   func()
}

// Link is one pool slot.
type Link interface {
	Index() int
	// Offer creates the data channel and a local offer (connector only).
	Offer() (Description, error)
	// Restart produces an ICE-restart offer (connector only).
	Restart() (Description, error)
	// Answer applies a remote offer and returns the local answer (listener only).
	Answer(offer Description) (Description, error)
	// Accept applies the remote answer (connector only).
	Accept(answer Description) error
	AddCandidate(Candidate) error
	Send([]byte) error
	BufferedAmount() uint64
	State() State
	Close() error
}

// Transport creates links.
type Transport interface {
	NewLink(index int, role Role, h Handler) (Link, error)
}

var (
	ErrNotOpen   = errors.New("transport: channel is not open")
	ErrWrongRole = errors.New("transport: operation not valid for this role")
	ErrClosed    = errors.New("transport: link closed")
)
