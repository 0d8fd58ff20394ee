// Package session is the rendezvous registry: it hands out session ids and
// pairing codes, pairs a receiver with a sender exactly once, relays
// negotiation messages between paired sessions and reclaims sessions whose
// connection went away for longer than the grace period.
package session

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxCodeAttempts bounds collision retries when drawing a fresh code.
const maxCodeAttempts = 16

// State is a session's lifecycle stage.
type State int

const (
	StateIdle State = iota
	StateRegistered
	StatePaired
	StateActive
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRegistered:
		return "registered"
	case StatePaired:
		return "paired"
	case StateActive:
		return "active"
	default:
		return "destroyed"
	}
}

// FileMeta describes the offered file. Cipher and Compress tell the receiver
// how fragments are framed.
type FileMeta struct {
	Name     string `json:"name"`
	Mime     string `json:"mime"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum,omitempty"`
	Cipher   string `json:"cipher,omitempty"`
	Compress bool   `json:"compress,omitempty"`
}

// Message is a relayed negotiation message.
type Message struct {
	Kind    string          `json:"kind"`
	Index   int             `json:"index"`
	Payload json.RawMessage `json:"payload"`
}

// EventType names a server push.
type EventType string

const (
	EventReady     EventType = "ready"
	EventMessage   EventType = "message"
	EventDestroyed EventType = "destroyed"
)

// Event is pushed to a session's endpoint.
type Event struct {
	Type    EventType
	Peer    string
	Message Message
}

// Endpoint is the server side of one signaling connection. Notify must not
// block: the registry calls it while holding its lock. Close must not call
// back into the registry synchronously.
type Endpoint interface {
	Notify(Event) bool
	Close()
}

// Cause tells Disconnect who closed the connection.
type Cause int

const (
	// CauseClientGone arms the grace timer.
	CauseClientGone Cause = iota
	// CauseServerTeardown destroys the session immediately.
	CauseServerTeardown
)

type session struct {
	id       string
	code     string
	key      string
	file     FileMeta
	peer     string
	state    State
	endpoint Endpoint

	timer    *time.Timer
	timerGen uint64
	failures int
}

// Snapshot is a copy of a session's state.
type Snapshot struct {
	ID        string
	Code      string
	Key       string
	File      FileMeta
	Peer      string
	State     State
	Connected bool
	Expiring  bool
}

func (s *session) snapshot() Snapshot {
	return Snapshot{
		ID:        s.id,
		Code:      s.code,
		Key:       s.key,
		File:      s.file,
		Peer:      s.peer,
		State:     s.state,
		Connected: s.endpoint != nil,
		Expiring:  s.timer != nil,
	}
}

// Match is returned to a receiver that paired successfully.
type Match struct {
	Peer string
	File FileMeta
	Key  string
}

// Registry holds every live session. A single mutex guards both maps so
// every operation is linearizable.
type Registry struct {
	cfg Config

	mu        sync.Mutex
	sessions  map[string]*session
	codes     map[string]string
	closed    bool
	onDestroy func(id string)

	newCode func(n int) (string, error)
	newKey  func() (string, error)
}

func NewRegistry(cfg Config) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Registry{
		cfg:      cfg,
		sessions: make(map[string]*session),
		codes:    make(map[string]string),
		newCode:  NewCode,
		newKey:   NewKey,
	}, nil
}

// OnDestroy installs a hook called, under the registry lock, once per
// destroyed session.
func (r *Registry) OnDestroy(fn func(id string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDestroy = fn
}

// Open creates an idle session bound to ep.
func (r *Registry) Open(ep Endpoint) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Snapshot{}, opError("open", ErrInternal)
	}
	s := &session{id: uuid.NewString(), state: StateIdle, endpoint: ep}
	r.sessions[s.id] = s
	slog.Info("Session opened", "session", s.id)
	return s.snapshot(), nil
}

// Resume rebinds a live session to a new connection and disarms its
// grace timer. Code, key and peer are left unchanged.
func (r *Registry) Resume(id string, ep Endpoint) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Snapshot{}, opError("resume", ErrDestroyed)
	}
	r.disarmLocked(s)
	if s.endpoint != nil && s.endpoint != ep {
		s.endpoint.Close()
	}
	s.endpoint = ep
	slog.Info("Session resumed", "session", id, "state", s.state)
	return s.snapshot(), nil
}

// Register offers a file under a fresh code. Registering again before
// pairing releases the previous code.
func (r *Registry) Register(id string, file FileMeta) (code, key string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return "", "", opError("register", ErrDestroyed)
	}
	if s.peer != "" {
		return "", "", opError("register", ErrAlreadyPaired)
	}

	code, err = r.freeCodeLocked()
	if err != nil {
		slog.Error("Failed to allocate code", "session", id, "error", err)
		return "", "", opError("register", ErrInternal)
	}
	key, err = r.newKey()
	if err != nil {
		slog.Error("Failed to generate key", "session", id, "error", err)
		return "", "", opError("register", ErrInternal)
	}

	if s.code != "" {
		delete(r.codes, s.code)
	}
	s.code, s.key, s.file = code, key, file
	s.state = StateRegistered
	r.codes[code] = id
	slog.Info("Session registered", "session", id, "name", file.Name, "size", file.Size, "code", code)
	return code, key, nil
}

func (r *Registry) freeCodeLocked() (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		code, err := r.newCode(r.cfg.CodeLength)
		if err != nil {
			return "", err
		}
		if _, taken := r.codes[code]; !taken {
			return code, nil
		}
	}
	return "", errors.New("code space exhausted")
}

// Find previews the file behind code. available is false once the owner
// has a peer.
func (r *Registry) Find(code string) (file FileMeta, available bool, err error) {
	if code == "" {
		return FileMeta{}, false, opError("find", ErrNoCandidate)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.codes[code]
	if !ok {
		return FileMeta{}, false, opError("find", ErrNotFound)
	}
	s := r.sessions[id]
	return s.file, s.peer == "", nil
}

// Request pairs session id with the owner of code. Only one caller can win
// a code; repeating a successful request is a no-op that returns the same
// match.
func (r *Registry) Request(id, code string) (Match, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	caller, ok := r.sessions[id]
	if !ok {
		return Match{}, opError("request", ErrDestroyed)
	}
	if r.cfg.MaxRequestAttempts > 0 && caller.failures >= r.cfg.MaxRequestAttempts {
		return Match{}, opError("request", ErrNotAvailable)
	}

	fail := func(sentinel *Error) (Match, error) {
		caller.failures++
		slog.Debug("Request refused", "session", id, "code", code, "reason", sentinel.Code)
		return Match{}, opError("request", sentinel)
	}
	if code == "" {
		return fail(ErrNoCandidate)
	}
	targetID, ok := r.codes[code]
	if !ok {
		return fail(ErrNotFound)
	}
	target := r.sessions[targetID]
	match := Match{Peer: target.id, File: target.file, Key: target.key}

	switch {
	case target.id == caller.id:
		return fail(ErrNotAvailable)
	case target.peer == caller.id:
		return match, nil
	case target.peer != "":
		return fail(ErrAlreadyPaired)
	case caller.peer != "" || caller.code != "":
		return fail(ErrNotAvailable)
	}

	caller.peer, target.peer = target.id, caller.id
	caller.state, target.state = StatePaired, StatePaired
	r.notifyLocked(caller, Event{Type: EventReady, Peer: target.id})
	r.notifyLocked(target, Event{Type: EventReady, Peer: caller.id})
	slog.Info("Sessions paired", "sender", target.id, "receiver", caller.id, "code", code)
	return match, nil
}

// Relay forwards msg from a session to its peer. to may be empty, meaning
// the current peer; any other target is dropped.
func (r *Registry) Relay(from, to string, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[from]
	if !ok {
		return opError("relay", ErrDestroyed)
	}
	if s.peer == "" {
		return opError("relay", ErrNotActive)
	}
	if to != "" && to != s.peer {
		slog.Debug("Dropping relay to non-peer", "from", from, "to", to, "kind", msg.Kind)
		return nil
	}
	peer, ok := r.sessions[s.peer]
	if !ok {
		return opError("relay", ErrNotActive)
	}
	if s.state == StatePaired {
		s.state, peer.state = StateActive, StateActive
	}
	if !r.notifyLocked(peer, Event{Type: EventMessage, Message: msg}) {
		slog.Debug("Relay dropped, peer not reachable", "from", from, "to", peer.id, "kind", msg.Kind, "index", msg.Index)
	}
	return nil
}

// Disconnect reports that ep's connection closed. A superseded endpoint is
// ignored.
func (r *Registry) Disconnect(id string, ep Endpoint, cause Cause) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.endpoint != ep {
		return
	}
	s.endpoint = nil
	if cause == CauseServerTeardown {
		r.destroyLocked(id)
		return
	}

	r.disarmLocked(s)
	gen := s.timerGen
	s.timer = time.AfterFunc(r.cfg.GracePeriod, func() { r.expire(id, gen) })
	slog.Info("Session disconnected, waiting for resume", "session", id, "grace", r.cfg.GracePeriod)
}

func (r *Registry) expire(id string, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.timer == nil || s.timerGen != gen {
		return
	}
	slog.Warn("Session timed out", "session", id)
	r.destroyLocked(id)
}

// Destroy removes a session and cascades to its peer. Idempotent.
func (r *Registry) Destroy(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destroyLocked(id)
}

func (r *Registry) destroyLocked(id string) {
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	// Removed first, so the peer's cascade back to id stops here.
	delete(r.sessions, id)
	if s.code != "" && r.codes[s.code] == id {
		delete(r.codes, s.code)
	}
	r.disarmLocked(s)
	s.state = StateDestroyed
	if s.endpoint != nil {
		s.endpoint.Notify(Event{Type: EventDestroyed})
		s.endpoint.Close()
		s.endpoint = nil
	}
	if r.onDestroy != nil {
		r.onDestroy(id)
	}
	slog.Info("Session destroyed", "session", id)

	if s.peer != "" {
		slog.Warn("Peer destroy", "session", id, "peer", s.peer)
		r.destroyLocked(s.peer)
	}
}

// disarmLocked stops a pending grace timer. Bumping the generation turns a
// callback that already fired but is waiting for the lock into a no-op.
func (r *Registry) disarmLocked(s *session) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
}

func (r *Registry) notifyLocked(s *session, ev Event) bool {
	if s.endpoint == nil {
		return false
	}
	return s.endpoint.Notify(ev)
}

// Snapshot returns a copy of session id.
func (r *Registry) Snapshot(id string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Snapshot{}, false
	}
	return s.snapshot(), true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close destroys every session and refuses new ones.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for id := range r.sessions {
		r.destroyLocked(id)
	}
}
