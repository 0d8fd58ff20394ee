// Package memtransport is an in-process transport.Transport used to exercise
// the pool, scheduler and apps without real network I/O.
package memtransport

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rescp17/peerFileSharer/pkg/transport"
)

var ErrUnreachable = errors.New("memtransport: peer unreachable")

// Network pairs links created by both peers of a test. Both sides must use
// the same Network.
type Network struct {
	// Delay is applied before delivering each message.
	Delay time.Duration

	mu          sync.Mutex
	nextID      int
	links       map[int]*Link
	unreachable map[int]bool
	corrupt     map[int]int
	restarts    atomic.Int64
}

// New returns an empty network.
func New() *Network {
	return &Network{
		links:       make(map[int]*Link),
		unreachable: make(map[int]bool),
		corrupt:     make(map[int]int),
	}
}

// SetUnreachable makes slot index fail every connection attempt.
func (n *Network) SetUnreachable(index int, v bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.unreachable[index] = v
}

// Break reports a connectivity failure on both ends of every open link in slot index.
func (n *Network) Break(index int) {
	n.mu.Lock()
	var hit []*Link
	for _, l := range n.links {
		if l.index == index && l.state == transport.StateOpen {
			l.state = transport.StateNegotiating
			hit = append(hit, l)
		}
	}
	n.mu.Unlock()
	for _, l := range hit {
		l.fire(func(h transport.Handler) {
			if h.OnFailure != nil {
				h.OnFailure(ErrUnreachable)
			}
		})
	}
}

// Corrupt flips a byte in one message the connector sends on slot index,
// letting the first after messages through untouched.
func (n *Network) Corrupt(index, after int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.corrupt[index] = after
}

// OpenLinks counts links that have not been closed.
func (n *Network) OpenLinks() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	open := 0
	for _, l := range n.links {
		if l.state != transport.StateClosed {
			open++
		}
	}
	return open
}

// Restarts counts ICE-restart offers issued on this network.
func (n *Network) Restarts() int {
	return int(n.restarts.Load())
}

// NewLink implements transport.Transport.
func (n *Network) NewLink(index int, role transport.Role, h transport.Handler) (transport.Link, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	l := &Link{
		net:   n,
		id:    n.nextID,
		index: index,
		role:  role,
		h:     h,
		queue: make(chan []byte, 4096),
		done:  make(chan struct{}),
	}
	n.links[l.id] = l
	go l.deliver()
	return l, nil
}

// Link is one in-memory slot.
type Link struct {
	net   *Network
	id    int
	index int
	role  transport.Role
	h     transport.Handler

	// guarded by net.mu
	state transport.State
	peer  *Link

	buffered   atomic.Int64
	candidates atomic.Int64
	queue      chan []byte
	done       chan struct{}
	closeOnce  sync.Once
}

func (l *Link) Index() int { return l.index }

// CandidatesAdded reports how many remote candidates were applied.
func (l *Link) CandidatesAdded() int { return int(l.candidates.Load()) }

func (l *Link) Offer() (transport.Description, error) {
	if l.role != transport.RoleConnector {
		return transport.Description{}, transport.ErrWrongRole
	}
	l.emitCandidate()
	return transport.Description{Type: "offer", SDP: fmt.Sprintf("mem %d", l.id)}, nil
}

func (l *Link) Restart() (transport.Description, error) {
	if l.role != transport.RoleConnector {
		return transport.Description{}, transport.ErrWrongRole
	}
	l.net.restarts.Add(1)
	l.net.mu.Lock()
	if l.state != transport.StateClosed {
		l.state = transport.StateNegotiating
	}
	l.net.mu.Unlock()
	return transport.Description{Type: "offer", SDP: fmt.Sprintf("mem %d", l.id)}, nil
}

func (l *Link) Answer(offer transport.Description) (transport.Description, error) {
	if l.role != transport.RoleListener {
		return transport.Description{}, transport.ErrWrongRole
	}
	var id int
	if _, err := fmt.Sscanf(offer.SDP, "mem %d", &id); err != nil || offer.Type != "offer" {
		return transport.Description{}, fmt.Errorf("memtransport: bad offer %q", offer.SDP)
	}

	l.net.mu.Lock()
	remote, ok := l.net.links[id]
	if l.state == transport.StateClosed || (ok && remote.state == transport.StateClosed) {
		l.net.mu.Unlock()
		return transport.Description{}, transport.ErrClosed
	}
	if ok {
		l.peer = remote
		remote.peer = l
	}
	l.net.mu.Unlock()
	if !ok {
		return transport.Description{}, fmt.Errorf("memtransport: unknown offer %d", id)
	}
	l.emitCandidate()
	return transport.Description{Type: "answer", SDP: fmt.Sprintf("mem %d", l.id)}, nil
}

func (l *Link) Accept(answer transport.Description) error {
	if l.role != transport.RoleConnector {
		return transport.ErrWrongRole
	}
	var id int
	if _, err := fmt.Sscanf(answer.SDP, "mem %d", &id); err != nil || answer.Type != "answer" {
		return fmt.Errorf("memtransport: bad answer %q", answer.SDP)
	}

	l.net.mu.Lock()
	remote := l.net.links[id]
	if remote == nil || remote.peer != l {
		l.net.mu.Unlock()
		return fmt.Errorf("memtransport: answer %d does not match this link", id)
	}
	if l.state == transport.StateClosed || remote.state == transport.StateClosed {
		l.net.mu.Unlock()
		return transport.ErrClosed
	}
	unreachable := l.net.unreachable[l.index]
	if !unreachable {
		l.state = transport.StateOpen
		remote.state = transport.StateOpen
	}
	l.net.mu.Unlock()

	for _, side := range []*Link{l, remote} {
		if unreachable {
			side.fire(func(h transport.Handler) {
				if h.OnFailure != nil {
					h.OnFailure(ErrUnreachable)
				}
			})
			continue
		}
		side.fire(func(h transport.Handler) {
			if h.OnOpen != nil {
				h.OnOpen()
			}
		})
	}
	return nil
}

func (l *Link) AddCandidate(transport.Candidate) error {
	l.candidates.Add(1)
	return nil
}

func (l *Link) Send(b []byte) error {
	if l.State() != transport.StateOpen {
		return transport.ErrNotOpen
	}
	msg := append([]byte(nil), b...)
	if l.role == transport.RoleConnector {
		l.tamper(msg)
	}
	l.buffered.Add(int64(len(msg)))
	select {
	case l.queue <- msg:
		return nil
	default:
		l.buffered.Add(-int64(len(msg)))
		return errors.New("memtransport: send queue full")
	}
}

func (l *Link) tamper(msg []byte) {
	l.net.mu.Lock()
	defer l.net.mu.Unlock()
	left, ok := l.net.corrupt[l.index]
	if !ok || len(msg) == 0 {
		return
	}
	if left > 0 {
		l.net.corrupt[l.index] = left - 1
		return
	}
	delete(l.net.corrupt, l.index)
	msg[len(msg)/2] ^= 0xff
}

func (l *Link) BufferedAmount() uint64 {
	return uint64(l.buffered.Load())
}

func (l *Link) State() transport.State {
	l.net.mu.Lock()
	defer l.net.mu.Unlock()
	return l.state
}

func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.net.mu.Lock()
		l.state = transport.StateClosed
		peer := l.peer
		peerWasOpen := false
		if peer != nil && peer.state != transport.StateClosed {
			peer.state = transport.StateClosed
			peerWasOpen = true
		}
		l.net.mu.Unlock()
		close(l.done)

		if peerWasOpen {
			peer.fire(func(h transport.Handler) {
				if h.OnClose != nil {
					h.OnClose()
				}
			})
		}
	})
	return nil
}

func (l *Link) deliver() {
	for {
		select {
		case <-l.done:
			return
		case msg := <-l.queue:
			if l.net.Delay > 0 {
				time.Sleep(l.net.Delay)
			}
			l.net.mu.Lock()
			peer := l.peer
			l.net.mu.Unlock()
			if peer != nil && peer.h.OnMessage != nil {
				peer.h.OnMessage(msg)
			}
			l.buffered.Add(-int64(len(msg)))
		}
	}
}

func (l *Link) emitCandidate() {
	mid := "0"
	c := transport.Candidate{Candidate: fmt.Sprintf("candidate:mem %d", l.id), SDPMid: &mid}
	l.fire(func(h transport.Handler) {
		if h.OnCandidate != nil {
			h.OnCandidate(c)
		}
	})
}

// fire runs a callback off the caller's goroutine, the way a real transport would.
func (l *Link) fire(fn func(transport.Handler)) {
	go fn(l.h)
}
