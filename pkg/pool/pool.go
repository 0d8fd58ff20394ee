// Package pool owns the fixed set of links used by one transfer and folds
// their individual events into pool-level signals.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rescp17/peerFileSharer/pkg/transfer"
	"github.com/rescp17/peerFileSharer/pkg/transport"
)

// Config sizes the pool.
type Config struct {
	Size          int `toml:"size" json:"size"`
	MaxRestarts   int `toml:"max_restarts" json:"max_restarts"`
	MessageBuffer int `toml:"message_buffer" json:"message_buffer"`
}

const (
	DefaultSize = 8
	MaxSize     = 32
)

// DefaultConfig returns eight channels with two ICE restarts each.
func DefaultConfig() Config {
	return Config{
		Size:          DefaultSize,
		MaxRestarts:   2,
		MessageBuffer: 256,
	}
}

// Validate checks the pool settings.
func (c *Config) Validate() error {
	if c.Size <= 0 || c.Size > MaxSize {
		return errors.New("pool size must be between 1 and 32")
	}
	if c.MaxRestarts < 0 {
		return errors.New("max_restarts cannot be negative")
	}
	if c.MessageBuffer <= 0 {
		return errors.New("message_buffer must be positive")
	}
	return nil
}

var (
	ErrPoolFailed = transfer.NewError(transfer.CategoryNegotiation, "pool: every channel failed")
	ErrBadIndex   = errors.New("pool: no channel at index")
	ErrWrongRole  = errors.New("pool: signal not valid for this role")
)

// Message is an inbound payload tagged with the slot it arrived on.
type Message struct {
	Index int
	Data  []byte
}

type slotState int

const (
	slotPending    slotState = iota // never opened
	slotOpen                        // data channel open
	slotRecovering                  // was open, now restarting
	slotFailed                      // given up
)

type slot struct {
	link     transport.Link
	state    slotState
	restarts int
}

// Pool drives negotiation for Size links. The connector side creates
// offers, the listener side answers them. Connected closes exactly once;
// Failed delivers once when every slot has failed.
type Pool struct {
	role transport.Role
	cfg  Config

	mu     sync.Mutex
	slots  []*slot
	failed int

	signals   chan Signal
	messages  chan Message
	connected chan struct{}
	failedCh  chan error
	done      chan struct{}

	connectedOnce sync.Once
	failOnce      sync.Once
	closeOnce     sync.Once
	startOnce     sync.Once
}

// New creates one link per slot on tr.
func New(tr transport.Transport, role transport.Role, cfg Config) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Pool{
		role:      role,
		cfg:       cfg,
		slots:     make([]*slot, cfg.Size),
		signals:   make(chan Signal, 4*cfg.Size),
		messages:  make(chan Message, cfg.MessageBuffer),
		connected: make(chan struct{}),
		failedCh:  make(chan error, 1),
		done:      make(chan struct{}),
	}
	for i := range p.slots {
		link, err := tr.NewLink(i, role, p.handler(i))
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("create link %d: %w", i, err)
		}
		p.mu.Lock()
		p.slots[i] = &slot{link: link}
		p.mu.Unlock()
	}
	return p, nil
}

func (p *Pool) handler(i int) transport.Handler {
	return transport.Handler{
		OnCandidate: func(c transport.Candidate) {
			p.emit(Signal{Kind: SignalCandidate, Index: i, Candidate: &c})
		},
		OnOpen:    func() { p.onOpen(i) },
		OnMessage: func(b []byte) { p.onMessage(i, b) },
		OnFailure: func(err error) { p.onFailure(i, err) },
		OnClose:   func() { p.onClose(i) },
	}
}

// Start issues the initial offers (connector). A listener waits for offers.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		if p.role != transport.RoleConnector {
			return
		}
		for i := range p.slots {
			link := p.link(i)
			desc, err := link.Offer()
			if err != nil {
				p.markFailed(i, fmt.Errorf("create offer: %w", err))
				continue
			}
			p.emit(Signal{Kind: SignalOffer, Index: i, Description: &desc})
		}
	})
}

// HandleSignal applies a negotiation message from the peer.
func (p *Pool) HandleSignal(sig Signal) error {
	if sig.Index < 0 || sig.Index >= len(p.slots) {
		return fmt.Errorf("%w %d", ErrBadIndex, sig.Index)
	}
	p.mu.Lock()
	s := p.slots[sig.Index]
	failed, link := s.state == slotFailed, s.link
	p.mu.Unlock()
	if failed {
		slog.Debug("Dropping signal for failed channel", "kind", sig.Kind, "index", sig.Index)
		return nil
	}

	switch sig.Kind {
	case SignalOffer:
		if p.role != transport.RoleListener || sig.Description == nil {
			return ErrWrongRole
		}
		answer, err := link.Answer(*sig.Description)
		if err != nil {
			return fmt.Errorf("answer offer %d: %w", sig.Index, err)
		}
		p.emit(Signal{Kind: SignalAnswer, Index: sig.Index, Description: &answer})
	case SignalAnswer:
		if p.role != transport.RoleConnector || sig.Description == nil {
			return ErrWrongRole
		}
		if err := link.Accept(*sig.Description); err != nil {
			return fmt.Errorf("accept answer %d: %w", sig.Index, err)
		}
	case SignalCandidate:
		if sig.Candidate == nil {
			return fmt.Errorf("candidate %d: empty", sig.Index)
		}
		if err := link.AddCandidate(*sig.Candidate); err != nil {
			return fmt.Errorf("add candidate %d: %w", sig.Index, err)
		}
	default:
		return fmt.Errorf("unknown signal kind %q", sig.Kind)
	}
	return nil
}

// Signals carries outbound negotiation messages for relaying to the peer.
func (p *Pool) Signals() <-chan Signal { return p.signals }

// Messages carries inbound payloads from every slot.
func (p *Pool) Messages() <-chan Message { return p.messages }

// Connected is closed once the pool is ready for transfer.
func (p *Pool) Connected() <-chan struct{} { return p.connected }

// Failed delivers ErrPoolFailed once every slot has failed.
func (p *Pool) Failed() <-chan error { return p.failedCh }

// Done is closed by Close.
func (p *Pool) Done() <-chan struct{} { return p.done }

// Size returns the configured slot count.
func (p *Pool) Size() int { return len(p.slots) }

// OpenCount returns the number of open slots.
func (p *Pool) OpenCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.slots {
		if s != nil && s.state == slotOpen {
			n++
		}
	}
	return n
}

// FailedCount returns the number of slots given up on.
func (p *Pool) FailedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failed
}

// Channels implements transfer.ChannelSource over the open slots.
func (p *Pool) Channels() []transfer.Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]transfer.Channel, 0, len(p.slots))
	for _, s := range p.slots {
		if s != nil && s.state == slotOpen {
			out = append(out, linkChannel{s.link})
		}
	}
	return out
}

// Flush waits until no open slot has buffered data.
func (p *Pool) Flush(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		pending := false
		for _, ch := range p.Channels() {
			if ch.BufferedAmount() > 0 {
				pending = true
				break
			}
		}
		if !pending {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
			return transport.ErrClosed
		case <-ticker.C:
		}
	}
}

// Close tears down every link. Idempotent.
func (p *Pool) Close() error {
	var errs []error
	p.closeOnce.Do(func() {
		close(p.done)
		p.mu.Lock()
		links := make([]transport.Link, 0, len(p.slots))
		for _, s := range p.slots {
			if s != nil {
				links = append(links, s.link)
			}
		}
		p.mu.Unlock()
		for _, l := range links {
			if err := l.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close link %d: %w", l.Index(), err))
			}
		}
	})
	return errors.Join(errs...)
}

func (p *Pool) link(i int) transport.Link {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slots[i].link
}

func (p *Pool) emit(sig Signal) {
	select {
	case p.signals <- sig:
	case <-p.done:
	}
}

func (p *Pool) onOpen(i int) {
	p.mu.Lock()
	s := p.slots[i]
	if s.state == slotFailed {
		p.mu.Unlock()
		return
	}
	s.state = slotOpen
	s.restarts = 0
	ready := p.readyLocked()
	p.mu.Unlock()

	slog.Debug("Channel open", "role", p.role, "index", i)
	if ready {
		p.markConnected()
	}
}

func (p *Pool) onMessage(i int, b []byte) {
	select {
	case p.messages <- Message{Index: i, Data: b}:
	case <-p.done:
	}
}

func (p *Pool) onFailure(i int, cause error) {
	select {
	case <-p.done:
		return
	default:
	}

	p.mu.Lock()
	s := p.slots[i]
	if s.state == slotFailed {
		p.mu.Unlock()
		return
	}
	if s.restarts >= p.cfg.MaxRestarts {
		p.mu.Unlock()
		p.markFailed(i, cause)
		return
	}
	s.restarts++
	attempt := s.restarts
	if s.state == slotOpen {
		s.state = slotRecovering
	}
	link := s.link
	p.mu.Unlock()

	if p.role != transport.RoleConnector {
		slog.Debug("Channel failed, waiting for restart offer", "index", i, "attempt", attempt, "error", cause)
		return
	}
	slog.Warn("Channel failed, restarting ICE", "index", i, "attempt", attempt, "error", cause)
	desc, err := link.Restart()
	if err != nil {
		p.markFailed(i, fmt.Errorf("ice restart: %w", err))
		return
	}
	p.emit(Signal{Kind: SignalOffer, Index: i, Description: &desc})
}

func (p *Pool) onClose(i int) {
	select {
	case <-p.done:
		return
	default:
	}
	p.markFailed(i, transport.ErrClosed)
}

// markFailed gives up on slot i and fails the pool when nothing is left.
func (p *Pool) markFailed(i int, cause error) {
	p.mu.Lock()
	s := p.slots[i]
	if s.state == slotFailed {
		p.mu.Unlock()
		return
	}
	s.state = slotFailed
	p.failed++
	all := p.failed == len(p.slots)
	ready := !all && p.readyLocked()
	link := s.link
	p.mu.Unlock()

	slog.Warn("Channel failed permanently", "role", p.role, "index", i, "error", cause)
	if err := link.Close(); err != nil {
		slog.Debug("Close failed channel", "index", i, "error", err)
	}

	if all {
		p.failOnce.Do(func() {
			p.failedCh <- fmt.Errorf("%w: last error: %v", ErrPoolFailed, cause)
		})
		p.Close()
		return
	}
	if ready {
		p.markConnected()
	}
}

// readyLocked reports whether every slot has resolved and one is open.
func (p *Pool) readyLocked() bool {
	open := 0
	for _, s := range p.slots {
		if s == nil || s.state == slotPending {
			return false
		}
		if s.state == slotOpen {
			open++
		}
	}
	return open > 0
}

func (p *Pool) markConnected() {
	p.connectedOnce.Do(func() {
		open, size := p.OpenCount(), len(p.slots)
		if open < size {
			slog.Warn("Channel pool connected with failed slots", "role", p.role, "open", open, "size", size)
		} else {
			slog.Info("Channel pool connected", "role", p.role, "open", open, "size", size)
		}
		close(p.connected)
	})
}

// linkChannel adapts a link to transfer.Channel.
type linkChannel struct {
	transport.Link
}

func (c linkChannel) IsOpen() bool {
	return c.State() == transport.StateOpen
}
