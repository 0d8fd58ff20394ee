package transfer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Channel is the view of one transport channel the scheduler needs.
type Channel interface {
	Index() int
	IsOpen() bool
	BufferedAmount() uint64
	Send([]byte) error
}

// ChannelSource yields the channels currently available for dispatch.
type ChannelSource interface {
	Channels() []Channel
}

// SchedulerStats is a point-in-time counter snapshot.
type SchedulerStats struct {
	Dispatched  uint64
	Bytes       uint64
	BusyRetries uint64
	SendErrors  uint64
	PerChannel  map[int]uint64
}

// Scheduler hands queued blocks to the least loaded eligible channel.
// A channel is eligible when it is open and accepting the block keeps its
// buffered amount at or below the ceiling. When nothing is eligible the
// scheduler reports busy and polls again after BusyRetry.
type Scheduler struct {
	cfg      TransferConfig
	source   ChannelSource
	throttle *Throttle

	mu     sync.Mutex
	queue  [][]byte
	scores map[int]float64
	stats  SchedulerStats

	busy     atomic.Bool
	wake     chan struct{}
	sendable chan struct{}
	busyCh   chan struct{}
	lastSend time.Time
}

// NewScheduler creates a scheduler dispatching onto source.
func NewScheduler(source ChannelSource, cfg TransferConfig) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		source:   source,
		throttle: NewThrottle(cfg.Throttle),
		scores:   make(map[int]float64),
		stats:    SchedulerStats{PerChannel: make(map[int]uint64)},
		wake:     make(chan struct{}, 1),
		sendable: make(chan struct{}, 1),
		busyCh:   make(chan struct{}, 1),
	}
}

// Enqueue appends a block for dispatch.
func (s *Scheduler) Enqueue(block []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, block)
	s.mu.Unlock()
	notify(s.wake)
}

// Pending returns the number of queued blocks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Busy reports whether the last dispatch attempt found no eligible channel.
func (s *Scheduler) Busy() bool {
	return s.busy.Load()
}

// Sendable fires after a block has been handed to a channel.
func (s *Scheduler) Sendable() <-chan struct{} {
	return s.sendable
}

// BusySignal fires when a dispatch attempt finds every channel saturated.
func (s *Scheduler) BusySignal() <-chan struct{} {
	return s.busyCh
}

// Stats returns a copy of the dispatch counters.
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stats
	out.PerChannel = make(map[int]uint64, len(s.stats.PerChannel))
	for k, v := range s.stats.PerChannel {
		out.PerChannel[k] = v
	}
	return out
}

// Run dispatches until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		block := s.peek()
		if block == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.wake:
			}
			continue
		}

		ch := s.pick(len(block))
		if ch == nil {
			s.markBusy()
			if err := sleep(ctx, s.cfg.BusyRetry); err != nil {
				return err
			}
			continue
		}

		if err := ch.Send(block); err != nil {
			s.mu.Lock()
			s.stats.SendErrors++
			s.mu.Unlock()
			slog.Debug("Channel rejected block, retrying", "index", ch.Index(), "error", err)
			if err := sleep(ctx, s.cfg.BusyRetry); err != nil {
				return err
			}
			continue
		}

		now := time.Now()
		var elapsed time.Duration
		if !s.lastSend.IsZero() {
			elapsed = now.Sub(s.lastSend)
		}
		s.lastSend = now

		s.commit(ch.Index(), len(block))
		s.busy.Store(false)
		notify(s.sendable)

		if delay := s.throttle.Observe(len(block), elapsed); delay > 0 {
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		}
	}
}

// WaitIdle blocks until the queue is empty.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	for s.Pending() > 0 {
		if err := sleep(ctx, s.cfg.BusyRetry); err != nil {
			return err
		}
	}
	return nil
}

// WaitSendable blocks the producer while the scheduler is busy or its
// queue has reached the configured window.
func (s *Scheduler) WaitSendable(ctx context.Context) error {
	for s.Busy() || s.Pending() >= s.cfg.QueueWindow {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.sendable:
		case <-time.After(s.cfg.BusyRetry):
		}
	}
	return nil
}

func (s *Scheduler) peek() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	return s.queue[0]
}

func (s *Scheduler) commit(index, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue[0] = nil
	s.queue = s.queue[1:]
	s.stats.Dispatched++
	s.stats.Bytes += uint64(size)
	s.stats.PerChannel[index]++
	if s.cfg.Strategy == StrategyDecayedUsage {
		for k := range s.scores {
			s.scores[k] *= s.cfg.DecayFactor
		}
		s.scores[index] += float64(size)
	}
}

func (s *Scheduler) markBusy() {
	s.busy.Store(true)
	s.mu.Lock()
	s.stats.BusyRetries++
	s.mu.Unlock()
	notify(s.busyCh)
}

// pick returns the eligible channel with the lowest load, ties broken by index.
func (s *Scheduler) pick(size int) Channel {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		best      Channel
		bestScore float64
	)
	for _, ch := range s.source.Channels() {
		if !ch.IsOpen() {
			continue
		}
		buffered := ch.BufferedAmount()
		if buffered+uint64(size) > s.cfg.BufferCeiling {
			continue
		}
		score := float64(buffered)
		if s.cfg.Strategy == StrategyDecayedUsage {
			score = s.scores[ch.Index()]
		}
		if best == nil || score < bestScore || (score == bestScore && ch.Index() < best.Index()) {
			best, bestScore = ch, score
		}
	}
	return best
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
