package transfer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// UnknownETA is reported while no positive rate has been observed.
const UnknownETA time.Duration = -1

// Report is one progress sample.
type Report struct {
	Received int64
	Total    int64
	Rate     float64 // bytes per second, smoothed
	ETA      time.Duration
	Done     bool
}

// Percent returns completion in [0, 100].
func (r Report) Percent() float64 {
	if r.Total <= 0 {
		return 100
	}
	return float64(r.Received) / float64(r.Total) * 100
}

// Progress turns a monotonically increasing byte counter into periodic
// rate and ETA reports. It stops ticking once the counter reaches total.
type Progress struct {
	cfg   ProgressConfig
	total int64

	received atomic.Int64
	reports  chan Report

	startOnce sync.Once
	stopOnce  sync.Once
	doneOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
	exited    chan struct{}

	// owned by the tick goroutine
	rate         float64
	lastReceived int64
	lastTick     time.Time
}

// NewProgress creates an estimator for a transfer of total bytes.
func NewProgress(total int64, cfg ProgressConfig) *Progress {
	p := &Progress{
		cfg:     cfg,
		total:   total,
		reports: make(chan Report, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	if total <= 0 {
		p.finish()
	}
	return p
}

// Start begins ticking. Later calls are ignored.
func (p *Progress) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.lastTick = time.Now()
		go p.loop(ctx)
	})
}

// Set raises the counter to n. Lower values are ignored.
func (p *Progress) Set(n int64) {
	for {
		cur := p.received.Load()
		if n <= cur {
			return
		}
		if p.received.CompareAndSwap(cur, n) {
			break
		}
	}
	if n >= p.total {
		p.finish()
	}
}

// Add advances the counter by n.
func (p *Progress) Add(n int64) {
	if n <= 0 {
		return
	}
	if p.received.Add(n) >= p.total {
		p.finish()
	}
}

// Received returns the current counter.
func (p *Progress) Received() int64 {
	return p.received.Load()
}

// Total returns the advertised size.
func (p *Progress) Total() int64 {
	return p.total
}

// Reports delivers the latest sample; stale samples are replaced.
func (p *Progress) Reports() <-chan Report {
	return p.reports
}

// Done is closed once the counter reaches total.
func (p *Progress) Done() <-chan struct{} {
	return p.done
}

// Stop halts ticking and waits for the tick goroutine if it was started. Idempotent.
func (p *Progress) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	started := true
	p.startOnce.Do(func() { started = false })
	if started {
		<-p.exited
	}
}

func (p *Progress) finish() {
	p.doneOnce.Do(func() { close(p.done) })
}

func (p *Progress) loop(ctx context.Context) {
	defer close(p.exited)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-p.done:
			p.publish(p.sample(time.Now()))
			return
		case now := <-ticker.C:
			p.publish(p.sample(now))
		}
	}
}

func (p *Progress) sample(now time.Time) Report {
	received := p.received.Load()
	if elapsed := now.Sub(p.lastTick).Seconds(); elapsed > 0 {
		instant := float64(received-p.lastReceived) / elapsed
		p.rate = p.cfg.Smoothing*p.rate + (1-p.cfg.Smoothing)*instant
	}
	p.lastTick = now
	p.lastReceived = received

	r := Report{
		Received: received,
		Total:    p.total,
		Rate:     p.rate,
		ETA:      UnknownETA,
		Done:     received >= p.total,
	}
	switch {
	case r.Done:
		r.ETA = 0
	case p.rate > 0:
		r.ETA = time.Duration(float64(p.total-received) / p.rate * float64(time.Second))
	}
	return r
}

func (p *Progress) publish(r Report) {
	select {
	case p.reports <- r:
		return
	default:
	}
	select {
	case <-p.reports:
	default:
	}
	select {
	case p.reports <- r:
	default:
	}
}
