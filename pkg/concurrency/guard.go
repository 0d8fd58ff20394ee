package concurrency

import (
	"errors"
	"sync"
)

var ErrBusy = errors.New("System is busy!")

// ConcurrencyGuard admits at most capacity tasks at a time and rejects the
// rest with ErrBusy instead of queueing them.
type ConcurrencyGuard struct {
	mu       sync.Mutex
	capacity int
	active   int
}

// NewConcurrencyGuard returns a guard for capacity concurrent tasks. A
// capacity below one admits a single task.
func NewConcurrencyGuard(capacity int) *ConcurrencyGuard {
	if capacity < 1 {
		capacity = 1
	}
	return &ConcurrencyGuard{capacity: capacity}
}

// Acquire takes a slot. The returned release is safe to call more than once.
func (g *ConcurrencyGuard) Acquire() (release func(), err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active >= g.capacity {
		return nil, ErrBusy
	}
	g.active++
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.active--
			g.mu.Unlock()
		})
	}, nil
}

// Execute runs task in a slot, or returns ErrBusy without running it.
func (g *ConcurrencyGuard) Execute(task func() error) error {
	release, err := g.Acquire()
	if err != nil {
		return err
	}
	defer release()
	return task()
}

// Active returns the number of slots in use.
func (g *ConcurrencyGuard) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Capacity returns the configured limit.
func (g *ConcurrencyGuard) Capacity() int { return g.capacity }
