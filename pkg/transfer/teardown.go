package transfer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Teardown collects cleanup steps for one transfer and runs them once, in
// the order they were added.
type Teardown struct {
	mu    sync.Mutex
	once  sync.Once
	done  bool
	steps []teardownStep
	ran   []string
	err   error
}

type teardownStep struct {
	name string
	fn   func() error
}

// Add registers a step. A step added after Run executes immediately.
func (t *Teardown) Add(name string, fn func() error) {
	t.mu.Lock()
	if !t.done {
		t.steps = append(t.steps, teardownStep{name: name, fn: fn})
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	if err := fn(); err != nil {
		slog.Warn("Teardown step failed", "step", name, "error", err)
	}
}

// Run executes every step and joins their errors. Later calls return the first result.
func (t *Teardown) Run() error {
	t.once.Do(func() {
		t.mu.Lock()
		steps := t.steps
		t.steps = nil
		t.done = true
		t.mu.Unlock()

		var (
			errs []error
			ran  []string
		)
		for _, s := range steps {
			if err := s.fn(); err != nil {
				slog.Warn("Teardown step failed", "step", s.name, "error", err)
				errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
				continue
			}
			ran = append(ran, s.name)
		}
		t.mu.Lock()
		t.ran = ran
		t.err = errors.Join(errs...)
		t.mu.Unlock()
	})
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Ran lists the steps that completed without error, in order.
func (t *Teardown) Ran() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.ran...)
}
