package transfer

import "time"

// Throttle tracks a moving average of the send rate and suggests a pause
// between hand-offs proportional to that rate over the target. It sits above
// the per-channel buffer ceiling and never replaces it.
type Throttle struct {
	cfg  ThrottleConfig
	rate float64 // bytes per second
}

// NewThrottle returns nil when the throttle is disabled; a nil Throttle never delays.
func NewThrottle(cfg ThrottleConfig) *Throttle {
	if !cfg.Enabled {
		return nil
	}
	return &Throttle{cfg: cfg}
}

// Observe records n bytes handed off elapsed after the previous hand-off and
// returns the delay to apply before the next one.
func (t *Throttle) Observe(n int, elapsed time.Duration) time.Duration {
	if t == nil {
		return 0
	}
	if elapsed > 0 {
		instant := float64(n) / elapsed.Seconds()
		t.rate = t.cfg.Smoothing*t.rate + (1-t.cfg.Smoothing)*instant
	}
	delay := time.Duration(float64(t.cfg.BaseDelay) * t.rate / t.cfg.TargetRate)
	if delay > t.cfg.MaxDelay {
		delay = t.cfg.MaxDelay
	}
	return delay
}

// Rate returns the smoothed rate in bytes per second.
func (t *Throttle) Rate() float64 {
	if t == nil {
		return 0
	}
	return t.rate
}
