package transfer

import (
	"compress/flate"
	"errors"
	"time"
)

// TransferConfig holds the data-plane tunables shared by sender and receiver.
type TransferConfig struct {
	// Fragment configuration
	FragmentSize     int    `toml:"fragment_size" json:"fragment_size"`
	Cipher           string `toml:"cipher" json:"cipher"`
	Compress         bool   `toml:"compress" json:"compress"`
	CompressionLevel int    `toml:"compression_level" json:"compression_level"`

	// Scheduler
	BufferCeiling uint64        `toml:"buffer_ceiling" json:"buffer_ceiling"`
	BusyRetry     time.Duration `toml:"busy_retry" json:"busy_retry"`
	Strategy      string        `toml:"strategy" json:"strategy"`
	DecayFactor   float64       `toml:"decay_factor" json:"decay_factor"`
	QueueWindow   int           `toml:"queue_window" json:"queue_window"`

	Throttle ThrottleConfig `toml:"throttle" json:"throttle"`
	Progress ProgressConfig `toml:"progress" json:"progress"`
}

// ThrottleConfig configures the advisory send-rate throttle.
type ThrottleConfig struct {
	Enabled    bool          `toml:"enabled" json:"enabled"`
	BaseDelay  time.Duration `toml:"base_delay" json:"base_delay"`
	MaxDelay   time.Duration `toml:"max_delay" json:"max_delay"`
	TargetRate float64       `toml:"target_rate" json:"target_rate"` // bytes per second
	Smoothing  float64       `toml:"smoothing" json:"smoothing"`
}

// ProgressConfig configures the throughput estimator.
type ProgressConfig struct {
	Interval  time.Duration `toml:"interval" json:"interval"`
	Smoothing float64       `toml:"smoothing" json:"smoothing"`
}

// Selection strategies.
const (
	StrategyLeastBuffered = "least-buffered"
	StrategyDecayedUsage  = "decayed-usage"
)

const (
	DefaultFragmentSize = 15 * 1024 // fits one SCTP message with header, nonce and tag
	MaxFragmentSize     = 60 * 1024
	MinFragmentSize     = 1024

	DefaultBufferCeiling = 4 * 1024 * 1024
	MinBufferCeiling     = 64 * 1024
	MaxBufferCeiling     = 64 * 1024 * 1024
)

// DefaultTransferConfig returns a configuration with sensible defaults
func DefaultTransferConfig() TransferConfig {
	return TransferConfig{
		FragmentSize:     DefaultFragmentSize,
		Cipher:           "aes-256-gcm",
		Compress:         true,
		CompressionLevel: flate.BestSpeed,

		BufferCeiling: DefaultBufferCeiling,
		BusyRetry:     100 * time.Millisecond,
		Strategy:      StrategyLeastBuffered,
		DecayFactor:   0.9,
		QueueWindow:   64,

		Throttle: ThrottleConfig{
			Enabled:    false,
			BaseDelay:  100 * time.Millisecond,
			MaxDelay:   time.Second,
			TargetRate: 2 * 1024 * 1024,
			Smoothing:  0.9,
		},
		Progress: DefaultProgressConfig(),
	}
}

// DefaultProgressConfig ticks twice a second with a 0.9/0.1 moving average.
func DefaultProgressConfig() ProgressConfig {
	return ProgressConfig{
		Interval:  500 * time.Millisecond,
		Smoothing: 0.9,
	}
}

// Validate checks if the configuration values are valid
func (tc *TransferConfig) Validate() error {
	if tc.FragmentSize < MinFragmentSize {
		return errors.New("fragment_size cannot be less than 1 KiB")
	}
	if tc.FragmentSize > MaxFragmentSize {
		return errors.New("fragment_size cannot be greater than 60 KiB")
	}
	if tc.Compress && (tc.CompressionLevel < flate.HuffmanOnly || tc.CompressionLevel > flate.BestCompression) {
		return errors.New("compression_level must be between -2 and 9")
	}

	if tc.BufferCeiling < MinBufferCeiling || tc.BufferCeiling > MaxBufferCeiling {
		return errors.New("buffer_ceiling must be between 64 KiB and 64 MiB")
	}
	if tc.BufferCeiling < uint64(tc.FragmentSize)*2 {
		return errors.New("buffer_ceiling must hold at least two fragments")
	}
	if tc.BusyRetry <= 0 {
		return errors.New("busy_retry must be positive")
	}
	switch tc.Strategy {
	case StrategyLeastBuffered:
	case StrategyDecayedUsage:
		if tc.DecayFactor <= 0 || tc.DecayFactor >= 1 {
			return errors.New("decay_factor must be between 0 and 1")
		}
	default:
		return errors.New("strategy must be least-buffered or decayed-usage")
	}
	if tc.QueueWindow <= 0 {
		return errors.New("queue_window must be positive")
	}

	if tc.Throttle.Enabled {
		if tc.Throttle.TargetRate <= 0 {
			return errors.New("throttle.target_rate must be positive")
		}
		if tc.Throttle.MaxDelay < tc.Throttle.BaseDelay {
			return errors.New("throttle.max_delay cannot be less than throttle.base_delay")
		}
		if tc.Throttle.Smoothing < 0 || tc.Throttle.Smoothing >= 1 {
			return errors.New("throttle.smoothing must be in [0, 1)")
		}
	}
	return tc.Progress.Validate()
}

// Validate checks the estimator settings.
func (pc *ProgressConfig) Validate() error {
	if pc.Interval <= 0 {
		return errors.New("progress.interval must be positive")
	}
	if pc.Smoothing < 0 || pc.Smoothing >= 1 {
		return errors.New("progress.smoothing must be in [0, 1)")
	}
	return nil
}
