package session

import (
	"errors"
	"time"
)

// Config holds the registry tunables.
type Config struct {
	CodeLength  int           `toml:"code_length" json:"code_length"`
	GracePeriod time.Duration `toml:"grace_period" json:"grace_period"`
	// MaxRequestAttempts caps failed requests per session. Zero is unlimited.
	MaxRequestAttempts int `toml:"max_request_attempts" json:"max_request_attempts"`
}

const (
	DefaultCodeLength  = 8
	DefaultGracePeriod = 10 * time.Second

	MinCodeLength  = 4
	MaxCodeLength  = 32
	MinGracePeriod = time.Second
	MaxGracePeriod = 5 * time.Minute
)

// DefaultConfig returns 8-symbol codes and a 10s grace period.
func DefaultConfig() Config {
	return Config{
		CodeLength:  DefaultCodeLength,
		GracePeriod: DefaultGracePeriod,
	}
}

func (c *Config) Validate() error {
	if c.CodeLength < MinCodeLength || c.CodeLength > MaxCodeLength {
		return errors.New("code_length must be between 4 and 32")
	}
	if c.GracePeriod < MinGracePeriod || c.GracePeriod > MaxGracePeriod {
		return errors.New("grace_period must be between 1s and 5m")
	}
	if c.MaxRequestAttempts < 0 {
		return errors.New("max_request_attempts cannot be negative")
	}
	return nil
}
