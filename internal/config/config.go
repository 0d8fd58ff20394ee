// Package config loads the TOML configuration shared by every command.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/rescp17/peerFileSharer/api"
	"github.com/rescp17/peerFileSharer/internal/logging"
	"github.com/rescp17/peerFileSharer/pkg/cache"
	"github.com/rescp17/peerFileSharer/pkg/pool"
	"github.com/rescp17/peerFileSharer/pkg/transfer"
	"github.com/rescp17/peerFileSharer/pkg/webrtc"
)

const FileName = "config.toml"

// Config is the whole configuration file.
type Config struct {
	// ServerURL is the signaling server peers dial. Empty means discover it
	// over mDNS.
	ServerURL string `toml:"server_url"`
	// Checksum hashes the file before sending so the receiver can verify it.
	Checksum bool `toml:"checksum"`

	Server   api.ServerConfig        `toml:"server"`
	Client   api.ClientConfig        `toml:"client"`
	Transfer transfer.TransferConfig `toml:"transfer"`
	Pool     pool.Config             `toml:"pool"`
	WebRTC   webrtc.Config           `toml:"webrtc"`
	Store    cache.StoreConfig       `toml:"store"`
	Log      logging.Config          `toml:"log"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Checksum: true,
		Server:   api.DefaultServerConfig(),
		Client:   api.DefaultClientConfig(),
		Transfer: transfer.DefaultTransferConfig(),
		Pool:     pool.DefaultConfig(),
		WebRTC:   webrtc.DefaultConfig(),
		Store:    cache.DefaultStoreConfig(),
		Log:      logging.DefaultConfig(),
	}
}

// Validate returns the first invalid setting.
func (c *Config) Validate() error {
	validators := []struct {
		section string
		fn      func() error
	}{
		{"server", c.Server.Validate},
		{"client", c.Client.Validate},
		{"transfer", c.Transfer.Validate},
		{"pool", c.Pool.Validate},
		{"webrtc", c.WebRTC.Validate},
		{"store", c.Store.Validate},
		{"log", c.Log.Validate},
	}
	for _, v := range validators {
		if err := v.fn(); err != nil {
			return fmt.Errorf("%s: %w", v.section, err)
		}
	}
	return nil
}

// DefaultPath is config.toml under the user's config directory.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locating config directory: %w", err)
	}
	return filepath.Join(dir, "peerfilesharer", FileName), nil
}

// Read decodes r over the defaults, so omitted keys keep their default.
func Read(r io.Reader) (Config, error) {
	cfg := Default()
	md, err := toml.NewDecoder(r).Decode(&cfg)
	if err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}
	return cfg, nil
}

// Load reads path. A missing file yields the defaults.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	cfg, err := Read(f)
	if err != nil {
		return Config{}, fmt.Errorf("reading config from %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Write encodes cfg to path, creating its directory. An existing file is
// left untouched.
func Write(path string, cfg Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}
