// Package cache keeps received fragments keyed by sequence number until the
// whole file has arrived, then writes it out in order.
package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rescp17/peerFileSharer/pkg/transfer"
)

var (
	ErrNotFound = errors.New("cache: fragment not found")

	ErrGap        = transfer.NewError(transfer.CategoryData, "cache: missing fragment")
	ErrOverflow   = transfer.NewError(transfer.CategoryData, "cache: more bytes than advertised")
	ErrIncomplete = transfer.NewError(transfer.CategoryData, "cache: transfer incomplete")
	ErrStore      = transfer.NewError(transfer.CategoryResource, "cache: store failure")
)

// Store is a keyed fragment store. Put overwrites an existing entry.
type Store interface {
	Put(seq uint64, data []byte) error
	Get(seq uint64) ([]byte, error)
	Clear() error
	Close() error
}

// StoreKind selects a Store implementation.
type StoreKind string

const (
	StoreMemory StoreKind = "memory"
	StoreSQLite StoreKind = "sqlite"
	StoreDisk   StoreKind = "disk"
)

// StoreConfig picks where fragments live while a transfer is running.
type StoreConfig struct {
	Kind StoreKind `toml:"kind" json:"kind"`
	// Dir is the parent of the scratch directory. Empty means os.TempDir.
	Dir string `toml:"dir" json:"dir"`
}

func DefaultStoreConfig() StoreConfig {
	return StoreConfig{Kind: StoreMemory}
}

func (c *StoreConfig) Validate() error {
	switch c.Kind {
	case StoreMemory, StoreSQLite, StoreDisk:
		return nil
	default:
		return errors.New("store kind must be memory, sqlite or disk")
	}
}

// OpenStore creates a fresh, empty store for one transfer.
func OpenStore(cfg StoreConfig) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case StoreSQLite:
		dir, err := os.MkdirTemp(cfg.Dir, "peerfilesharer-sqlite-*")
		if err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
		s, err := NewSQLiteStore(filepath.Join(dir, "fragments.db"))
		if err != nil {
			os.RemoveAll(dir)
			return nil, err
		}
		s.removeDir = dir
		return s, nil
	case StoreDisk:
		return NewDiskStore(cfg.Dir)
	default:
		return NewMemoryStore(), nil
	}
}
