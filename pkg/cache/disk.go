package cache

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"filippo.io/age"
)

// DiskStore writes each fragment to its own file, encrypted with age to an
// X25519 identity that only lives in memory. Fragments left behind by a
// crashed process cannot be read back.
type DiskStore struct {
	dir       string
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// NewDiskStore creates a scratch directory under parent.
func NewDiskStore(parent string) (*DiskStore, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating key pair: %w", err)
	}
	dir, err := os.MkdirTemp(parent, "peerfilesharer-fragments-*")
	if err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &DiskStore{
		dir:       dir,
		identity:  identity,
		recipient: identity.Recipient(),
	}, nil
}

// Dir returns the scratch directory.
func (d *DiskStore) Dir() string { return d.dir }

func (d *DiskStore) path(seq uint64) string {
	return filepath.Join(d.dir, fmt.Sprintf("%016x.age", seq))
}

func (d *DiskStore) Put(seq uint64, data []byte) error {
	tmp, err := os.CreateTemp(d.dir, "put-*")
	if err != nil {
		return fmt.Errorf("create fragment file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w, err := age.Encrypt(tmp, d.recipient)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("encrypting fragment %d: %w", seq, err)
	}
	if err := w.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("finalizing fragment %d: %w", seq, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close fragment file: %w", err)
	}
	if err := os.Rename(tmp.Name(), d.path(seq)); err != nil {
		return fmt.Errorf("store fragment %d: %w", seq, err)
	}
	return nil
}

func (d *DiskStore) Get(seq uint64) ([]byte, error) {
	f, err := os.Open(d.path(seq))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open fragment %d: %w", seq, err)
	}
	defer f.Close()

	r, err := age.Decrypt(f, d.identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting fragment %d: %w", seq, err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading fragment %d: %w", seq, err)
	}
	return data, nil
}

func (d *DiskStore) Clear() error {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return fmt.Errorf("list fragments: %w", err)
	}
	var errs []error
	for _, e := range entries {
		if err := os.Remove(filepath.Join(d.dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close removes the scratch directory.
func (d *DiskStore) Close() error {
	return os.RemoveAll(d.dir)
}
