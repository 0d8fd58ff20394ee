package cache

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
)

// DefaultName is used when the advertised name is unusable.
const DefaultName = "download"

// Reassembler tracks received fragments of one file. Completion is
// size-based: the file is done when the stored byte count equals the
// advertised size.
type Reassembler struct {
	store Store
	size  int64

	mu      sync.Mutex
	lengths map[uint64]int
	stored  int64

	done     chan struct{}
	doneOnce sync.Once
}

func NewReassembler(store Store, size int64) *Reassembler {
	r := &Reassembler{
		store:   store,
		size:    size,
		lengths: make(map[uint64]int),
		done:    make(chan struct{}),
	}
	if size == 0 {
		r.doneOnce.Do(func() { close(r.done) })
	}
	return r
}

// Put stores a fragment. Storing a sequence again replaces it and its
// length in the byte count.
func (r *Reassembler) Put(seq uint64, raw []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.lengths[seq]
	next := r.stored - int64(prev) + int64(len(raw))
	if next > r.size {
		return fmt.Errorf("%w: fragment %d brings %d of %d bytes", ErrOverflow, seq, next, r.size)
	}
	if err := r.store.Put(seq, raw); err != nil {
		return fmt.Errorf("%w: put fragment %d: %w", ErrStore, seq, err)
	}
	r.lengths[seq] = len(raw)
	r.stored = next

	if r.stored == r.size {
		r.doneOnce.Do(func() { close(r.done) })
	}
	return nil
}

// TotalBytesStored returns the sum of stored fragment lengths.
func (r *Reassembler) TotalBytesStored() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stored
}

// Count returns the number of distinct fragments stored.
func (r *Reassembler) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lengths)
}

// Size returns the advertised file size.
func (r *Reassembler) Size() int64 { return r.size }

// Done is closed once every byte has been stored.
func (r *Reassembler) Done() <-chan struct{} { return r.done }

// Materialize writes fragments 0..N to w in order. It refuses to write
// anything unless the set is complete and gapless.
func (r *Reassembler) Materialize(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stored != r.size {
		return fmt.Errorf("%w: %d of %d bytes", ErrIncomplete, r.stored, r.size)
	}
	n := uint64(len(r.lengths))
	for seq := uint64(0); seq < n; seq++ {
		if _, ok := r.lengths[seq]; !ok {
			return fmt.Errorf("%w: sequence %d", ErrGap, seq)
		}
	}

	for seq := uint64(0); seq < n; seq++ {
		data, err := r.store.Get(seq)
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: sequence %d", ErrGap, seq)
		}
		if err != nil {
			return fmt.Errorf("%w: get fragment %d: %w", ErrStore, seq, err)
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("write fragment %d: %w", seq, err)
		}
	}
	return nil
}

// MaterializeFile writes the file into dir under a sanitized name and
// returns its path. The file appears atomically; an existing file with the
// same name is never overwritten.
func (r *Reassembler) MaterializeFile(dir, name, mime string) (string, error) {
	tmp, err := os.CreateTemp(dir, ".peerfilesharer-*.part")
	if err != nil {
		return "", fmt.Errorf("create output file: %w", err)
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}

	if err := r.Materialize(tmp); err != nil {
		cleanup()
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return "", fmt.Errorf("sync output file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close output file: %w", err)
	}

	target, err := availablePath(dir, SafeName(name, mime))
	if err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("move output file: %w", err)
	}
	slog.Info("File materialized", "path", target, "size", r.size)
	return target, nil
}

// Clear drops every stored fragment and resets the accounting.
func (r *Reassembler) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lengths = make(map[uint64]int)
	r.stored = 0
	if err := r.store.Clear(); err != nil {
		return fmt.Errorf("%w: clear: %w", ErrStore, err)
	}
	return nil
}

// SafeName reduces an advertised file name to a plain base name and adds
// an extension for mime when the name has none.
func SafeName(name, mime string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(filepath.Clean("/" + name))
	name = strings.TrimLeft(name, ".")
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	if name == "" || name == "/" {
		name = DefaultName
	}
	mime, _, _ = strings.Cut(mime, ";")
	if filepath.Ext(name) == "" && mime != "" {
		if m := mimetype.Lookup(strings.TrimSpace(mime)); m != nil {
			name += m.Extension()
		}
	}
	return name
}

// availablePath returns dir/name, or dir/"stem (n)ext" when taken.
func availablePath(dir, name string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := filepath.Join(dir, name)
	for i := 1; i < 1000; i++ {
		if _, err := os.Lstat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		} else if err != nil {
			return "", fmt.Errorf("stat %s: %w", candidate, err)
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
	}
	return "", fmt.Errorf("no free name for %s in %s", name, dir)
}
