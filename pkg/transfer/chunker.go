package transfer

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// Fragment is one sequence-numbered slice of a file.
type Fragment struct {
	Seq  uint64
	Data []byte
}

// Chunker cuts a byte stream into fragments numbered from zero.
type Chunker struct {
	r         io.Reader
	closer    io.Closer
	size      int
	total     int64
	bytesRead int64
	nextSeq   uint64
	buffer    []byte
}

var ErrIsDir = errors.New("cannot chunk a directory")

// NewChunker reads up to total bytes from r in fragments of at most size bytes.
func NewChunker(r io.Reader, total int64, size int) (*Chunker, error) {
	if size < MinFragmentSize || size > MaxFragmentSize {
		return nil, fmt.Errorf("fragment size must be between %d and %d", MinFragmentSize, MaxFragmentSize)
	}
	if total < 0 {
		return nil, fmt.Errorf("negative total size %d", total)
	}
	return &Chunker{
		r:      r,
		size:   size,
		total:  total,
		buffer: make([]byte, size),
	}, nil
}

// OpenChunker opens path and chunks its whole content.
func OpenChunker(path string, size int) (*Chunker, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrIsDir
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	c, err := NewChunker(file, info.Size(), size)
	if err != nil {
		file.Close()
		return nil, err
	}
	c.closer = file
	return c, nil
}

// Next returns the next fragment, or io.EOF once total bytes have been produced.
func (c *Chunker) Next() (Fragment, error) {
	if c.bytesRead >= c.total {
		return Fragment{}, io.EOF
	}

	want := c.size
	if remaining := c.total - c.bytesRead; remaining < int64(want) {
		want = int(remaining)
	}
	n, err := io.ReadFull(c.r, c.buffer[:want])
	if n > 0 {
		c.bytesRead += int64(n)
		// Create a copy of the data to avoid buffer reuse issues
		data := make([]byte, n)
		copy(data, c.buffer[:n])

		frag := Fragment{Seq: c.nextSeq, Data: data}
		c.nextSeq++
		return frag, nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return Fragment{}, fmt.Errorf("source ended at %d of %d bytes: %w", c.bytesRead, c.total, io.ErrUnexpectedEOF)
	}
	return Fragment{}, err
}

// BytesRead reports how much of the source has been consumed.
func (c *Chunker) BytesRead() int64 {
	return c.bytesRead
}

// Count returns how many fragments a source of total bytes yields.
func (c *Chunker) Count() uint64 {
	return FragmentCount(c.total, c.size)
}

func (c *Chunker) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// FragmentCount returns ceil(total/size).
func FragmentCount(total int64, size int) uint64 {
	if total <= 0 || size <= 0 {
		return 0
	}
	return uint64((total + int64(size) - 1) / int64(size))
}
