package transfer

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/rescp17/peerFileSharer/pkg/crypto"
)

// seqSize is the length of the big-endian sequence header.
const seqSize = 8

// maxFrameSize bounds an inflated frame so a hostile peer cannot balloon memory.
const maxFrameSize = seqSize + 64 + MaxFragmentSize + 64

// Codec converts fragments to and from their wire form:
//
//	deflate( seq[8] | nonce | AEAD(seal, aad = seq[8]) )
//
// Compression is optional and must match on both ends.
type Codec struct {
	cipher   crypto.Cipher
	compress bool
	level    int
	writers  sync.Pool
}

// NewCodec returns a codec sealing with c.
func NewCodec(c crypto.Cipher, compress bool, level int) *Codec {
	return &Codec{cipher: c, compress: compress, level: level}
}

// Encode seals raw under a fresh nonce and frames it with seq.
func (c *Codec) Encode(seq uint64, raw []byte) ([]byte, error) {
	nonce, err := c.cipher.NewNonce()
	if err != nil {
		return nil, err
	}

	frame := make([]byte, seqSize+len(nonce), seqSize+len(nonce)+len(raw)+c.cipher.Overhead())
	binary.BigEndian.PutUint64(frame[:seqSize], seq)
	copy(frame[seqSize:], nonce)

	sealed, err := c.cipher.Seal(nonce, raw, frame[:seqSize])
	if err != nil {
		return nil, fmt.Errorf("seal fragment %d: %w", seq, err)
	}
	frame = append(frame, sealed...)

	if !c.compress {
		return frame, nil
	}
	return c.deflate(frame)
}

// Decode reverses Encode. Every failure wraps ErrCorruptFragment.
func (c *Codec) Decode(wire []byte) (uint64, []byte, error) {
	frame := wire
	if c.compress {
		var err error
		frame, err = inflate(wire)
		if err != nil {
			return 0, nil, fmt.Errorf("%w: inflate: %v", ErrCorruptFragment, err)
		}
	}

	nonceSize := c.cipher.NonceSize()
	if len(frame) < seqSize+nonceSize+c.cipher.Overhead() {
		return 0, nil, fmt.Errorf("%w: frame of %d bytes is too short", ErrCorruptFragment, len(frame))
	}
	seq := binary.BigEndian.Uint64(frame[:seqSize])
	nonce := frame[seqSize : seqSize+nonceSize]

	raw, err := c.cipher.Open(nonce, frame[seqSize+nonceSize:], frame[:seqSize])
	if err != nil {
		return 0, nil, fmt.Errorf("%w: fragment %d: %v", ErrCorruptFragment, seq, err)
	}
	return seq, raw, nil
}

func (c *Codec) deflate(frame []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(frame) + 64)

	w, _ := c.writers.Get().(*flate.Writer)
	if w == nil {
		var err error
		w, err = flate.NewWriter(&buf, c.level)
		if err != nil {
			return nil, fmt.Errorf("create deflate writer: %w", err)
		}
	} else {
		w.Reset(&buf)
	}
	defer c.writers.Put(w)

	if _, err := w.Write(frame); err != nil {
		return nil, fmt.Errorf("deflate: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("deflate: %w", err)
	}
	return buf.Bytes(), nil
}

func inflate(wire []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(wire))
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, maxFrameSize+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxFrameSize {
		return nil, fmt.Errorf("inflated frame exceeds %d bytes", maxFrameSize)
	}
	return out, nil
}

// ProgressSize is the length of a progress report on the wire.
const ProgressSize = 8

// EncodeProgress renders a cumulative received-byte count.
func EncodeProgress(received uint64) []byte {
	b := make([]byte, ProgressSize)
	binary.BigEndian.PutUint64(b, received)
	return b
}

// DecodeProgress parses a report produced by EncodeProgress.
func DecodeProgress(b []byte) (uint64, error) {
	if len(b) != ProgressSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrBadProgress, len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}
