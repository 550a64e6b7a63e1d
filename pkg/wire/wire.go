// Package wire frames application payloads into store excerpts. A frame is
// a fixed header followed by the payload, optionally compressed:
//
//	flags   (1 byte)  bit 0: payload checksummed
//	codec   (1 byte)  none, snappy, zstd
//	reserved(2 bytes)
//	checksum(8 bytes) xxhash64 of the encoded payload
//
// The checksum is computed over the bytes as stored, so a torn or corrupted
// record is caught before decompression.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/chroniq/chroniq/pkg/store"
)

// Codec identifies the payload compression applied inside a frame.
type Codec uint8

const (
	CodecNone Codec = iota
	CodecSnappy
	CodecZstd
)

const (
	// HeaderSize is the fixed frame header length.
	HeaderSize = 12

	flagChecksum = 1 << 0

	offFlags    = 0
	offCodec    = 1
	offChecksum = 4
)

var (
	// ErrUnknownCodec is returned for a codec byte this package does not know.
	ErrUnknownCodec = errors.New("unknown compression codec")

	// ErrChecksumMismatch is returned when a frame's payload does not hash
	// to its recorded checksum.
	ErrChecksumMismatch = errors.New("frame checksum mismatch")

	// ErrFrameTooShort is returned for a record smaller than a frame header.
	ErrFrameTooShort = errors.New("frame shorter than header")
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecSnappy:
		return "snappy"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// Framer encodes and decodes frames. It owns the zstd encoder and decoder,
// which are expensive to create and safe to share one at a time under its
// lock.
type Framer struct {
	mu          sync.Mutex
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
}

// NewFramer creates a framer with initialized codecs.
func NewFramer() (*Framer, error) {
	zstdEncoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	zstdDecoder, err := zstd.NewReader(nil)
	if err != nil {
		zstdEncoder.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &Framer{
		zstdEncoder: zstdEncoder,
		zstdDecoder: zstdDecoder,
	}, nil
}

// Close releases the framer's codec resources.
func (f *Framer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.zstdEncoder != nil {
		f.zstdEncoder.Close()
		f.zstdEncoder = nil
	}
	if f.zstdDecoder != nil {
		f.zstdDecoder.Close()
		f.zstdDecoder = nil
	}
	return nil
}

// Encode returns payload framed with the given codec.
func (f *Framer) Encode(payload []byte, codec Codec) ([]byte, error) {
	encoded, err := f.compress(payload, codec)
	if err != nil {
		return nil, err
	}

	frame := make([]byte, HeaderSize+len(encoded))
	frame[offFlags] = flagChecksum
	frame[offCodec] = uint8(codec)
	binary.LittleEndian.PutUint64(frame[offChecksum:], xxhash.Sum64(encoded))
	copy(frame[HeaderSize:], encoded)
	return frame, nil
}

// Decode verifies and unpacks a frame, returning the payload.
func (f *Framer) Decode(frame []byte) ([]byte, error) {
	if len(frame) < HeaderSize {
		return nil, ErrFrameTooShort
	}

	encoded := frame[HeaderSize:]
	if frame[offFlags]&flagChecksum != 0 {
		want := binary.LittleEndian.Uint64(frame[offChecksum:])
		if got := xxhash.Sum64(encoded); got != want {
			return nil, fmt.Errorf("%w: got %x want %x", ErrChecksumMismatch, got, want)
		}
	}

	return f.decompress(encoded, Codec(frame[offCodec]))
}

// WriteMessage frames payload and appends it to the store as one record.
func (f *Framer) WriteMessage(a *store.Appender, payload []byte, codec Codec) error {
	frame, err := f.Encode(payload, codec)
	if err != nil {
		return err
	}
	return a.Append(frame)
}

// ReadMessage unpacks a record previously written by WriteMessage. The
// record bytes come straight from a cursor's Bytes.
func (f *Framer) ReadMessage(record []byte) ([]byte, error) {
	return f.Decode(record)
}

func (f *Framer) compress(data []byte, codec Codec) ([]byte, error) {
	switch codec {
	case CodecNone:
		return data, nil

	case CodecSnappy:
		return snappy.Encode(nil, data), nil

	case CodecZstd:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.zstdEncoder.EncodeAll(data, nil), nil

	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownCodec, codec)
	}
}

func (f *Framer) decompress(data []byte, codec Codec) ([]byte, error) {
	switch codec {
	case CodecNone:
		return data, nil

	case CodecSnappy:
		result, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("invalid snappy payload: %w", err)
		}
		return result, nil

	case CodecZstd:
		f.mu.Lock()
		defer f.mu.Unlock()
		result, err := f.zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("invalid zstd payload: %w", err)
		}
		return result, nil

	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownCodec, codec)
	}
}
