// Package store implements an append-only, indexed persistent log over two
// memory-mapped files: <base>.data holds the record bytes, <base>.index
// holds one 4-byte slot per record. A single appender publishes each record
// by storing its end offset into the next free index slot; any number of
// tailers and excerpts read committed records without locks.
//
// The index file is a sequence of fixed-size blocks, each a sequence of
// cache lines. A line carries an 8-byte base data offset followed by 4-byte
// slots holding end offsets relative to that base; a negative slot marks
// the padded tail of a data block before a rollover.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/chroniq/chroniq/pkg/block"
	"github.com/chroniq/chroniq/pkg/config"
)

// Store owns the two block maps backing one log and caches the sequence
// number of the most recently committed record.
type Store struct {
	basePath string
	conf     *config.Config
	index    *block.Map
	data     *block.Map

	lastWrittenIndex atomic.Int64
	closed           atomic.Bool

	metrics Metrics
}

// Option configures a Store at open time.
type Option func(*Store)

// WithMetrics attaches a metrics implementation; the default is a no-op.
func WithMetrics(m Metrics) Option {
	return func(s *Store) {
		if m != nil {
			s.metrics = m
		}
	}
}

// Open opens (or creates) the store at basePath, creating the parent
// directory if needed, and recovers the last written index from the file
// contents.
func Open(basePath string, conf *config.Config, opts ...Option) (*Store, error) {
	if conf == nil {
		conf = config.NewDefaultConfig()
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	if dir := filepath.Dir(basePath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	index, err := block.OpenMap(basePath+".index", conf.IndexBlockSize)
	if err != nil {
		return nil, err
	}
	data, err := block.OpenMap(basePath+".data", conf.DataBlockSize)
	if err != nil {
		index.Close()
		return nil, err
	}

	s := &Store{
		basePath: basePath,
		conf:     conf,
		index:    index,
		data:     data,
		metrics:  NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}

	start := time.Now()
	last, err := s.recoverLastIndex()
	if err != nil {
		index.Close()
		data.Close()
		return nil, err
	}
	s.lastWrittenIndex.Store(last)
	s.metrics.RecordRecovery(time.Since(start), last)

	return s, nil
}

// Name returns the base path backing this store.
func (s *Store) Name() string {
	return s.basePath
}

// Config returns the configuration the store was opened with.
func (s *Store) Config() *config.Config {
	return s.conf
}

// LastWrittenIndex returns the sequence number of the most recently
// committed record (padding entries included), or -1 for an empty store.
func (s *Store) LastWrittenIndex() int64 {
	return s.lastWrittenIndex.Load()
}

// Size returns the number of committed records, padding entries included.
func (s *Store) Size() int64 {
	return s.lastWrittenIndex.Load() + 1
}

func (s *Store) incrSize() {
	s.lastWrittenIndex.Add(1)
}

// Close closes both backing files. Appenders, tailers and excerpts must be
// closed first; a pinned block makes Close fail.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if err := s.index.Close(); err != nil {
		s.closed.Store(false)
		return err
	}
	if err := s.data.Close(); err != nil {
		s.closed.Store(false)
		return err
	}
	return nil
}

func (s *Store) checkNotClosed() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Clear deletes both backing files. The store must be closed first.
func (s *Store) Clear() error {
	if !s.closed.Load() {
		return ErrNotClosed
	}
	if err := os.Remove(s.basePath + ".index"); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(s.basePath + ".data"); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// recoverLastIndex scans the index file backwards for the last committed
// slot. It tolerates zero-filled trailing pages left by a crash between the
// data write and the index commit: everything past the last non-zero slot
// simply reads as unwritten.
func (s *Store) recoverLastIndex() (int64, error) {
	size := s.index.Size()
	if size <= 0 {
		return -1, nil
	}

	ib := s.conf.IndexBlockSize
	cl := s.conf.CacheLineSize
	epl := s.conf.EntriesPerLine()

	for blk := size/ib - 1; blk >= 0; blk-- {
		b, err := s.index.Acquire(blk)
		if err != nil {
			return 0, err
		}

		// A block whose first line base was never written is treated as
		// empty and skipped, unless it is block 0 (whose first base is
		// legitimately zero).
		if blk > 0 && b.Int64(0) == 0 {
			s.index.Release(b)
			continue
		}

		for pos := int64(0); pos < ib; pos += cl {
			// The last active line is the one the next line has no base
			// for, or the final line of the block.
			if pos+cl >= ib || b.Int64(pos+cl) == 0 {
				pos2 := int64(8)
				for ; pos2 < cl; pos2 += 4 {
					if b.Int32(pos+pos2) == 0 {
						break
					}
				}
				// Padding semantics never leave a hole inside a line: a
				// non-zero slot after the first zero means the file is
				// not a log this code wrote.
				for rest := pos2 + 4; rest < cl; rest += 4 {
					if b.Int32(pos+rest) != 0 {
						s.index.Release(b)
						return 0, fmt.Errorf("%w: slot at block %d offset %d set after unwritten slot",
							ErrCorrupt, blk, pos+rest)
					}
				}
				seq := (blk*ib+pos)/cl*epl + pos2/4 - 3
				s.index.Release(b)
				return seq, nil
			}
		}

		// Every line of the block has a base; the block is full.
		s.index.Release(b)
		return (blk + 1) * ib / cl * epl, nil
	}

	return -1, nil
}
