// Package block maps fixed-size regions of a backing file into memory on
// demand. It is the only component that touches mmap; everything above it
// works with pinned Block windows.
package block

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	// Unpinned blocks kept mapped before the least recently used one is
	// unmapped. Readers that sweep a file re-touch recent blocks far more
	// often than old ones.
	defaultRetain = 8
)

var (
	ErrClosed = errors.New("block map is closed")
	ErrInUse  = errors.New("block map has pinned blocks")
)

// Map lazily maps block-index -> mapped window for one backing file. The
// file grows by whole zero-filled blocks as blocks are acquired. Acquire and
// Release manage pin counts; mapped windows themselves are accessed without
// locks.
//
// The block size must be a multiple of the OS page size (the store enforces
// a 4 KiB minimum power of two, which satisfies this).
type Map struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	blockSize int64
	blocks    map[int64]*Block
	size      int64 // physical file length in bytes
	tick      int64
	retain    int
	closed    bool
}

// OpenMap opens or creates the backing file at path with the given block
// size.
func OpenMap(path string, blockSize int64) (*Map, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("invalid block size %d", blockSize)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	return &Map{
		file:      file,
		path:      path,
		blockSize: blockSize,
		blocks:    make(map[int64]*Block),
		size:      stat.Size(),
		retain:    defaultRetain,
	}, nil
}

// Acquire returns a pinned reference to block idx, extending the file by
// zero-filled blocks if it does not reach that far yet. The returned window
// stays valid until the matching Release.
func (m *Map) Acquire(idx int64) (*Block, error) {
	if idx < 0 {
		return nil, fmt.Errorf("negative block index %d", idx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	if b, ok := m.blocks[idx]; ok {
		b.refs++
		m.tick++
		b.lastUse = m.tick
		return b, nil
	}

	need := (idx + 1) * m.blockSize
	if m.size < need {
		if err := m.file.Truncate(need); err != nil {
			return nil, fmt.Errorf("extend %s to %d: %w", m.path, need, err)
		}
		m.size = need
	}

	data, err := unix.Mmap(int(m.file.Fd()), idx*m.blockSize, int(m.blockSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s block %d: %w", m.path, idx, err)
	}

	m.tick++
	b := &Block{m: m, idx: idx, data: data, refs: 1, lastUse: m.tick}
	m.blocks[idx] = b
	m.evictLocked()
	return b, nil
}

// Release unpins a block previously returned by Acquire. Once its pin count
// reaches zero the block becomes eligible for unmapping.
func (m *Map) Release(b *Block) {
	if b == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if b.refs <= 0 {
		panic(fmt.Sprintf("release of unpinned block %d in %s", b.idx, m.path))
	}
	b.refs--
	m.evictLocked()
}

// Size reports the physical length of the backing file in bytes. A fresh
// store reports 0.
func (m *Map) Size() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

// Sync flushes every mapped block to the backing file.
func (m *Map) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	for _, b := range m.blocks {
		if err := unix.Msync(b.data, unix.MS_SYNC); err != nil {
			return fmt.Errorf("msync %s block %d: %w", m.path, b.idx, err)
		}
	}
	return nil
}

// Close unmaps every block and closes the file. It fails with ErrInUse
// while any block is still pinned.
func (m *Map) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	for _, b := range m.blocks {
		if b.refs > 0 {
			return fmt.Errorf("%w: block %d of %s", ErrInUse, b.idx, m.path)
		}
	}
	for idx, b := range m.blocks {
		if err := unix.Munmap(b.data); err != nil {
			return fmt.Errorf("munmap %s block %d: %w", m.path, idx, err)
		}
		delete(m.blocks, idx)
	}
	m.closed = true
	return m.file.Close()
}

// evictLocked unmaps the least recently used unpinned blocks beyond the
// retention cap. Callers hold m.mu.
func (m *Map) evictLocked() {
	unpinned := 0
	for _, b := range m.blocks {
		if b.refs == 0 {
			unpinned++
		}
	}
	for unpinned > m.retain {
		var victim *Block
		for _, b := range m.blocks {
			if b.refs != 0 {
				continue
			}
			if victim == nil || b.lastUse < victim.lastUse {
				victim = b
			}
		}
		if victim == nil {
			return
		}
		// An unmap failure here would leave the window mapped; there is
		// nothing useful to do with the error on this path.
		_ = unix.Munmap(victim.data)
		delete(m.blocks, victim.idx)
		unpinned--
	}
}
