package block

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Block is a pinned, memory-mapped window over one fixed-size region of the
// backing file. The window stays valid until the block is released back to
// its Map and evicted.
//
// Safety contract: all raw memory access in this module goes through the
// typed accessors below. Offsets must be within the window and naturally
// aligned (4 bytes for Int32, 8 bytes for Int64); violations panic. The
// atomic accessors provide the publication ordering the index protocol
// relies on: a StoreInt32 is ordered after every plain write that preceded
// it, and a LoadInt32 that observes the stored value also observes those
// writes.
type Block struct {
	m       *Map
	idx     int64
	data    []byte
	refs    int32 // guarded by m.mu
	lastUse int64 // guarded by m.mu
}

// Index returns the block's position within the backing file.
func (b *Block) Index() int64 {
	return b.idx
}

// Bytes exposes the mapped window. Plain reads and writes through the
// returned slice are only safe on byte ranges owned by a single writer or
// already published through an index slot.
func (b *Block) Bytes() []byte {
	return b.data
}

// Int32 atomically loads the 4-byte value at off.
func (b *Block) Int32(off int64) int32 {
	return atomic.LoadInt32(b.ptr32(off))
}

// PutInt32 atomically stores v at off. This is the publication store used
// to commit index slots.
func (b *Block) PutInt32(off int64, v int32) {
	atomic.StoreInt32(b.ptr32(off), v)
}

// Int64 atomically loads the 8-byte value at off.
func (b *Block) Int64(off int64) int64 {
	return atomic.LoadInt64(b.ptr64(off))
}

// PutInt64 atomically stores v at off.
func (b *Block) PutInt64(off int64, v int64) {
	atomic.StoreInt64(b.ptr64(off), v)
}

// Sync flushes the mapped window to the backing file.
func (b *Block) Sync() error {
	if err := unix.Msync(b.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync block %d: %w", b.idx, err)
	}
	return nil
}

func (b *Block) ptr32(off int64) *int32 {
	if off < 0 || off+4 > int64(len(b.data)) {
		panic(fmt.Sprintf("block %d: int32 access at %d out of range [0,%d)", b.idx, off, len(b.data)))
	}
	if off&3 != 0 {
		panic(fmt.Sprintf("block %d: unaligned int32 access at %d", b.idx, off))
	}
	return (*int32)(unsafe.Pointer(&b.data[off]))
}

func (b *Block) ptr64(off int64) *int64 {
	if off < 0 || off+8 > int64(len(b.data)) {
		panic(fmt.Sprintf("block %d: int64 access at %d out of range [0,%d)", b.idx, off, len(b.data)))
	}
	if off&7 != 0 {
		panic(fmt.Sprintf("block %d: unaligned int64 access at %d", b.idx, off))
	}
	return (*int64)(unsafe.Pointer(&b.data[off]))
}
