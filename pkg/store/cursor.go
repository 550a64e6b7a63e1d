package store

import (
	"fmt"

	"github.com/chroniq/chroniq/pkg/block"
)

// cursor carries the state shared by the appender, the tailer and the
// random-access excerpt: the pinned index and data blocks, the position
// within the index, and the byte range of the current record. All data
// positions are absolute offsets into the data file; in-block offsets are
// derived by subtracting dataStart.
type cursor struct {
	store *Store

	// geometry, copied out of the config at construction
	dbs    int64 // data block size
	ibs    int64 // index block size
	cl     int64 // cache line size
	clMask int64
	epl    int64 // index entries per line
	epb    int64 // index entries per block

	seq int64 // sequence number of the current record, -1 before start

	idxBlk    *block.Block
	idxBlkIdx int64
	idxPos    int64 // offset of the next index position within idxBlk

	dataBlk    *block.Block
	dataBlkIdx int64
	dataStart  int64 // absolute data offset of dataBlk's first byte

	base int64 // line base: absolute data offset the line's slots are relative to

	start   int64 // absolute data offset of the current record's first byte
	pos     int64 // write position within the open excerpt
	limit   int64 // absolute data offset one past the current record
	padding bool
}

func newCursor(s *Store) cursor {
	conf := s.conf
	return cursor{
		store:  s,
		dbs:    conf.DataBlockSize,
		ibs:    conf.IndexBlockSize,
		cl:     conf.CacheLineSize,
		clMask: conf.CacheLineSize - 1,
		epl:    conf.EntriesPerLine(),
		epb:    conf.EntriesPerBlock(),
		seq:    -1,
	}
}

// Sequence returns the sequence number of the record the cursor is
// positioned on, or -1 before the start of the log.
func (c *cursor) Sequence() int64 {
	return c.seq
}

// WasPadding reports whether the slot last examined was a padding entry.
func (c *cursor) WasPadding() bool {
	return c.padding
}

// LastWrittenIndex returns the owning store's last committed sequence.
func (c *cursor) LastWrittenIndex() int64 {
	return c.store.LastWrittenIndex()
}

// Size returns the owning store's record count.
func (c *cursor) Size() int64 {
	return c.store.Size()
}

// Bytes returns the committed byte range of the current record. The slice
// aliases the mapped data block and stays valid while the cursor holds it.
func (c *cursor) Bytes() []byte {
	if c.dataBlk == nil || c.limit <= c.start {
		return nil
	}
	return c.dataBlk.Bytes()[c.start-c.dataStart : c.limit-c.dataStart]
}

// close releases any pinned blocks. The cursor is unusable afterwards.
func (c *cursor) close() {
	if c.idxBlk != nil {
		c.store.index.Release(c.idxBlk)
		c.idxBlk = nil
	}
	if c.dataBlk != nil {
		c.store.data.Release(c.dataBlk)
		c.dataBlk = nil
	}
}

func (c *cursor) setIndexBlock(idx int64) error {
	if c.idxBlk != nil && c.idxBlkIdx == idx {
		return nil
	}
	b, err := c.store.index.Acquire(idx)
	if err != nil {
		return err
	}
	if c.idxBlk != nil {
		c.store.index.Release(c.idxBlk)
	}
	c.idxBlk = b
	c.idxBlkIdx = idx
	return nil
}

func (c *cursor) setDataBlock(idx int64) error {
	if c.dataBlk != nil && c.dataBlkIdx == idx {
		return nil
	}
	b, err := c.store.data.Acquire(idx)
	if err != nil {
		return err
	}
	if c.dataBlk != nil {
		c.store.data.Release(c.dataBlk)
	}
	c.dataBlk = b
	c.dataBlkIdx = idx
	c.dataStart = idx * c.dbs
	return nil
}

// slotAddr returns the in-block offset of the line holding seq's index slot
// and the slot's offset within that line.
func (c *cursor) slotAddr(seq int64) (line, inLine int64) {
	rem := seq % c.epb
	line = rem / c.epl * c.cl
	inLine = rem%c.epl*4 + 8
	return line, inLine
}

// indexForRead positions the cursor on record seq. It returns true when the
// slot holds a committed record; false when the slot is unwritten (not
// ready) or a padding entry (padding reported via WasPadding).
func (c *cursor) indexForRead(seq int64) (bool, error) {
	if seq < 0 {
		if err := c.setIndexBlock(0); err != nil {
			return false, err
		}
		if err := c.setDataBlock(0); err != nil {
			return false, err
		}
		c.idxPos = 0
		c.base = 0
		c.start, c.pos, c.limit = 0, 0, 0
		c.seq = -1
		c.padding = true
		return false, nil
	}

	if err := c.setIndexBlock(seq / c.epb); err != nil {
		return false, err
	}
	line, inLine := c.slotAddr(seq)

	off := c.idxBlk.Int32(line + inLine)
	c.base = c.idxBlk.Int64(line)
	c.idxPos = line + inLine

	// The record starts where the previous one ended; the first slot of a
	// line starts at the line base. The magnitude of a padding slot is the
	// padded region's end, so |previous| is the start either way.
	startOff := c.base
	if inLine > 8 {
		startOff += abs32(c.idxBlk.Int32(line + inLine - 4))
	}

	if err := c.setDataBlock(startOff / c.dbs); err != nil {
		return false, err
	}
	c.start = startOff
	c.pos = startOff
	c.seq = seq

	switch {
	case off > 0:
		c.limit = c.base + int64(off)
		c.idxPos += 4
		c.padding = false
		return true, nil
	case off == 0:
		// Not committed yet. Sit one before the slot so the next
		// successful advance is numbered seq.
		c.limit = c.start
		c.seq = seq - 1
		c.padding = false
		return false, nil
	default:
		// Consume the padding slot so a subsequent NextIndex lands on the
		// record after it.
		c.limit = c.base + abs32(off)
		c.idxPos += 4
		c.padding = true
		return false, nil
	}
}

// indexForAppend positions the cursor one past record seq-1, ready to
// append record seq.
func (c *cursor) indexForAppend(seq int64) error {
	if seq < 0 {
		return fmt.Errorf("%w: %d", ErrIndexOutOfBounds, seq)
	}

	if seq == 0 {
		if err := c.setIndexBlock(0); err != nil {
			return err
		}
		if err := c.setDataBlock(0); err != nil {
			return err
		}
		c.idxPos = 0
		c.base = 0
		c.start, c.pos, c.limit = 0, 0, 0
		c.seq = 0
		return nil
	}

	// The end of the previous record is where this one starts.
	prev := seq - 1
	if err := c.setIndexBlock(prev / c.epb); err != nil {
		return err
	}
	line, inLine := c.slotAddr(prev)

	c.base = c.idxBlk.Int64(line)
	dataEnd := c.base + abs32(c.idxBlk.Int32(line+inLine))

	if err := c.setDataBlock(dataEnd / c.dbs); err != nil {
		return err
	}
	c.start, c.pos, c.limit = dataEnd, dataEnd, dataEnd
	c.seq = seq
	c.idxPos = line + inLine + 4
	return nil
}

func abs32(v int32) int64 {
	if v < 0 {
		return -int64(v)
	}
	return int64(v)
}
