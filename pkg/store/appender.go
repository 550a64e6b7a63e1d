package store

import (
	"fmt"
	"time"
)

// Appender is the store's single writer. It reserves capacity in the data
// file with StartExcerpt, accepts the record bytes through Write, and
// publishes the record to readers in Finish with a single ordered store of
// the index slot.
//
// A store tolerates exactly one live appender. The protocol is not guarded
// by a lock; a second appender is detected at Finish and reported as
// ErrConcurrentWriter.
type Appender struct {
	cursor
	open     bool
	nextSync bool
}

// NewAppender returns an appender positioned at the end of the store.
func (s *Store) NewAppender() (*Appender, error) {
	if err := s.checkNotClosed(); err != nil {
		return nil, err
	}
	a := &Appender{cursor: newCursor(s)}
	if err := a.toEnd(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// Close releases the appender's pinned blocks.
func (a *Appender) Close() {
	a.close()
}

func (a *Appender) toEnd() error {
	return a.indexForAppend(a.store.Size())
}

// StartExcerpt reserves capacity bytes for the next record and opens it for
// writing. When the record would cross the current data block boundary the
// remaining tail of the block is committed as a padding entry and the
// record starts at the next block.
func (a *Appender) StartExcerpt(capacity int64) error {
	if err := a.store.checkNotClosed(); err != nil {
		return err
	}
	if capacity >= a.dbs {
		return fmt.Errorf("%w: %d >= %d", ErrCapacityTooLarge, capacity, a.dbs)
	}
	if capacity < 0 {
		return fmt.Errorf("%w: negative capacity %d", ErrCapacityTooLarge, capacity)
	}

	// Another appender may have moved the store on; re-seek rather than
	// clobber its slots. Finish still has the final say.
	if a.seq != a.store.Size() {
		if err := a.toEnd(); err != nil {
			return err
		}
	}

	if a.pos+capacity > a.dataStart+a.dbs {
		if err := a.checkNewIndexLine(); err != nil {
			return err
		}
		if err := a.writePaddedEntry(); err != nil {
			return err
		}
		if err := a.loadNextDataBlock(); err != nil {
			return err
		}
	}

	if err := a.checkNewIndexLine(); err != nil {
		return err
	}

	a.start = a.pos
	a.limit = a.pos + capacity
	a.open = true
	a.nextSync = a.store.conf.SynchronousMode
	return nil
}

// StartDefaultExcerpt opens an excerpt with the configured message
// capacity.
func (a *Appender) StartDefaultExcerpt() error {
	return a.StartExcerpt(a.store.conf.MessageCapacity)
}

// Write copies p into the open excerpt.
func (a *Appender) Write(p []byte) (int, error) {
	if !a.open {
		return 0, ErrNoExcerpt
	}
	if a.pos+int64(len(p)) > a.limit {
		return 0, fmt.Errorf("%w: %d bytes over", ErrCapacityExceeded, a.pos+int64(len(p))-a.limit)
	}
	n := copy(a.dataBlk.Bytes()[a.pos-a.dataStart:], p)
	a.pos += int64(n)
	return n, nil
}

// Buffer returns the unwritten remainder of the open excerpt for callers
// that marshal in place. Skip then advances the write position over the
// bytes written this way; Finish publishes them.
func (a *Appender) Buffer() ([]byte, error) {
	if !a.open {
		return nil, ErrNoExcerpt
	}
	return a.dataBlk.Bytes()[a.pos-a.dataStart : a.limit-a.dataStart], nil
}

// Skip advances the write position over n bytes already placed via Buffer.
func (a *Appender) Skip(n int64) error {
	if !a.open {
		return ErrNoExcerpt
	}
	if n < 0 || a.pos+n > a.limit {
		return fmt.Errorf("%w: skip %d", ErrCapacityExceeded, n)
	}
	a.pos += n
	return nil
}

// Finish commits the open excerpt. The ordered store of the index slot is
// the publication point: a tailer that observes the slot also observes the
// record bytes.
func (a *Appender) Finish() error {
	if !a.open {
		return ErrNoExcerpt
	}
	a.open = false

	if a.seq != a.store.Size() {
		return fmt.Errorf("%w: index=%d size=%d", ErrConcurrentWriter, a.seq, a.store.Size())
	}

	offsetInBlock := a.pos - a.dataStart
	if offsetInBlock < 0 || offsetInBlock > a.dbs {
		panic(fmt.Sprintf("appender: write position %d outside data block [%d,%d]",
			a.pos, a.dataStart, a.dataStart+a.dbs))
	}

	relOff := a.dataStart + offsetInBlock - a.base
	if relOff <= 0 || relOff > int64(maxInt32) {
		panic(fmt.Sprintf("appender: relative offset %d out of range at seq %d", relOff, a.seq))
	}

	start := time.Now()
	a.idxBlk.PutInt32(a.idxPos, int32(relOff))
	a.idxPos += 4
	a.seq++
	a.store.incrSize()

	// Opening the next line eagerly keeps the base write strictly before
	// any slot of that line.
	if a.idxPos&a.clMask == 0 && a.idxPos < a.ibs {
		a.base += relOff
		a.idxBlk.PutInt64(a.idxPos, a.base)
		a.idxPos += 8
	}

	if a.nextSync {
		// Data reaches disk before the slot that publishes it.
		if err := a.dataBlk.Sync(); err != nil {
			return err
		}
		if err := a.idxBlk.Sync(); err != nil {
			return err
		}
	}

	a.store.metrics.RecordAppend(time.Since(start), a.pos-a.start, a.nextSync)
	return nil
}

// Append writes payload as one record. It is StartExcerpt, Write and
// Finish in a single call.
func (a *Appender) Append(payload []byte) error {
	if err := a.StartExcerpt(int64(len(payload))); err != nil {
		return err
	}
	if _, err := a.Write(payload); err != nil {
		return err
	}
	return a.Finish()
}

// AddPaddedEntry force-rolls the current data block, committing its unused
// tail as a padding entry and advancing the sequence by one.
func (a *Appender) AddPaddedEntry() error {
	if err := a.store.checkNotClosed(); err != nil {
		return err
	}
	if a.seq != a.store.Size() {
		if err := a.toEnd(); err != nil {
			return err
		}
	}

	if err := a.checkNewIndexLine(); err != nil {
		return err
	}
	if err := a.writePaddedEntry(); err != nil {
		return err
	}
	if err := a.loadNextDataBlock(); err != nil {
		return err
	}
	return a.checkNewIndexLine()
}

// writePaddedEntry commits the tail of the current data block as a padding
// record. The slot holds the block end relative to the line base, negated,
// so readers can still derive the next record's start from its magnitude.
func (a *Appender) writePaddedEntry() error {
	size := a.dbs + a.dataStart - a.base
	if size < 0 || size > int64(maxInt32) {
		panic(fmt.Sprintf("appender: padding size %d out of range at seq %d", size, a.seq))
	}
	if size == 0 {
		return nil
	}

	a.idxBlk.PutInt32(a.idxPos, int32(-size))
	a.idxPos += 4
	a.seq++
	a.store.incrSize()
	a.store.metrics.RecordRollover(size - (a.pos - a.base))
	return nil
}

func (a *Appender) loadNextDataBlock() error {
	if err := a.setDataBlock(a.dataBlkIdx + 1); err != nil {
		return err
	}
	a.start, a.pos, a.limit = a.dataStart, a.dataStart, a.dataStart
	return nil
}

// checkNewIndexLine opens a fresh index line when the cursor sits on a line
// boundary. Landing 4 bytes in is impossible by construction.
func (a *Appender) checkNewIndexLine() error {
	switch a.idxPos & a.clMask {
	case 0:
		return a.newIndexLine()
	case 4:
		panic("appender: index position 4 bytes into a cache line")
	}
	return nil
}

func (a *Appender) newIndexLine() error {
	if a.idxPos >= a.ibs {
		if err := a.setIndexBlock(a.idxBlkIdx + 1); err != nil {
			return err
		}
		a.idxPos = 0
	}

	a.base = a.pos
	if a.base < 0 || a.base >= 1<<48 {
		panic(fmt.Sprintf("appender: line base %d out of bounds", a.base))
	}

	a.idxBlk.PutInt64(a.idxPos, a.base)
	a.idxPos += 8
	return nil
}

const maxInt32 = 1<<31 - 1
