package store

// Tailer reads the log forward, record by record. NextIndex polls the next
// index slot: it returns false while the slot is unwritten, silently steps
// over a single padding entry, and otherwise exposes the record's bytes.
//
// Tailers never block and never write index slots or record bytes; rolling
// onto an index block the file does not reach yet extends the file with
// zeros, as any block acquire does. A tailer that sees "not ready" is
// expected to retry later.
type Tailer struct {
	cursor
}

// NewTailer returns a tailer positioned before the first record.
func (s *Store) NewTailer() (*Tailer, error) {
	if err := s.checkNotClosed(); err != nil {
		return nil, err
	}
	t := &Tailer{cursor: newCursor(s)}
	if err := t.ToStart(); err != nil {
		t.close()
		return nil, err
	}
	return t, nil
}

// Close releases the tailer's pinned blocks.
func (t *Tailer) Close() {
	t.close()
}

// ToStart rewinds the tailer to before the first record.
func (t *Tailer) ToStart() error {
	if _, err := t.indexForRead(-1); err != nil {
		return err
	}
	t.padding = false
	return nil
}

// ToEnd positions the tailer after the last committed record.
func (t *Tailer) ToEnd() error {
	_, err := t.indexForRead(t.store.Size())
	return err
}

// Index positions the tailer on record seq; see Excerpt.Index for the
// return contract.
func (t *Tailer) Index(seq int64) (bool, error) {
	if err := t.store.checkNotClosed(); err != nil {
		return false, err
	}
	return t.indexForRead(seq)
}

// NextIndex advances to the next committed record. It returns false when
// the next slot has not been published yet; a padding entry is consumed
// and the slot after it is tried once before giving up.
func (t *Tailer) NextIndex() (bool, error) {
	if err := t.store.checkNotClosed(); err != nil {
		return false, err
	}

	ok, ready, err := t.step()
	if err != nil || !ready {
		return false, err
	}
	if ok {
		return true, nil
	}

	// One padding entry sits between two records at a block boundary; the
	// record after it may already be committed.
	ok, _, err = t.step()
	return ok, err
}

// step consumes one slot. ok reports a present record, ready reports
// whether a slot could be consumed at all.
func (t *Tailer) step() (ok, ready bool, err error) {
	if proceed, err := t.checkNextLine(); err != nil || !proceed {
		return false, false, err
	}

	off := t.idxBlk.Int32(t.idxPos)
	if off == 0 {
		// The publication store and this load are both ordered; a second
		// look catches a slot committed between them.
		off = t.idxBlk.Int32(t.idxPos)
	}
	if off == 0 {
		return false, false, nil
	}

	// On the first slot of a line the base is authoritative: it was stored
	// before the slot we just observed, and the record chain restarts at
	// it.
	if t.idxPos&t.clMask == 8 {
		t.base = t.idxBlk.Int64(t.idxPos - 8)
		if err := t.chaseLimit(t.base); err != nil {
			return false, false, err
		}
	}

	t.seq++
	present := off > 0
	t.padding = !present

	t.start = t.limit
	t.pos = t.start
	if err := t.chaseLimit(t.base + abs32(off)); err != nil {
		return false, false, err
	}
	t.idxPos += 4
	return present, true, nil
}

// checkNextLine steps over a line boundary: it rolls to the next index
// block when the current one is exhausted and checks the new line is
// ready. A line whose base has not been written yet holds no committed
// slots, except the very first line of the log whose base is legitimately
// zero.
func (t *Tailer) checkNextLine() (bool, error) {
	switch t.idxPos & t.clMask {
	case 0:
		if t.idxPos >= t.ibs {
			if err := t.setIndexBlock(t.idxBlkIdx + 1); err != nil {
				return false, err
			}
			t.idxPos = 0
		}
		if t.idxBlk.Int64(t.idxPos) == 0 && !(t.idxBlkIdx == 0 && t.idxPos == 0) {
			return false, nil
		}
		t.idxPos += 8
	case 4:
		panic("tailer: index position 4 bytes into a cache line")
	}
	return true, nil
}

// chaseLimit moves limit to the absolute data offset end, following the
// data file into a later block when the offset lies past the current one.
func (t *Tailer) chaseLimit(end int64) error {
	if end-t.dataStart > t.dbs {
		if err := t.setDataBlock(end / t.dbs); err != nil {
			return err
		}
	}
	t.limit = end
	return nil
}
