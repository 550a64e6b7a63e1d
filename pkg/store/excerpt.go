package store

// Excerpt is a random-access reader: Index positions it on an arbitrary
// sequence number in O(1), and the binary searches below are built on top
// of that.
type Excerpt struct {
	cursor
}

// Comparator orders the record an excerpt is positioned on against a key
// held by the caller: negative when the record sorts before the key, zero
// on a match, positive after.
type Comparator func(*Excerpt) int

// NewExcerpt returns a random-access reader positioned before the start.
func (s *Store) NewExcerpt() (*Excerpt, error) {
	if err := s.checkNotClosed(); err != nil {
		return nil, err
	}
	e := &Excerpt{cursor: newCursor(s)}
	if _, err := e.indexForRead(-1); err != nil {
		e.close()
		return nil, err
	}
	return e, nil
}

// Close releases the excerpt's pinned blocks.
func (e *Excerpt) Close() {
	e.close()
}

// Index positions the excerpt on record seq. It returns true when the
// record is committed and readable through Bytes. It returns false for a
// negative seq (cursor rewound to before the start), for a slot not yet
// written (WasPadding reports false), and for a padding entry (WasPadding
// reports true).
func (e *Excerpt) Index(seq int64) (bool, error) {
	if err := e.store.checkNotClosed(); err != nil {
		return false, err
	}
	return e.indexForRead(seq)
}

// NextIndex advances to the next committed record, stepping over a single
// padding entry the way the tailer does.
func (e *Excerpt) NextIndex() (bool, error) {
	if err := e.store.checkNotClosed(); err != nil {
		return false, err
	}

	prev := e.seq
	ok, err := e.indexForRead(e.seq + 1)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	if e.padding {
		return e.indexForRead(e.seq + 1)
	}
	e.seq = prev
	return false, nil
}

// FindMatch binary-searches the committed records for one the comparator
// reports as equal and returns its sequence number. When no record
// matches, it returns the insertion point encoded as ^seq (negative).
// Landing on a padding or unwritten slot steps back one record and
// retries, which is safe because the comparator sees committed records in
// sequence order.
func (e *Excerpt) FindMatch(cmp Comparator) (int64, error) {
	lo, hi := int64(0), e.store.LastWrittenIndex()
	for lo <= hi {
		mid := int64(uint64(lo+hi) >> 1)
		ok, err := e.indexForRead(mid)
		if err != nil {
			return 0, err
		}
		if !ok {
			if mid > lo {
				mid--
				if _, err := e.indexForRead(mid); err != nil {
					return 0, err
				}
			} else {
				break
			}
		}
		switch c := cmp(e); {
		case c < 0:
			lo = mid + 1
		case c > 0:
			hi = mid - 1
		default:
			return mid, nil
		}
	}
	return ^lo, nil
}

// FindRange binary-searches for the half-open range [lo, hi) of records
// the comparator reports as equal. An empty range has lo == hi at the
// insertion point.
func (e *Excerpt) FindRange(cmp Comparator) (int64, int64, error) {
	// lower search range
	lo1, hi1 := int64(0), e.store.LastWrittenIndex()
	// upper search range
	lo2, hi2 := int64(0), hi1
	both := true

	// search for the low values
	for lo1 <= hi1 {
		mid := int64(uint64(lo1+hi1) >> 1)
		ok, err := e.indexForRead(mid)
		if err != nil {
			return 0, 0, err
		}
		if !ok {
			if mid > lo1 {
				mid--
				if _, err := e.indexForRead(mid); err != nil {
					return 0, 0, err
				}
			} else {
				break
			}
		}
		switch c := cmp(e); {
		case c < 0:
			lo1 = mid + 1
			if both {
				lo2 = lo1
			}
		case c > 0:
			hi1 = mid - 1
			if both {
				hi2 = hi1
			}
		default:
			hi1 = mid - 1
			if both {
				lo2 = mid + 1
			}
			both = false
		}
	}

	// search for the high values
	for lo2 <= hi2 {
		mid := int64(uint64(lo2+hi2) >> 1)
		ok, err := e.indexForRead(mid)
		if err != nil {
			return 0, 0, err
		}
		if !ok {
			if mid > lo2 {
				mid--
				if _, err := e.indexForRead(mid); err != nil {
					return 0, 0, err
				}
			} else {
				break
			}
		}
		if cmp(e) <= 0 {
			lo2 = mid + 1
		} else {
			hi2 = mid - 1
		}
	}

	return lo1, lo2, nil
}
