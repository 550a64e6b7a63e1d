package store

import (
	"bytes"
	"encoding/binary"
	"runtime"
	"testing"
	"time"
)

func TestTailerEmptyStore(t *testing.T) {
	s := openTestStore(t, testBasePath(t), testConfig())
	defer s.Close()

	tl, err := s.NewTailer()
	if err != nil {
		t.Fatalf("Failed to create tailer: %v", err)
	}
	defer tl.Close()

	ok, err := tl.NextIndex()
	if err != nil {
		t.Fatalf("NextIndex on empty store: %v", err)
	}
	if ok {
		t.Error("NextIndex on empty store returned true")
	}
	if tl.Sequence() != -1 {
		t.Errorf("Sequence = %d, want -1", tl.Sequence())
	}
}

// A tailer started at 0 enumerates exactly the non-padding records in
// sequence order.
func TestSequentialEquivalence(t *testing.T) {
	s := openTestStore(t, testBasePath(t), testConfig())
	defer s.Close()

	a, err := s.NewAppender()
	if err != nil {
		t.Fatalf("Failed to create appender: %v", err)
	}
	defer a.Close()

	// Variable sizes force block rollovers and line rollovers
	var want [][]byte
	sizes := []int{10, 500, 1200, 8, 3000, 64, 2048, 17, 900, 333}
	for i := 0; i < 60; i++ {
		payload := bytes.Repeat([]byte{byte(i + 1)}, sizes[i%len(sizes)])
		want = append(want, payload)
		if err := a.Append(payload); err != nil {
			t.Fatalf("Failed to append record %d: %v", i, err)
		}
	}

	tl, err := s.NewTailer()
	if err != nil {
		t.Fatalf("Failed to create tailer: %v", err)
	}
	defer tl.Close()

	var got [][]byte
	for {
		ok, err := tl.NextIndex()
		if err != nil {
			t.Fatalf("NextIndex: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, append([]byte(nil), tl.Bytes()...))
	}

	if len(got) != len(want) {
		t.Fatalf("tailer returned %d records, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Errorf("record %d = %d bytes of %x, want %d bytes of %x",
				i, len(got[i]), got[i][0], len(want[i]), want[i][0])
		}
	}
}

// Between two records split by a data block boundary the tailer crosses
// exactly one padding entry, visible through Index but transparent to
// NextIndex.
func TestPaddingSkip(t *testing.T) {
	s := openTestStore(t, testBasePath(t), testConfig())
	defer s.Close()

	a, err := s.NewAppender()
	if err != nil {
		t.Fatalf("Failed to create appender: %v", err)
	}
	defer a.Close()
	appendRecords(t, a,
		bytes.Repeat([]byte{0xAA}, 3000),
		bytes.Repeat([]byte{0xBB}, 2000),
	)

	tl, err := s.NewTailer()
	if err != nil {
		t.Fatalf("Failed to create tailer: %v", err)
	}
	defer tl.Close()

	ok, err := tl.NextIndex()
	if err != nil || !ok {
		t.Fatalf("first NextIndex: ok=%v err=%v", ok, err)
	}
	if tl.Sequence() != 0 || len(tl.Bytes()) != 3000 {
		t.Errorf("first record: seq=%d len=%d", tl.Sequence(), len(tl.Bytes()))
	}

	// The padding entry is skipped inside one call
	ok, err = tl.NextIndex()
	if err != nil || !ok {
		t.Fatalf("second NextIndex: ok=%v err=%v", ok, err)
	}
	if tl.Sequence() != 2 || len(tl.Bytes()) != 2000 {
		t.Errorf("second record: seq=%d len=%d, want seq=2 len=2000", tl.Sequence(), len(tl.Bytes()))
	}

	// Positioned directly, the padding entry is observable
	ok, err = tl.Index(1)
	if err != nil {
		t.Fatalf("Index(1): %v", err)
	}
	if ok || !tl.WasPadding() {
		t.Errorf("Index(1): ok=%v padding=%v, want padding", ok, tl.WasPadding())
	}

	ok, err = tl.NextIndex()
	if err != nil || !ok {
		t.Fatalf("NextIndex after padding: ok=%v err=%v", ok, err)
	}
	if tl.Sequence() != 2 {
		t.Errorf("seq after padding = %d, want 2", tl.Sequence())
	}
}

func TestTailerToEndSeesNothing(t *testing.T) {
	s := openTestStore(t, testBasePath(t), testConfig())
	defer s.Close()

	a, err := s.NewAppender()
	if err != nil {
		t.Fatalf("Failed to create appender: %v", err)
	}
	defer a.Close()
	appendRecords(t, a, []byte("one"), []byte("two"))

	tl, err := s.NewTailer()
	if err != nil {
		t.Fatalf("Failed to create tailer: %v", err)
	}
	defer tl.Close()

	if err := tl.ToEnd(); err != nil {
		t.Fatalf("ToEnd: %v", err)
	}
	ok, err := tl.NextIndex()
	if err != nil {
		t.Fatalf("NextIndex at end: %v", err)
	}
	if ok {
		t.Error("NextIndex at end returned a record")
	}

	// New records become visible after the end position
	if err := a.Append([]byte("three")); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	ok, err = tl.NextIndex()
	if err != nil || !ok {
		t.Fatalf("NextIndex after append: ok=%v err=%v", ok, err)
	}
	if got := string(tl.Bytes()); got != "three" {
		t.Errorf("record = %q, want %q", got, "three")
	}
}

// One appender, one concurrent tailer: the tailer observes every record in
// order and never reads a body from an unpublished slot.
func TestConcurrentReader(t *testing.T) {
	const (
		records    = 10000
		recordSize = 100
	)

	s := openTestStore(t, testBasePath(t), testConfig())
	defer s.Close()

	writerErr := make(chan error, 1)
	go func() {
		a, err := s.NewAppender()
		if err != nil {
			writerErr <- err
			return
		}
		defer a.Close()

		payload := make([]byte, recordSize)
		for i := 0; i < records; i++ {
			binary.LittleEndian.PutUint64(payload, uint64(i))
			for j := 8; j < recordSize; j++ {
				payload[j] = byte(i)
			}
			if err := a.Append(payload); err != nil {
				writerErr <- err
				return
			}
		}
		writerErr <- nil
	}()

	tl, err := s.NewTailer()
	if err != nil {
		t.Fatalf("Failed to create tailer: %v", err)
	}
	defer tl.Close()

	deadline := time.Now().Add(30 * time.Second)
	seen := 0
	for seen < records {
		ok, err := tl.NextIndex()
		if err != nil {
			t.Fatalf("NextIndex: %v", err)
		}
		if !ok {
			if time.Now().After(deadline) {
				t.Fatalf("timed out after %d records", seen)
			}
			runtime.Gosched()
			continue
		}

		body := tl.Bytes()
		if len(body) != recordSize {
			t.Fatalf("record %d: length %d, want %d", seen, len(body), recordSize)
		}
		if got := binary.LittleEndian.Uint64(body); got != uint64(seen) {
			t.Fatalf("record %d: header %d out of order", seen, got)
		}
		for j := 8; j < recordSize; j++ {
			if body[j] != byte(seen) {
				t.Fatalf("record %d: byte %d = %d, want %d", seen, j, body[j], byte(seen))
			}
		}
		seen++
	}

	if err := <-writerErr; err != nil {
		t.Fatalf("appender failed: %v", err)
	}
}
