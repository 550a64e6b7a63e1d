package queue

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/chroniq/chroniq/pkg/config"
)

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.DataBlockSize = 4096
	cfg.IndexBlockSize = 4096
	cfg.MessageCapacity = 1024
	return cfg
}

type recordingListener struct {
	acquired []int
	released []int
}

func (l *recordingListener) OnAcquired(cycle int, file string) {
	l.acquired = append(l.acquired, cycle)
}

func (l *recordingListener) OnReleased(cycle int, file string) {
	l.released = append(l.released, cycle)
}

func TestAcquireCreatesStore(t *testing.T) {
	dir := t.TempDir()
	listener := &recordingListener{}
	p := NewPool(dir, "q", testConfig(), listener, nil)
	defer p.Close()

	h, err := p.Acquire(3, true)
	if err != nil {
		t.Fatalf("Failed to acquire cycle 3: %v", err)
	}
	if h == nil {
		t.Fatal("Acquire returned nil handle")
	}
	if h.Cycle() != 3 {
		t.Errorf("Cycle = %d, want 3", h.Cycle())
	}

	if _, err := os.Stat(filepath.Join(dir, "q-00000003.index")); err != nil {
		t.Errorf("cycle files missing: %v", err)
	}
	if len(listener.acquired) != 1 || listener.acquired[0] != 3 {
		t.Errorf("acquired notifications = %v, want [3]", listener.acquired)
	}

	if err := p.Release(h); err != nil {
		t.Fatalf("Failed to release: %v", err)
	}
	if len(listener.released) != 1 || listener.released[0] != 3 {
		t.Errorf("released notifications = %v, want [3]", listener.released)
	}
}

func TestAcquireAbsentWithoutCreate(t *testing.T) {
	p := NewPool(t.TempDir(), "q", testConfig(), nil, nil)
	defer p.Close()

	h, err := p.Acquire(1, false)
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	if h != nil {
		t.Error("Acquire on absent cycle returned a handle")
	}
}

func TestAcquireSharesStore(t *testing.T) {
	listener := &recordingListener{}
	p := NewPool(t.TempDir(), "q", testConfig(), listener, nil)
	defer p.Close()

	h1, err := p.Acquire(1, true)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	h2, err := p.Acquire(1, true)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}

	if h1.Store != h2.Store {
		t.Error("two handles for the same cycle hold different stores")
	}
	// A cache hit does not re-notify
	if len(listener.acquired) != 1 {
		t.Errorf("acquired notifications = %v, want one", listener.acquired)
	}

	// The store survives the first release
	if err := p.Release(h1); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if len(listener.released) != 0 {
		t.Errorf("released notifications after first release = %v", listener.released)
	}
	a, err := h2.NewAppender()
	if err != nil {
		t.Fatalf("store unusable after partial release: %v", err)
	}
	if err := a.Append([]byte("still alive")); err != nil {
		t.Fatalf("append after partial release: %v", err)
	}
	a.Close()

	if err := p.Release(h2); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if len(listener.released) != 1 {
		t.Errorf("released notifications = %v, want one", listener.released)
	}
}

func TestReacquireReopens(t *testing.T) {
	dir := t.TempDir()
	p := NewPool(dir, "q", testConfig(), nil, nil)
	defer p.Close()

	h, err := p.Acquire(1, true)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	a, err := h.NewAppender()
	if err != nil {
		t.Fatalf("NewAppender: %v", err)
	}
	if err := a.Append([]byte("persisted")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	a.Close()
	if err := p.Release(h); err != nil {
		t.Fatalf("Release: %v", err)
	}

	h2, err := p.Acquire(1, false)
	if err != nil {
		t.Fatalf("re-Acquire: %v", err)
	}
	if h2 == nil {
		t.Fatal("re-Acquire returned nil for populated cycle")
	}
	if got := h2.LastWrittenIndex(); got != 0 {
		t.Errorf("LastWrittenIndex after reopen = %d, want 0", got)
	}
	p.Release(h2)
}

func TestCyclesAndNextCycle(t *testing.T) {
	p := NewPool(t.TempDir(), "q", testConfig(), nil, nil)
	defer p.Close()

	for _, cycle := range []int{5, 2, 9} {
		h, err := p.Acquire(cycle, true)
		if err != nil {
			t.Fatalf("Acquire(%d): %v", cycle, err)
		}
		if err := p.Release(h); err != nil {
			t.Fatalf("Release(%d): %v", cycle, err)
		}
	}

	cycles, err := p.Cycles(0, 100)
	if err != nil {
		t.Fatalf("Cycles: %v", err)
	}
	if len(cycles) != 3 || cycles[0] != 2 || cycles[1] != 5 || cycles[2] != 9 {
		t.Errorf("Cycles = %v, want [2 5 9]", cycles)
	}

	cycles, err = p.Cycles(3, 8)
	if err != nil {
		t.Fatalf("Cycles(3,8): %v", err)
	}
	if len(cycles) != 1 || cycles[0] != 5 {
		t.Errorf("Cycles(3,8) = %v, want [5]", cycles)
	}

	next, ok, err := p.NextCycle(2, Forward)
	if err != nil || !ok || next != 5 {
		t.Errorf("NextCycle(2, Forward) = %d/%v/%v, want 5", next, ok, err)
	}
	prev, ok, err := p.NextCycle(9, Backward)
	if err != nil || !ok || prev != 5 {
		t.Errorf("NextCycle(9, Backward) = %d/%v/%v, want 5", prev, ok, err)
	}
	if _, ok, _ := p.NextCycle(9, Forward); ok {
		t.Error("NextCycle past the last cycle reported ok")
	}
	if _, ok, _ := p.NextCycle(2, Backward); ok {
		t.Error("NextCycle before the first cycle reported ok")
	}
}

func TestPoolClose(t *testing.T) {
	listener := &recordingListener{}
	p := NewPool(t.TempDir(), "q", testConfig(), listener, nil)

	h, err := p.Acquire(1, true)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	_ = h

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(listener.released) != 1 {
		t.Errorf("released notifications = %v, want one", listener.released)
	}

	if _, err := p.Acquire(2, true); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Acquire after close = %v, want ErrPoolClosed", err)
	}
}
